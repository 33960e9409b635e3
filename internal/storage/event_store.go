package storage

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/radiusdt/attribution-api/internal/models"
)

// InMemoryEventStore provides in-memory storage for webhook events.
type InMemoryEventStore struct {
	mu     sync.RWMutex
	nextID int64
	events []*models.WebhookEvent

	// (project, source, externalId, eventType) -> id
	byExternal map[string]int64
}

// NewInMemoryEventStore creates a new in-memory event store.
func NewInMemoryEventStore() *InMemoryEventStore {
	return &InMemoryEventStore{
		byExternal: make(map[string]int64),
	}
}

func externalKey(e *models.WebhookEvent) string {
	return strings.Join([]string{
		docKey(e.ProjectID, string(e.Source)),
		e.ExternalID,
		strings.ToLower(e.EventType),
	}, "|")
}

func (s *InMemoryEventStore) SaveEvent(ctx context.Context, e *models.WebhookEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var key string
	if e.ExternalID != "" {
		key = externalKey(e)
		if id, ok := s.byExternal[key]; ok {
			e.ID = id
			return false, nil
		}
	}

	s.nextID++
	e.ID = s.nextID
	cp := cloneEvent(e)
	s.events = append(s.events, cp)
	if key != "" {
		s.byExternal[key] = cp.ID
	}
	return true, nil
}

func (s *InMemoryEventStore) ListProjectEvents(ctx context.Context, f EventFilter) ([]*models.WebhookEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res := make([]*models.WebhookEvent, 0)
	for _, e := range s.events {
		if f.matches(e) {
			res = append(res, cloneEvent(e))
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if !res[i].ProcessedAt.Equal(res[j].ProcessedAt) {
			return res[i].ProcessedAt.Before(res[j].ProcessedAt)
		}
		return res[i].ID < res[j].ID
	})
	return res, nil
}

// Len returns the number of stored events.
func (s *InMemoryEventStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

func cloneEvent(e *models.WebhookEvent) *models.WebhookEvent {
	cp := *e
	if e.Amount != nil {
		a := *e.Amount
		cp.Amount = &a
	}
	if e.Product != nil {
		p := *e.Product
		cp.Product = &p
	}
	return &cp
}
