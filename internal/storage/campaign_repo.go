package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/radiusdt/attribution-api/internal/models"
)

// InMemoryCampaignRepo is a thread-safe in-memory CampaignRepo. Stored
// values are copied on the way in and out.
type InMemoryCampaignRepo struct {
	mu        sync.RWMutex
	nextID    int64
	campaigns map[int64]*models.Campaign
	byDoc     map[string]int64 // projectId/documentId -> id
	now       func() time.Time
}

// NewInMemoryCampaignRepo creates an empty in-memory campaign repo.
func NewInMemoryCampaignRepo() *InMemoryCampaignRepo {
	return &InMemoryCampaignRepo{
		campaigns: make(map[int64]*models.Campaign),
		byDoc:     make(map[string]int64),
		now:       time.Now,
	}
}

func docKey(projectID int64, documentID string) string {
	return fmt.Sprintf("%d/%s", projectID, documentID)
}

func (r *InMemoryCampaignRepo) GetCampaign(ctx context.Context, id int64) (*models.Campaign, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.campaigns[id]
	if !ok {
		return nil, fmt.Errorf("campaign %d: %w", id, models.ErrNotFound)
	}
	return cloneCampaign(c), nil
}

func (r *InMemoryCampaignRepo) ListProjectCampaigns(ctx context.Context, projectID int64) ([]*models.Campaign, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := make([]*models.Campaign, 0)
	for _, c := range r.campaigns {
		if c.ProjectID == projectID {
			res = append(res, cloneCampaign(c))
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (r *InMemoryCampaignRepo) UpsertCampaign(ctx context.Context, c *models.Campaign) (*models.Campaign, error) {
	if c == nil {
		return nil, fmt.Errorf("nil campaign: %w", models.ErrInvalidInput)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	key := docKey(c.ProjectID, c.DocumentID)
	if id, ok := r.byDoc[key]; ok {
		stored := r.campaigns[id]
		stored.ExternalID = c.ExternalID
		stored.Name = c.Name
		stored.Status = c.Status
		stored.Platform = c.Platform
		stored.UpdatedAt = now
		return cloneCampaign(stored), nil
	}

	r.nextID++
	cp := *c
	cp.ID = r.nextID
	cp.DailyMetrics = nil
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = now
	}
	r.campaigns[cp.ID] = &cp
	r.byDoc[key] = cp.ID
	return cloneCampaign(&cp), nil
}

func (r *InMemoryCampaignRepo) AppendDailyMetrics(ctx context.Context, campaignID int64, metrics []models.DailyMetric) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.campaigns[campaignID]
	if !ok {
		return fmt.Errorf("campaign %d: %w", campaignID, models.ErrNotFound)
	}

	existing := make(map[time.Time]models.DailyMetric, len(c.DailyMetrics))
	for _, m := range c.DailyMetrics {
		existing[m.Date] = m
	}

	var added []models.DailyMetric
	for _, m := range metrics {
		m.Date = models.Day(m.Date)
		if prev, ok := existing[m.Date]; ok {
			if !prev.SameValues(m) {
				return fmt.Errorf("daily metric %s: %w", m.Date.Format(time.DateOnly), models.ErrConflict)
			}
			continue
		}
		existing[m.Date] = m
		added = append(added, m)
	}
	if len(added) == 0 {
		return nil
	}

	c.DailyMetrics = append(c.DailyMetrics, added...)
	sort.Slice(c.DailyMetrics, func(i, j int) bool {
		return c.DailyMetrics[i].Date.Before(c.DailyMetrics[j].Date)
	})
	c.UpdatedAt = r.now().UTC()
	return nil
}

func cloneCampaign(c *models.Campaign) *models.Campaign {
	cp := *c
	cp.DailyMetrics = append([]models.DailyMetric(nil), c.DailyMetrics...)
	return &cp
}
