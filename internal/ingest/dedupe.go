package ingest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/radiusdt/attribution-api/internal/models"
	"github.com/redis/go-redis/v9"
)

// Deduper remembers recently seen deliveries so platform retries are
// dropped before they reach the store.
type Deduper interface {
	// MarkSeen records key and reports whether it was already present.
	MarkSeen(ctx context.Context, key string) (seen bool, err error)
	// Forget removes key so a failed delivery can be retried.
	Forget(ctx context.Context, key string) error
}

// DedupeKey identifies a delivery. Events without an external id are
// never de-duplicated.
func DedupeKey(e *models.WebhookEvent) string {
	if e.ExternalID == "" {
		return ""
	}
	return fmt.Sprintf("webhook:seen:%d:%s:%s:%s",
		e.ProjectID, e.Source, e.ExternalID, strings.ToLower(e.EventType))
}

// RedisDeduper stores keys with SET NX and a TTL.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (d *RedisDeduper) MarkSeen(ctx context.Context, key string) (bool, error) {
	ok, err := d.client.SetNX(ctx, key, time.Now().Unix(), d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return !ok, nil
}

func (d *RedisDeduper) Forget(ctx context.Context, key string) error {
	return d.client.Del(ctx, key).Err()
}

// MemoryDeduper is the single-process fallback when Redis is disabled.
type MemoryDeduper struct {
	mu      sync.Mutex
	ttl     time.Duration
	seen    map[string]time.Time // key -> expiry
	now     func() time.Time
	lastGC  time.Time
	gcEvery time.Duration
}

func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	return &MemoryDeduper{
		ttl:     ttl,
		seen:    make(map[string]time.Time),
		now:     time.Now,
		gcEvery: time.Minute,
	}
}

func (d *MemoryDeduper) MarkSeen(ctx context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if now.Sub(d.lastGC) > d.gcEvery {
		for k, exp := range d.seen {
			if now.After(exp) {
				delete(d.seen, k)
			}
		}
		d.lastGC = now
	}

	if exp, ok := d.seen[key]; ok && now.Before(exp) {
		return true, nil
	}
	d.seen[key] = now.Add(d.ttl)
	return false, nil
}

func (d *MemoryDeduper) Forget(ctx context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, key)
	return nil
}
