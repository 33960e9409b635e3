package storage

import (
	"context"
	"time"

	"github.com/radiusdt/attribution-api/internal/models"
)

// =============================================
// CAMPAIGN REPOSITORY
// =============================================

// CampaignRepo defines operations for campaign storage. Campaigns are
// returned with their daily metrics ordered by date.
type CampaignRepo interface {
	// GetCampaign returns models.ErrNotFound when the id is unknown.
	GetCampaign(ctx context.Context, id int64) (*models.Campaign, error)
	ListProjectCampaigns(ctx context.Context, projectID int64) ([]*models.Campaign, error)

	// UpsertCampaign inserts or updates by (projectId, documentId) and
	// returns the stored row with its id assigned. Daily metrics on the
	// input are ignored.
	UpsertCampaign(ctx context.Context, c *models.Campaign) (*models.Campaign, error)

	// AppendDailyMetrics adds entries for new dates. Resubmitting an
	// identical entry is a no-op; a differing entry for a stored date
	// fails with models.ErrConflict and nothing is written.
	AppendDailyMetrics(ctx context.Context, campaignID int64, metrics []models.DailyMetric) error
}

// =============================================
// WEBHOOK EVENT REPOSITORY
// =============================================

// EventFilter selects project events. Zero bounds are open; Until is exclusive.
type EventFilter struct {
	ProjectID int64
	From      time.Time
	Until     time.Time
}

func (f EventFilter) matches(e *models.WebhookEvent) bool {
	if e.ProjectID != f.ProjectID {
		return false
	}
	if !f.From.IsZero() && e.ProcessedAt.Before(f.From) {
		return false
	}
	if !f.Until.IsZero() && !e.ProcessedAt.Before(f.Until) {
		return false
	}
	return true
}

// WebhookEventRepo stores normalized payment-platform events.
type WebhookEventRepo interface {
	// SaveEvent assigns the id and reports inserted=false when an event
	// with the same (projectId, source, externalId, eventType) exists.
	SaveEvent(ctx context.Context, e *models.WebhookEvent) (inserted bool, err error)
	ListProjectEvents(ctx context.Context, f EventFilter) ([]*models.WebhookEvent, error)
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
