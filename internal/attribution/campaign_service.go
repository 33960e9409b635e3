package attribution

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/radiusdt/attribution-api/internal/metrics"
	"github.com/radiusdt/attribution-api/internal/models"
	"github.com/radiusdt/attribution-api/internal/storage"
)

// CampaignService is the write path used by the ad-platform sync jobs.
// It validates input and delegates persistence to the repository.
type CampaignService struct {
	repo    storage.CampaignRepo
	metrics *metrics.Metrics
}

// NewCampaignService constructs a CampaignService backed by the given repo.
func NewCampaignService(repo storage.CampaignRepo, m *metrics.Metrics) *CampaignService {
	return &CampaignService{repo: repo, metrics: m}
}

// GetCampaign returns a campaign with its daily metrics.
func (s *CampaignService) GetCampaign(ctx context.Context, id int64) (*models.Campaign, error) {
	c, err := s.repo.GetCampaign(ctx, id)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, unavailable(err)
	}
	return c, err
}

// UpsertCampaign validates c and saves it. A missing documentId is
// generated.
func (s *CampaignService) UpsertCampaign(ctx context.Context, c *models.Campaign) (*models.Campaign, error) {
	if c.DocumentID == "" {
		c.DocumentID = uuid.NewString()
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
	}
	stored, err := s.repo.UpsertCampaign(ctx, c)
	if err != nil {
		return nil, unavailable(err)
	}
	return stored, nil
}

// AppendDailyMetrics validates and appends daily metrics to a campaign.
func (s *CampaignService) AppendDailyMetrics(ctx context.Context, campaignID int64, entries []models.DailyMetric) error {
	if len(entries) == 0 {
		return fmt.Errorf("%w: no entries", models.ErrInvalidInput)
	}
	for i := range entries {
		if err := entries[i].Validate(); err != nil {
			s.metrics.RecordDailyMetricWrite("invalid")
			return fmt.Errorf("%w: entry %d: %v", models.ErrInvalidInput, i, err)
		}
	}

	err := s.repo.AppendDailyMetrics(ctx, campaignID, entries)
	switch {
	case err == nil:
		s.metrics.RecordDailyMetricWrite("ok")
		return nil
	case errors.Is(err, models.ErrConflict):
		s.metrics.RecordDailyMetricWrite("conflict")
		return err
	case errors.Is(err, models.ErrNotFound):
		s.metrics.RecordDailyMetricWrite("not_found")
		return err
	default:
		s.metrics.RecordDailyMetricWrite("error")
		return unavailable(err)
	}
}
