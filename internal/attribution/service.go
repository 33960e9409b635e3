package attribution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/radiusdt/attribution-api/internal/metrics"
	"github.com/radiusdt/attribution-api/internal/models"
	"github.com/radiusdt/attribution-api/internal/storage"
	"go.uber.org/zap"
)

// Query selects the campaign and window to attribute. A non-zero
// ProjectID must equal the campaign's project.
type Query struct {
	CampaignID int64
	ProjectID  int64
	Window     models.Window
}

// Options tune the attribution service.
type Options struct {
	ZeroSpendROAS float64
	QueryTimeout  time.Duration
}

// Service computes campaign attribution at request time from the
// campaign and webhook event stores.
type Service struct {
	campaigns  storage.CampaignRepo
	events     storage.WebhookEventRepo
	matcher    *Matcher
	aggregator Aggregator
	timeout    time.Duration
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

func NewService(
	campaigns storage.CampaignRepo,
	events storage.WebhookEventRepo,
	opts Options,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Service {
	return &Service{
		campaigns:  campaigns,
		events:     events,
		matcher:    NewMatcher(logger, m),
		aggregator: Aggregator{ZeroSpendROAS: opts.ZeroSpendROAS},
		timeout:    opts.QueryTimeout,
		metrics:    m,
		logger:     logger,
	}
}

// CampaignAttribution returns the attribution for q. It fails with
// models.ErrNotFound for an unknown campaign, models.ErrForbidden on a
// project mismatch and models.ErrUpstreamUnavailable when a store
// cannot be read. No partial result is returned.
func (s *Service) CampaignAttribution(ctx context.Context, q Query) (*models.CampaignAttribution, error) {
	start := time.Now()
	res, err := s.compute(ctx, q)

	outcome := "ok"
	switch {
	case errors.Is(err, models.ErrNotFound):
		outcome = "not_found"
	case errors.Is(err, models.ErrForbidden):
		outcome = "forbidden"
	case errors.Is(err, models.ErrInvalidInput):
		outcome = "invalid"
	case err != nil:
		outcome = "unavailable"
		s.logger.Error("attribution failed",
			zap.Int64("campaign_id", q.CampaignID),
			zap.Error(err),
		)
	}

	matched := 0
	if res != nil {
		matched = len(res.MatchedEvents)
	}
	s.metrics.RecordAttribution(outcome, time.Since(start), matched)
	return res, err
}

func (s *Service) compute(ctx context.Context, q Query) (*models.CampaignAttribution, error) {
	w := q.Window
	if !w.From.IsZero() && !w.To.IsZero() && models.Day(w.From).After(models.Day(w.To)) {
		return nil, fmt.Errorf("from is after to: %w", models.ErrInvalidInput)
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	campaign, err := s.campaigns.GetCampaign(ctx, q.CampaignID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
		return nil, unavailable(err)
	}
	if q.ProjectID != 0 && q.ProjectID != campaign.ProjectID {
		return nil, fmt.Errorf("campaign %d belongs to another project: %w", campaign.ID, models.ErrForbidden)
	}

	projectCampaigns, err := s.campaigns.ListProjectCampaigns(ctx, campaign.ProjectID)
	if err != nil {
		return nil, unavailable(err)
	}

	filter := storage.EventFilter{ProjectID: campaign.ProjectID, Until: w.EndExclusive()}
	if !w.From.IsZero() {
		filter.From = models.Day(w.From)
	}
	events, err := s.events.ListProjectEvents(ctx, filter)
	if err != nil {
		return nil, unavailable(err)
	}

	inWindow := events[:0:0]
	for _, e := range events {
		if w.Contains(e.ProcessedAt) {
			inWindow = append(inWindow, e)
		}
	}

	matched := s.matcher.Match(campaign, projectCampaigns, inWindow)
	return s.aggregator.Aggregate(campaign, matched, w), nil
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", models.ErrUpstreamUnavailable, err)
}
