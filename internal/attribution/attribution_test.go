package attribution

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/radiusdt/attribution-api/internal/metrics"
	"github.com/radiusdt/attribution-api/internal/models"
	"github.com/radiusdt/attribution-api/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const projectID = 7

var baseTime = time.Date(2024, 11, 29, 12, 0, 0, 0, time.UTC)

func ptr(f float64) *float64 { return &f }

func date(s string) time.Time {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		panic(err)
	}
	return t
}

type fixture struct {
	campaigns *storage.InMemoryCampaignRepo
	events    *storage.InMemoryEventStore
	metrics   *metrics.Metrics
	service   *Service
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	m := metrics.NewMetrics("test", prometheus.NewRegistry())
	f := &fixture{
		campaigns: storage.NewInMemoryCampaignRepo(),
		events:    storage.NewInMemoryEventStore(),
		metrics:   m,
	}
	f.service = NewService(f.campaigns, f.events, opts, m, zap.NewNop())
	return f
}

func (f *fixture) campaign(t *testing.T, doc, externalID, name string, daily ...models.DailyMetric) *models.Campaign {
	t.Helper()
	ctx := context.Background()
	c, err := f.campaigns.UpsertCampaign(ctx, &models.Campaign{
		DocumentID: doc,
		ProjectID:  projectID,
		ExternalID: externalID,
		Name:       name,
		Status:     models.CampaignStatusActive,
		Platform:   models.PlatformMeta,
	})
	require.NoError(t, err)
	if len(daily) > 0 {
		require.NoError(t, f.campaigns.AppendDailyMetrics(ctx, c.ID, daily))
	}
	return c
}

func (f *fixture) event(t *testing.T, e models.WebhookEvent) *models.WebhookEvent {
	t.Helper()
	if e.ProjectID == 0 {
		e.ProjectID = projectID
	}
	if e.Source == "" {
		e.Source = models.SourceCustom
	}
	if e.EventType == "" {
		e.EventType = "purchase"
	}
	if e.ProcessedAt.IsZero() {
		e.ProcessedAt = baseTime
	}
	_, err := f.events.SaveEvent(context.Background(), &e)
	require.NoError(t, err)
	return &e
}

func TestCampaignAttribution_MatchesByExternalIDAndName(t *testing.T) {
	f := newFixture(t, Options{})
	c := f.campaign(t, "doc-bf", "C1", "Black Friday", models.DailyMetric{Date: date("2024-11-29"), Spend: 200})

	f.event(t, models.WebhookEvent{UTMCampaign: "C1", Amount: ptr(100), ProcessedAt: baseTime})
	f.event(t, models.WebhookEvent{UTMCampaign: "black friday", Amount: ptr(50), ProcessedAt: baseTime.Add(time.Minute)})
	f.event(t, models.WebhookEvent{UTMCampaign: "other", Amount: ptr(999)})

	res, err := f.service.CampaignAttribution(context.Background(), Query{CampaignID: c.ID})
	require.NoError(t, err)

	assert.Equal(t, c.ID, res.CampaignID)
	assert.Equal(t, "Black Friday", res.CampaignName)
	assert.Equal(t, "doc-bf", res.CampaignDocumentID)
	assert.Len(t, res.MatchedEvents, 2)
	assert.Equal(t, 150.0, res.TotalRevenue)
	assert.Equal(t, 200.0, res.TotalSpend)
	assert.Equal(t, 0.75, res.ROAS)
	assert.Equal(t, 2, res.SalesCount)
	for _, e := range res.MatchedEvents {
		assert.NotEqual(t, "other", e.UTMCampaign)
	}
}

func TestCampaignAttribution_NoMatchingEvents(t *testing.T) {
	f := newFixture(t, Options{})
	c := f.campaign(t, "doc", "C1", "Black Friday", models.DailyMetric{Date: date("2024-11-29"), Spend: 80})
	f.event(t, models.WebhookEvent{UTMCampaign: "someone else", Amount: ptr(10)})
	f.event(t, models.WebhookEvent{UTMCampaign: "", Amount: ptr(10)})

	res, err := f.service.CampaignAttribution(context.Background(), Query{CampaignID: c.ID})
	require.NoError(t, err)

	assert.NotNil(t, res.MatchedEvents)
	assert.Empty(t, res.MatchedEvents)
	assert.Equal(t, 0.0, res.TotalRevenue)
	assert.Equal(t, 0, res.SalesCount)
	assert.Equal(t, 0.0, res.ROAS)
	assert.Equal(t, 80.0, res.TotalSpend)

	body, err := json.Marshal(res)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"matchedEvents":[]`)
}

func TestCampaignAttribution_ZeroSpend(t *testing.T) {
	tests := []struct {
		name     string
		sentinel float64
	}{
		{"default sentinel", 0},
		{"configured sentinel", -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{ZeroSpendROAS: tt.sentinel})
			c := f.campaign(t, "doc", "C1", "Launch")
			f.event(t, models.WebhookEvent{UTMCampaign: "C1", Amount: ptr(300)})

			res, err := f.service.CampaignAttribution(context.Background(), Query{CampaignID: c.ID})
			require.NoError(t, err)
			assert.Equal(t, 0.0, res.TotalSpend)
			assert.Equal(t, 300.0, res.TotalRevenue)
			assert.Equal(t, tt.sentinel, res.ROAS)
			assert.False(t, math.IsNaN(res.ROAS) || math.IsInf(res.ROAS, 0))
		})
	}
}

func TestCampaignAttribution_Idempotent(t *testing.T) {
	f := newFixture(t, Options{})
	c := f.campaign(t, "doc", "C1", "Black Friday",
		models.DailyMetric{Date: date("2024-11-28"), Spend: 33.33},
		models.DailyMetric{Date: date("2024-11-29"), Spend: 66.67},
	)
	f.event(t, models.WebhookEvent{UTMCampaign: "C1", Amount: ptr(19.9), Product: &models.Product{ID: "p1", Name: "Course"}})
	f.event(t, models.WebhookEvent{UTMCampaign: "C1", Amount: ptr(0.1), ProcessedAt: baseTime})

	first, err := f.service.CampaignAttribution(context.Background(), Query{CampaignID: c.ID})
	require.NoError(t, err)
	second, err := f.service.CampaignAttribution(context.Background(), Query{CampaignID: c.ID})
	require.NoError(t, err)

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))

	assert.Equal(t, 100.0, first.TotalSpend)
	assert.Equal(t, 20.0, first.TotalRevenue)
	assert.Equal(t, first.TotalRevenue/first.TotalSpend, first.ROAS)
}

func TestCampaignAttribution_OrdersByProcessedAtThenID(t *testing.T) {
	f := newFixture(t, Options{})
	c := f.campaign(t, "doc", "C1", "Launch")
	late := f.event(t, models.WebhookEvent{UTMCampaign: "C1", Amount: ptr(1), ProcessedAt: baseTime.Add(time.Hour)})
	tieA := f.event(t, models.WebhookEvent{UTMCampaign: "C1", Amount: ptr(1), ProcessedAt: baseTime})
	tieB := f.event(t, models.WebhookEvent{UTMCampaign: "C1", Amount: ptr(1), ProcessedAt: baseTime})

	res, err := f.service.CampaignAttribution(context.Background(), Query{CampaignID: c.ID})
	require.NoError(t, err)
	require.Len(t, res.MatchedEvents, 3)
	assert.Equal(t, tieA.ID, res.MatchedEvents[0].ID)
	assert.Equal(t, tieB.ID, res.MatchedEvents[1].ID)
	assert.Equal(t, late.ID, res.MatchedEvents[2].ID)
}

func TestCampaignAttribution_Reversals(t *testing.T) {
	f := newFixture(t, Options{})
	c := f.campaign(t, "doc", "C1", "Launch", models.DailyMetric{Date: date("2024-11-29"), Spend: 100})

	f.event(t, models.WebhookEvent{Source: models.SourceHotmart, EventType: "PURCHASE_APPROVED", ExternalID: "HP1", UTMCampaign: "C1", Amount: ptr(100)})
	f.event(t, models.WebhookEvent{Source: models.SourceHotmart, EventType: "PURCHASE_REFUNDED", ExternalID: "HP1", UTMCampaign: "C1", ProcessedAt: baseTime.Add(time.Hour)})
	f.event(t, models.WebhookEvent{Source: models.SourceKiwify, EventType: "order_approved", ExternalID: "K1", UTMCampaign: "C1", Amount: ptr(80)})
	f.event(t, models.WebhookEvent{Source: models.SourceKiwify, EventType: "chargeback", ExternalID: "K1", UTMCampaign: "C1", Amount: ptr(30), ProcessedAt: baseTime.Add(2 * time.Hour)})
	f.event(t, models.WebhookEvent{Source: models.SourceKirvano, EventType: "ABANDONED_CART", UTMCampaign: "C1", Amount: ptr(500)})

	res, err := f.service.CampaignAttribution(context.Background(), Query{CampaignID: c.ID})
	require.NoError(t, err)

	assert.Len(t, res.MatchedEvents, 5)
	assert.Equal(t, 2, res.SalesCount)
	assert.Equal(t, 50.0, res.TotalRevenue)
	assert.Equal(t, 0.5, res.ROAS)
}

func TestCampaignAttribution_CompletedPurchaseCountsOnce(t *testing.T) {
	f := newFixture(t, Options{})
	c := f.campaign(t, "doc", "C1", "Launch", models.DailyMetric{Date: date("2024-11-29"), Spend: 100})

	f.event(t, models.WebhookEvent{Source: models.SourceHotmart, EventType: "PURCHASE_APPROVED", ExternalID: "HP123", UTMCampaign: "C1", Amount: ptr(100)})
	f.event(t, models.WebhookEvent{Source: models.SourceHotmart, EventType: "PURCHASE_COMPLETE", ExternalID: "HP123", UTMCampaign: "C1", Amount: ptr(100), ProcessedAt: baseTime.Add(time.Hour)})
	// same transaction code on another platform is a different sale
	f.event(t, models.WebhookEvent{Source: models.SourceKiwify, EventType: "order_approved", ExternalID: "HP123", UTMCampaign: "C1", Amount: ptr(20)})

	res, err := f.service.CampaignAttribution(context.Background(), Query{CampaignID: c.ID})
	require.NoError(t, err)

	assert.Len(t, res.MatchedEvents, 3)
	assert.Equal(t, 2, res.SalesCount)
	assert.Equal(t, 120.0, res.TotalRevenue)
	assert.Equal(t, 1.2, res.ROAS)
}

func TestCampaignAttribution_ReversalsNetPerTransaction(t *testing.T) {
	tests := []struct {
		name    string
		events  []models.WebhookEvent
		revenue float64
	}{
		{
			name: "refund then chargeback",
			events: []models.WebhookEvent{
				{Source: models.SourceKirvano, EventType: "SALE_APPROVED", ExternalID: "K1", Amount: ptr(100)},
				{Source: models.SourceKirvano, EventType: "SALE_REFUNDED", ExternalID: "K1", Amount: ptr(100), ProcessedAt: baseTime.Add(time.Hour)},
				{Source: models.SourceKirvano, EventType: "SALE_CHARGEBACK", ExternalID: "K1", Amount: ptr(100), ProcessedAt: baseTime.Add(2 * time.Hour)},
			},
			revenue: 0,
		},
		{
			name: "partial refunds capped at the sale",
			events: []models.WebhookEvent{
				{Source: models.SourceKiwify, EventType: "order_approved", ExternalID: "K2", Amount: ptr(100)},
				{Source: models.SourceKiwify, EventType: "order_refunded", ExternalID: "K2", Amount: ptr(30), ProcessedAt: baseTime.Add(time.Hour)},
				{Source: models.SourceKiwify, EventType: "chargeback", ExternalID: "K2", Amount: ptr(90), ProcessedAt: baseTime.Add(2 * time.Hour)},
			},
			revenue: 0,
		},
		{
			name: "reversal without amount after partial refund",
			events: []models.WebhookEvent{
				{Source: models.SourceHotmart, EventType: "PURCHASE_APPROVED", ExternalID: "H1", Amount: ptr(100)},
				{Source: models.SourceHotmart, EventType: "PURCHASE_REFUNDED", ExternalID: "H1", Amount: ptr(40), ProcessedAt: baseTime.Add(time.Hour)},
				{Source: models.SourceHotmart, EventType: "PURCHASE_CHARGEBACK", ExternalID: "H1", ProcessedAt: baseTime.Add(2 * time.Hour)},
			},
			revenue: 0,
		},
		{
			name: "sale outside the window reversed twice",
			events: []models.WebhookEvent{
				{Source: models.SourceKirvano, EventType: "SALE_REFUNDED", ExternalID: "K3", Amount: ptr(70)},
				{Source: models.SourceKirvano, EventType: "SALE_CHARGEBACK", ExternalID: "K3", Amount: ptr(70), ProcessedAt: baseTime.Add(time.Hour)},
			},
			revenue: -70,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{})
			c := f.campaign(t, "doc", "C1", "Launch", models.DailyMetric{Date: date("2024-11-29"), Spend: 100})
			for _, e := range tt.events {
				e.UTMCampaign = "C1"
				f.event(t, e)
			}

			res, err := f.service.CampaignAttribution(context.Background(), Query{CampaignID: c.ID})
			require.NoError(t, err)
			assert.Equal(t, tt.revenue, res.TotalRevenue)
			assert.Equal(t, tt.revenue/100, res.ROAS)
		})
	}
}

func TestCampaignAttribution_Window(t *testing.T) {
	f := newFixture(t, Options{})
	c := f.campaign(t, "doc", "C1", "Launch",
		models.DailyMetric{Date: date("2024-10-31"), Spend: 1000},
		models.DailyMetric{Date: date("2024-11-01"), Spend: 50},
		models.DailyMetric{Date: date("2024-11-30"), Spend: 50},
		models.DailyMetric{Date: date("2024-12-01"), Spend: 1000},
	)
	f.event(t, models.WebhookEvent{UTMCampaign: "C1", Amount: ptr(1), ProcessedAt: date("2024-10-31").Add(23 * time.Hour)})
	inside := f.event(t, models.WebhookEvent{UTMCampaign: "C1", Amount: ptr(40), ProcessedAt: date("2024-11-01")})
	last := f.event(t, models.WebhookEvent{UTMCampaign: "C1", Amount: ptr(60), ProcessedAt: date("2024-12-01").Add(-time.Second)})
	f.event(t, models.WebhookEvent{UTMCampaign: "C1", Amount: ptr(1), ProcessedAt: date("2024-12-01")})

	res, err := f.service.CampaignAttribution(context.Background(), Query{
		CampaignID: c.ID,
		Window:     models.Window{From: date("2024-11-01"), To: date("2024-11-30")},
	})
	require.NoError(t, err)

	require.Len(t, res.MatchedEvents, 2)
	assert.Equal(t, inside.ID, res.MatchedEvents[0].ID)
	assert.Equal(t, last.ID, res.MatchedEvents[1].ID)
	assert.Equal(t, 100.0, res.TotalSpend)
	assert.Equal(t, 100.0, res.TotalRevenue)
	assert.Equal(t, 1.0, res.ROAS)

	_, err = f.service.CampaignAttribution(context.Background(), Query{
		CampaignID: c.ID,
		Window:     models.Window{From: date("2024-12-01"), To: date("2024-11-01")},
	})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestCampaignAttribution_Ambiguity(t *testing.T) {
	f := newFixture(t, Options{})
	byExternal := f.campaign(t, "a", "X", "Promo")
	byName := f.campaign(t, "b", "", "x")
	f.event(t, models.WebhookEvent{UTMCampaign: "X", Amount: ptr(10)})

	res, err := f.service.CampaignAttribution(context.Background(), Query{CampaignID: byExternal.ID})
	require.NoError(t, err)
	assert.Len(t, res.MatchedEvents, 1)

	res, err = f.service.CampaignAttribution(context.Background(), Query{CampaignID: byName.ID})
	require.NoError(t, err)
	assert.Empty(t, res.MatchedEvents)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.AmbiguousMatches.WithLabelValues("won")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.AmbiguousMatches.WithLabelValues("lost")))
}

func TestCampaignAttribution_AmbiguityPrefersMostRecentlyActive(t *testing.T) {
	f := newFixture(t, Options{})
	older := f.campaign(t, "a", "", "Black Friday", models.DailyMetric{Date: date("2024-11-01"), Spend: 10})
	newer := f.campaign(t, "b", "", "black  friday", models.DailyMetric{Date: date("2024-11-05"), Spend: 10})
	f.event(t, models.WebhookEvent{UTMCampaign: "Black Friday", Amount: ptr(10)})

	res, err := f.service.CampaignAttribution(context.Background(), Query{CampaignID: newer.ID})
	require.NoError(t, err)
	assert.Len(t, res.MatchedEvents, 1)

	res, err = f.service.CampaignAttribution(context.Background(), Query{CampaignID: older.ID})
	require.NoError(t, err)
	assert.Empty(t, res.MatchedEvents)
}

func TestCampaignAttribution_IgnoresOtherProjects(t *testing.T) {
	f := newFixture(t, Options{})
	c := f.campaign(t, "doc", "C1", "Launch")
	f.event(t, models.WebhookEvent{ProjectID: projectID + 1, UTMCampaign: "C1", Amount: ptr(10)})

	res, err := f.service.CampaignAttribution(context.Background(), Query{CampaignID: c.ID})
	require.NoError(t, err)
	assert.Empty(t, res.MatchedEvents)
}

func TestCampaignAttribution_Errors(t *testing.T) {
	f := newFixture(t, Options{})
	c := f.campaign(t, "doc", "C1", "Launch")

	_, err := f.service.CampaignAttribution(context.Background(), Query{CampaignID: 999})
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = f.service.CampaignAttribution(context.Background(), Query{CampaignID: c.ID, ProjectID: projectID + 1})
	assert.ErrorIs(t, err, models.ErrForbidden)

	res, err := f.service.CampaignAttribution(context.Background(), Query{CampaignID: c.ID, ProjectID: projectID})
	assert.NoError(t, err)
	assert.NotNil(t, res)
}

type failingEvents struct{}

func (failingEvents) SaveEvent(context.Context, *models.WebhookEvent) (bool, error) {
	return false, errors.New("connection refused")
}

func (failingEvents) ListProjectEvents(context.Context, storage.EventFilter) ([]*models.WebhookEvent, error) {
	return nil, errors.New("connection refused")
}

type failingCampaigns struct {
	*storage.InMemoryCampaignRepo
}

func (failingCampaigns) ListProjectCampaigns(context.Context, int64) ([]*models.Campaign, error) {
	return nil, errors.New("timeout")
}

func TestCampaignAttribution_UpstreamUnavailable(t *testing.T) {
	f := newFixture(t, Options{})
	c := f.campaign(t, "doc", "C1", "Launch")
	m := metrics.NewMetrics("test", prometheus.NewRegistry())

	svc := NewService(f.campaigns, failingEvents{}, Options{}, m, zap.NewNop())
	res, err := svc.CampaignAttribution(context.Background(), Query{CampaignID: c.ID})
	assert.ErrorIs(t, err, models.ErrUpstreamUnavailable)
	assert.Nil(t, res)

	svc = NewService(failingCampaigns{f.campaigns}, f.events, Options{}, m, zap.NewNop())
	res, err = svc.CampaignAttribution(context.Background(), Query{CampaignID: c.ID})
	assert.ErrorIs(t, err, models.ErrUpstreamUnavailable)
	assert.Nil(t, res)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.AttributionRequests.WithLabelValues("unavailable")))
}

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "black friday", NormalizeName("  Black \t FRIDAY "))
	assert.Equal(t, "", NormalizeName("   "))
}

func TestMatcherDoesNotMatchEmptyName(t *testing.T) {
	m := NewMatcher(nil, nil)
	target := &models.Campaign{ID: 1, Name: "   "}
	got := m.Match(target, nil, []*models.WebhookEvent{{ID: 1, UTMCampaign: "x"}})
	assert.Empty(t, got)
}

func TestAggregatorCountsEverySaleWithoutExternalID(t *testing.T) {
	events := []*models.WebhookEvent{
		{ID: 1, Source: models.SourceHotmart, EventType: "PURCHASE_APPROVED", Amount: ptr(10)},
		{ID: 2, Source: models.SourceHotmart, EventType: "PURCHASE_CANCELED", Amount: ptr(10)},
		{ID: 3, Source: models.SourceHotmart, EventType: "PURCHASE_COMPLETE"},
	}
	res := Aggregator{}.Aggregate(&models.Campaign{ID: 1}, events, models.Window{})

	sales := 0
	for _, e := range events {
		if e.Kind() == models.EventKindSale {
			sales++
		}
	}
	assert.Equal(t, sales, res.SalesCount)
	assert.Equal(t, 10.0, res.TotalRevenue)
	assert.Len(t, res.MatchedEvents, 3)
}
