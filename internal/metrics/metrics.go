package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the attribution API.
type Metrics struct {
	// Attribution metrics
	AttributionRequests *prometheus.CounterVec
	AttributionLatency  *prometheus.HistogramVec
	MatchedEvents       prometheus.Histogram
	AmbiguousMatches    *prometheus.CounterVec

	// Webhook metrics
	WebhookEvents   *prometheus.CounterVec
	WebhookRevenue  *prometheus.CounterVec
	GeoLookupErrors prometheus.Counter

	// Campaign sync metrics
	DailyMetricWrites *prometheus.CounterVec

	// HTTP metrics
	RateLimitHits   *prometheus.CounterVec
	PanicsRecovered prometheus.Counter
}

// NewMetrics creates all Prometheus metrics and registers them with reg.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		AttributionRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attribution_requests_total",
				Help:      "Attribution computations by outcome",
			},
			[]string{"outcome"},
		),
		AttributionLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "attribution_latency_seconds",
				Help:      "Attribution computation latency",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"outcome"},
		),
		MatchedEvents: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "attribution_matched_events",
				Help:      "Number of events matched per attribution computation",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
			},
		),
		AmbiguousMatches: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attribution_ambiguous_matches_total",
				Help:      "Events whose utm_campaign matched more than one campaign",
			},
			[]string{"resolution"},
		),
		WebhookEvents: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_events_total",
				Help:      "Webhook deliveries by source, kind and outcome",
			},
			[]string{"source", "kind", "outcome"},
		),
		WebhookRevenue: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_revenue_total",
				Help:      "Gross revenue received on accepted sale events",
			},
			[]string{"source", "currency"},
		),
		GeoLookupErrors: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "geo_lookup_errors_total",
				Help:      "Failed buyer country lookups",
			},
		),
		DailyMetricWrites: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "daily_metric_writes_total",
				Help:      "Daily metric append requests by outcome",
			},
			[]string{"outcome"},
		),
		RateLimitHits: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_hits_total",
				Help:      "Requests rejected by the rate limiter",
			},
			[]string{"scope"},
		),
		PanicsRecovered: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "panics_recovered_total",
				Help:      "Handler panics turned into 500 responses",
			},
		),
	}
}

// Handler returns the Prometheus metrics HTTP handler for gatherer g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// RecordAttribution records one attribution computation.
func (m *Metrics) RecordAttribution(outcome string, latency time.Duration, matched int) {
	m.AttributionRequests.WithLabelValues(outcome).Inc()
	m.AttributionLatency.WithLabelValues(outcome).Observe(latency.Seconds())
	if outcome == "ok" {
		m.MatchedEvents.Observe(float64(matched))
	}
}

// RecordAmbiguousMatch records an event claimed by several campaigns.
func (m *Metrics) RecordAmbiguousMatch(resolution string) {
	m.AmbiguousMatches.WithLabelValues(resolution).Inc()
}

// RecordWebhook records one webhook delivery.
func (m *Metrics) RecordWebhook(source, kind, outcome string) {
	m.WebhookEvents.WithLabelValues(source, kind, outcome).Inc()
}

// RecordRevenue adds accepted sale revenue.
func (m *Metrics) RecordRevenue(source, currency string, amount float64) {
	if amount > 0 {
		m.WebhookRevenue.WithLabelValues(source, currency).Add(amount)
	}
}

// RecordGeoLookupError counts a failed country lookup.
func (m *Metrics) RecordGeoLookupError() {
	m.GeoLookupErrors.Inc()
}

// RecordDailyMetricWrite records a daily metric append.
func (m *Metrics) RecordDailyMetricWrite(outcome string) {
	m.DailyMetricWrites.WithLabelValues(outcome).Inc()
}

// RecordRateLimitHit records a rate limit hit.
func (m *Metrics) RecordRateLimitHit(scope string) {
	m.RateLimitHits.WithLabelValues(scope).Inc()
}

func (m *Metrics) RecordPanic() {
	m.PanicsRecovered.Inc()
}
