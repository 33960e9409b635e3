package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/radiusdt/attribution-api/internal/attribution"
	"github.com/radiusdt/attribution-api/internal/config"
	"github.com/radiusdt/attribution-api/internal/ingest"
	"github.com/radiusdt/attribution-api/internal/metrics"
	"github.com/radiusdt/attribution-api/internal/middleware"
	"github.com/radiusdt/attribution-api/internal/models"
	"go.uber.org/zap"
)

const (
	dateLayout      = "2006-01-02"
	projectIDHeader = "X-Project-ID"
	healthTimeout   = 2 * time.Second
)

// HealthCheck reports whether a backing service is reachable.
type HealthCheck func(ctx context.Context) error

// Dependencies holds all external dependencies for the server.
type Dependencies struct {
	Attribution  *attribution.Service
	Campaigns    *attribution.CampaignService
	Ingestor     *ingest.Ingestor
	Config       *config.Config
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
	Gatherer     prometheus.Gatherer
	HealthChecks map[string]HealthCheck
}

// Server wraps HTTP handlers and attribution services.
type Server struct {
	attribution  *attribution.Service
	campaigns    *attribution.CampaignService
	ingestor     *ingest.Ingestor
	config       *config.Config
	logger       *zap.Logger
	healthChecks map[string]HealthCheck
}

// NewServer constructs a new http.Handler with all routes registered.
func NewServer(deps *Dependencies) http.Handler {
	s := &Server{
		attribution:  deps.Attribution,
		campaigns:    deps.Campaigns,
		ingestor:     deps.Ingestor,
		config:       deps.Config,
		logger:       deps.Logger,
		healthChecks: deps.HealthChecks,
	}

	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteError(w, http.StatusNotFound, "NOT_FOUND", "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})

	r.Get("/health", s.handleHealth)
	if deps.Config.Metrics.Enabled && deps.Gatherer != nil {
		r.Handle(deps.Config.Metrics.Path, metrics.Handler(deps.Gatherer))
	}

	// Dashboard
	r.Get("/api/campaigns/{campaignId}/attribution", s.handleAttribution)

	// Ad-platform sync
	r.Post("/api/campaigns", s.handleUpsertCampaign)
	r.Get("/api/campaigns/{campaignId}", s.handleGetCampaign)
	r.Post("/api/campaigns/{campaignId}/daily-metrics", s.handleAppendDailyMetrics)

	// Payment platforms
	r.Post("/api/webhooks/{source}/{projectId}", s.handleWebhook)

	return r
}

// ---- Health Check ----

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	checks := make(map[string]string, len(s.healthChecks))
	healthy := true
	for name, check := range s.healthChecks {
		if err := check(ctx); err != nil {
			s.logger.Warn("health check failed", zap.String("check", name), zap.Error(err))
			checks[name] = "down"
			healthy = false
			continue
		}
		checks[name] = "up"
	}

	status := http.StatusOK
	body := map[string]any{"status": "ok"}
	if !healthy {
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
	}
	if len(checks) > 0 {
		body["checks"] = checks
	}
	s.jsonStatus(w, status, body)
}

// ---- Attribution ----

func (s *Server) handleAttribution(w http.ResponseWriter, r *http.Request) {
	campaignID, err := parseID(chi.URLParam(r, "campaignId"))
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid campaign id")
		return
	}

	q := attribution.Query{CampaignID: campaignID}
	if raw := r.Header.Get(projectIDHeader); raw != "" {
		if q.ProjectID, err = parseID(raw); err != nil {
			middleware.WriteError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid "+projectIDHeader+" header")
			return
		}
	}

	query := r.URL.Query()
	if q.Window.From, err = parseDate(query.Get("from")); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "INVALID_INPUT", "from must be YYYY-MM-DD")
		return
	}
	if q.Window.To, err = parseDate(query.Get("to")); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "INVALID_INPUT", "to must be YYYY-MM-DD")
		return
	}

	res, err := s.attribution.CampaignAttribution(r.Context(), q)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.jsonResponse(w, envelope{Data: res})
}

// ---- Campaign sync ----

type campaignRequest struct {
	DocumentID string                `json:"documentId"`
	ProjectID  int64                 `json:"projectId"`
	ExternalID string                `json:"externalId"`
	Name       string                `json:"name"`
	Status     models.CampaignStatus `json:"status"`
	Platform   models.AdPlatform     `json:"platform"`
}

func (s *Server) handleUpsertCampaign(w http.ResponseWriter, r *http.Request) {
	var req campaignRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid json")
		return
	}

	c := &models.Campaign{
		DocumentID: strings.TrimSpace(req.DocumentID),
		ProjectID:  req.ProjectID,
		ExternalID: strings.TrimSpace(req.ExternalID),
		Name:       strings.TrimSpace(req.Name),
		Status:     req.Status,
		Platform:   req.Platform,
	}
	if c.Status == "" {
		c.Status = models.CampaignStatusActive
	}

	stored, err := s.campaigns.UpsertCampaign(r.Context(), c)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.jsonResponse(w, envelope{Data: stored})
}

func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "campaignId"))
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid campaign id")
		return
	}
	c, err := s.campaigns.GetCampaign(r.Context(), id)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.jsonResponse(w, envelope{Data: c})
}

type dailyMetricEntry struct {
	Date        string  `json:"date"`
	Spend       float64 `json:"spend"`
	Clicks      int64   `json:"clicks"`
	Conversions int64   `json:"conversions"`
	Leads       int64   `json:"leads"`
}

type dailyMetricsRequest struct {
	Entries []dailyMetricEntry `json:"entries"`
}

func (s *Server) handleAppendDailyMetrics(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "campaignId"))
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid campaign id")
		return
	}

	var req dailyMetricsRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid json")
		return
	}

	entries := make([]models.DailyMetric, 0, len(req.Entries))
	for i, e := range req.Entries {
		date, err := parseDate(e.Date)
		if err != nil || date.IsZero() {
			middleware.WriteError(w, http.StatusBadRequest, "INVALID_INPUT",
				fmt.Sprintf("entries[%d].date must be YYYY-MM-DD", i))
			return
		}
		entries = append(entries, models.DailyMetric{
			Date:        date,
			Spend:       e.Spend,
			Clicks:      e.Clicks,
			Conversions: e.Conversions,
			Leads:       e.Leads,
		})
	}

	if err := s.campaigns.AppendDailyMetrics(r.Context(), id, entries); err != nil {
		s.serviceError(w, err)
		return
	}
	s.jsonResponse(w, envelope{Data: map[string]any{"campaignId": id, "entries": len(entries)}})
}

// ---- Webhooks ----

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	projectID, err := parseID(chi.URLParam(r, "projectId"))
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid project id")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.Server.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			middleware.WriteError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "payload too large")
			return
		}
		middleware.WriteError(w, http.StatusBadRequest, "INVALID_INPUT", "failed to read body")
		return
	}

	res, err := s.ingestor.Ingest(r.Context(), ingest.Delivery{
		Source:    chi.URLParam(r, "source"),
		ProjectID: projectID,
		Header:    r.Header,
		Query:     r.URL.Query(),
		Body:      body,
	})
	if err != nil {
		s.serviceError(w, err)
		return
	}

	if res.Duplicate {
		s.jsonStatus(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}
	s.jsonStatus(w, http.StatusAccepted, envelope{Data: map[string]any{
		"id":         res.Event.ID,
		"documentId": res.Event.DocumentID,
		"status":     "accepted",
	}})
}

// ---- Helper Methods ----

type envelope struct {
	Data any `json:"data"`
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, err
	}
	if id <= 0 {
		return 0, errors.New("id must be positive")
	}
	return id, nil
}

// parseDate parses a YYYY-MM-DD value. An empty value yields the zero time.
func parseDate(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(dateLayout, raw)
}

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, s.config.Server.MaxBodyBytes)).Decode(dst)
}

// serviceError maps the models error taxonomy onto HTTP responses.
func (s *Server) serviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidInput):
		middleware.WriteError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
	case errors.Is(err, models.ErrUnauthorized):
		middleware.WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid webhook credentials")
	case errors.Is(err, models.ErrForbidden):
		middleware.WriteError(w, http.StatusForbidden, "FORBIDDEN", "campaign belongs to another project")
	case errors.Is(err, models.ErrNotFound):
		middleware.WriteError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, models.ErrConflict):
		middleware.WriteError(w, http.StatusConflict, "CONFLICT", err.Error())
	case errors.Is(err, models.ErrUpstreamUnavailable):
		middleware.WriteError(w, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "storage temporarily unavailable")
	default:
		s.logger.Error("unhandled error", zap.Error(err))
		middleware.WriteError(w, http.StatusInternalServerError, "INTERNAL", "internal server error")
	}
}

func (s *Server) jsonResponse(w http.ResponseWriter, data interface{}) {
	s.jsonStatus(w, http.StatusOK, data)
}

func (s *Server) jsonStatus(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

