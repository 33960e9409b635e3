package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/radiusdt/attribution-api/internal/metrics"
	"github.com/radiusdt/attribution-api/internal/models"
	"github.com/radiusdt/attribution-api/internal/storage"
	"go.uber.org/zap"
)

// Delivery is one inbound webhook request.
type Delivery struct {
	Source    string
	ProjectID int64
	Header    http.Header
	Query     url.Values
	Body      []byte
}

// Result describes what happened to a delivery.
type Result struct {
	Event     *models.WebhookEvent
	Duplicate bool
}

// Ingestor verifies, normalizes and stores payment-platform webhooks.
type Ingestor struct {
	events   storage.WebhookEventRepo
	verifier *Verifier
	dedupe   Deduper
	geo      CountryLookup
	validate *validator.Validate
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// NewIngestor wires an Ingestor. geo may be nil.
func NewIngestor(
	events storage.WebhookEventRepo,
	verifier *Verifier,
	dedupe Deduper,
	geo CountryLookup,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Ingestor {
	return &Ingestor{
		events:   events,
		verifier: verifier,
		dedupe:   dedupe,
		geo:      geo,
		validate: validator.New(),
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// Ingest processes a delivery. Errors wrap models.ErrNotFound (unknown
// source), models.ErrUnauthorized, models.ErrInvalidInput or
// models.ErrUpstreamUnavailable.
func (i *Ingestor) Ingest(ctx context.Context, d Delivery) (*Result, error) {
	source, ok := models.ParseWebhookSource(d.Source)
	if !ok {
		return nil, fmt.Errorf("unknown webhook source %q: %w", d.Source, models.ErrNotFound)
	}
	if d.ProjectID <= 0 {
		return nil, fmt.Errorf("invalid project id: %w", models.ErrInvalidInput)
	}

	if err := i.verifier.Verify(source, d.Header, d.Query, d.Body); err != nil {
		i.metrics.RecordWebhook(string(source), "unknown", "unauthorized")
		i.logger.Warn("webhook rejected",
			zap.String("source", string(source)),
			zap.Int64("project_id", d.ProjectID),
			zap.Error(err),
		)
		return nil, err
	}

	n, err := i.decode(source, d.Body)
	if err != nil {
		i.metrics.RecordWebhook(string(source), "unknown", "invalid")
		return nil, err
	}

	e := n.event
	e.ProjectID = d.ProjectID
	e.DocumentID = uuid.NewString()
	e.EventType = strings.TrimSpace(e.EventType)
	e.UTMCampaign = strings.TrimSpace(e.UTMCampaign)
	if e.ProcessedAt.IsZero() {
		e.ProcessedAt = i.now().UTC()
	}

	kind := e.Kind()
	if kind == models.EventKindOther {
		e.Amount = nil
	}
	if e.BuyerCountry == "" && n.buyerIP != "" && i.geo != nil {
		country, err := i.geo.Country(n.buyerIP)
		if err != nil {
			i.metrics.RecordGeoLookupError()
			i.logger.Debug("buyer country lookup failed", zap.Error(err))
		} else {
			e.BuyerCountry = country
		}
	}

	return i.store(ctx, e, kind)
}

func (i *Ingestor) store(ctx context.Context, e *models.WebhookEvent, kind models.EventKind) (*Result, error) {
	source := string(e.Source)

	key := DedupeKey(e)
	if key != "" {
		seen, err := i.dedupe.MarkSeen(ctx, key)
		if err != nil {
			// Store uniqueness still guards against duplicates.
			i.logger.Warn("dedupe unavailable", zap.Error(err))
		} else if seen {
			i.metrics.RecordWebhook(source, string(kind), "duplicate")
			return &Result{Event: e, Duplicate: true}, nil
		}
	}

	inserted, err := i.events.SaveEvent(ctx, e)
	if err != nil {
		if key != "" {
			if ferr := i.dedupe.Forget(ctx, key); ferr != nil {
				i.logger.Warn("failed to release dedupe key", zap.Error(ferr))
			}
		}
		i.metrics.RecordWebhook(source, string(kind), "error")
		i.logger.Error("failed to save webhook event",
			zap.String("source", source),
			zap.String("external_id", e.ExternalID),
			zap.Error(err),
		)
		if errors.Is(err, models.ErrInvalidInput) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", models.ErrUpstreamUnavailable, err)
	}
	if !inserted {
		i.metrics.RecordWebhook(source, string(kind), "duplicate")
		return &Result{Event: e, Duplicate: true}, nil
	}

	i.metrics.RecordWebhook(source, string(kind), "accepted")
	if kind == models.EventKindSale && e.Amount != nil {
		i.metrics.RecordRevenue(source, e.Currency, *e.Amount)
	}
	i.logger.Info("webhook event stored",
		zap.Int64("event_id", e.ID),
		zap.Int64("project_id", e.ProjectID),
		zap.String("source", source),
		zap.String("event_type", e.EventType),
		zap.String("kind", string(kind)),
		zap.String("utm_campaign", e.UTMCampaign),
	)
	return &Result{Event: e}, nil
}

func (i *Ingestor) decode(source models.WebhookSource, body []byte) (normalized, error) {
	switch source {
	case models.SourceHotmart:
		var p hotmartPayload
		if err := i.bind(body, &p); err != nil {
			return normalized{}, err
		}
		return p.normalize(), nil
	case models.SourceKiwify:
		var p kiwifyPayload
		if err := i.bind(body, &p); err != nil {
			return normalized{}, err
		}
		n, err := p.normalize()
		if err != nil {
			return normalized{}, fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
		}
		return n, nil
	case models.SourceKirvano:
		var p kirvanoPayload
		if err := i.bind(body, &p); err != nil {
			return normalized{}, err
		}
		n, err := p.normalize()
		if err != nil {
			return normalized{}, fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
		}
		return n, nil
	default:
		var p customPayload
		if err := i.bind(body, &p); err != nil {
			return normalized{}, err
		}
		return p.normalize(), nil
	}
}

func (i *Ingestor) bind(body []byte, dst any) error {
	if len(body) == 0 {
		return fmt.Errorf("%w: empty body", models.ErrInvalidInput)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("%w: malformed JSON: %v", models.ErrInvalidInput, err)
	}
	if err := i.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return fmt.Errorf("%w: %s", models.ErrInvalidInput, validationMessage(verrs))
		}
		return fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
	}
	return nil
}

func validationMessage(verrs validator.ValidationErrors) string {
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", fe.Namespace()))
		case "gte":
			msgs = append(msgs, fmt.Sprintf("%s must be greater than or equal to %s", fe.Namespace(), fe.Param()))
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s must be at most %s characters", fe.Namespace(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s validation", fe.Namespace(), fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}
