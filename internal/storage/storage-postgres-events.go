package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/radiusdt/attribution-api/internal/models"
)

// PostgresEventStore implements WebhookEventRepo using PostgreSQL.
type PostgresEventStore struct {
	pool *pgxpool.Pool
}

// NewPostgresEventStore creates a new PostgreSQL-backed event store.
func NewPostgresEventStore(pool *pgxpool.Pool) *PostgresEventStore {
	return &PostgresEventStore{pool: pool}
}

// SaveEvent stores a webhook event. A redelivery of a stored
// (project, source, externalId, eventType) is reported as not inserted.
func (s *PostgresEventStore) SaveEvent(ctx context.Context, e *models.WebhookEvent) (bool, error) {
	var productID, productDocID, productName *string
	if e.Product != nil {
		productID = nullString(e.Product.ID)
		productDocID = nullString(e.Product.DocumentID)
		productName = nullString(e.Product.Name)
	}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO webhook_events (
			document_id, project_id, source, event_type, external_id, amount, currency,
			utm_source, utm_medium, utm_campaign, buyer_country,
			product_id, product_document_id, product_name, processed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT DO NOTHING
		RETURNING id
	`,
		e.DocumentID, e.ProjectID, e.Source, e.EventType, nullString(e.ExternalID), e.Amount, nullString(e.Currency),
		nullString(e.UTMSource), nullString(e.UTMMedium), nullString(e.UTMCampaign), nullString(e.BuyerCountry),
		productID, productDocID, productName, e.ProcessedAt,
	).Scan(&e.ID)

	if errors.Is(err, pgx.ErrNoRows) {
		if e.ExternalID == "" {
			return false, nil
		}
		// Conflict: resolve the stored id so callers can report it.
		err = s.pool.QueryRow(ctx, `
			SELECT id FROM webhook_events
			WHERE project_id = $1 AND source = $2 AND external_id = $3 AND lower(event_type) = $4
		`, e.ProjectID, e.Source, e.ExternalID, strings.ToLower(e.EventType)).Scan(&e.ID)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return false, fmt.Errorf("failed to resolve duplicate event: %w", err)
		}
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to save webhook event: %w", err)
	}
	return true, nil
}

// ListProjectEvents returns a project's events ordered by processedAt, id.
func (s *PostgresEventStore) ListProjectEvents(ctx context.Context, f EventFilter) ([]*models.WebhookEvent, error) {
	var from, until *time.Time
	if !f.From.IsZero() {
		from = &f.From
	}
	if !f.Until.IsZero() {
		until = &f.Until
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, document_id, project_id, source, event_type, external_id, amount, currency,
			utm_source, utm_medium, utm_campaign, buyer_country,
			product_id, product_document_id, product_name, processed_at
		FROM webhook_events
		WHERE project_id = $1
			AND ($2::timestamptz IS NULL OR processed_at >= $2)
			AND ($3::timestamptz IS NULL OR processed_at < $3)
		ORDER BY processed_at, id
	`, f.ProjectID, from, until)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook events: %w", err)
	}
	defer rows.Close()

	events := make([]*models.WebhookEvent, 0)
	for rows.Next() {
		var e models.WebhookEvent
		var externalID, currency, utmSource, utmMedium, utmCampaign, country *string
		var productID, productDocID, productName *string

		if err := rows.Scan(
			&e.ID, &e.DocumentID, &e.ProjectID, &e.Source, &e.EventType, &externalID, &e.Amount, &currency,
			&utmSource, &utmMedium, &utmCampaign, &country,
			&productID, &productDocID, &productName, &e.ProcessedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan webhook event: %w", err)
		}

		e.ExternalID = derefString(externalID)
		e.Currency = derefString(currency)
		e.UTMSource = derefString(utmSource)
		e.UTMMedium = derefString(utmMedium)
		e.UTMCampaign = derefString(utmCampaign)
		e.BuyerCountry = derefString(country)
		if productID != nil || productDocID != nil || productName != nil {
			e.Product = &models.Product{
				ID:         derefString(productID),
				DocumentID: derefString(productDocID),
				Name:       derefString(productName),
			}
		}
		e.ProcessedAt = e.ProcessedAt.UTC()
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list webhook events: %w", err)
	}
	return events, nil
}
