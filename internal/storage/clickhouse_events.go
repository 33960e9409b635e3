package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
	"github.com/radiusdt/attribution-api/internal/models"
)

// ClickHouseEventStore implements WebhookEventRepo on a ClickHouse table.
// Ids are derived from the event's document id since ClickHouse has no
// sequences.
type ClickHouseEventStore struct {
	conn driver.Conn
}

func NewClickHouseEventStore(conn driver.Conn) *ClickHouseEventStore {
	return &ClickHouseEventStore{conn: conn}
}

func eventIDFromDocument(documentID string) (int64, error) {
	u, err := uuid.Parse(documentID)
	if err != nil {
		return 0, fmt.Errorf("document id %q: %w", documentID, models.ErrInvalidInput)
	}
	return int64(binary.BigEndian.Uint64(u[:8]) >> 1), nil
}

// eventRowKey returns the sorting key columns that identify a delivery.
// Events with an external id share a key across redeliveries; the rest are
// keyed by their own document id.
func eventRowKey(e *models.WebhookEvent) (rowKey, eventTypeKey string) {
	eventTypeKey = strings.ToLower(e.EventType)
	if e.ExternalID != "" {
		return "ext:" + e.ExternalID, eventTypeKey
	}
	return "doc:" + e.DocumentID, eventTypeKey
}

// eventVersion orders rows sharing a key so the earliest delivery wins the
// ReplacingMergeTree merge.
func eventVersion(processedAt time.Time) uint64 {
	ms := processedAt.UnixMilli()
	if ms < 0 {
		ms = 0
	}
	return math.MaxUint64 - uint64(ms)
}

func (s *ClickHouseEventStore) SaveEvent(ctx context.Context, e *models.WebhookEvent) (bool, error) {
	rowKey, eventTypeKey := eventRowKey(e)
	if e.ExternalID != "" {
		var id int64
		err := s.conn.QueryRow(ctx, `
			SELECT id FROM webhook_events FINAL
			WHERE project_id = ? AND source = ? AND row_key = ? AND event_type_key = ?
			LIMIT 1
		`, e.ProjectID, string(e.Source), rowKey, eventTypeKey).Scan(&id)
		if err == nil {
			e.ID = id
			return false, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("failed to check duplicate event: %w", err)
		}
	}

	id, err := eventIDFromDocument(e.DocumentID)
	if err != nil {
		return false, err
	}

	var product models.Product
	if e.Product != nil {
		product = *e.Product
	}

	batch, err := s.conn.PrepareBatch(ctx, `INSERT INTO webhook_events`)
	if err != nil {
		return false, fmt.Errorf("failed to prepare batch: %w", err)
	}
	if err := batch.Append(
		id, e.DocumentID, e.ProjectID, string(e.Source), e.EventType, eventTypeKey, e.ExternalID,
		rowKey, eventVersion(e.ProcessedAt), e.Amount, e.Currency,
		e.UTMSource, e.UTMMedium, e.UTMCampaign, e.BuyerCountry,
		product.ID, product.DocumentID, product.Name, e.ProcessedAt.UTC(),
	); err != nil {
		return false, fmt.Errorf("failed to append webhook event: %w", err)
	}
	if err := batch.Send(); err != nil {
		return false, fmt.Errorf("failed to save webhook event: %w", err)
	}

	e.ID = id
	return true, nil
}

func (s *ClickHouseEventStore) ListProjectEvents(ctx context.Context, f EventFilter) ([]*models.WebhookEvent, error) {
	query := `
		SELECT id, document_id, project_id, source, event_type, external_id, amount, currency,
			utm_source, utm_medium, utm_campaign, buyer_country,
			product_id, product_document_id, product_name, processed_at
		FROM webhook_events FINAL
		WHERE project_id = ?`
	args := []any{f.ProjectID}
	if !f.From.IsZero() {
		query += ` AND processed_at >= ?`
		args = append(args, f.From.UTC())
	}
	if !f.Until.IsZero() {
		query += ` AND processed_at < ?`
		args = append(args, f.Until.UTC())
	}
	query += ` ORDER BY processed_at, id`

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook events: %w", err)
	}
	defer rows.Close()

	events := make([]*models.WebhookEvent, 0)
	for rows.Next() {
		var e models.WebhookEvent
		var source string
		var p models.Product
		if err := rows.Scan(
			&e.ID, &e.DocumentID, &e.ProjectID, &source, &e.EventType, &e.ExternalID, &e.Amount, &e.Currency,
			&e.UTMSource, &e.UTMMedium, &e.UTMCampaign, &e.BuyerCountry,
			&p.ID, &p.DocumentID, &p.Name, &e.ProcessedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan webhook event: %w", err)
		}
		e.Source = models.WebhookSource(source)
		if p != (models.Product{}) {
			e.Product = &p
		}
		e.ProcessedAt = e.ProcessedAt.UTC()
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list webhook events: %w", err)
	}
	return events, nil
}
