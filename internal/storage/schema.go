package storage

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/jackc/pgx/v5/pgxpool"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS campaigns (
		id           BIGSERIAL PRIMARY KEY,
		document_id  TEXT NOT NULL,
		project_id   BIGINT NOT NULL,
		external_id  TEXT,
		name         TEXT NOT NULL,
		status       TEXT NOT NULL,
		platform     TEXT NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (project_id, document_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_campaigns_project ON campaigns (project_id)`,
	`CREATE TABLE IF NOT EXISTS campaign_daily_metrics (
		campaign_id  BIGINT NOT NULL REFERENCES campaigns (id) ON DELETE CASCADE,
		date         DATE NOT NULL,
		spend        DOUBLE PRECISION NOT NULL,
		clicks       BIGINT NOT NULL DEFAULT 0,
		conversions  BIGINT NOT NULL DEFAULT 0,
		leads        BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (campaign_id, date)
	)`,
	`CREATE TABLE IF NOT EXISTS webhook_events (
		id                   BIGSERIAL PRIMARY KEY,
		document_id          TEXT NOT NULL UNIQUE,
		project_id           BIGINT NOT NULL,
		source               TEXT NOT NULL,
		event_type           TEXT NOT NULL,
		external_id          TEXT,
		amount               DOUBLE PRECISION,
		currency             TEXT,
		utm_source           TEXT,
		utm_medium           TEXT,
		utm_campaign         TEXT,
		buyer_country        TEXT,
		product_id           TEXT,
		product_document_id  TEXT,
		product_name         TEXT,
		processed_at         TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_webhook_events_external
		ON webhook_events (project_id, source, external_id, lower(event_type))
		WHERE external_id IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_webhook_events_project_time
		ON webhook_events (project_id, processed_at)`,
}

// EnsurePostgresSchema creates the campaign and event tables when missing.
func EnsurePostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range postgresSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// The sorting key is the dedupe identity of an event: (project, source,
// external id, lower-cased event type), or the document id for events
// without an external id. ReplacingMergeTree keeps the row with the highest
// version, which is the earliest processed_at, so a redelivery that races
// past the duplicate check collapses into the first delivery. Reads use FINAL.
const clickhouseEventsTable = `CREATE TABLE IF NOT EXISTS webhook_events (
	id                   Int64,
	document_id          String,
	project_id           Int64,
	source               LowCardinality(String),
	event_type           String,
	event_type_key       String,
	external_id          String,
	row_key              String,
	version              UInt64,
	amount               Nullable(Float64),
	currency             LowCardinality(String),
	utm_source           String,
	utm_medium           String,
	utm_campaign         String,
	buyer_country        LowCardinality(String),
	product_id           String,
	product_document_id  String,
	product_name         String,
	processed_at         DateTime64(3, 'UTC')
) ENGINE = ReplacingMergeTree(version)
ORDER BY (project_id, source, row_key, event_type_key)`

// EnsureClickHouseSchema creates the webhook events table when missing.
func EnsureClickHouseSchema(ctx context.Context, conn driver.Conn) error {
	if err := conn.Exec(ctx, clickhouseEventsTable); err != nil {
		return fmt.Errorf("failed to apply clickhouse schema: %w", err)
	}
	return nil
}
