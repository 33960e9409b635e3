package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/radiusdt/attribution-api/internal/models"
)

// PostgresCampaignRepo implements CampaignRepo using PostgreSQL.
type PostgresCampaignRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresCampaignRepo(pool *pgxpool.Pool) *PostgresCampaignRepo {
	return &PostgresCampaignRepo{pool: pool}
}

const campaignColumns = `id, document_id, project_id, external_id, name, status, platform, created_at, updated_at`

func scanCampaign(row pgx.Row) (*models.Campaign, error) {
	var c models.Campaign
	var externalID *string
	if err := row.Scan(
		&c.ID, &c.DocumentID, &c.ProjectID, &externalID, &c.Name,
		&c.Status, &c.Platform, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	c.ExternalID = derefString(externalID)
	return &c, nil
}

func (r *PostgresCampaignRepo) GetCampaign(ctx context.Context, id int64) (*models.Campaign, error) {
	c, err := scanCampaign(r.pool.QueryRow(ctx, `
		SELECT `+campaignColumns+` FROM campaigns WHERE id = $1
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("campaign %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign: %w", err)
	}

	metrics, err := r.listDailyMetrics(ctx, []int64{id})
	if err != nil {
		return nil, err
	}
	c.DailyMetrics = metrics[id]
	return c, nil
}

func (r *PostgresCampaignRepo) ListProjectCampaigns(ctx context.Context, projectID int64) ([]*models.Campaign, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+campaignColumns+` FROM campaigns WHERE project_id = $1 ORDER BY id
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}
	defer rows.Close()

	campaigns := make([]*models.Campaign, 0)
	var ids []int64
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan campaign: %w", err)
		}
		campaigns = append(campaigns, c)
		ids = append(ids, c.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}
	if len(ids) == 0 {
		return campaigns, nil
	}

	metrics, err := r.listDailyMetrics(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, c := range campaigns {
		c.DailyMetrics = metrics[c.ID]
	}
	return campaigns, nil
}

func (r *PostgresCampaignRepo) UpsertCampaign(ctx context.Context, c *models.Campaign) (*models.Campaign, error) {
	if c == nil {
		return nil, fmt.Errorf("nil campaign: %w", models.ErrInvalidInput)
	}
	stored, err := scanCampaign(r.pool.QueryRow(ctx, `
		INSERT INTO campaigns (document_id, project_id, external_id, name, status, platform)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (project_id, document_id) DO UPDATE SET
			external_id = EXCLUDED.external_id,
			name = EXCLUDED.name,
			status = EXCLUDED.status,
			platform = EXCLUDED.platform,
			updated_at = now()
		RETURNING `+campaignColumns,
		c.DocumentID, c.ProjectID, nullString(c.ExternalID), c.Name, c.Status, c.Platform,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert campaign: %w", err)
	}
	return stored, nil
}

func (r *PostgresCampaignRepo) AppendDailyMetrics(ctx context.Context, campaignID int64, metrics []models.DailyMetric) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock the campaign row so concurrent appends for the same campaign serialize.
	var locked int64
	err = tx.QueryRow(ctx, `SELECT id FROM campaigns WHERE id = $1 FOR UPDATE`, campaignID).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("campaign %d: %w", campaignID, models.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to lock campaign: %w", err)
	}

	inserted := 0
	for _, m := range metrics {
		m.Date = models.Day(m.Date)
		tag, err := tx.Exec(ctx, `
			INSERT INTO campaign_daily_metrics (campaign_id, date, spend, clicks, conversions, leads)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (campaign_id, date) DO NOTHING
		`, campaignID, m.Date, m.Spend, m.Clicks, m.Conversions, m.Leads)
		if err != nil {
			return fmt.Errorf("failed to insert daily metric: %w", err)
		}
		if tag.RowsAffected() == 1 {
			inserted++
			continue
		}

		var prev models.DailyMetric
		if err := tx.QueryRow(ctx, `
			SELECT date, spend, clicks, conversions, leads
			FROM campaign_daily_metrics WHERE campaign_id = $1 AND date = $2
		`, campaignID, m.Date).Scan(&prev.Date, &prev.Spend, &prev.Clicks, &prev.Conversions, &prev.Leads); err != nil {
			return fmt.Errorf("failed to read daily metric: %w", err)
		}
		if !prev.SameValues(m) {
			return fmt.Errorf("daily metric %s: %w", m.Date.Format(time.DateOnly), models.ErrConflict)
		}
	}

	if inserted > 0 {
		if _, err := tx.Exec(ctx, `UPDATE campaigns SET updated_at = now() WHERE id = $1`, campaignID); err != nil {
			return fmt.Errorf("failed to touch campaign: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (r *PostgresCampaignRepo) listDailyMetrics(ctx context.Context, ids []int64) (map[int64][]models.DailyMetric, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT campaign_id, date, spend, clicks, conversions, leads
		FROM campaign_daily_metrics
		WHERE campaign_id = ANY($1)
		ORDER BY campaign_id, date
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to list daily metrics: %w", err)
	}
	defer rows.Close()

	res := make(map[int64][]models.DailyMetric, len(ids))
	for rows.Next() {
		var id int64
		var m models.DailyMetric
		if err := rows.Scan(&id, &m.Date, &m.Spend, &m.Clicks, &m.Conversions, &m.Leads); err != nil {
			return nil, fmt.Errorf("failed to scan daily metric: %w", err)
		}
		m.Date = models.Day(m.Date)
		res[id] = append(res[id], m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list daily metrics: %w", err)
	}
	return res, nil
}
