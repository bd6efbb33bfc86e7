package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/obsrvlabs/pricewatch/internal/monitor"
)

// TargetStore persists tracked items in Postgres.
type TargetStore struct {
	pool querier
}

// NewTargetStore constructs a TargetStore on an existing pool.
func NewTargetStore(pool querier) *TargetStore {
	return &TargetStore{pool: pool}
}

const targetColumns = `id, site_id, url, extracted_id, name, current_price, currency,
current_stock_status, last_crawled_at, is_active, delisted_at`

// CreateTarget inserts a new target row.
func (s *TargetStore) CreateTarget(ctx context.Context, target monitor.Target) error {
	query := `
INSERT INTO targets (` + targetColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	_, err := s.pool.Exec(ctx, query,
		target.ID,
		target.SiteID,
		target.URL,
		target.ExtractedID,
		target.Name,
		target.CurrentPrice,
		target.Currency,
		string(target.CurrentStock),
		target.LastCrawledAt,
		target.IsActive,
		target.DelistedAt,
	)
	if err != nil {
		return fmt.Errorf("insert target: %w", err)
	}
	return nil
}

// ListActiveTargets returns the active targets for one site.
func (s *TargetStore) ListActiveTargets(ctx context.Context, siteID uuid.UUID) ([]monitor.Target, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+targetColumns+` FROM targets WHERE site_id = $1 AND is_active ORDER BY url`,
		siteID)
	if err != nil {
		return nil, fmt.Errorf("list active targets: %w", err)
	}
	defer rows.Close()

	var targets []monitor.Target
	for rows.Next() {
		target, err := scanTarget(rows)
		if err != nil {
			return nil, fmt.Errorf("scan target: %w", err)
		}
		targets = append(targets, target)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list active targets: %w", err)
	}
	return targets, nil
}

// GetTarget fetches one target by ID.
func (s *TargetStore) GetTarget(ctx context.Context, id uuid.UUID) (monitor.Target, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+targetColumns+` FROM targets WHERE id = $1`, id)
	target, err := scanTarget(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return monitor.Target{}, monitor.ErrNotFound
	}
	if err != nil {
		return monitor.Target{}, fmt.Errorf("get target: %w", err)
	}
	return target, nil
}

// UpdateCurrent caches the latest observed fields on the target row.
func (s *TargetStore) UpdateCurrent(ctx context.Context, id uuid.UUID, price *float64, currency string, stock monitor.StockStatus, at time.Time) error {
	query := `
UPDATE targets SET
	current_price = $2,
	currency = $3,
	current_stock_status = $4,
	last_crawled_at = $5
WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id, price, currency, string(stock), at)
	if err != nil {
		return fmt.Errorf("update target current: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return monitor.ErrNotFound
	}
	return nil
}

// MarkDelisted deactivates a target whose page permanently went away.
func (s *TargetStore) MarkDelisted(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE targets SET is_active = FALSE, delisted_at = $2 WHERE id = $1`,
		id, at)
	if err != nil {
		return fmt.Errorf("mark target delisted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return monitor.ErrNotFound
	}
	return nil
}

func scanTarget(row pgx.Row) (monitor.Target, error) {
	var (
		target monitor.Target
		stock  string
	)
	err := row.Scan(
		&target.ID,
		&target.SiteID,
		&target.URL,
		&target.ExtractedID,
		&target.Name,
		&target.CurrentPrice,
		&target.Currency,
		&stock,
		&target.LastCrawledAt,
		&target.IsActive,
		&target.DelistedAt,
	)
	if err != nil {
		return monitor.Target{}, err
	}
	target.CurrentStock = monitor.StockStatus(stock)
	return target, nil
}
