package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/obsrvlabs/pricewatch/internal/monitor"
)

// StatsStore persists long-lived monthly aggregates in Postgres.
type StatsStore struct {
	pool querier
}

// NewStatsStore constructs a StatsStore on an existing pool.
func NewStatsStore(pool querier) *StatsStore {
	return &StatsStore{pool: pool}
}

// UpsertMonthly writes aggregates, merging into any prior row for the same
// target and month. A month whose snapshots expire across several sweeps
// accumulates: min and max widen, the average is weighted by sample count,
// and the counters sum. LEAST and GREATEST skip NULL operands, so months
// with unpriced snapshots merge cleanly.
func (s *StatsStore) UpsertMonthly(ctx context.Context, stats []monitor.MonthlyStat) error {
	query := `
INSERT INTO monthly_stats (target_id, site_id, month, min_price, max_price, avg_price, samples, price_changes, stock_changes)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (target_id, month) DO UPDATE SET
	min_price = LEAST(monthly_stats.min_price, EXCLUDED.min_price),
	max_price = GREATEST(monthly_stats.max_price, EXCLUDED.max_price),
	avg_price = CASE
		WHEN monthly_stats.avg_price IS NULL THEN EXCLUDED.avg_price
		WHEN EXCLUDED.avg_price IS NULL THEN monthly_stats.avg_price
		ELSE (monthly_stats.avg_price * monthly_stats.samples + EXCLUDED.avg_price * EXCLUDED.samples)
			/ (monthly_stats.samples + EXCLUDED.samples)
	END,
	samples = monthly_stats.samples + EXCLUDED.samples,
	price_changes = monthly_stats.price_changes + EXCLUDED.price_changes,
	stock_changes = monthly_stats.stock_changes + EXCLUDED.stock_changes`
	for _, stat := range stats {
		_, err := s.pool.Exec(ctx, query,
			stat.TargetID,
			stat.SiteID,
			stat.Month,
			stat.MinPrice,
			stat.MaxPrice,
			stat.AvgPrice,
			stat.Samples,
			stat.PriceChanges,
			stat.StockChanges,
		)
		if err != nil {
			return fmt.Errorf("upsert monthly stat: %w", err)
		}
	}
	return nil
}

// ListMonthly returns a target's aggregates in month order.
func (s *StatsStore) ListMonthly(ctx context.Context, targetID uuid.UUID) ([]monitor.MonthlyStat, error) {
	query := `
SELECT target_id, site_id, month, min_price, max_price, avg_price, samples, price_changes, stock_changes
FROM monthly_stats
WHERE target_id = $1
ORDER BY month`
	rows, err := s.pool.Query(ctx, query, targetID)
	if err != nil {
		return nil, fmt.Errorf("list monthly stats: %w", err)
	}
	defer rows.Close()

	var stats []monitor.MonthlyStat
	for rows.Next() {
		var stat monitor.MonthlyStat
		err := rows.Scan(
			&stat.TargetID,
			&stat.SiteID,
			&stat.Month,
			&stat.MinPrice,
			&stat.MaxPrice,
			&stat.AvgPrice,
			&stat.Samples,
			&stat.PriceChanges,
			&stat.StockChanges,
		)
		if err != nil {
			return nil, fmt.Errorf("scan monthly stat: %w", err)
		}
		stats = append(stats, stat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list monthly stats: %w", err)
	}
	return stats, nil
}
