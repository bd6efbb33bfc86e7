package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/obsrvlabs/pricewatch/internal/monitor"
)

// SnapshotStore is the append-only snapshot history, backed by the
// month-partitioned snapshots table. Rows are only ever inserted and dropped
// in whole-month ranges.
type SnapshotStore struct {
	pool querier

	mu      sync.Mutex
	ensured map[string]struct{}
}

// NewSnapshotStore constructs a SnapshotStore on an existing pool.
func NewSnapshotStore(pool querier) *SnapshotStore {
	return &SnapshotStore{
		pool:    pool,
		ensured: make(map[string]struct{}),
	}
}

// Insert appends one snapshot, creating its month partition on first use.
func (s *SnapshotStore) Insert(ctx context.Context, snap monitor.Snapshot) error {
	if err := s.ensurePartition(ctx, snap.CapturedAt); err != nil {
		return err
	}
	query := `
INSERT INTO snapshots (id, target_id, site_id, crawl_id, captured_at, price, currency, stock_status, raw_payload, payload_hash)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	_, err := s.pool.Exec(ctx, query,
		snap.ID,
		snap.TargetID,
		snap.SiteID,
		snap.CrawlID,
		snap.CapturedAt,
		snap.Price,
		snap.Currency,
		string(snap.Stock),
		snap.RawPayload,
		snap.PayloadHash,
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// Latest returns the most recent snapshot for a target.
func (s *SnapshotStore) Latest(ctx context.Context, targetID uuid.UUID) (monitor.Snapshot, error) {
	query := `
SELECT id, target_id, site_id, crawl_id, captured_at, price, currency, stock_status, raw_payload, payload_hash
FROM snapshots
WHERE target_id = $1
ORDER BY captured_at DESC
LIMIT 1`
	var (
		snap  monitor.Snapshot
		stock string
	)
	err := s.pool.QueryRow(ctx, query, targetID).Scan(
		&snap.ID,
		&snap.TargetID,
		&snap.SiteID,
		&snap.CrawlID,
		&snap.CapturedAt,
		&snap.Price,
		&snap.Currency,
		&stock,
		&snap.RawPayload,
		&snap.PayloadHash,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return monitor.Snapshot{}, monitor.ErrNotFound
	}
	if err != nil {
		return monitor.Snapshot{}, fmt.Errorf("latest snapshot: %w", err)
	}
	snap.Stock = monitor.StockStatus(stock)
	return snap, nil
}

// MonthlyAggregates summarizes a site's snapshots captured before the cutoff
// into per-target per-month stats, joined against the change events detected
// for the same months.
func (s *SnapshotStore) MonthlyAggregates(ctx context.Context, siteID uuid.UUID, cutoff time.Time) ([]monitor.MonthlyStat, error) {
	query := `
WITH snaps AS (
	SELECT target_id, site_id, date_trunc('month', captured_at) AS month,
		MIN(price) AS min_price,
		MAX(price) AS max_price,
		AVG(price) AS avg_price,
		COUNT(*) AS samples
	FROM snapshots
	WHERE site_id = $1 AND captured_at < $2
	GROUP BY target_id, site_id, date_trunc('month', captured_at)
), changes AS (
	SELECT target_id, date_trunc('month', detected_at) AS month,
		COUNT(*) FILTER (WHERE kind = 'price') AS price_changes,
		COUNT(*) FILTER (WHERE kind = 'stock') AS stock_changes
	FROM change_events
	WHERE site_id = $1 AND detected_at < $2
	GROUP BY target_id, date_trunc('month', detected_at)
)
SELECT s.target_id, s.site_id, s.month, s.min_price, s.max_price, s.avg_price, s.samples,
	COALESCE(c.price_changes, 0), COALESCE(c.stock_changes, 0)
FROM snaps s
LEFT JOIN changes c ON c.target_id = s.target_id AND c.month = s.month
ORDER BY s.target_id, s.month`
	rows, err := s.pool.Query(ctx, query, siteID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("monthly aggregates: %w", err)
	}
	defer rows.Close()

	var stats []monitor.MonthlyStat
	for rows.Next() {
		var (
			stat    monitor.MonthlyStat
			samples int64
		)
		err := rows.Scan(
			&stat.TargetID,
			&stat.SiteID,
			&stat.Month,
			&stat.MinPrice,
			&stat.MaxPrice,
			&stat.AvgPrice,
			&samples,
			&stat.PriceChanges,
			&stat.StockChanges,
		)
		if err != nil {
			return nil, fmt.Errorf("scan monthly aggregate: %w", err)
		}
		stat.Samples = int(samples)
		stats = append(stats, stat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("monthly aggregates: %w", err)
	}
	return stats, nil
}

// DropBefore deletes a site's snapshots captured before the cutoff and then
// drops any month partitions the delete left empty. Partition pruning keeps
// the delete confined to expired months.
func (s *SnapshotStore) DropBefore(ctx context.Context, siteID uuid.UUID, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM snapshots WHERE site_id = $1 AND captured_at < $2`,
		siteID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("drop snapshots: %w", err)
	}
	if err := s.dropEmptyPartitions(ctx, cutoff); err != nil {
		return tag.RowsAffected(), err
	}
	return tag.RowsAffected(), nil
}

// dropEmptyPartitions removes month partitions whose range ends at or before
// the cutoff and that no longer hold any rows for any site.
func (s *SnapshotStore) dropEmptyPartitions(ctx context.Context, cutoff time.Time) error {
	rows, err := s.pool.Query(ctx, `
SELECT c.relname
FROM pg_inherits i
JOIN pg_class c ON c.oid = i.inhrelid
JOIN pg_class p ON p.oid = i.inhparent
WHERE p.relname = 'snapshots'`)
	if err != nil {
		return fmt.Errorf("list snapshot partitions: %w", err)
	}
	var candidates []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return fmt.Errorf("scan partition name: %w", err)
		}
		if end, ok := partitionEnd(name); ok && !end.After(cutoff.UTC()) {
			candidates = append(candidates, name)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("list snapshot partitions: %w", err)
	}

	for _, name := range candidates {
		var occupied bool
		query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s LIMIT 1)`, name)
		if err := s.pool.QueryRow(ctx, query).Scan(&occupied); err != nil {
			return fmt.Errorf("check partition %s: %w", name, err)
		}
		if occupied {
			continue
		}
		if _, err := s.pool.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, name)); err != nil {
			return fmt.Errorf("drop partition %s: %w", name, err)
		}
		s.mu.Lock()
		delete(s.ensured, name)
		s.mu.Unlock()
	}
	return nil
}

func (s *SnapshotStore) ensurePartition(ctx context.Context, at time.Time) error {
	name := monthPartition(at)
	s.mu.Lock()
	_, ok := s.ensured[name]
	s.mu.Unlock()
	if ok {
		return nil
	}
	if _, err := s.pool.Exec(ctx, ensurePartitionSQL(at)); err != nil {
		return fmt.Errorf("ensure partition %s: %w", name, err)
	}
	s.mu.Lock()
	s.ensured[name] = struct{}{}
	s.mu.Unlock()
	return nil
}
