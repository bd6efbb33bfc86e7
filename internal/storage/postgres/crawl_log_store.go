package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/obsrvlabs/pricewatch/internal/monitor"
)

// CrawlLogStore persists per-run execution logs in Postgres.
type CrawlLogStore struct {
	pool querier
}

// NewCrawlLogStore constructs a CrawlLogStore on an existing pool.
func NewCrawlLogStore(pool querier) *CrawlLogStore {
	return &CrawlLogStore{pool: pool}
}

// Create inserts the run row at run start, in the running state.
func (s *CrawlLogStore) Create(ctx context.Context, log monitor.CrawlLog) error {
	query := `
INSERT INTO crawl_logs (id, site_id, started_at, status, triggered_by, items_processed, changes_detected, error_count)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	_, err := s.pool.Exec(ctx, query,
		log.ID,
		log.SiteID,
		log.StartedAt,
		string(log.Status),
		string(log.TriggeredBy),
		log.ItemsProcessed,
		log.ChangesDetected,
		log.ErrorCount,
	)
	if err != nil {
		return fmt.Errorf("insert crawl log: %w", err)
	}
	return nil
}

// Finalize records the run's terminal status and counters.
func (s *CrawlLogStore) Finalize(ctx context.Context, log monitor.CrawlLog) error {
	query := `
UPDATE crawl_logs SET
	completed_at = $2,
	status = $3,
	items_processed = $4,
	changes_detected = $5,
	error_count = $6
WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query,
		log.ID,
		log.CompletedAt,
		string(log.Status),
		log.ItemsProcessed,
		log.ChangesDetected,
		log.ErrorCount,
	)
	if err != nil {
		return fmt.Errorf("finalize crawl log: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return monitor.ErrNotFound
	}
	return nil
}

// DeleteOlderThan prunes runs started before the cutoff.
func (s *CrawlLogStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM crawl_logs WHERE started_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete crawl logs: %w", err)
	}
	return tag.RowsAffected(), nil
}
