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

// SiteStore persists monitored sites in Postgres.
type SiteStore struct {
	pool querier
}

// NewSiteStore constructs a SiteStore on an existing pool.
func NewSiteStore(pool querier) *SiteStore {
	return &SiteStore{pool: pool}
}

const siteColumns = `id, subscriber_id, name, base_url, status, crawl_interval_seconds,
price_threshold_pct, retention_days, rate_per_minute, webhook_url, webhook_enabled,
consecutive_failures, last_crawl_status, last_crawled_at, created_at`

// CreateSite inserts a new site row.
func (s *SiteStore) CreateSite(ctx context.Context, site monitor.Site) error {
	query := `
INSERT INTO sites (` + siteColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`
	_, err := s.pool.Exec(ctx, query,
		site.ID,
		site.SubscriberID,
		site.Name,
		site.BaseURL,
		string(site.Status),
		int64(site.CrawlInterval/time.Second),
		site.PriceThresholdPct,
		site.RetentionDays,
		site.RatePerMinute,
		site.WebhookURL,
		site.WebhookEnabled,
		site.ConsecutiveFailures,
		nullableStatus(site.LastCrawlStatus),
		site.LastCrawledAt,
		site.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert site: %w", err)
	}
	return nil
}

// GetSite fetches one site by ID.
func (s *SiteStore) GetSite(ctx context.Context, id uuid.UUID) (monitor.Site, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+siteColumns+` FROM sites WHERE id = $1`, id)
	site, err := scanSite(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return monitor.Site{}, monitor.ErrNotFound
	}
	if err != nil {
		return monitor.Site{}, fmt.Errorf("get site: %w", err)
	}
	return site, nil
}

// ListActiveSites returns all sites in the active state.
func (s *SiteStore) ListActiveSites(ctx context.Context) ([]monitor.Site, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+siteColumns+` FROM sites WHERE status = $1 ORDER BY created_at`,
		string(monitor.SiteStatusActive))
	if err != nil {
		return nil, fmt.Errorf("list active sites: %w", err)
	}
	defer rows.Close()

	var sites []monitor.Site
	for rows.Next() {
		site, err := scanSite(rows)
		if err != nil {
			return nil, fmt.Errorf("scan site: %w", err)
		}
		sites = append(sites, site)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list active sites: %w", err)
	}
	return sites, nil
}

// ListSites returns every site regardless of lifecycle state.
func (s *SiteStore) ListSites(ctx context.Context) ([]monitor.Site, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+siteColumns+` FROM sites ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	defer rows.Close()

	var sites []monitor.Site
	for rows.Next() {
		site, err := scanSite(rows)
		if err != nil {
			return nil, fmt.Errorf("scan site: %w", err)
		}
		sites = append(sites, site)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	return sites, nil
}

// SetSiteStatus moves a site between lifecycle states. Activating a site
// resets its consecutive-failure counter so a reactivated site starts clean.
func (s *SiteStore) SetSiteStatus(ctx context.Context, id uuid.UUID, status monitor.SiteStatus) error {
	query := `
UPDATE sites SET
	status = $2,
	consecutive_failures = CASE WHEN $2 = 'active' THEN 0 ELSE consecutive_failures END
WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id, string(status))
	if err != nil {
		return fmt.Errorf("set site status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return monitor.ErrNotFound
	}
	return nil
}

// RecordRunOutcome stores the run result on the site. The consecutive-failure
// counter increments on a failed run and resets on anything else; the updated
// value is returned so the caller can apply the auto-pause rule.
func (s *SiteStore) RecordRunOutcome(ctx context.Context, id uuid.UUID, status monitor.CrawlStatus, at time.Time) (int, error) {
	query := `
UPDATE sites SET
	last_crawl_status = $2,
	last_crawled_at = $3,
	consecutive_failures = CASE WHEN $2 = 'failed' THEN consecutive_failures + 1 ELSE 0 END
WHERE id = $1
RETURNING consecutive_failures`
	var failures int
	err := s.pool.QueryRow(ctx, query, id, string(status), at).Scan(&failures)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, monitor.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("record run outcome: %w", err)
	}
	return failures, nil
}

func nullableStatus(status monitor.CrawlStatus) *string {
	if status == "" {
		return nil
	}
	v := string(status)
	return &v
}

func scanSite(row pgx.Row) (monitor.Site, error) {
	var (
		site            monitor.Site
		status          string
		intervalSeconds int64
		lastStatus      *string
	)
	err := row.Scan(
		&site.ID,
		&site.SubscriberID,
		&site.Name,
		&site.BaseURL,
		&status,
		&intervalSeconds,
		&site.PriceThresholdPct,
		&site.RetentionDays,
		&site.RatePerMinute,
		&site.WebhookURL,
		&site.WebhookEnabled,
		&site.ConsecutiveFailures,
		&lastStatus,
		&site.LastCrawledAt,
		&site.CreatedAt,
	)
	if err != nil {
		return monitor.Site{}, err
	}
	site.Status = monitor.SiteStatus(status)
	site.CrawlInterval = time.Duration(intervalSeconds) * time.Second
	if lastStatus != nil {
		site.LastCrawlStatus = monitor.CrawlStatus(*lastStatus)
	}
	return site, nil
}
