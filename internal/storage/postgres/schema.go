package postgres

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// schemaSQL creates the tables. Snapshots are range-partitioned by capture
// month so retention can drop whole months instead of rewriting the table.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS sites (
	id UUID PRIMARY KEY,
	subscriber_id UUID NOT NULL,
	name TEXT NOT NULL,
	base_url TEXT NOT NULL,
	status TEXT NOT NULL,
	crawl_interval_seconds BIGINT NOT NULL,
	price_threshold_pct DOUBLE PRECISION NOT NULL,
	retention_days INT NOT NULL,
	rate_per_minute INT NOT NULL,
	webhook_url TEXT NOT NULL DEFAULT '',
	webhook_enabled BOOLEAN NOT NULL DEFAULT FALSE,
	consecutive_failures INT NOT NULL DEFAULT 0,
	last_crawl_status TEXT,
	last_crawled_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS targets (
	id UUID PRIMARY KEY,
	site_id UUID NOT NULL REFERENCES sites (id),
	url TEXT NOT NULL,
	extracted_id TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL DEFAULT '',
	current_price DOUBLE PRECISION,
	currency TEXT NOT NULL DEFAULT '',
	current_stock_status TEXT NOT NULL DEFAULT 'unknown',
	last_crawled_at TIMESTAMPTZ,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	delisted_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS targets_site_active_idx ON targets (site_id) WHERE is_active;

CREATE TABLE IF NOT EXISTS snapshots (
	id UUID NOT NULL,
	target_id UUID NOT NULL,
	site_id UUID NOT NULL,
	crawl_id UUID NOT NULL,
	captured_at TIMESTAMPTZ NOT NULL,
	price DOUBLE PRECISION,
	currency TEXT NOT NULL DEFAULT '',
	stock_status TEXT NOT NULL,
	raw_payload JSONB,
	payload_hash TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (id, captured_at)
) PARTITION BY RANGE (captured_at);
CREATE INDEX IF NOT EXISTS snapshots_target_captured_idx ON snapshots (target_id, captured_at DESC);

CREATE TABLE IF NOT EXISTS crawl_logs (
	id UUID PRIMARY KEY,
	site_id UUID NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	status TEXT NOT NULL,
	triggered_by TEXT NOT NULL,
	items_processed INT NOT NULL DEFAULT 0,
	changes_detected INT NOT NULL DEFAULT 0,
	error_count INT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS crawl_logs_started_idx ON crawl_logs (started_at);

CREATE TABLE IF NOT EXISTS change_events (
	id UUID PRIMARY KEY,
	target_id UUID NOT NULL,
	site_id UUID NOT NULL,
	crawl_id UUID NOT NULL,
	from_snapshot_id UUID NOT NULL,
	to_snapshot_id UUID NOT NULL,
	kind TEXT NOT NULL,
	old_price DOUBLE PRECISION,
	new_price DOUBLE PRECISION,
	change_pct DOUBLE PRECISION,
	old_stock TEXT NOT NULL DEFAULT '',
	new_stock TEXT NOT NULL DEFAULT '',
	currency TEXT NOT NULL DEFAULT '',
	detected_at TIMESTAMPTZ NOT NULL,
	UNIQUE (from_snapshot_id, to_snapshot_id, kind)
);
CREATE INDEX IF NOT EXISTS change_events_site_detected_idx ON change_events (site_id, detected_at);

CREATE TABLE IF NOT EXISTS delivery_attempts (
	id UUID PRIMARY KEY,
	event_id UUID NOT NULL REFERENCES change_events (id),
	attempt_number INT NOT NULL,
	attempted_at TIMESTAMPTZ NOT NULL,
	http_status INT,
	outcome TEXT NOT NULL,
	error_text TEXT NOT NULL DEFAULT '',
	next_retry_at TIMESTAMPTZ,
	payload BYTEA NOT NULL,
	UNIQUE (event_id, attempt_number)
);
CREATE INDEX IF NOT EXISTS delivery_attempts_retry_idx ON delivery_attempts (next_retry_at) WHERE outcome = 'failed';

CREATE TABLE IF NOT EXISTS subscriber_secrets (
	subscriber_id UUID PRIMARY KEY,
	current_secret TEXT NOT NULL,
	previous_secret TEXT,
	rotated_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS monthly_stats (
	target_id UUID NOT NULL,
	site_id UUID NOT NULL,
	month DATE NOT NULL,
	min_price DOUBLE PRECISION,
	max_price DOUBLE PRECISION,
	avg_price DOUBLE PRECISION,
	samples INT NOT NULL DEFAULT 0,
	price_changes INT NOT NULL DEFAULT 0,
	stock_changes INT NOT NULL DEFAULT 0,
	PRIMARY KEY (target_id, month)
);
`

// EnsureSchema creates the tables if they do not exist. It is idempotent and
// safe to run at startup.
func EnsureSchema(ctx context.Context, q querier) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := q.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

var partitionName = regexp.MustCompile(`^snapshots_y(\d{4})m(\d{2})$`)

// monthPartition returns the partition name for the month containing t.
func monthPartition(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("snapshots_y%04dm%02d", t.Year(), int(t.Month()))
}

// monthBounds returns the half-open [start, end) range of the month
// containing t, in UTC.
func monthBounds(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

// ensurePartitionSQL builds the idempotent DDL for one month's partition.
func ensurePartitionSQL(t time.Time) string {
	start, end := monthBounds(t)
	return fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s PARTITION OF snapshots FOR VALUES FROM ('%s') TO ('%s')`,
		monthPartition(t),
		start.Format("2006-01-02"),
		end.Format("2006-01-02"),
	)
}

// partitionEnd parses a partition name back into the exclusive upper bound of
// its month range. Returns false for names that are not month partitions.
func partitionEnd(name string) (time.Time, bool) {
	m := partitionName.FindStringSubmatch(name)
	if m == nil {
		return time.Time{}, false
	}
	var year, month int
	if _, err := fmt.Sscanf(m[1], "%d", &year); err != nil {
		return time.Time{}, false
	}
	if _, err := fmt.Sscanf(m[2], "%d", &month); err != nil {
		return time.Time{}, false
	}
	if month < 1 || month > 12 {
		return time.Time{}, false
	}
	start := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	return start.AddDate(0, 1, 0), true
}
