// Package retention ages out raw snapshots into monthly aggregates and
// prunes operational logs.
package retention

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/obsrvlabs/pricewatch/internal/monitor"
	"github.com/obsrvlabs/pricewatch/internal/telemetry"
)

// Snapshot retention window bounds (days). Values on the site record are
// clamped into this range; zero means the default.
const (
	DefaultRetentionDays = 90
	MinRetentionDays     = 30
	MaxRetentionDays     = 365
)

// Config controls the retention schedules.
type Config struct {
	// SnapshotSweepInterval is the cadence of the per-site snapshot
	// roll-up (weekly in production).
	SnapshotSweepInterval time.Duration
	// OpsLogSweepInterval is the cadence of the crawl-log/delivery prune
	// (daily in production).
	OpsLogSweepInterval time.Duration
	// OpsLogDays is the shared horizon for operational logs.
	OpsLogDays int
}

// Manager runs the retention schedules. A failure for one site is logged
// and never aborts the rest of the run.
type Manager struct {
	sites      monitor.SiteStore
	snapshots  monitor.SnapshotStore
	stats      monitor.StatsStore
	logs       monitor.CrawlLogStore
	deliveries monitor.DeliveryStore
	clock      monitor.Clock
	cfg        Config
	logger     *zap.Logger
}

// NewManager constructs a Manager.
func NewManager(
	sites monitor.SiteStore,
	snapshots monitor.SnapshotStore,
	stats monitor.StatsStore,
	logs monitor.CrawlLogStore,
	deliveries monitor.DeliveryStore,
	clock monitor.Clock,
	cfg Config,
	logger *zap.Logger,
) *Manager {
	if cfg.SnapshotSweepInterval <= 0 {
		cfg.SnapshotSweepInterval = 7 * 24 * time.Hour
	}
	if cfg.OpsLogSweepInterval <= 0 {
		cfg.OpsLogSweepInterval = 24 * time.Hour
	}
	if cfg.OpsLogDays <= 0 {
		cfg.OpsLogDays = 30
	}
	return &Manager{
		sites:      sites,
		snapshots:  snapshots,
		stats:      stats,
		logs:       logs,
		deliveries: deliveries,
		clock:      clock,
		cfg:        cfg,
		logger:     logger,
	}
}

// Run blocks, executing both retention schedules until the context ends.
func (m *Manager) Run(ctx context.Context) {
	snapshotTicker := time.NewTicker(m.cfg.SnapshotSweepInterval)
	defer snapshotTicker.Stop()
	opsTicker := time.NewTicker(m.cfg.OpsLogSweepInterval)
	defer opsTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-snapshotTicker.C:
			m.SweepSnapshots(ctx)
		case <-opsTicker.C:
			m.SweepOpsLogs(ctx)
		}
	}
}

// SweepSnapshots rolls expired snapshots into monthly aggregates, then
// drops the expired partitions, per site. Aggregation always runs before
// removal so no history is lost to a crash between the two. Every site is
// swept, paused and pending included; a pause stops crawling, not aging.
func (m *Manager) SweepSnapshots(ctx context.Context) {
	sites, err := m.sites.ListSites(ctx)
	if err != nil {
		m.logger.Error("retention: list sites failed", zap.Error(err))
		return
	}
	for _, site := range sites {
		if ctx.Err() != nil {
			return
		}
		if err := m.sweepSite(ctx, site); err != nil {
			m.logger.Error("retention: site sweep failed",
				zap.String("site_id", site.ID.String()),
				zap.Error(err))
		}
	}
}

func (m *Manager) sweepSite(ctx context.Context, site monitor.Site) error {
	cutoff := m.clock.Now().AddDate(0, 0, -ClampRetentionDays(site.RetentionDays))

	aggregates, err := m.snapshots.MonthlyAggregates(ctx, site.ID, cutoff)
	if err != nil {
		return &monitor.RetentionError{SiteID: site.ID.String(), Stage: "aggregate", Err: err}
	}
	if len(aggregates) > 0 {
		if err := m.stats.UpsertMonthly(ctx, aggregates); err != nil {
			return &monitor.RetentionError{SiteID: site.ID.String(), Stage: "upsert_stats", Err: err}
		}
	}

	dropped, err := m.snapshots.DropBefore(ctx, site.ID, cutoff)
	if err != nil {
		return &monitor.RetentionError{SiteID: site.ID.String(), Stage: "drop_partitions", Err: err}
	}
	telemetry.ObserveRetentionDrop("snapshots", dropped)
	if dropped > 0 {
		m.logger.Info("retention: snapshots expired",
			zap.String("site_id", site.ID.String()),
			zap.Time("cutoff", cutoff),
			zap.Int64("dropped", dropped),
			zap.Int("aggregate_months", len(aggregates)))
	}
	return nil
}

// SweepOpsLogs deletes crawl logs and delivery attempts older than the
// shared operational horizon. These are not subject to per-site retention
// configuration.
func (m *Manager) SweepOpsLogs(ctx context.Context) {
	cutoff := m.clock.Now().AddDate(0, 0, -m.cfg.OpsLogDays)

	if n, err := m.logs.DeleteOlderThan(ctx, cutoff); err != nil {
		m.logger.Error("retention: crawl log prune failed", zap.Error(err))
	} else {
		telemetry.ObserveRetentionDrop("crawl_logs", n)
	}
	if n, err := m.deliveries.DeleteOlderThan(ctx, cutoff); err != nil {
		m.logger.Error("retention: delivery attempt prune failed", zap.Error(err))
	} else {
		telemetry.ObserveRetentionDrop("delivery_attempts", n)
	}
}

// ClampRetentionDays normalizes a site's configured window into the
// supported range.
func ClampRetentionDays(days int) int {
	switch {
	case days <= 0:
		return DefaultRetentionDays
	case days < MinRetentionDays:
		return MinRetentionDays
	case days > MaxRetentionDays:
		return MaxRetentionDays
	default:
		return days
	}
}

// String implements fmt.Stringer for logging the config.
func (c Config) String() string {
	return fmt.Sprintf("snapshots every %s, ops logs every %s (horizon %dd)",
		c.SnapshotSweepInterval, c.OpsLogSweepInterval, c.OpsLogDays)
}
