// Package crawl executes scheduled crawl runs: it fetches tracked targets
// through the per-origin rate limiter, appends snapshots, and feeds the
// change detector.
package crawl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/obsrvlabs/pricewatch/internal/monitor"
	"github.com/obsrvlabs/pricewatch/internal/telemetry"
)

// pauseAfterConsecutiveFailures transitions a site to paused until it is
// manually reactivated.
const pauseAfterConsecutiveFailures = 3

// Gate is the per-origin rate limiter in front of the external fetcher.
type Gate interface {
	Wait(ctx context.Context, url string) error
	SetOriginLimit(url string, requestsPerMinute int)
}

// ChangeDetector consumes each freshly appended snapshot together with its
// predecessor.
type ChangeDetector interface {
	Detect(ctx context.Context, site monitor.Site, target monitor.Target, prev *monitor.Snapshot, curr monitor.Snapshot) ([]monitor.ChangeEvent, error)
}

// Config controls Executor behavior.
type Config struct {
	FetchTimeout       time.Duration
	PerSiteParallelism int
}

// Executor runs one site's crawl from start to finalized log. Within a run
// each target appears exactly once and runs for the same site never overlap,
// so there is at most one in-flight fetch per target; that is what makes the
// detector's compare-against-previous rule safe without locking.
type Executor struct {
	sites     monitor.SiteStore
	targets   monitor.TargetStore
	snapshots monitor.SnapshotStore
	logs      monitor.CrawlLogStore
	fetcher   monitor.Fetcher
	gate      Gate
	detector  ChangeDetector
	hasher    monitor.Hasher
	idGen     monitor.IDGenerator
	clock     monitor.Clock
	retry     *RetryPolicy
	cfg       Config
	logger    *zap.Logger
}

// New constructs an Executor.
func New(
	sites monitor.SiteStore,
	targets monitor.TargetStore,
	snapshots monitor.SnapshotStore,
	logs monitor.CrawlLogStore,
	fetcher monitor.Fetcher,
	gate Gate,
	detector ChangeDetector,
	hasher monitor.Hasher,
	idGen monitor.IDGenerator,
	clock monitor.Clock,
	retry *RetryPolicy,
	cfg Config,
	logger *zap.Logger,
) *Executor {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.PerSiteParallelism <= 0 {
		cfg.PerSiteParallelism = 4
	}
	if retry == nil {
		retry = NewRetryPolicy()
	}
	return &Executor{
		sites:     sites,
		targets:   targets,
		snapshots: snapshots,
		logs:      logs,
		fetcher:   fetcher,
		gate:      gate,
		detector:  detector,
		hasher:    hasher,
		idGen:     idGen,
		clock:     clock,
		retry:     retry,
		cfg:       cfg,
		logger:    logger,
	}
}

type runCounters struct {
	mu        sync.Mutex
	processed int
	changes   int
	errors    int
}

func (c *runCounters) recordSuccess(changes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.processed++
	c.changes += changes
}

func (c *runCounters) recordError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors++
}

// RunSite executes one crawl run for a site and returns the finalized log.
// Partial failures never block other targets; only bookkeeping failures
// surface as an error.
func (e *Executor) RunSite(ctx context.Context, siteID uuid.UUID, trigger monitor.CrawlTrigger) (monitor.CrawlLog, error) {
	site, err := e.sites.GetSite(ctx, siteID)
	if err != nil {
		return monitor.CrawlLog{}, fmt.Errorf("load site: %w", err)
	}
	if site.Status != monitor.SiteStatusActive {
		return monitor.CrawlLog{}, fmt.Errorf("site %s: %w", siteID, monitor.ErrSiteNotActive)
	}
	if site.RatePerMinute > 0 {
		e.gate.SetOriginLimit(site.BaseURL, site.RatePerMinute)
	}

	targets, err := e.targets.ListActiveTargets(ctx, siteID)
	if err != nil {
		return monitor.CrawlLog{}, fmt.Errorf("list targets: %w", err)
	}

	logID, err := e.idGen.NewRawID()
	if err != nil {
		return monitor.CrawlLog{}, fmt.Errorf("generate crawl id: %w", err)
	}
	runLog := monitor.CrawlLog{
		ID:          logID,
		SiteID:      siteID,
		StartedAt:   e.clock.Now(),
		Status:      monitor.CrawlStatusRunning,
		TriggeredBy: trigger,
	}
	if err := e.logs.Create(ctx, runLog); err != nil {
		return monitor.CrawlLog{}, fmt.Errorf("create crawl log: %w", err)
	}

	e.logger.Info("crawl run started",
		zap.String("site_id", siteID.String()),
		zap.String("crawl_id", logID.String()),
		zap.String("trigger", string(trigger)),
		zap.Int("targets", len(targets)))

	counters := &runCounters{}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.PerSiteParallelism)
	for _, target := range targets {
		g.Go(func() error {
			// A cancelled run starts no new fetches; in-flight ones
			// finish or time out on their own.
			if gctx.Err() != nil {
				return nil
			}
			// Pausing or delisting the site mid-run stops new fetches
			// the same way. Re-read the status before each target.
			if current, err := e.sites.GetSite(gctx, siteID); err == nil && current.Status != monitor.SiteStatusActive {
				e.logger.Debug("skipping target, site no longer active",
					zap.String("site_id", siteID.String()),
					zap.String("target_id", target.ID.String()))
				return nil
			}
			e.processTarget(gctx, site, target, logID, counters)
			return nil
		})
	}
	_ = g.Wait()

	now := e.clock.Now()
	runLog.CompletedAt = &now
	runLog.ItemsProcessed = counters.processed
	runLog.ChangesDetected = counters.changes
	runLog.ErrorCount = counters.errors
	runLog.Status = finalStatus(len(targets), counters)
	if err := e.logs.Finalize(ctx, runLog); err != nil {
		return runLog, fmt.Errorf("finalize crawl log: %w", err)
	}
	telemetry.ObserveRun(string(runLog.Status))

	consecutive, err := e.sites.RecordRunOutcome(ctx, siteID, runLog.Status, now)
	if err != nil {
		return runLog, fmt.Errorf("record run outcome: %w", err)
	}
	if runLog.Status == monitor.CrawlStatusFailed && consecutive >= pauseAfterConsecutiveFailures {
		if err := e.sites.SetSiteStatus(ctx, siteID, monitor.SiteStatusPaused); err != nil {
			return runLog, fmt.Errorf("pause site: %w", err)
		}
		e.logger.Warn("site paused after consecutive failed runs",
			zap.String("site_id", siteID.String()),
			zap.Int("consecutive_failures", consecutive))
	}

	e.logger.Info("crawl run finished",
		zap.String("site_id", siteID.String()),
		zap.String("crawl_id", logID.String()),
		zap.String("status", string(runLog.Status)),
		zap.Int("processed", counters.processed),
		zap.Int("changes", counters.changes),
		zap.Int("errors", counters.errors))
	return runLog, nil
}

func finalStatus(targetCount int, c *runCounters) monitor.CrawlStatus {
	switch {
	case targetCount == 0:
		return monitor.CrawlStatusSuccess
	case c.errors == 0:
		return monitor.CrawlStatusSuccess
	case c.processed > 0:
		return monitor.CrawlStatusPartialSuccess
	default:
		return monitor.CrawlStatusFailed
	}
}

func (e *Executor) processTarget(ctx context.Context, site monitor.Site, target monitor.Target, crawlID uuid.UUID, counters *runCounters) {
	result, err := e.fetchWithRetry(ctx, target.URL)
	if err != nil {
		counters.recordError()
		telemetry.ObserveTarget(site.BaseURL, "failed")
		e.logger.Warn("target fetch failed",
			zap.String("target_id", target.ID.String()),
			zap.String("url", target.URL),
			zap.Error(err))
		return
	}
	if result.NotFound {
		// Definitive 404: the item is gone, not failing.
		if err := e.targets.MarkDelisted(ctx, target.ID, e.clock.Now()); err != nil {
			counters.recordError()
			e.logger.Error("delist target failed",
				zap.String("target_id", target.ID.String()), zap.Error(err))
			return
		}
		telemetry.ObserveTarget(site.BaseURL, "delisted")
		e.logger.Info("target delisted",
			zap.String("target_id", target.ID.String()),
			zap.String("url", target.URL))
		return
	}

	changes, err := e.recordSnapshot(ctx, site, target, crawlID, result)
	if err != nil {
		counters.recordError()
		telemetry.ObserveTarget(site.BaseURL, "failed")
		e.logger.Error("record snapshot failed",
			zap.String("target_id", target.ID.String()), zap.Error(err))
		return
	}
	counters.recordSuccess(changes)
	telemetry.ObserveTarget(site.BaseURL, "ok")
}

// fetchWithRetry acquires a rate-limit token before every attempt and
// retries retryable failures with jittered backoff.
func (e *Executor) fetchWithRetry(ctx context.Context, url string) (monitor.FetchResult, error) {
	var lastErr error
	for attempt := 1; attempt <= e.retry.MaxAttempts(); attempt++ {
		if err := e.gate.Wait(ctx, url); err != nil {
			return monitor.FetchResult{}, fmt.Errorf("rate limit: %w", err)
		}

		result, err := e.fetchOnce(ctx, url)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !e.retry.ShouldRetry(err, attempt) {
			break
		}
		backoff := e.retry.Backoff(attempt)
		e.logger.Debug("fetch retry scheduled",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return monitor.FetchResult{}, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return monitor.FetchResult{}, lastErr
}

func (e *Executor) fetchOnce(ctx context.Context, url string) (monitor.FetchResult, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()

	result, err := e.fetcher.Fetch(fetchCtx, url)
	if err != nil {
		return monitor.FetchResult{}, &monitor.FetchError{URL: url, Err: err}
	}
	if result.NotFound {
		return result, nil
	}
	if !result.Success {
		return monitor.FetchResult{}, &monitor.FetchError{URL: url, HTTPStatus: result.HTTPStatus}
	}
	if err := validateResult(url, result); err != nil {
		return monitor.FetchResult{}, err
	}
	return result, nil
}

// validateResult rejects malformed extracted data so it never reaches the
// snapshot store.
func validateResult(url string, result monitor.FetchResult) error {
	switch result.Stock {
	case monitor.StockInStock, monitor.StockOutOfStock, monitor.StockLimited, monitor.StockUnknown:
	default:
		return &monitor.ParseError{URL: url, Detail: fmt.Sprintf("unknown stock status %q", result.Stock)}
	}
	if result.Price != nil && *result.Price < 0 {
		return &monitor.ParseError{URL: url, Detail: fmt.Sprintf("negative price %v", *result.Price)}
	}
	if result.Price != nil && len(result.Currency) != 3 {
		return &monitor.ParseError{URL: url, Detail: fmt.Sprintf("invalid currency %q", result.Currency)}
	}
	return nil
}

// recordSnapshot loads the previous snapshot, appends the new one, updates
// the target's cached fields, and hands the pair to the change detector.
// The lookup happens before the insert so the pair is exactly adjacent.
func (e *Executor) recordSnapshot(ctx context.Context, site monitor.Site, target monitor.Target, crawlID uuid.UUID, result monitor.FetchResult) (int, error) {
	var prev *monitor.Snapshot
	latest, err := e.snapshots.Latest(ctx, target.ID)
	switch {
	case err == nil:
		prev = &latest
	case errors.Is(err, monitor.ErrNotFound):
	default:
		return 0, fmt.Errorf("load previous snapshot: %w", err)
	}

	snapID, err := e.idGen.NewRawID()
	if err != nil {
		return 0, fmt.Errorf("generate snapshot id: %w", err)
	}
	raw, err := json.Marshal(result.RawFields)
	if err != nil {
		return 0, fmt.Errorf("marshal raw fields: %w", err)
	}
	digest, err := e.hasher.Hash(raw)
	if err != nil {
		return 0, fmt.Errorf("hash raw fields: %w", err)
	}

	now := e.clock.Now()
	snap := monitor.Snapshot{
		ID:          snapID,
		TargetID:    target.ID,
		SiteID:      site.ID,
		CrawlID:     crawlID,
		CapturedAt:  now,
		Price:       result.Price,
		Currency:    result.Currency,
		Stock:       result.Stock,
		RawPayload:  raw,
		PayloadHash: digest,
	}
	if err := e.snapshots.Insert(ctx, snap); err != nil {
		return 0, fmt.Errorf("insert snapshot: %w", err)
	}
	telemetry.ObserveSnapshot()

	if err := e.targets.UpdateCurrent(ctx, target.ID, result.Price, result.Currency, result.Stock, now); err != nil {
		return 0, fmt.Errorf("update target current fields: %w", err)
	}
	target.CurrentPrice = result.Price
	target.Currency = result.Currency
	target.CurrentStock = result.Stock
	if result.Name != "" {
		target.Name = result.Name
	}

	events, err := e.detector.Detect(ctx, site, target, prev, snap)
	if err != nil {
		return len(events), fmt.Errorf("detect changes: %w", err)
	}
	return len(events), nil
}
