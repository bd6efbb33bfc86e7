package crawl

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/obsrvlabs/pricewatch/internal/monitor"
	"github.com/obsrvlabs/pricewatch/internal/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type v7Gen struct{}

func (v7Gen) NewRawID() (uuid.UUID, error) { return uuid.NewV7() }

type stubHasher struct{}

func (stubHasher) Hash(data []byte) (string, error) { return "digest", nil }

type nopGate struct{}

func (nopGate) Wait(ctx context.Context, url string) error       { return nil }
func (nopGate) SetOriginLimit(url string, requestsPerMinute int) {}

// scriptedFetcher returns the queued responses for a URL in order, repeating
// the last one once the queue is drained.
type scriptedFetcher struct {
	mu      sync.Mutex
	scripts map[string][]fetchStep
	calls   map[string]int
}

type fetchStep struct {
	result monitor.FetchResult
	err    error
}

func newScriptedFetcher() *scriptedFetcher {
	return &scriptedFetcher{
		scripts: make(map[string][]fetchStep),
		calls:   make(map[string]int),
	}
}

func (f *scriptedFetcher) script(url string, steps ...fetchStep) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[url] = steps
}

func (f *scriptedFetcher) Fetch(_ context.Context, url string) (monitor.FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	steps := f.scripts[url]
	if len(steps) == 0 {
		return monitor.FetchResult{}, errors.New("no script for " + url)
	}
	idx := f.calls[url]
	f.calls[url]++
	if idx >= len(steps) {
		idx = len(steps) - 1
	}
	step := steps[idx]
	return step.result, step.err
}

func (f *scriptedFetcher) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

// countingDetector records every snapshot pair it sees and emits a fixed
// number of events per call.
type countingDetector struct {
	mu       sync.Mutex
	calls    int
	perCall  int
	prevSeen []*monitor.Snapshot
	currSeen []monitor.Snapshot
}

func (d *countingDetector) Detect(_ context.Context, _ monitor.Site, _ monitor.Target, prev *monitor.Snapshot, curr monitor.Snapshot) ([]monitor.ChangeEvent, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.prevSeen = append(d.prevSeen, prev)
	d.currSeen = append(d.currSeen, curr)
	return make([]monitor.ChangeEvent, d.perCall), nil
}

// pausingFetcher pauses the site as a side effect of each fetch.
type pausingFetcher struct {
	sites  *memory.SiteStore
	siteID uuid.UUID
	mu     sync.Mutex
	urls   []string
}

func (f *pausingFetcher) Fetch(ctx context.Context, url string) (monitor.FetchResult, error) {
	f.mu.Lock()
	f.urls = append(f.urls, url)
	f.mu.Unlock()
	_ = f.sites.SetSiteStatus(ctx, f.siteID, monitor.SiteStatusPaused)
	return okResult(10), nil
}

type executorEnv struct {
	exec      *Executor
	sites     *memory.SiteStore
	targets   *memory.TargetStore
	snapshots *memory.SnapshotStore
	logs      *memory.CrawlLogStore
	fetcher   *scriptedFetcher
	detector  *countingDetector
	site      monitor.Site
}

func newExecutorEnv(t *testing.T) *executorEnv {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	env := &executorEnv{
		sites:     memory.NewSiteStore(),
		targets:   memory.NewTargetStore(),
		snapshots: memory.NewSnapshotStore(),
		logs:      memory.NewCrawlLogStore(),
		fetcher:   newScriptedFetcher(),
		detector:  &countingDetector{},
	}
	env.site = monitor.Site{
		ID:            uuid.New(),
		SubscriberID:  uuid.New(),
		Name:          "Example Shop",
		BaseURL:       "https://shop.example.com",
		Status:        monitor.SiteStatusActive,
		CrawlInterval: time.Hour,
		CreatedAt:     clock.Now(),
	}
	require.NoError(t, env.sites.CreateSite(context.Background(), env.site))

	retry := NewRetryPolicyWith(3, time.Millisecond, 5*time.Millisecond)
	env.exec = New(env.sites, env.targets, env.snapshots, env.logs,
		env.fetcher, nopGate{}, env.detector, stubHasher{}, v7Gen{}, clock,
		retry, Config{FetchTimeout: time.Second, PerSiteParallelism: 2}, zap.NewNop())
	return env
}

func (env *executorEnv) addTarget(t *testing.T, url string) monitor.Target {
	t.Helper()
	target := monitor.Target{
		ID:       uuid.New(),
		SiteID:   env.site.ID,
		URL:      url,
		Name:     "Widget",
		Currency: "USD",
		IsActive: true,
	}
	require.NoError(t, env.targets.CreateTarget(context.Background(), target))
	return target
}

func okResult(price float64) monitor.FetchResult {
	return monitor.FetchResult{
		Success:    true,
		Price:      &price,
		Currency:   "USD",
		Stock:      monitor.StockInStock,
		HTTPStatus: 200,
		RawFields:  map[string]string{"price": "set"},
	}
}

func TestRunSiteSuccess(t *testing.T) {
	t.Parallel()

	env := newExecutorEnv(t)
	ctx := context.Background()
	a := env.addTarget(t, "https://shop.example.com/a")
	b := env.addTarget(t, "https://shop.example.com/b")
	env.fetcher.script(a.URL, fetchStep{result: okResult(10)})
	env.fetcher.script(b.URL, fetchStep{result: okResult(20)})
	env.detector.perCall = 1

	runLog, err := env.exec.RunSite(ctx, env.site.ID, monitor.TriggerScheduled)
	require.NoError(t, err)
	require.Equal(t, monitor.CrawlStatusSuccess, runLog.Status)
	require.Equal(t, 2, runLog.ItemsProcessed)
	require.Equal(t, 2, runLog.ChangesDetected)
	require.Zero(t, runLog.ErrorCount)
	require.NotNil(t, runLog.CompletedAt)

	// One snapshot per target, cached fields refreshed.
	snapA, err := env.snapshots.Latest(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, runLog.ID, snapA.CrawlID)
	got, err := env.targets.GetTarget(ctx, b.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CurrentPrice)
	require.Equal(t, 20.0, *got.CurrentPrice)
	require.Equal(t, monitor.StockInStock, got.CurrentStock)

	site, err := env.sites.GetSite(ctx, env.site.ID)
	require.NoError(t, err)
	require.Equal(t, monitor.CrawlStatusSuccess, site.LastCrawlStatus)
	require.Zero(t, site.ConsecutiveFailures)
}

func TestRunSitePartialSuccess(t *testing.T) {
	t.Parallel()

	env := newExecutorEnv(t)
	ctx := context.Background()
	good := env.addTarget(t, "https://shop.example.com/good")
	bad := env.addTarget(t, "https://shop.example.com/bad")
	env.fetcher.script(good.URL, fetchStep{result: okResult(10)})
	env.fetcher.script(bad.URL, fetchStep{err: errors.New("connection refused")})

	runLog, err := env.exec.RunSite(ctx, env.site.ID, monitor.TriggerScheduled)
	require.NoError(t, err)
	require.Equal(t, monitor.CrawlStatusPartialSuccess, runLog.Status)
	require.Equal(t, 1, runLog.ItemsProcessed)
	require.Equal(t, 1, runLog.ErrorCount)

	// The failing target was retried up to the attempt ceiling.
	require.Equal(t, 3, env.fetcher.callCount(bad.URL))
	_, err = env.snapshots.Latest(ctx, bad.ID)
	require.ErrorIs(t, err, monitor.ErrNotFound)
}

func TestRunSiteRefusesInactiveSite(t *testing.T) {
	t.Parallel()

	env := newExecutorEnv(t)
	ctx := context.Background()
	require.NoError(t, env.sites.SetSiteStatus(ctx, env.site.ID, monitor.SiteStatusPaused))

	_, err := env.exec.RunSite(ctx, env.site.ID, monitor.TriggerManual)
	require.ErrorIs(t, err, monitor.ErrSiteNotActive)
}

func TestRunSitePausesAfterThreeFailedRuns(t *testing.T) {
	t.Parallel()

	env := newExecutorEnv(t)
	ctx := context.Background()
	target := env.addTarget(t, "https://shop.example.com/broken")
	env.fetcher.script(target.URL, fetchStep{err: errors.New("timeout")})

	for run := 1; run <= 3; run++ {
		runLog, err := env.exec.RunSite(ctx, env.site.ID, monitor.TriggerScheduled)
		require.NoError(t, err)
		require.Equal(t, monitor.CrawlStatusFailed, runLog.Status)
	}

	site, err := env.sites.GetSite(ctx, env.site.ID)
	require.NoError(t, err)
	require.Equal(t, monitor.SiteStatusPaused, site.Status)
	require.Equal(t, 3, site.ConsecutiveFailures)

	_, err = env.exec.RunSite(ctx, env.site.ID, monitor.TriggerScheduled)
	require.ErrorIs(t, err, monitor.ErrSiteNotActive)

	// Reactivation clears the failure streak.
	require.NoError(t, env.sites.SetSiteStatus(ctx, env.site.ID, monitor.SiteStatusActive))
	site, err = env.sites.GetSite(ctx, env.site.ID)
	require.NoError(t, err)
	require.Zero(t, site.ConsecutiveFailures)
}

func TestRunSitePauseStopsRemainingTargets(t *testing.T) {
	t.Parallel()

	env := newExecutorEnv(t)
	ctx := context.Background()
	a := env.addTarget(t, "https://shop.example.com/a")
	b := env.addTarget(t, "https://shop.example.com/b")

	// Sequential workers so the pause lands before the second target starts.
	fetcher := &pausingFetcher{sites: env.sites, siteID: env.site.ID}
	clock := &fakeClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	retry := NewRetryPolicyWith(3, time.Millisecond, 5*time.Millisecond)
	exec := New(env.sites, env.targets, env.snapshots, env.logs,
		fetcher, nopGate{}, env.detector, stubHasher{}, v7Gen{}, clock,
		retry, Config{FetchTimeout: time.Second, PerSiteParallelism: 1}, zap.NewNop())

	runLog, err := exec.RunSite(ctx, env.site.ID, monitor.TriggerScheduled)
	require.NoError(t, err)
	require.Equal(t, 1, runLog.ItemsProcessed)

	// Target a's fetch paused the site, so target b is never fetched.
	require.Equal(t, []string{a.URL}, fetcher.urls)
	_, err = env.snapshots.Latest(ctx, b.ID)
	require.ErrorIs(t, err, monitor.ErrNotFound)

	site, err := env.sites.GetSite(ctx, env.site.ID)
	require.NoError(t, err)
	require.Equal(t, monitor.SiteStatusPaused, site.Status)
}

func TestRunSiteSuccessResetsFailureStreak(t *testing.T) {
	t.Parallel()

	env := newExecutorEnv(t)
	ctx := context.Background()
	target := env.addTarget(t, "https://shop.example.com/flaky")
	env.fetcher.script(target.URL,
		fetchStep{err: errors.New("timeout")},
		fetchStep{err: errors.New("timeout")},
		fetchStep{err: errors.New("timeout")},
		fetchStep{result: okResult(10)})

	runLog, err := env.exec.RunSite(ctx, env.site.ID, monitor.TriggerScheduled)
	require.NoError(t, err)
	require.Equal(t, monitor.CrawlStatusFailed, runLog.Status)

	runLog, err = env.exec.RunSite(ctx, env.site.ID, monitor.TriggerScheduled)
	require.NoError(t, err)
	require.Equal(t, monitor.CrawlStatusSuccess, runLog.Status)

	site, err := env.sites.GetSite(ctx, env.site.ID)
	require.NoError(t, err)
	require.Equal(t, monitor.SiteStatusActive, site.Status)
	require.Zero(t, site.ConsecutiveFailures)
}

func TestRunSiteDelistsGoneTarget(t *testing.T) {
	t.Parallel()

	env := newExecutorEnv(t)
	ctx := context.Background()
	gone := env.addTarget(t, "https://shop.example.com/gone")
	env.fetcher.script(gone.URL, fetchStep{result: monitor.FetchResult{NotFound: true, HTTPStatus: 404}})

	runLog, err := env.exec.RunSite(ctx, env.site.ID, monitor.TriggerScheduled)
	require.NoError(t, err)
	require.Equal(t, monitor.CrawlStatusSuccess, runLog.Status)
	require.Zero(t, runLog.ErrorCount)

	// A 404 is handled on the first attempt, never retried.
	require.Equal(t, 1, env.fetcher.callCount(gone.URL))

	got, err := env.targets.GetTarget(ctx, gone.ID)
	require.NoError(t, err)
	require.False(t, got.IsActive)
	require.NotNil(t, got.DelistedAt)

	// Delisted targets drop out of subsequent runs.
	active, err := env.targets.ListActiveTargets(ctx, env.site.ID)
	require.NoError(t, err)
	require.Empty(t, active)
}

func TestRunSiteRecoversAfterTransientFailures(t *testing.T) {
	t.Parallel()

	env := newExecutorEnv(t)
	ctx := context.Background()
	flaky := env.addTarget(t, "https://shop.example.com/flaky")
	env.fetcher.script(flaky.URL,
		fetchStep{err: errors.New("502 bad gateway")},
		fetchStep{err: errors.New("502 bad gateway")},
		fetchStep{result: okResult(15)})

	runLog, err := env.exec.RunSite(ctx, env.site.ID, monitor.TriggerScheduled)
	require.NoError(t, err)
	require.Equal(t, monitor.CrawlStatusSuccess, runLog.Status)
	require.Equal(t, 3, env.fetcher.callCount(flaky.URL))
}

func TestRunSiteSkipsParseFailuresWithoutRetry(t *testing.T) {
	t.Parallel()

	env := newExecutorEnv(t)
	ctx := context.Background()
	target := env.addTarget(t, "https://shop.example.com/garbled")
	negative := -5.0
	env.fetcher.script(target.URL, fetchStep{result: monitor.FetchResult{
		Success:  true,
		Price:    &negative,
		Currency: "USD",
		Stock:    monitor.StockInStock,
	}})

	runLog, err := env.exec.RunSite(ctx, env.site.ID, monitor.TriggerScheduled)
	require.NoError(t, err)
	require.Equal(t, monitor.CrawlStatusFailed, runLog.Status)
	require.Equal(t, 1, runLog.ErrorCount)
	require.Equal(t, 1, env.fetcher.callCount(target.URL))
}

func TestRunSiteHandsAdjacentPairToDetector(t *testing.T) {
	t.Parallel()

	env := newExecutorEnv(t)
	ctx := context.Background()
	target := env.addTarget(t, "https://shop.example.com/a")
	env.fetcher.script(target.URL, fetchStep{result: okResult(10)})

	_, err := env.exec.RunSite(ctx, env.site.ID, monitor.TriggerScheduled)
	require.NoError(t, err)
	_, err = env.exec.RunSite(ctx, env.site.ID, monitor.TriggerScheduled)
	require.NoError(t, err)

	require.Equal(t, 2, env.detector.calls)
	require.Nil(t, env.detector.prevSeen[0])
	require.NotNil(t, env.detector.prevSeen[1])
	require.Equal(t, env.detector.currSeen[0].ID, env.detector.prevSeen[1].ID)
}

func TestRunSiteWithNoTargets(t *testing.T) {
	t.Parallel()

	env := newExecutorEnv(t)
	runLog, err := env.exec.RunSite(context.Background(), env.site.ID, monitor.TriggerScheduled)
	require.NoError(t, err)
	require.Equal(t, monitor.CrawlStatusSuccess, runLog.Status)
	require.Zero(t, runLog.ItemsProcessed)
}
