package crawl

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/obsrvlabs/pricewatch/internal/monitor"
	"github.com/obsrvlabs/pricewatch/internal/storage/memory"
)

// gatedRunner blocks each run until released and records every invocation.
type gatedRunner struct {
	mu       sync.Mutex
	started  chan uuid.UUID
	release  chan struct{}
	triggers []monitor.CrawlTrigger
}

func newGatedRunner() *gatedRunner {
	return &gatedRunner{
		started: make(chan uuid.UUID, 16),
		release: make(chan struct{}),
	}
}

func (r *gatedRunner) RunSite(ctx context.Context, siteID uuid.UUID, trigger monitor.CrawlTrigger) (monitor.CrawlLog, error) {
	r.mu.Lock()
	r.triggers = append(r.triggers, trigger)
	r.mu.Unlock()
	r.started <- siteID
	select {
	case <-r.release:
	case <-ctx.Done():
	}
	return monitor.CrawlLog{SiteID: siteID, Status: monitor.CrawlStatusSuccess}, nil
}

func (r *gatedRunner) runCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.triggers)
}

func newSchedulerEnv(t *testing.T) (*Scheduler, *memory.SiteStore, *gatedRunner, *fakeClock, monitor.Site) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	sites := memory.NewSiteStore()
	runner := newGatedRunner()
	site := monitor.Site{
		ID:            uuid.New(),
		SubscriberID:  uuid.New(),
		Name:          "Example Shop",
		BaseURL:       "https://shop.example.com",
		Status:        monitor.SiteStatusActive,
		CrawlInterval: time.Hour,
		CreatedAt:     clock.Now(),
	}
	require.NoError(t, sites.CreateSite(context.Background(), site))
	sched := NewScheduler(sites, runner, clock, SchedulerConfig{Tick: time.Hour, GlobalConcurrency: 2}, zap.NewNop())
	return sched, sites, runner, clock, site
}

func TestTriggerStartsManualRun(t *testing.T) {
	t.Parallel()

	sched, _, runner, _, site := newSchedulerEnv(t)
	ctx := context.Background()

	require.NoError(t, sched.Trigger(ctx, site.ID))
	require.Equal(t, site.ID, <-runner.started)
	close(runner.release)
	sched.wg.Wait()

	require.Equal(t, []monitor.CrawlTrigger{monitor.TriggerManual}, runner.triggers)
}

func TestTriggerRefusesConcurrentRun(t *testing.T) {
	t.Parallel()

	sched, _, runner, _, site := newSchedulerEnv(t)
	ctx := context.Background()

	require.NoError(t, sched.Trigger(ctx, site.ID))
	<-runner.started

	// The first run is still in flight.
	require.Error(t, sched.Trigger(ctx, site.ID))

	close(runner.release)
	sched.wg.Wait()
	require.Equal(t, 1, runner.runCount())
}

func TestTriggerRefusesInactiveSite(t *testing.T) {
	t.Parallel()

	sched, sites, runner, _, site := newSchedulerEnv(t)
	ctx := context.Background()
	require.NoError(t, sites.SetSiteStatus(ctx, site.ID, monitor.SiteStatusPaused))

	require.ErrorIs(t, sched.Trigger(ctx, site.ID), monitor.ErrSiteNotActive)
	require.Zero(t, runner.runCount())
}

func TestTickHonorsCrawlInterval(t *testing.T) {
	t.Parallel()

	sched, _, runner, clock, site := newSchedulerEnv(t)
	ctx := context.Background()
	close(runner.release)

	// First tick: never crawled, so the site is due immediately.
	sched.tick(ctx)
	require.Equal(t, site.ID, <-runner.started)
	sched.wg.Wait()
	require.Equal(t, 1, runner.runCount())

	// Interval not elapsed: nothing launches.
	sched.tick(ctx)
	sched.wg.Wait()
	require.Equal(t, 1, runner.runCount())

	// Past the interval the site is due again.
	clock.mu.Lock()
	clock.now = clock.now.Add(site.CrawlInterval + time.Minute)
	clock.mu.Unlock()
	sched.tick(ctx)
	require.Equal(t, site.ID, <-runner.started)
	sched.wg.Wait()
	require.Equal(t, 2, runner.runCount())
}

func TestTickSkipsInactiveSites(t *testing.T) {
	t.Parallel()

	sched, sites, runner, _, site := newSchedulerEnv(t)
	ctx := context.Background()
	require.NoError(t, sites.SetSiteStatus(ctx, site.ID, monitor.SiteStatusPaused))

	sched.tick(ctx)
	sched.wg.Wait()
	require.Zero(t, runner.runCount())
}
