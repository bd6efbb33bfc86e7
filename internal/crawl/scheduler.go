package crawl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/obsrvlabs/pricewatch/internal/monitor"
)

// SiteRunner executes one crawl run for a site.
type SiteRunner interface {
	RunSite(ctx context.Context, siteID uuid.UUID, trigger monitor.CrawlTrigger) (monitor.CrawlLog, error)
}

// SchedulerConfig controls scheduler behavior.
type SchedulerConfig struct {
	// Tick is how often due sites are re-evaluated.
	Tick time.Duration
	// GlobalConcurrency bounds how many site runs execute at once.
	GlobalConcurrency int
}

// Scheduler fires crawl runs for active sites on their configured
// intervals. It guarantees at most one run per site at any time, which in
// turn guarantees at most one in-flight fetch per target.
type Scheduler struct {
	sites  monitor.SiteStore
	runner SiteRunner
	clock  monitor.Clock
	cfg    SchedulerConfig
	logger *zap.Logger

	sem chan struct{}

	mu       sync.Mutex
	inflight map[uuid.UUID]struct{}
	nextRun  map[uuid.UUID]time.Time
	wg       sync.WaitGroup
}

// NewScheduler constructs a Scheduler.
func NewScheduler(sites monitor.SiteStore, runner SiteRunner, clock monitor.Clock, cfg SchedulerConfig, logger *zap.Logger) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = 30 * time.Second
	}
	if cfg.GlobalConcurrency <= 0 {
		cfg.GlobalConcurrency = 4
	}
	return &Scheduler{
		sites:    sites,
		runner:   runner,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
		sem:      make(chan struct{}, cfg.GlobalConcurrency),
		inflight: make(map[uuid.UUID]struct{}),
		nextRun:  make(map[uuid.UUID]time.Time),
	}
}

// Run blocks, launching due site runs until the context finishes, then
// waits for in-flight runs to drain.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	sites, err := s.sites.ListActiveSites(ctx)
	if err != nil {
		s.logger.Error("list active sites failed", zap.Error(err))
		return
	}
	now := s.clock.Now()
	for _, site := range sites {
		if s.due(site, now) {
			s.launch(ctx, site.ID, site.CrawlInterval, monitor.TriggerScheduled)
		}
	}
}

func (s *Scheduler) due(site monitor.Site, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, running := s.inflight[site.ID]; running {
		return false
	}
	next, seen := s.nextRun[site.ID]
	if !seen {
		return true
	}
	return !now.Before(next)
}

// Trigger starts a manual run for a site immediately. It refuses if a run
// for that site is already in flight.
func (s *Scheduler) Trigger(ctx context.Context, siteID uuid.UUID) error {
	s.mu.Lock()
	if _, running := s.inflight[siteID]; running {
		s.mu.Unlock()
		return fmt.Errorf("site %s already has a run in flight", siteID)
	}
	s.mu.Unlock()
	site, err := s.sites.GetSite(ctx, siteID)
	if err != nil {
		return fmt.Errorf("load site: %w", err)
	}
	if site.Status != monitor.SiteStatusActive {
		return monitor.ErrSiteNotActive
	}
	s.launch(ctx, siteID, site.CrawlInterval, monitor.TriggerManual)
	return nil
}

func (s *Scheduler) launch(ctx context.Context, siteID uuid.UUID, interval time.Duration, trigger monitor.CrawlTrigger) {
	s.mu.Lock()
	if _, running := s.inflight[siteID]; running {
		s.mu.Unlock()
		return
	}
	s.inflight[siteID] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inflight, siteID)
			s.mu.Unlock()
		}()

		select {
		case s.sem <- struct{}{}:
			defer func() { <-s.sem }()
		case <-ctx.Done():
			return
		}

		if _, err := s.runner.RunSite(ctx, siteID, trigger); err != nil {
			s.logger.Error("site run failed",
				zap.String("site_id", siteID.String()),
				zap.Error(err))
		}

		if interval <= 0 {
			interval = 24 * time.Hour
		}
		s.mu.Lock()
		s.nextRun[siteID] = s.clock.Now().Add(interval)
		s.mu.Unlock()
	}()
}
