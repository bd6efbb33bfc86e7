// Package app initializes and holds the long-lived application services,
// acting as the dependency injection container.
package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/obsrvlabs/pricewatch/internal/api"
	"github.com/obsrvlabs/pricewatch/internal/clock/system"
	"github.com/obsrvlabs/pricewatch/internal/config"
	"github.com/obsrvlabs/pricewatch/internal/crawl"
	"github.com/obsrvlabs/pricewatch/internal/detect"
	"github.com/obsrvlabs/pricewatch/internal/fetch/collyfetch"
	"github.com/obsrvlabs/pricewatch/internal/hash/sha256"
	"github.com/obsrvlabs/pricewatch/internal/id/uuid"
	"github.com/obsrvlabs/pricewatch/internal/monitor"
	"github.com/obsrvlabs/pricewatch/internal/notify"
	"github.com/obsrvlabs/pricewatch/internal/policy/ratelimit"
	"github.com/obsrvlabs/pricewatch/internal/retention"
	"github.com/obsrvlabs/pricewatch/internal/secrets"
	"github.com/obsrvlabs/pricewatch/internal/storage/memory"
	"github.com/obsrvlabs/pricewatch/internal/storage/postgres"
)

// Stores bundles the persistence interfaces the services run on.
type Stores struct {
	Sites      monitor.SiteStore
	Targets    monitor.TargetStore
	Snapshots  monitor.SnapshotStore
	Logs       monitor.CrawlLogStore
	Events     monitor.EventStore
	Deliveries monitor.DeliveryStore
	Secrets    monitor.SecretStore
	Stats      monitor.StatsStore
}

// App holds the initialized services. Build it with New, run the background
// loops with the Run* methods, and Close it on shutdown.
type App struct {
	Cfg        config.Config
	Logger     *zap.Logger
	Stores     Stores
	Scheduler  *crawl.Scheduler
	Dispatcher *notify.Dispatcher
	Secrets    *secrets.Manager
	Retention  *retention.Manager
	Server     *api.Server

	pool *pgxpool.Pool
}

// New wires the full service graph from configuration. It fails fast if the
// configured database cannot be reached.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	a := &App{Cfg: cfg, Logger: logger}

	if err := a.initStores(ctx); err != nil {
		return nil, err
	}

	clk := system.New()
	idGen := uuid.NewGenerator()
	hasher := sha256.New()

	secretManager := secrets.NewManager(a.Stores.Secrets, clk, logger.Named("secrets"))
	a.Secrets = secretManager

	dispatcher := notify.New(
		a.Stores.Deliveries,
		a.Stores.Events,
		a.Stores.Sites,
		a.Stores.Targets,
		secretManager,
		idGen,
		clk,
		notify.Config{
			Timeout:   cfg.Webhook.Timeout,
			UserAgent: cfg.Webhook.UserAgent,
		},
		logger.Named("notify"),
	)
	a.Dispatcher = dispatcher

	detector := detect.New(a.Stores.Events, dispatcher, idGen, clk, logger.Named("detect"))

	gate := ratelimit.New(ratelimit.Config{
		DefaultPerMinute: cfg.RateLimit.PerMinute,
		DefaultBurst:     cfg.RateLimit.Burst,
	})

	fetcher := collyfetch.New(collyfetch.Config{
		UserAgent: cfg.Crawler.UserAgent,
		Timeout:   cfg.Crawler.FetchTimeout,
	})

	executor := crawl.New(
		a.Stores.Sites,
		a.Stores.Targets,
		a.Stores.Snapshots,
		a.Stores.Logs,
		fetcher,
		gate,
		detector,
		hasher,
		idGen,
		clk,
		crawl.NewRetryPolicyWith(3, cfg.Crawler.RetryBase, cfg.Crawler.RetryMax),
		crawl.Config{
			FetchTimeout:       cfg.Crawler.FetchTimeout,
			PerSiteParallelism: cfg.Crawler.PerSiteParallelism,
		},
		logger.Named("crawl"),
	)

	a.Scheduler = crawl.NewScheduler(a.Stores.Sites, executor, clk, crawl.SchedulerConfig{
		Tick:              cfg.Crawler.TickInterval,
		GlobalConcurrency: cfg.Crawler.GlobalConcurrency,
	}, logger.Named("scheduler"))

	a.Retention = retention.NewManager(
		a.Stores.Sites,
		a.Stores.Snapshots,
		a.Stores.Stats,
		a.Stores.Logs,
		a.Stores.Deliveries,
		clk,
		retention.Config{
			SnapshotSweepInterval: cfg.Retention.SnapshotSweep,
			OpsLogSweepInterval:   cfg.Retention.OpsLogSweep,
			OpsLogDays:            cfg.Retention.OpsLogDays,
		},
		logger.Named("retention"),
	)

	a.Server = api.NewServer(
		a.Stores.Sites,
		a.Stores.Targets,
		a.Stores.Stats,
		a.Scheduler,
		dispatcher,
		secretManager,
		idGen,
		clk,
		logger.Named("api"),
	)

	return a, nil
}

func (a *App) initStores(ctx context.Context) error {
	switch a.Cfg.DB.Provider {
	case "postgres":
		pool, err := postgres.Connect(ctx, postgres.Config{
			DSN:      a.Cfg.DB.DSN,
			MaxConns: a.Cfg.DB.MaxConns,
			MinConns: a.Cfg.DB.MinConns,
		})
		if err != nil {
			return fmt.Errorf("init postgres: %w", err)
		}
		if err := postgres.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return fmt.Errorf("ensure schema: %w", err)
		}
		a.pool = pool
		a.Stores = Stores{
			Sites:      postgres.NewSiteStore(pool),
			Targets:    postgres.NewTargetStore(pool),
			Snapshots:  postgres.NewSnapshotStore(pool),
			Logs:       postgres.NewCrawlLogStore(pool),
			Events:     postgres.NewEventStore(pool),
			Deliveries: postgres.NewDeliveryStore(pool),
			Secrets:    postgres.NewSecretStore(pool),
			Stats:      postgres.NewStatsStore(pool),
		}
		a.Logger.Info("connected to postgres")
	case "memory":
		a.Stores = Stores{
			Sites:      memory.NewSiteStore(),
			Targets:    memory.NewTargetStore(),
			Snapshots:  memory.NewSnapshotStore(),
			Logs:       memory.NewCrawlLogStore(),
			Events:     memory.NewEventStore(),
			Deliveries: memory.NewDeliveryStore(),
			Secrets:    memory.NewSecretStore(),
			Stats:      memory.NewStatsStore(),
		}
		a.Logger.Info("using in-memory stores")
	default:
		return fmt.Errorf("unknown db.provider %q", a.Cfg.DB.Provider)
	}
	return nil
}

// Close releases the database pool.
func (a *App) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}
