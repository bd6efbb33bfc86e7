// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	DB        DBConfig        `mapstructure:"db"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Retention RetentionConfig `mapstructure:"retention"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// DBConfig controls access to Postgres. Provider "memory" runs everything
// against in-memory stores for local development.
type DBConfig struct {
	Provider string `mapstructure:"provider"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// CrawlerConfig governs scheduler and crawl executor behavior.
type CrawlerConfig struct {
	GlobalConcurrency  int           `mapstructure:"global_concurrency"`
	PerSiteParallelism int           `mapstructure:"per_site_parallelism"`
	FetchTimeout       time.Duration `mapstructure:"fetch_timeout"`
	UserAgent          string        `mapstructure:"user_agent"`
	RetryBase          time.Duration `mapstructure:"retry_base"`
	RetryMax           time.Duration `mapstructure:"retry_max"`
	TickInterval       time.Duration `mapstructure:"tick_interval"`
}

// RateLimitConfig sets the default per-origin token bucket.
type RateLimitConfig struct {
	PerMinute int `mapstructure:"per_minute"`
	Burst     int `mapstructure:"burst"`
}

// WebhookConfig configures outbound webhook delivery.
type WebhookConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	UserAgent     string        `mapstructure:"user_agent"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// RetentionConfig configures the shared operational-log horizon. Per-site
// snapshot retention lives on the site record, not here.
type RetentionConfig struct {
	OpsLogDays    int           `mapstructure:"ops_log_days"`
	SnapshotSweep time.Duration `mapstructure:"snapshot_sweep"`
	OpsLogSweep   time.Duration `mapstructure:"ops_log_sweep"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PRICEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("db.provider", "postgres")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("crawler.global_concurrency", 4)
	v.SetDefault("crawler.per_site_parallelism", 4)
	v.SetDefault("crawler.fetch_timeout", "30s")
	v.SetDefault("crawler.user_agent", "pricewatch/1.0")
	v.SetDefault("crawler.retry_base", "60s")
	v.SetDefault("crawler.retry_max", "600s")
	v.SetDefault("crawler.tick_interval", "30s")
	v.SetDefault("rate_limit.per_minute", 10)
	v.SetDefault("rate_limit.burst", 1)
	v.SetDefault("webhook.timeout", "10s")
	v.SetDefault("webhook.user_agent", "pricewatch-webhook/1.0")
	v.SetDefault("webhook.sweep_interval", "60s")
	v.SetDefault("retention.ops_log_days", 30)
	v.SetDefault("retention.snapshot_sweep", "168h")
	v.SetDefault("retention.ops_log_sweep", "24h")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
}

// Validate rejects configurations the pipeline cannot run with.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.DB.Provider {
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn is required for the postgres provider")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown db.provider %q", c.DB.Provider)
	}
	if c.Crawler.GlobalConcurrency <= 0 {
		return fmt.Errorf("crawler.global_concurrency must be positive")
	}
	if c.Crawler.PerSiteParallelism <= 0 {
		return fmt.Errorf("crawler.per_site_parallelism must be positive")
	}
	if c.Crawler.FetchTimeout <= 0 {
		return fmt.Errorf("crawler.fetch_timeout must be positive")
	}
	if c.RateLimit.PerMinute <= 0 {
		return fmt.Errorf("rate_limit.per_minute must be positive")
	}
	if c.Webhook.Timeout <= 0 {
		return fmt.Errorf("webhook.timeout must be positive")
	}
	if c.Retention.OpsLogDays <= 0 {
		return fmt.Errorf("retention.ops_log_days must be positive")
	}
	return nil
}
