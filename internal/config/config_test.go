package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
db:
  provider: postgres
  dsn: postgres://pricewatch:pw@localhost:5432/pricewatch
  max_conns: 16
crawler:
  global_concurrency: 8
  per_site_parallelism: 2
  fetch_timeout: 20s
  retry_base: 30s
rate_limit:
  per_minute: 30
  burst: 2
webhook:
  timeout: 5s
  sweep_interval: 15s
retention:
  ops_log_days: 14
logging:
  development: true
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, "postgres", cfg.DB.Provider)
	require.Equal(t, int32(16), cfg.DB.MaxConns)
	require.Equal(t, 8, cfg.Crawler.GlobalConcurrency)
	require.Equal(t, 2, cfg.Crawler.PerSiteParallelism)
	require.Equal(t, 20*time.Second, cfg.Crawler.FetchTimeout)
	require.Equal(t, 30*time.Second, cfg.Crawler.RetryBase)
	require.Equal(t, 10*time.Minute, cfg.Crawler.RetryMax) // default kept
	require.Equal(t, 30, cfg.RateLimit.PerMinute)
	require.Equal(t, 5*time.Second, cfg.Webhook.Timeout)
	require.Equal(t, 14, cfg.Retention.OpsLogDays)
	require.True(t, cfg.Logging.Development)
}

func TestLoadDefaultsWithMemoryProvider(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("db:\n  provider: memory\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 30*time.Second, cfg.Crawler.FetchTimeout)
	require.Equal(t, 10, cfg.RateLimit.PerMinute)
	require.Equal(t, 30, cfg.Retention.OpsLogDays)
}

func TestValidateRejectsBadConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing dsn", func(c *Config) { c.DB.Provider = "postgres"; c.DB.DSN = "" }},
		{"unknown provider", func(c *Config) { c.DB.Provider = "etcd" }},
		{"zero concurrency", func(c *Config) { c.Crawler.GlobalConcurrency = 0 }},
		{"zero fetch timeout", func(c *Config) { c.Crawler.FetchTimeout = 0 }},
		{"zero rate limit", func(c *Config) { c.RateLimit.PerMinute = 0 }},
		{"bad port", func(c *Config) { c.Server.Port = -1 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tc.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func validConfig() Config {
	return Config{
		Server: ServerConfig{Port: 8080},
		DB:     DBConfig{Provider: "memory"},
		Crawler: CrawlerConfig{
			GlobalConcurrency:  4,
			PerSiteParallelism: 4,
			FetchTimeout:       30 * time.Second,
			RetryBase:          time.Minute,
			RetryMax:           10 * time.Minute,
			TickInterval:       30 * time.Second,
		},
		RateLimit: RateLimitConfig{PerMinute: 10, Burst: 1},
		Webhook:   WebhookConfig{Timeout: 10 * time.Second, SweepInterval: time.Minute},
		Retention: RetentionConfig{OpsLogDays: 30},
	}
}
