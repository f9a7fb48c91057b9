package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/market-navigator/internal/calendar"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, "America/New_York", cfg.Schedule.Timezone)
	require.Equal(t, []int{1, 2, 3, 4, 5}, cfg.Schedule.TradingDays)
	require.Equal(t, 2, cfg.Schedule.RetryLimit)
	require.Equal(t, 2*time.Second, cfg.Schedule.RetryDelay())
	require.Equal(t, 250*time.Millisecond, cfg.Schedule.PollInterval())
	require.Equal(t, 15*time.Second, cfg.Schedule.WaitTimeout())
	require.Equal(t, "headless", cfg.Browser.Mode)
	require.Equal(t, "memory", cfg.Storage.Snapshots)
	require.Equal(t, "memory", cfg.Wake.Backend)
	require.True(t, cfg.Metrics.Enabled)
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
schedule:
  timezone: UTC
  trading_days: [0, 1, 2, 3, 4]
  market_open: "09:00"
  market_close: "13:00"
  analysis_deadline: "07:00"
  retry_limit: 3
crawl:
  symbols: [aapl, msft]
  url_template: https://quotes.example.com/s/{id}
  symbol_pattern: /s/([^/]+)
storage:
  snapshots: postgres
  blobs: gcs
  gcs_bucket: raw-pages
database:
  dsn: postgres://navigator@localhost/navigator
wake:
  backend: redis
  redis_addr: redis:6379
pubsub:
  enabled: true
  project_id: demo
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Port)
	require.True(t, cfg.Auth.Enabled)
	require.Equal(t, []int{0, 1, 2, 3, 4}, cfg.Schedule.TradingDays)
	require.Equal(t, "07:00", cfg.Schedule.AnalysisDeadline)
	require.Equal(t, 3, cfg.Schedule.RetryLimit)
	require.Equal(t, []string{"aapl", "msft"}, cfg.Crawl.Symbols)
	require.Equal(t, "raw-pages", cfg.Storage.GCSBucket)
	require.Equal(t, "redis:6379", cfg.Wake.RedisAddr)
	require.Equal(t, "navigator-analysis", cfg.PubSub.TopicName)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("NAVIGATOR_SERVER_PORT", "7070")
	t.Setenv("NAVIGATOR_SCHEDULE_MARKET_CLOSE", "15:00")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 7070, cfg.Server.Port)
	require.Equal(t, "15:00", cfg.Schedule.MarketClose)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadRejectsMalformedCalendar(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
schedule:
  market_open: "9.30"
`)
	_, err := Load(path)
	var cfgErr *calendar.ScheduleConfigError
	require.True(t, errors.As(err, &cfgErr), "got %v", err)
	require.Equal(t, "market_open", cfgErr.Field)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "ok", mutate: func(*Config) {}},
		{name: "port", mutate: func(c *Config) { c.Server.Port = 0 }, wantErr: "server.port"},
		{name: "auth key", mutate: func(c *Config) { c.Auth.Enabled = true }, wantErr: "auth.api_key"},
		{name: "retention", mutate: func(c *Config) { c.Schedule.RetentionDays = -1 }, wantErr: "retention_days"},
		{name: "retry limit", mutate: func(c *Config) { c.Schedule.RetryLimit = -1 }, wantErr: "retry_limit"},
		{name: "poll", mutate: func(c *Config) { c.Schedule.PollIntervalMs = 0 }, wantErr: "poll_interval_ms"},
		{name: "template", mutate: func(c *Config) { c.Crawl.URLTemplate = "https://x/quote" }, wantErr: "{id}"},
		{name: "price selector", mutate: func(c *Config) { c.Extract.Price = " " }, wantErr: "extract.price"},
		{name: "browser", mutate: func(c *Config) { c.Browser.Mode = "firefox" }, wantErr: "browser.mode"},
		{name: "snapshots", mutate: func(c *Config) { c.Storage.Snapshots = "sqlite" }, wantErr: "storage.snapshots"},
		{name: "gcs bucket", mutate: func(c *Config) { c.Storage.Blobs = "gcs" }, wantErr: "gcs_bucket"},
		{name: "local dir", mutate: func(c *Config) { c.Storage.Blobs = "local"; c.Storage.LocalDir = "" }, wantErr: "local_dir"},
		{name: "dsn", mutate: func(c *Config) { c.Storage.Snapshots = "postgres" }, wantErr: "database.dsn"},
		{name: "pubsub", mutate: func(c *Config) { c.PubSub.Enabled = true }, wantErr: "pubsub.project_id"},
		{name: "wake backend", mutate: func(c *Config) { c.Wake.Backend = "etcd" }, wantErr: "wake.backend"},
		{name: "wake file", mutate: func(c *Config) { c.Wake.Backend = "file"; c.Wake.FilePath = "" }, wantErr: "wake.file_path"},
		{name: "timezone", mutate: func(c *Config) { c.Schedule.Timezone = "Mars/Olympus" }, wantErr: "timezone"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := *base
			cfg.Schedule.TradingDays = append([]int(nil), base.Schedule.TradingDays...)
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}
