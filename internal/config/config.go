// Package config loads and validates navigator configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/market-navigator/internal/calendar"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Schedule  ScheduleConfig  `mapstructure:"schedule"`
	Crawl     CrawlConfig     `mapstructure:"crawl"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Extract   ExtractConfig   `mapstructure:"extract"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Analysis  AnalysisConfig  `mapstructure:"analysis"`
	Wake      WakeConfig      `mapstructure:"wake"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	ReadHeaderTimeoutSecs int `mapstructure:"read_header_timeout_seconds"`
	ShutdownTimeoutSecs   int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// TelemetryConfig controls tracing.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	Version     string  `mapstructure:"version"`
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// ScheduleConfig is the market calendar plus retry and readiness timings.
type ScheduleConfig struct {
	Timezone         string `mapstructure:"timezone"`
	TradingDays      []int  `mapstructure:"trading_days"`
	MarketOpen       string `mapstructure:"market_open"`
	MarketClose      string `mapstructure:"market_close"`
	AnalysisDeadline string `mapstructure:"analysis_deadline"`
	RetentionDays    int    `mapstructure:"retention_days"`
	RetryLimit       int    `mapstructure:"retry_limit"`
	RetryDelayMs     int    `mapstructure:"retry_delay_ms"`
	PollIntervalMs   int    `mapstructure:"poll_interval_ms"`
	WaitTimeoutMs    int    `mapstructure:"wait_timeout_ms"`
}

// CrawlConfig defines what to visit and how the queue paces itself.
type CrawlConfig struct {
	Symbols       []string `mapstructure:"symbols"`
	CycleCron     string   `mapstructure:"cycle_cron"`
	URLTemplate   string   `mapstructure:"url_template"`
	SymbolPattern string   `mapstructure:"symbol_pattern"`
	ReuseSurface  bool     `mapstructure:"reuse_surface"`
	QueueDelayMs  int      `mapstructure:"queue_delay_ms"`
	ArchiveHTML   bool     `mapstructure:"archive_html"`
}

// BrowserConfig selects and tunes the execution surface.
type BrowserConfig struct {
	// Mode is "headless" (chromedp) or "static" (colly).
	Mode              string `mapstructure:"mode"`
	UserAgent         string `mapstructure:"user_agent"`
	NavTimeoutSeconds int    `mapstructure:"nav_timeout_seconds"`
	ReadySelector     string `mapstructure:"ready_selector"`
	Headful           bool   `mapstructure:"headful"`
	RespectRobots     bool   `mapstructure:"respect_robots"`
}

// ExtractConfig maps snapshot fields to CSS selectors.
type ExtractConfig struct {
	Name          string `mapstructure:"name"`
	Price         string `mapstructure:"price"`
	Change        string `mapstructure:"change"`
	ChangePercent string `mapstructure:"change_percent"`
	Volume        string `mapstructure:"volume"`
}

// RateLimitConfig paces navigations per host.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// StorageConfig sets where snapshots and raw pages live.
type StorageConfig struct {
	// Snapshots is "memory" or "postgres".
	Snapshots string `mapstructure:"snapshots"`
	// Blobs is "memory", "local" or "gcs".
	Blobs       string `mapstructure:"blobs"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	LocalDir    string `mapstructure:"local_dir"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// DatabaseConfig controls access to PostgreSQL.
type DatabaseConfig struct {
	DSN                 string `mapstructure:"dsn"`
	SnapshotTable       string `mapstructure:"snapshot_table"`
	MaxConns            int32  `mapstructure:"max_conns"`
	MinConns            int32  `mapstructure:"min_conns"`
	MaxConnLifetimeMins int    `mapstructure:"max_conn_lifetime_minutes"`
	Migrate             bool   `mapstructure:"migrate"`
}

// PubSubConfig holds metadata for analysis publication.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// AnalysisConfig tunes the ranking engine.
type AnalysisConfig struct {
	TopN int `mapstructure:"top_n"`
}

// WakeConfig selects the alarm and checkpoint backend.
type WakeConfig struct {
	// Backend is "memory", "file" or "redis".
	Backend        string `mapstructure:"backend"`
	FilePath       string `mapstructure:"file_path"`
	RedisAddr      string `mapstructure:"redis_addr"`
	RedisPassword  string `mapstructure:"redis_password"`
	RedisDB        int    `mapstructure:"redis_db"`
	RedisPrefix    string `mapstructure:"redis_prefix"`
	PollIntervalMs int    `mapstructure:"poll_interval_ms"`
}

// ProgressConfig tunes the progress hub.
type ProgressConfig struct {
	BufferSize     int  `mapstructure:"buffer_size"`
	MaxBatchEvents int  `mapstructure:"max_batch_events"`
	MaxBatchWaitMs int  `mapstructure:"max_batch_wait_ms"`
	SinkTimeoutMs  int  `mapstructure:"sink_timeout_ms"`
	LogEvents      bool `mapstructure:"log_events"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Load builds a Config from defaults, an optional file and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("NAVIGATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_header_timeout_seconds", 5)
	v.SetDefault("server.shutdown_timeout_seconds", 15)
	v.SetDefault("logging.development", false)
	v.SetDefault("telemetry.service_name", "market-navigator")
	v.SetDefault("telemetry.sample_ratio", 1.0)

	v.SetDefault("schedule.timezone", "America/New_York")
	v.SetDefault("schedule.trading_days", []int{1, 2, 3, 4, 5})
	v.SetDefault("schedule.market_open", "09:30")
	v.SetDefault("schedule.market_close", "16:00")
	v.SetDefault("schedule.analysis_deadline", "20:00")
	v.SetDefault("schedule.retention_days", 30)
	v.SetDefault("schedule.retry_limit", 2)
	v.SetDefault("schedule.retry_delay_ms", 2000)
	v.SetDefault("schedule.poll_interval_ms", 250)
	v.SetDefault("schedule.wait_timeout_ms", 15000)

	v.SetDefault("crawl.cycle_cron", "*/15 16-19 * * 1-5")
	v.SetDefault("crawl.url_template", "https://finance.yahoo.com/quote/{id}/")
	v.SetDefault("crawl.symbol_pattern", `/quote/([^/?#]+)`)
	v.SetDefault("crawl.reuse_surface", true)
	v.SetDefault("crawl.queue_delay_ms", 1500)
	v.SetDefault("crawl.archive_html", false)

	v.SetDefault("browser.mode", "headless")
	v.SetDefault("browser.user_agent", "market-navigator/0.1")
	v.SetDefault("browser.nav_timeout_seconds", 45)
	v.SetDefault("browser.respect_robots", true)

	v.SetDefault("extract.name", "h1")
	v.SetDefault("extract.price", `fin-streamer[data-field="regularMarketPrice"]@data-value`)
	v.SetDefault("extract.change", `fin-streamer[data-field="regularMarketChange"]@data-value`)
	v.SetDefault("extract.change_percent", `fin-streamer[data-field="regularMarketChangePercent"]@data-value`)
	v.SetDefault("extract.volume", `fin-streamer[data-field="regularMarketVolume"]@data-value`)

	v.SetDefault("ratelimit.rps", 0.5)
	v.SetDefault("ratelimit.burst", 1)

	v.SetDefault("storage.snapshots", "memory")
	v.SetDefault("storage.blobs", "memory")
	v.SetDefault("storage.local_dir", "data/pages")
	v.SetDefault("storage.prefix", "pages")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")

	v.SetDefault("database.snapshot_table", "snapshots")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime_minutes", 30)
	v.SetDefault("database.migrate", true)

	v.SetDefault("pubsub.topic_name", "navigator-analysis")
	v.SetDefault("analysis.top_n", 0)

	v.SetDefault("wake.backend", "memory")
	v.SetDefault("wake.file_path", "data/wake.json")
	v.SetDefault("wake.redis_addr", "localhost:6379")
	v.SetDefault("wake.redis_prefix", "navigator")
	v.SetDefault("wake.poll_interval_ms", 1000)

	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 256)
	v.SetDefault("progress.max_batch_wait_ms", 500)
	v.SetDefault("progress.sink_timeout_ms", 10000)
	v.SetDefault("progress.log_events", true)

	v.SetDefault("metrics.enabled", true)
}

// Validate enforces required values and reasonable limits. Calendar errors
// are returned as *calendar.ScheduleConfigError.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if _, err := calendar.New(c.Schedule.Calendar()); err != nil {
		return err
	}
	if c.Schedule.RetentionDays < 0 {
		return fmt.Errorf("schedule.retention_days must be >= 0")
	}
	if c.Schedule.RetryLimit < 0 {
		return fmt.Errorf("schedule.retry_limit must be >= 0")
	}
	if c.Schedule.PollIntervalMs <= 0 || c.Schedule.WaitTimeoutMs <= 0 {
		return fmt.Errorf("schedule.poll_interval_ms and schedule.wait_timeout_ms must be > 0")
	}
	if !strings.Contains(c.Crawl.URLTemplate, "{id}") {
		return fmt.Errorf("crawl.url_template must contain {id}")
	}
	if strings.TrimSpace(c.Extract.Price) == "" {
		return fmt.Errorf("extract.price selector is required")
	}
	switch c.Browser.Mode {
	case "headless", "static":
	default:
		return fmt.Errorf("browser.mode must be headless or static, got %q", c.Browser.Mode)
	}
	if err := c.Storage.validate(); err != nil {
		return err
	}
	if c.Storage.Snapshots == "postgres" && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn must be set when storage.snapshots is postgres")
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub is enabled")
	}
	return c.Wake.validate()
}

func (s StorageConfig) validate() error {
	switch s.Snapshots {
	case "memory", "postgres":
	default:
		return fmt.Errorf("storage.snapshots must be memory or postgres, got %q", s.Snapshots)
	}
	switch s.Blobs {
	case "memory":
	case "local":
		if s.LocalDir == "" {
			return errors.New("storage.local_dir must be set when storage.blobs is local")
		}
	case "gcs":
		if s.GCSBucket == "" {
			return errors.New("storage.gcs_bucket must be set when storage.blobs is gcs")
		}
	default:
		return fmt.Errorf("storage.blobs must be memory, local or gcs, got %q", s.Blobs)
	}
	return nil
}

func (w WakeConfig) validate() error {
	switch w.Backend {
	case "memory":
	case "file":
		if w.FilePath == "" {
			return errors.New("wake.file_path must be set when wake.backend is file")
		}
	case "redis":
		if w.RedisAddr == "" {
			return errors.New("wake.redis_addr must be set when wake.backend is redis")
		}
	default:
		return fmt.Errorf("wake.backend must be memory, file or redis, got %q", w.Backend)
	}
	return nil
}

// Calendar converts the schedule section for calendar.New.
func (s ScheduleConfig) Calendar() calendar.Config {
	return calendar.Config{
		Timezone:         s.Timezone,
		TradingDays:      s.TradingDays,
		MarketOpen:       s.MarketOpen,
		MarketClose:      s.MarketClose,
		AnalysisDeadline: s.AnalysisDeadline,
	}
}

// RetryDelay returns the pause before each retry attempt.
func (s ScheduleConfig) RetryDelay() time.Duration {
	return time.Duration(s.RetryDelayMs) * time.Millisecond
}

// PollInterval returns the readiness poll interval.
func (s ScheduleConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMs) * time.Millisecond
}

// WaitTimeout returns the readiness wait bound.
func (s ScheduleConfig) WaitTimeout() time.Duration {
	return time.Duration(s.WaitTimeoutMs) * time.Millisecond
}
