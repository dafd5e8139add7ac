// Package config defines all configuration for the signal service.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// API keys and webhook settings overridable via environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Assets     AssetsConfig     `mapstructure:"assets"`
	Feeds      FeedsConfig      `mapstructure:"feeds"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Signals    SignalsConfig    `mapstructure:"signals"`
	Aggregator AggregatorConfig `mapstructure:"aggregator"`
	Alerts     AlertsConfig     `mapstructure:"alerts"`
	Webhooks   WebhooksConfig   `mapstructure:"webhooks"`
	Store      StoreConfig      `mapstructure:"store"`
	State      StateConfig      `mapstructure:"state"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// AssetsConfig declares the three disjoint collection lists. Each entry
// becomes one scheduled task in the corresponding tier.
type AssetsConfig struct {
	HighFrequency   []string `mapstructure:"high_frequency"`
	Hourly          []string `mapstructure:"hourly"`
	MacroIndicators []string `mapstructure:"macro_indicators"`
}

// FeedsConfig holds upstream provider endpoints and credentials.
// Keys are overridable via UPSTREAM_API_KEY and MACRO_API_KEY.
type FeedsConfig struct {
	MarketBaseURL  string        `mapstructure:"market_base_url"`
	MacroBaseURL   string        `mapstructure:"macro_base_url"`
	UpstreamAPIKey string        `mapstructure:"upstream_api_key"`
	MacroAPIKey    string        `mapstructure:"macro_api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// SchedulerConfig tunes the tiered scheduler loop.
//
//   - TickInterval: how often the loop wakes to select due tasks.
//   - MaxRetriesPerTask: same-tick retries for recoverable failures.
//   - MacroCollectionTime: UTC "HH:MM" gate for the MACRO tier.
//   - UpstreamConcurrency: bounded fan-out within a tier.
//   - ShutdownTimeout: how long Stop waits for an in-flight tick.
type SchedulerConfig struct {
	TickInterval        time.Duration `mapstructure:"tick_interval"`
	MaxRetriesPerTask   int           `mapstructure:"max_retries_per_task"`
	MacroCollectionTime string        `mapstructure:"macro_collection_time"`
	UpstreamConcurrency int           `mapstructure:"upstream_concurrency"`
	ShutdownTimeout     time.Duration `mapstructure:"shutdown_timeout"`
}

// SignalsConfig controls the signal-generation pass.
type SignalsConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Interval      time.Duration `mapstructure:"interval"`
	WindowDays    int           `mapstructure:"window_days"`
	StrategiesDir string        `mapstructure:"strategies_dir"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// AggregatorConfig tunes per-asset signal merging. Weights are taken
// from the strategy definitions at load time; Resolution defaults to
// weighted_average and unknown tags fall back to it.
type AggregatorConfig struct {
	Resolution      string  `mapstructure:"resolution"`
	MinConfidence   float64 `mapstructure:"min_confidence"`
	MaxPositionSize float64 `mapstructure:"max_position_size"`
}

// AlertsConfig controls alert-file emission and retention.
type AlertsConfig struct {
	Enabled             bool     `mapstructure:"enabled"`
	Dir                 string   `mapstructure:"dir"`
	RetentionDays       int      `mapstructure:"retention_days"`
	EnabledAssets       []string `mapstructure:"enabled_assets"`
	PercentileThreshold float64  `mapstructure:"percentile_threshold"`
}

// SinkConfig describes one webhook endpoint with its filters and
// rate-limit window. An empty URL disables the sink.
type SinkConfig struct {
	URL              string   `mapstructure:"url"`
	MinConfidence    float64  `mapstructure:"min_confidence"`
	MinStrength      string   `mapstructure:"min_strength"`
	Assets           []string `mapstructure:"assets"`
	RateLimitSeconds int      `mapstructure:"rate_limit_seconds"`
}

// WebhooksConfig holds the aggregate channel sink plus optional
// per-strategy sinks keyed by strategy name.
type WebhooksConfig struct {
	Enabled    bool                  `mapstructure:"enabled"`
	Timeout    time.Duration         `mapstructure:"timeout"`
	Aggregate  SinkConfig            `mapstructure:"aggregate"`
	Strategies map[string]SinkConfig `mapstructure:"strategies"`
}

// StoreConfig sets where the SQLite time-series database lives.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// StateConfig sets where the scheduler state snapshot is persisted.
type StateConfig struct {
	Path string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Recognized env vars: UPSTREAM_API_KEY, MACRO_API_KEY, WEBHOOK_URL,
// WEBHOOK_MIN_CONFIDENCE, WEBHOOK_MIN_STRENGTH, WEBHOOK_RATE_LIMIT_SECONDS.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("feeds.request_timeout", 30*time.Second)
	v.SetDefault("scheduler.tick_interval", 60*time.Second)
	v.SetDefault("scheduler.max_retries_per_task", 1)
	v.SetDefault("scheduler.macro_collection_time", "23:00")
	v.SetDefault("scheduler.upstream_concurrency", 4)
	v.SetDefault("scheduler.shutdown_timeout", 30*time.Second)
	v.SetDefault("signals.enabled", true)
	v.SetDefault("signals.interval", time.Hour)
	v.SetDefault("signals.window_days", 30)
	v.SetDefault("signals.strategies_dir", "configs/strategies")
	v.SetDefault("signals.timeout", 60*time.Second)
	v.SetDefault("aggregator.resolution", "weighted_average")
	v.SetDefault("aggregator.min_confidence", 0.1)
	v.SetDefault("aggregator.max_position_size", 1.0)
	v.SetDefault("alerts.enabled", true)
	v.SetDefault("alerts.dir", "data/alerts")
	v.SetDefault("alerts.retention_days", 7)
	v.SetDefault("alerts.percentile_threshold", 80)
	v.SetDefault("webhooks.timeout", 10*time.Second)
	v.SetDefault("store.path", "data/market.db")
	v.SetDefault("state.path", "data/scheduler_state.json")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// applyEnvOverrides maps the service's documented env vars onto config
// fields. An unset WEBHOOK_URL leaves the aggregate channel as
// configured in the file; setting it enables the channel.
func applyEnvOverrides(cfg *Config) {
	if key := os.Getenv("UPSTREAM_API_KEY"); key != "" {
		cfg.Feeds.UpstreamAPIKey = key
	}
	if key := os.Getenv("MACRO_API_KEY"); key != "" {
		cfg.Feeds.MacroAPIKey = key
	}
	if url := os.Getenv("WEBHOOK_URL"); url != "" {
		cfg.Webhooks.Enabled = true
		cfg.Webhooks.Aggregate.URL = url
	}
	if s := os.Getenv("WEBHOOK_MIN_CONFIDENCE"); s != "" {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			cfg.Webhooks.Aggregate.MinConfidence = f
		}
	}
	if s := os.Getenv("WEBHOOK_MIN_STRENGTH"); s != "" {
		cfg.Webhooks.Aggregate.MinStrength = s
	}
	if s := os.Getenv("WEBHOOK_RATE_LIMIT_SECONDS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			cfg.Webhooks.Aggregate.RateLimitSeconds = n
		}
	}
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if len(c.Assets.HighFrequency) == 0 && len(c.Assets.Hourly) == 0 && len(c.Assets.MacroIndicators) == 0 {
		return fmt.Errorf("assets: at least one collection list must be non-empty")
	}
	if c.Feeds.MarketBaseURL == "" {
		return fmt.Errorf("feeds.market_base_url is required")
	}
	if len(c.Assets.MacroIndicators) > 0 && c.Feeds.MacroBaseURL == "" {
		return fmt.Errorf("feeds.macro_base_url is required when macro indicators are configured")
	}
	if c.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("scheduler.tick_interval must be > 0")
	}
	if c.Scheduler.MaxRetriesPerTask < 0 {
		return fmt.Errorf("scheduler.max_retries_per_task must be >= 0")
	}
	if c.Scheduler.UpstreamConcurrency <= 0 {
		return fmt.Errorf("scheduler.upstream_concurrency must be > 0")
	}
	if _, err := ParseTimeOfDay(c.Scheduler.MacroCollectionTime); err != nil {
		return fmt.Errorf("scheduler.macro_collection_time: %w", err)
	}
	if c.Signals.WindowDays <= 0 {
		return fmt.Errorf("signals.window_days must be > 0")
	}
	if c.Aggregator.MinConfidence < 0 || c.Aggregator.MinConfidence > 1 {
		return fmt.Errorf("aggregator.min_confidence must be in [0,1]")
	}
	if c.Aggregator.MaxPositionSize <= 0 {
		return fmt.Errorf("aggregator.max_position_size must be > 0")
	}
	if c.Alerts.RetentionDays <= 0 {
		return fmt.Errorf("alerts.retention_days must be > 0")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}
	return nil
}

// ParseTimeOfDay parses an "HH:MM" string into minutes past UTC midnight.
func ParseTimeOfDay(s string) (int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("want HH:MM, got %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("bad hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("bad minute in %q", s)
	}
	return h*60 + m, nil
}
