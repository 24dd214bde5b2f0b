// Package config loads and validates scanner configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/warcscan/internal/logging"
	"github.com/JakeFAU/warcscan/internal/proxy"
	"github.com/JakeFAU/warcscan/internal/ratelimit"
	"github.com/JakeFAU/warcscan/internal/scan"
)

// Config captures all scanner configuration knobs loaded via Viper.
type Config struct {
	Scan    ScanConfig         `mapstructure:"scan"`
	Rate    RateConfig         `mapstructure:"rate"`
	Fetch   FetchConfig        `mapstructure:"fetch"`
	Retry   RetryConfig        `mapstructure:"retry"`
	Proxies []proxy.Descriptor `mapstructure:"proxies"`
	Output  OutputConfig       `mapstructure:"output"`
	DB      DBConfig           `mapstructure:"db"`
	Index   IndexConfig        `mapstructure:"index"`
	Ops     OpsConfig          `mapstructure:"ops"`
	Logging LoggingConfig      `mapstructure:"logging"`
}

// ScanConfig governs the worker pool and classification thresholds.
type ScanConfig struct {
	Workers int `mapstructure:"workers"`
	// QueueSize <= 0 selects twice the worker count.
	QueueSize     int    `mapstructure:"queue_size"`
	MinConfidence string `mapstructure:"min_confidence"`
	ProgressEvery int    `mapstructure:"progress_every"`
	// SampleMB caps rangeless segment downloads. Zero or negative
	// selects a cap large enough to admit any single segment.
	SampleMB int `mapstructure:"sample_mb"`
}

// RateConfig selects and tunes the outbound rate limiter.
type RateConfig struct {
	Strategy      string  `mapstructure:"strategy"`
	RPS           float64 `mapstructure:"requests_per_second"`
	Burst         int     `mapstructure:"burst"`
	WindowSeconds int     `mapstructure:"window_seconds"`
	MinRPS        float64 `mapstructure:"min_rps"`
	MaxRPS        float64 `mapstructure:"max_rps"`
}

// FetchConfig configures segment retrieval from the archive host.
type FetchConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// RetryConfig controls the per-item retry budget.
type RetryConfig struct {
	MaxRetries   int `mapstructure:"max_retries"`
	DelaySeconds int `mapstructure:"delay_seconds"`
}

// OutputConfig sets where run artifacts land.
type OutputConfig struct {
	Dir        string `mapstructure:"dir"`
	FailureDir string `mapstructure:"failure_dir"`
}

// DBConfig controls optional Postgres persistence of detections.
type DBConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// IndexConfig points at the crawl index API.
type IndexConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// OpsConfig controls the health/metrics sidecar server.
type OpsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LoggingConfig toggles zap development features and the file sink.
type LoggingConfig struct {
	Development bool               `mapstructure:"development"`
	File        logging.FileConfig `mapstructure:"file"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("WARCSCAN")
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
	v.SetDefault("scan.workers", 5)
	v.SetDefault("scan.queue_size", 0)
	v.SetDefault("scan.min_confidence", "medium")
	v.SetDefault("scan.progress_every", 100)
	v.SetDefault("scan.sample_mb", 10)
	v.SetDefault("rate.strategy", ratelimit.StrategyTokenBucket)
	v.SetDefault("rate.requests_per_second", 2.0)
	v.SetDefault("rate.burst", 5)
	v.SetDefault("rate.window_seconds", 1)
	v.SetDefault("rate.min_rps", 0.5)
	v.SetDefault("rate.max_rps", 10.0)
	v.SetDefault("fetch.base_url", "https://data.commoncrawl.org/")
	v.SetDefault("fetch.user_agent", "NextJS-Detector/1.0 (Research Project)")
	v.SetDefault("fetch.timeout_seconds", 60)
	v.SetDefault("retry.max_retries", 5)
	v.SetDefault("retry.delay_seconds", 300)
	v.SetDefault("output.dir", "scan_output")
	v.SetDefault("output.failure_dir", "scan_output")
	v.SetDefault("db.enabled", false)
	v.SetDefault("db.table", "detections")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("index.base_url", "https://index.commoncrawl.org")
	v.SetDefault("index.timeout_seconds", 30)
	v.SetDefault("ops.enabled", false)
	v.SetDefault("ops.addr", ":9090")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.file.max_size_mb", 100)
	v.SetDefault("logging.file.max_backups", 3)
	v.SetDefault("logging.file.max_age_days", 28)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Scan.Workers <= 0 {
		return fmt.Errorf("scan.workers must be > 0")
	}
	if !scan.Confidence(c.Scan.MinConfidence).Valid() {
		return fmt.Errorf("scan.min_confidence must be low, medium, or high")
	}
	if c.Rate.RPS <= 0 {
		return fmt.Errorf("rate.requests_per_second must be > 0")
	}
	switch c.Rate.Strategy {
	case "", ratelimit.StrategyTokenBucket, ratelimit.StrategySlidingWindow, ratelimit.StrategyAdaptive:
	default:
		return fmt.Errorf("rate.strategy %q is not a known strategy", c.Rate.Strategy)
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Retry.MaxRetries <= 0 {
		return fmt.Errorf("retry.max_retries must be > 0")
	}
	if c.Retry.DelaySeconds < 0 {
		return fmt.Errorf("retry.delay_seconds must be >= 0")
	}
	if c.Output.Dir == "" {
		return fmt.Errorf("output.dir must be set")
	}
	for i, p := range c.Proxies {
		if p.Host == "" || p.Port <= 0 {
			return fmt.Errorf("proxies[%d] needs a host and a positive port", i)
		}
	}
	if c.DB.Enabled && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn must be set when db is enabled")
	}
	if c.Ops.Enabled && c.Ops.Addr == "" {
		return fmt.Errorf("ops.addr must be set when ops is enabled")
	}
	return nil
}

// FetchTimeout converts the fetch timeout into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// RetryDelay converts the retry back-off into a duration.
func (c Config) RetryDelay() time.Duration {
	return time.Duration(c.Retry.DelaySeconds) * time.Second
}

// RateWindow converts the sliding window span into a duration.
func (c Config) RateWindow() time.Duration {
	return time.Duration(c.Rate.WindowSeconds) * time.Second
}

// IndexTimeout converts the index API timeout into a duration.
func (c Config) IndexTimeout() time.Duration {
	return time.Duration(c.Index.TimeoutSeconds) * time.Second
}

// SampleBytes returns the hard cap for rangeless segment fetches.
func (c Config) SampleBytes() int64 {
	if c.Scan.SampleMB <= 0 {
		return 1 << 30
	}
	return int64(c.Scan.SampleMB) << 20
}

// MinConfidence returns the configured persistence threshold.
func (c Config) MinConfidence() scan.Confidence {
	return scan.Confidence(c.Scan.MinConfidence)
}
