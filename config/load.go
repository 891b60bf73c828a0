// Package config loads and validates the runtime configuration and hot
// reloads the detector tunables on file change. YAML shapes live here
// with integer millisecond/second fields; packages receive converted
// runtime forms.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"imbalance-trader-go/engine"
	"imbalance-trader-go/feed"
	"imbalance-trader-go/infrastructure/logger"
	"imbalance-trader-go/market"
	"imbalance-trader-go/poller"
	"imbalance-trader-go/risk"
	"imbalance-trader-go/sim"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env         string         `yaml:"env"`
	DBPath      string         `yaml:"db_path"`
	MetricsAddr string         `yaml:"metrics_addr"`
	Detector    DetectorConfig `yaml:"detector"`
	Dispatch    DispatchConfig `yaml:"dispatch"`
	Poller      PollerConfig   `yaml:"poller"`
	Engine      EngineConfig   `yaml:"engine"`
	Governor    risk.Config    `yaml:"governor"`
	Sim         sim.Config     `yaml:"sim"`
	Feed        FeedConfig     `yaml:"feed"`
	Logger      logger.Config  `yaml:"logger"`
}

// DetectorConfig is the YAML shape of the imbalance tunables.
type DetectorConfig struct {
	WindowSeconds               int     `yaml:"window_seconds"`
	RatioThreshold              float64 `yaml:"ratio_threshold"`
	HeavyVenueSize              int64   `yaml:"heavy_venue_size"`
	MinHeavyVenues              int     `yaml:"min_heavy_venues"`
	MaxRangeCents               float64 `yaml:"max_range_cents"`
	MinImbalanceDurationSeconds int     `yaml:"min_imbalance_duration_seconds"`
	AlertThrottleSeconds        int     `yaml:"alert_throttle_seconds"`
}

// ToDetector converts to the detector's runtime form.
func (d DetectorConfig) ToDetector() market.DetectorConfig {
	return market.DetectorConfig{
		WindowSeconds:        d.WindowSeconds,
		RatioThreshold:       d.RatioThreshold,
		HeavyVenueSize:       d.HeavyVenueSize,
		MinHeavyVenues:       d.MinHeavyVenues,
		MaxRangeCents:        d.MaxRangeCents,
		MinImbalanceDuration: time.Duration(d.MinImbalanceDurationSeconds) * time.Second,
		AlertThrottle:        time.Duration(d.AlertThrottleSeconds) * time.Second,
	}
}

// DispatchConfig is the YAML shape of the dispatcher switches.
type DispatchConfig struct {
	InlineOnly bool `yaml:"inline_only"`
}

// PollerConfig is the YAML shape of the adaptive cadence.
type PollerConfig struct {
	HotIntervalMs   int `yaml:"hot_interval_ms"`
	MaxIntervalMs   int `yaml:"max_interval_ms"`
	ProbeIntervalMs int `yaml:"probe_interval_ms"`
}

func (p PollerConfig) ToPoller() poller.Config {
	return poller.Config{
		HotInterval:   time.Duration(p.HotIntervalMs) * time.Millisecond,
		MaxInterval:   time.Duration(p.MaxIntervalMs) * time.Millisecond,
		ProbeInterval: time.Duration(p.ProbeIntervalMs) * time.Millisecond,
	}
}

// EngineConfig is the YAML shape of the execution tunables.
type EngineConfig struct {
	QuantityPerTrade   float64 `yaml:"quantity_per_trade"`
	LimitSlippageBps   float64 `yaml:"limit_slippage_bps"`
	FillPollIntervalMs int     `yaml:"fill_poll_interval_ms"`
	FillTimeoutMs      int     `yaml:"fill_timeout_ms"`
	TimeoutPolicy      string  `yaml:"timeout_policy"`
	MaxReprices        int     `yaml:"max_reprices"`
	QueueSize          int     `yaml:"queue_size"`
}

func (e EngineConfig) ToEngine() engine.Config {
	return engine.Config{
		QuantityPerTrade: e.QuantityPerTrade,
		LimitSlippageBps: e.LimitSlippageBps,
		FillPollInterval: time.Duration(e.FillPollIntervalMs) * time.Millisecond,
		FillTimeout:      time.Duration(e.FillTimeoutMs) * time.Millisecond,
		TimeoutPolicy:    engine.TimeoutPolicy(e.TimeoutPolicy),
		MaxReprices:      e.MaxReprices,
		QueueSize:        e.QueueSize,
	}
}

// FeedConfig is the YAML shape of the market data connection.
type FeedConfig struct {
	URL            string   `yaml:"url"`
	Symbols        []string `yaml:"symbols"`
	MaxRetries     int      `yaml:"max_retries"`
	RetryBackoffMs int      `yaml:"retry_backoff_ms"`
	ReadTimeoutMs  int      `yaml:"read_timeout_ms"`
}

func (f FeedConfig) ToFeed() feed.Config {
	return feed.Config{
		URL:          f.URL,
		Symbols:      f.Symbols,
		MaxRetries:   f.MaxRetries,
		RetryBackoff: time.Duration(f.RetryBackoffMs) * time.Millisecond,
		ReadTimeout:  time.Duration(f.ReadTimeoutMs) * time.Millisecond,
	}
}

// Load reads YAML config from path and applies validation.
func Load(path string) (AppConfig, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadWithEnvOverrides loads config then overrides selected fields from
// env vars if present.
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	if v := os.Getenv("IT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("IT_FEED_URL"); v != "" {
		cfg.Feed.URL = v
	}
	if v := os.Getenv("IT_KILL_SWITCH_FILE"); v != "" {
		cfg.Governor.KillSwitchFile = v
	}
	return cfg, Validate(cfg)
}

// Default returns the configuration used when a field is absent.
func Default() AppConfig {
	return AppConfig{
		Env:         "dev",
		DBPath:      "data/alerts.db",
		MetricsAddr: ":9102",
		Detector: DetectorConfig{
			WindowSeconds:               30,
			RatioThreshold:              0.65,
			HeavyVenueSize:              1000,
			MinHeavyVenues:              2,
			MaxRangeCents:               5,
			MinImbalanceDurationSeconds: 5,
			AlertThrottleSeconds:        60,
		},
		Poller: PollerConfig{
			HotIntervalMs:   50,
			MaxIntervalMs:   2000,
			ProbeIntervalMs: 10,
		},
		Engine: EngineConfig{
			QuantityPerTrade:   100,
			LimitSlippageBps:   5,
			FillPollIntervalMs: 250,
			FillTimeoutMs:      10000,
			TimeoutPolicy:      string(engine.TimeoutPolicyMarket),
			MaxReprices:        2,
			QueueSize:          64,
		},
		Governor: risk.Config{
			MaxTradesPerHour: 20,
			KillSwitchFile:   "data/KILL",
		},
		Sim: sim.DefaultConfig(),
		Feed: FeedConfig{
			MaxRetries:     5,
			RetryBackoffMs: 3000,
			ReadTimeoutMs:  30000,
		},
		Logger: logger.DefaultConfig(),
	}
}

// Validate ensures required fields are present and coherent.
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return errors.New("env is required")
	}
	if cfg.DBPath == "" {
		return errors.New("db_path is required")
	}
	if cfg.Detector.RatioThreshold <= 0.5 || cfg.Detector.RatioThreshold >= 1 {
		return fmt.Errorf("detector.ratio_threshold must be in (0.5, 1), got %v", cfg.Detector.RatioThreshold)
	}
	if cfg.Detector.HeavyVenueSize <= 0 {
		return errors.New("detector.heavy_venue_size must be > 0")
	}
	if cfg.Detector.MinHeavyVenues < 1 {
		return errors.New("detector.min_heavy_venues must be >= 1")
	}
	if cfg.Detector.MinImbalanceDurationSeconds < 0 || cfg.Detector.AlertThrottleSeconds < 0 {
		return errors.New("detector durations must be >= 0")
	}
	if err := cfg.Poller.ToPoller().Validate(); err != nil {
		return err
	}
	if err := cfg.Engine.ToEngine().Validate(); err != nil {
		return err
	}
	if cfg.Governor.MaxTradesPerHour < 0 {
		return errors.New("governor.max_trades_per_hour must be >= 0")
	}
	if err := cfg.Sim.Validate(); err != nil {
		return err
	}
	return nil
}
