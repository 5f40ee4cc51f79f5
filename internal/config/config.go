// Package config assembles the core's Config struct — the boundary
// spec.md §6 describes as "passed to the rotator constructor" — with
// defaults, validation, and YAML file loading. File discovery/parsing
// itself is outside the rotation core's scope (spec.md §1 Non-goals);
// this package only owns the struct, its defaults, and turning bytes
// into it, mirroring how the teacher keeps flag parsing in cmd/ but
// structured configuration in internal/.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/drsoft-oss/proxyrotator/internal/proxytypes"
)

// CacheConfig mirrors spec.md §6's cache block.
type CacheConfig struct {
	L1Max                   int              `yaml:"l1_max"`
	L2Max                   int              `yaml:"l2_max"`
	L3Max                   int              `yaml:"l3_max"` // 0 = unlimited
	DefaultTTLSeconds       int64            `yaml:"default_ttl_seconds"`
	CleanupIntervalSeconds  int64            `yaml:"cleanup_interval_seconds"`
	PerSourceTTL            map[string]int64 `yaml:"per_source_ttl"`
	FailureThreshold        int              `yaml:"failure_threshold"`
	HealthCheckInvalidation bool             `yaml:"health_check_invalidation"`
	L2Dir                   string           `yaml:"l2_dir"`
	L3Path                  string           `yaml:"l3_path"`
}

// RetryConfig mirrors spec.md §6's retry block.
type RetryConfig struct {
	MaxAttempts     int     `yaml:"max_attempts"`
	Backoff         string  `yaml:"backoff"`
	BaseDelayMs     int64   `yaml:"base_delay_ms"`
	MaxDelayMs      int64   `yaml:"max_delay_ms"`
	Multiplier      float64 `yaml:"multiplier"`
	Jitter          bool    `yaml:"jitter"`
	RetryableStatus []int   `yaml:"retryable_status"`
	GlobalQPS       float64 `yaml:"global_qps"`
}

// BreakerConfig mirrors spec.md §6's breaker block.
type BreakerConfig struct {
	FailureThreshold  int   `yaml:"failure_threshold"`
	TimeoutDurationMs int64 `yaml:"timeout_duration_ms"`
}

// HealthConfig mirrors spec.md §6's health block.
type HealthConfig struct {
	Enabled           bool   `yaml:"enabled"`
	IntervalSeconds   int64  `yaml:"interval_seconds"`
	FailureThreshold  int    `yaml:"failure_threshold"`
	Concurrency       int    `yaml:"concurrency"`
	ValidationLevel   string `yaml:"validation_level"`
	ProbeURL          string `yaml:"probe_url"`
	PerCheckTimeoutMs int64  `yaml:"per_check_timeout_ms"`
}

// StrategiesConfig mirrors spec.md §6's strategies block: the selector
// to build plus the tunables every built-in strategy reads from.
type StrategiesConfig struct {
	Name    string                    `yaml:"name"`
	Config  proxytypes.StrategyConfig `yaml:"config"`
	Filters []string                  `yaml:"filters"` // composite filter pass names, e.g. [geo_targeted, cost_aware]
}

// Config is the root structure assembled by the CLI layer and handed to
// the rotator facade. Every field has a spec-mandated or teacher-derived
// default filled in by Default() and re-applied by any zero-valued field
// left after a YAML load.
type Config struct {
	Cache      CacheConfig      `yaml:"cache"`
	Retry      RetryConfig      `yaml:"retry"`
	Breaker    BreakerConfig    `yaml:"breaker"`
	Health     HealthConfig     `yaml:"health"`
	Strategies StrategiesConfig `yaml:"strategies"`
}

// Default returns a Config with every field set to the default named in
// spec.md §4 for its owning module.
func Default() Config {
	return Config{
		Cache: CacheConfig{
			L1Max:                  1000,
			L2Max:                  5000,
			L3Max:                  0,
			DefaultTTLSeconds:      3600,
			CleanupIntervalSeconds: 60,
			FailureThreshold:       3,
			L2Dir:                  ".cache/proxies",
			L3Path:                 ".cache/db/proxywhirl.db",
		},
		Retry: RetryConfig{
			MaxAttempts:     3,
			Backoff:         "jittered_exponential",
			BaseDelayMs:     100,
			MaxDelayMs:      10_000,
			Multiplier:      2.0,
			Jitter:          true,
			RetryableStatus: []int{408, 429, 500, 502, 503, 504},
		},
		Breaker: BreakerConfig{
			FailureThreshold:  5,
			TimeoutDurationMs: 60_000,
		},
		Health: HealthConfig{
			Enabled:           true,
			IntervalSeconds:   60,
			FailureThreshold:  3,
			Concurrency:       50,
			ValidationLevel:   "STANDARD",
			PerCheckTimeoutMs: 10_000,
		},
		Strategies: StrategiesConfig{
			Name:   "round_robin",
			Config: proxytypes.DefaultStrategyConfig(),
		},
	}
}

// Load reads and parses a YAML config file, applying Default() to any
// field left zero-valued, then validating the result. A missing file is
// not an error — callers get Default() back, matching the CLI's "file
// is optional, flags/defaults cover the rest" posture.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return &cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	// Unmarshal into a struct starting from the defaults, so any key the
	// file omits keeps its default rather than becoming a Go zero value.
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

// applyDefaults re-fills fields that a partial YAML document left at
// their Go zero value but spec.md requires a non-zero default for.
func applyDefaults(cfg *Config) {
	d := Default()
	if cfg.Cache.L1Max == 0 {
		cfg.Cache.L1Max = d.Cache.L1Max
	}
	if cfg.Cache.L2Max == 0 {
		cfg.Cache.L2Max = d.Cache.L2Max
	}
	if cfg.Cache.DefaultTTLSeconds == 0 {
		cfg.Cache.DefaultTTLSeconds = d.Cache.DefaultTTLSeconds
	}
	if cfg.Cache.CleanupIntervalSeconds == 0 {
		cfg.Cache.CleanupIntervalSeconds = d.Cache.CleanupIntervalSeconds
	}
	if cfg.Cache.FailureThreshold == 0 {
		cfg.Cache.FailureThreshold = d.Cache.FailureThreshold
	}
	if cfg.Cache.L2Dir == "" {
		cfg.Cache.L2Dir = d.Cache.L2Dir
	}
	if cfg.Cache.L3Path == "" {
		cfg.Cache.L3Path = d.Cache.L3Path
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = d.Retry.MaxAttempts
	}
	if cfg.Retry.Backoff == "" {
		cfg.Retry.Backoff = d.Retry.Backoff
	}
	if cfg.Retry.BaseDelayMs == 0 {
		cfg.Retry.BaseDelayMs = d.Retry.BaseDelayMs
	}
	if cfg.Retry.MaxDelayMs == 0 {
		cfg.Retry.MaxDelayMs = d.Retry.MaxDelayMs
	}
	if cfg.Retry.Multiplier == 0 {
		cfg.Retry.Multiplier = d.Retry.Multiplier
	}
	if len(cfg.Retry.RetryableStatus) == 0 {
		cfg.Retry.RetryableStatus = d.Retry.RetryableStatus
	}
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = d.Breaker.FailureThreshold
	}
	if cfg.Breaker.TimeoutDurationMs == 0 {
		cfg.Breaker.TimeoutDurationMs = d.Breaker.TimeoutDurationMs
	}
	if cfg.Health.IntervalSeconds == 0 {
		cfg.Health.IntervalSeconds = d.Health.IntervalSeconds
	}
	if cfg.Health.FailureThreshold == 0 {
		cfg.Health.FailureThreshold = d.Health.FailureThreshold
	}
	if cfg.Health.Concurrency == 0 {
		cfg.Health.Concurrency = d.Health.Concurrency
	}
	if cfg.Health.ValidationLevel == "" {
		cfg.Health.ValidationLevel = d.Health.ValidationLevel
	}
	if cfg.Health.PerCheckTimeoutMs == 0 {
		cfg.Health.PerCheckTimeoutMs = d.Health.PerCheckTimeoutMs
	}
	if cfg.Strategies.Name == "" {
		cfg.Strategies.Name = d.Strategies.Name
	}
}

// Validate rejects configuration values that would otherwise surface as
// confusing failures deep inside the core. Invalid configuration at
// startup must refuse to start per spec.md §7.2.
func (c *Config) Validate() error {
	if c.Cache.L1Max < 0 || c.Cache.L2Max < 0 || c.Cache.L3Max < 0 {
		return fmt.Errorf("%w: cache tier sizes must be >= 0", proxytypes.ErrInvalidConfig)
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("%w: retry.max_attempts must be >= 0", proxytypes.ErrInvalidConfig)
	}
	switch c.Retry.Backoff {
	case "constant", "linear", "exponential", "jittered_exponential":
	default:
		return fmt.Errorf("%w: retry.backoff %q is not one of constant, linear, exponential, jittered_exponential",
			proxytypes.ErrInvalidConfig, c.Retry.Backoff)
	}
	if c.Retry.BaseDelayMs < 0 || c.Retry.MaxDelayMs < 0 {
		return fmt.Errorf("%w: retry delays must be >= 0", proxytypes.ErrInvalidConfig)
	}
	if c.Retry.MaxDelayMs > 0 && c.Retry.BaseDelayMs > c.Retry.MaxDelayMs {
		return fmt.Errorf("%w: retry.base_delay_ms must not exceed retry.max_delay_ms", proxytypes.ErrInvalidConfig)
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("%w: breaker.failure_threshold must be > 0", proxytypes.ErrInvalidConfig)
	}
	if c.Health.Concurrency < 0 {
		return fmt.Errorf("%w: health.concurrency must be >= 0", proxytypes.ErrInvalidConfig)
	}
	switch c.Health.ValidationLevel {
	case "BASIC", "STANDARD", "FULL":
	default:
		return fmt.Errorf("%w: health.validation_level %q is not one of BASIC, STANDARD, FULL",
			proxytypes.ErrInvalidConfig, c.Health.ValidationLevel)
	}
	return nil
}

// BreakerTimeout returns the breaker timeout as a time.Duration.
func (c *Config) BreakerTimeout() time.Duration {
	return time.Duration(c.Breaker.TimeoutDurationMs) * time.Millisecond
}
