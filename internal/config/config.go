// Package config defines all configuration for the tracker workers.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via PMT_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure and is shared by all three worker binaries; each binary reads
// only the sections it needs.
type Config struct {
	Upstream   UpstreamConfig   `mapstructure:"upstream"`
	Downstream DownstreamConfig `mapstructure:"downstream"`
	Store      StoreConfig      `mapstructure:"store"`
	Hot        HotConfig        `mapstructure:"hot"`
	Cold       ColdConfig       `mapstructure:"cold"`
	Ingester   IngesterConfig   `mapstructure:"ingester"`
	Reconcile  ReconcileConfig  `mapstructure:"reconcile"`
	Health     HealthConfig     `mapstructure:"health"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// UpstreamConfig holds the public venue endpoints. No credentials are
// needed; MarketAPIKey is optional and only used for the authoritative
// market-status lookup when set.
type UpstreamConfig struct {
	DataBaseURL   string `mapstructure:"data_base_url"`   // trades + positions API
	MarketBaseURL string `mapstructure:"market_base_url"` // market-status lookup
	WSURL         string `mapstructure:"ws_url"`          // activity feed
	MarketAPIKey  string `mapstructure:"market_api_key"`
}

// DownstreamConfig holds this system's own control plane: the execution
// dispatcher the ingester forwards eligible trades to.
type DownstreamConfig struct {
	BaseURL      string `mapstructure:"base_url"`
	BearerSecret string `mapstructure:"bearer_secret"`
}

// StoreConfig points at the relational store.
type StoreConfig struct {
	URL string `mapstructure:"url"` // postgres connection string
}

// HotConfig tunes the high-frequency poller over the active follow set.
//
//   - Interval: target cycle cadence (~2s).
//   - RatePerSec/Burst: token-bucket budget for upstream HTTP calls.
//   - Cooldown: per-wallet minimum gap between calls.
//   - ErrorBudget: non-timeout errors tolerated within one cycle before the
//     process exits for a supervisor restart.
type HotConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	RatePerSec  float64       `mapstructure:"rate_per_sec"`
	Burst       float64       `mapstructure:"burst"`
	Cooldown    time.Duration `mapstructure:"cooldown"`
	ErrorBudget int           `mapstructure:"error_budget"`
}

// ColdConfig tunes the long-tail sweep. LockDuration intentionally exceeds
// Interval so two replicas cannot overlap across an interval boundary.
type ColdConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	LockDuration  time.Duration `mapstructure:"lock_duration"`
	LockHeartbeat time.Duration `mapstructure:"lock_heartbeat"`
	RatePerSec    float64       `mapstructure:"rate_per_sec"`
	Burst         float64       `mapstructure:"burst"`
	Cooldown      time.Duration `mapstructure:"cooldown"`
	SleepJitter   time.Duration `mapstructure:"sleep_jitter"`
}

// IngesterConfig tunes the WebSocket stream ingester.
type IngesterConfig struct {
	BufferMaxSize        int           `mapstructure:"buffer_max_size"`
	BufferFlushInterval  time.Duration `mapstructure:"buffer_flush_interval"`
	InFlightCap          int           `mapstructure:"in_flight_cap"`
	SetRefreshInterval   time.Duration `mapstructure:"set_refresh_interval"`
	OrderRefreshInterval time.Duration `mapstructure:"order_refresh_interval"`
	ReconnectDelay       time.Duration `mapstructure:"reconnect_delay"`
	WatchdogInterval     time.Duration `mapstructure:"watchdog_interval"`
	WatchdogHeapPct      float64       `mapstructure:"watchdog_heap_pct"`
}

// ReconcileConfig tunes the position reconciler.
//
// SizeTolerance is in shares (outcome tokens), not USD: snapshot sizes from
// the upstream are share counts, so the partial-reduction check compares
// like units.
type ReconcileConfig struct {
	SizeTolerance     float64 `mapstructure:"size_tolerance"`
	OracleConcurrency int     `mapstructure:"oracle_concurrency"`
}

// HealthConfig controls the liveness + metrics HTTP endpoint.
type HealthConfig struct {
	Port int `mapstructure:"port"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: PMT_STORE_URL, PMT_BEARER_SECRET,
// PMT_MARKET_API_KEY.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("PMT")
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

	// Override sensitive fields from env
	if url := os.Getenv("PMT_STORE_URL"); url != "" {
		cfg.Store.URL = url
	}
	if secret := os.Getenv("PMT_BEARER_SECRET"); secret != "" {
		cfg.Downstream.BearerSecret = secret
	}
	if key := os.Getenv("PMT_MARKET_API_KEY"); key != "" {
		cfg.Upstream.MarketAPIKey = key
	}
	if url := os.Getenv("PMT_UPSTREAM_DATA_URL"); url != "" {
		cfg.Upstream.DataBaseURL = url
	}
	if url := os.Getenv("PMT_DOWNSTREAM_URL"); url != "" {
		cfg.Downstream.BaseURL = url
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("hot.interval", 2*time.Second)
	v.SetDefault("hot.rate_per_sec", 10.0)
	v.SetDefault("hot.burst", 20.0)
	v.SetDefault("hot.cooldown", time.Second)
	v.SetDefault("hot.error_budget", 50)

	v.SetDefault("cold.interval", time.Hour)
	v.SetDefault("cold.lock_duration", 65*time.Minute)
	v.SetDefault("cold.lock_heartbeat", 30*time.Minute)
	v.SetDefault("cold.rate_per_sec", 5.0)
	v.SetDefault("cold.burst", 10.0)
	v.SetDefault("cold.cooldown", 5*time.Second)
	v.SetDefault("cold.sleep_jitter", time.Minute)

	v.SetDefault("ingester.buffer_max_size", 50)
	v.SetDefault("ingester.buffer_flush_interval", 2*time.Second)
	v.SetDefault("ingester.in_flight_cap", 20)
	v.SetDefault("ingester.set_refresh_interval", 5*time.Minute)
	v.SetDefault("ingester.order_refresh_interval", time.Minute)
	v.SetDefault("ingester.reconnect_delay", 5*time.Second)
	v.SetDefault("ingester.watchdog_interval", time.Minute)
	v.SetDefault("ingester.watchdog_heap_pct", 0.85)

	v.SetDefault("reconcile.size_tolerance", 0.01)
	v.SetDefault("reconcile.oracle_concurrency", 5)

	v.SetDefault("health.port", 8090)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Upstream.DataBaseURL == "" {
		return fmt.Errorf("upstream.data_base_url is required")
	}
	if c.Upstream.MarketBaseURL == "" {
		return fmt.Errorf("upstream.market_base_url is required")
	}
	if c.Upstream.WSURL == "" {
		return fmt.Errorf("upstream.ws_url is required")
	}
	if c.Store.URL == "" {
		return fmt.Errorf("store.url is required (set PMT_STORE_URL)")
	}
	if c.Downstream.BaseURL == "" {
		return fmt.Errorf("downstream.base_url is required")
	}
	if c.Downstream.BearerSecret == "" {
		return fmt.Errorf("downstream.bearer_secret is required (set PMT_BEARER_SECRET)")
	}
	if c.Hot.Interval <= 0 {
		return fmt.Errorf("hot.interval must be > 0")
	}
	if c.Hot.RatePerSec <= 0 || c.Hot.Burst <= 0 {
		return fmt.Errorf("hot.rate_per_sec and hot.burst must be > 0")
	}
	if c.Cold.LockDuration <= c.Cold.Interval {
		return fmt.Errorf("cold.lock_duration must exceed cold.interval to prevent replica overlap")
	}
	if c.Ingester.BufferMaxSize <= 0 {
		return fmt.Errorf("ingester.buffer_max_size must be > 0")
	}
	if c.Ingester.InFlightCap <= 0 {
		return fmt.Errorf("ingester.in_flight_cap must be > 0")
	}
	if c.Reconcile.SizeTolerance < 0 {
		return fmt.Errorf("reconcile.size_tolerance must be >= 0")
	}
	if c.Reconcile.OracleConcurrency <= 0 {
		return fmt.Errorf("reconcile.oracle_concurrency must be > 0")
	}
	return nil
}
