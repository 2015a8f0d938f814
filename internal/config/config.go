// Package config loads the kernel's configuration from a YAML file with
// LOOM_-prefixed environment overrides, and hot-reloads it on file change.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full daemon configuration.
type Config struct {
	Logging     LoggingConfig     `mapstructure:"logging"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	EventLog    EventLogConfig    `mapstructure:"event_log"`
	Outbox      OutboxConfig      `mapstructure:"outbox"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Policy      PolicyConfig      `mapstructure:"policy"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
	Engine      EngineConfig      `mapstructure:"engine"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json or console
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// DatabaseConfig selects the workflow-state and outbox backend. Driver is
// "sqlite3" or "postgres"; empty keeps everything in memory.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	DB      int    `mapstructure:"db"`
	// StreamMaxLen caps the mirrored event streams (approximate trim).
	StreamMaxLen int64 `mapstructure:"stream_max_len"`
}

type EventLogConfig struct {
	Root string `mapstructure:"root"`
}

type OutboxConfig struct {
	StuckAge          time.Duration `mapstructure:"stuck_age"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	AutoRetry         bool          `mapstructure:"auto_retry"`
	CleanupAge        time.Duration `mapstructure:"cleanup_age"`
}

type CoordinatorConfig struct {
	DefaultLockTimeout time.Duration `mapstructure:"default_lock_timeout"`
	ReaperInterval     time.Duration `mapstructure:"reaper_interval"`
}

type PolicyConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Mode       string `mapstructure:"mode"` // off, dry-run, enforce
	Path       string `mapstructure:"path"`
	FailClosed bool   `mapstructure:"fail_closed"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
}

type EngineConfig struct {
	MaxConcurrency     int           `mapstructure:"max_concurrency"`
	LockAcquireTimeout time.Duration `mapstructure:"lock_acquire_timeout"`
}

// Load reads the config file at path (optional) merged over defaults, with
// LOOM_SECTION_KEY environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("LOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

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
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 2112)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.stream_max_len", 10000)
	v.SetDefault("event_log.root", "./var/run")
	v.SetDefault("outbox.stuck_age", "5m")
	v.SetDefault("outbox.reconcile_interval", "30s")
	v.SetDefault("outbox.auto_retry", true)
	v.SetDefault("outbox.cleanup_age", "168h")
	v.SetDefault("coordinator.default_lock_timeout", "30s")
	v.SetDefault("coordinator.reaper_interval", "1s")
	v.SetDefault("policy.mode", "off")
	v.SetDefault("tracing.sample_ratio", 0.1)
	v.SetDefault("engine.max_concurrency", 8)
	v.SetDefault("engine.lock_acquire_timeout", "5s")
}

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level %q", c.Logging.Level)
	}
	switch c.Database.Driver {
	case "", "sqlite3", "postgres":
	default:
		return fmt.Errorf("unsupported database.driver %q", c.Database.Driver)
	}
	switch c.Policy.Mode {
	case "", "off", "dry-run", "enforce":
	default:
		return fmt.Errorf("invalid policy.mode %q", c.Policy.Mode)
	}
	if c.Policy.Enabled && c.Policy.Mode != "off" && c.Policy.Path == "" {
		return fmt.Errorf("policy.path is required when policy is enabled")
	}
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		return fmt.Errorf("invalid metrics.port %d", c.Metrics.Port)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be in [0,1]")
	}
	return nil
}
