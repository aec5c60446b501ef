// Package config loads and validates this service's runtime
// configuration, following the donor's internal/config package shape
// (YAML + environment-variable expansion, split defaults/validation
// per section) trimmed to this domain's surface: provider, database,
// shell, bus, server, and logging/tracing settings.
package config

import "time"

// Config is the root configuration tree, decoded from a single YAML
// document with environment variables expanded first.
type Config struct {
	Provider ProviderConfig `yaml:"provider"`
	Database DatabaseConfig `yaml:"database"`
	Shell    ShellConfig    `yaml:"shell"`
	Bus      BusConfig      `yaml:"bus"`
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// ProviderConfig configures the external model provider (§6's
// "provider protocol consumed").
type ProviderConfig struct {
	APIKey       string        `yaml:"api_key"`
	BaseURL      string        `yaml:"base_url"`
	DefaultModel string        `yaml:"default_model"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// DatabaseConfig configures the persistence-interface backend. Driver
// selects between the Postgres/CockroachDB store (lib/pq) and the
// pure-Go SQLite store (modernc.org/sqlite); empty Driver means the
// in-memory store, used by the CLI's local/offline mode and by tests.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"` // "", "postgres", or "sqlite"
	DSN             string        `yaml:"dsn"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// ShellConfig configures the persistent shell Session Pool (§4.1-4.2).
type ShellConfig struct {
	Path              string        `yaml:"path"`
	CommandTimeout    time.Duration `yaml:"command_timeout"`
	SessionIdleExpiry time.Duration `yaml:"session_idle_expiry"`
	MaxOutputBytes    int           `yaml:"max_output_bytes"`
	// SweepInterval is defaulted (5m) but not passed to the Pool, whose
	// idle-reap ticker fires every SessionIdleExpiry/6 (at least every
	// 10s). SweepSchedule, if set, is a cron expression that `loom serve`
	// hands to the Pool to drive the sweep instead of the ticker.
	SweepInterval time.Duration `yaml:"sweep_interval"`
	SweepSchedule string        `yaml:"sweep_schedule"`
}

// BusConfig configures the Subscriber Bus's per-subscriber channel
// buffer sizes (§4.6, §5's resource model).
type BusConfig struct {
	HighPriorityBuffer int `yaml:"high_priority_buffer"`
	LowPriorityBuffer  int `yaml:"low_priority_buffer"`
}

// ServerConfig configures the cmd/loom serve subcommand's listeners.
type ServerConfig struct {
	Host        string `yaml:"host"`
	HTTPPort    int    `yaml:"http_port"`
	MetricsPort int    `yaml:"metrics_port"`
}

// LoggingConfig configures internal/obslog's Logger construction.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// TracingConfig configures internal/obslog's OpenTelemetry tracer.
type TracingConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	ServiceVersion string  `yaml:"service_version"`
	Environment    string  `yaml:"environment"`
	SamplingRate   float64 `yaml:"sampling_rate"`
	Insecure       bool    `yaml:"insecure"`
}

// Default returns a runnable zero-config configuration: in-memory
// store, default shell, default bus buffers, JSON logging at info
// level, tracing disabled. Callers still need a provider API key to
// actually stream completions.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	applyProviderDefaults(&cfg.Provider)
	applyDatabaseDefaults(&cfg.Database)
	applyShellDefaults(&cfg.Shell)
	applyBusDefaults(&cfg.Bus)
	applyServerDefaults(&cfg.Server)
	applyLoggingDefaults(&cfg.Logging)
	applyTracingDefaults(&cfg.Tracing)
}

func applyProviderDefaults(cfg *ProviderConfig) {
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-5-20250929"
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
}

func applyDatabaseDefaults(cfg *DatabaseConfig) {
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 25
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
}

func applyShellDefaults(cfg *ShellConfig) {
	if cfg.Path == "" {
		cfg.Path = "/bin/bash"
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = 2 * time.Minute
	}
	if cfg.SessionIdleExpiry == 0 {
		cfg.SessionIdleExpiry = 30 * time.Minute
	}
	if cfg.MaxOutputBytes == 0 {
		cfg.MaxOutputBytes = 1 << 20 // 1 MiB
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
}

func applyBusDefaults(cfg *BusConfig) {
	if cfg.HighPriorityBuffer == 0 {
		cfg.HighPriorityBuffer = 32
	}
	if cfg.LowPriorityBuffer == 0 {
		cfg.LowPriorityBuffer = 256
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.HTTPPort == 0 {
		cfg.HTTPPort = 8080
	}
	if cfg.MetricsPort == 0 {
		cfg.MetricsPort = 9090
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Format == "" {
		cfg.Format = "json"
	}
}

func applyTracingDefaults(cfg *TracingConfig) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "loom"
	}
	if cfg.SamplingRate == 0 {
		cfg.SamplingRate = 1.0
	}
}
