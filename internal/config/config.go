// Package config loads and validates opwatch configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/opwatch/internal/ratelimit"
	"github.com/JakeFAU/opwatch/internal/registry"
	"github.com/JakeFAU/opwatch/internal/retry"
	"github.com/JakeFAU/opwatch/internal/source/ambari"
	"github.com/JakeFAU/opwatch/internal/storage/local"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Source   SourceConfig   `mapstructure:"source"`
	Ambari   AmbariConfig   `mapstructure:"ambari"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Progress ProgressConfig `mapstructure:"progress"`
	Database DatabaseConfig `mapstructure:"database"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Storage  StorageConfig  `mapstructure:"storage"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// SourceConfig selects where request status comes from: "ambari" or "memory" (offline demo).
// Tasks and Fail shape the simulated requests of the memory backend.
type SourceConfig struct {
	Backend string   `mapstructure:"backend"`
	Tasks   int      `mapstructure:"tasks"`
	Fail    []string `mapstructure:"fail"`
}

// AmbariConfig describes the orchestration server.
type AmbariConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	Cluster       string        `mapstructure:"cluster"`
	Username      string        `mapstructure:"username"`
	Password      string        `mapstructure:"password"`
	Timeout       time.Duration `mapstructure:"timeout"`
	UserAgent     string        `mapstructure:"user_agent"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Burst         int           `mapstructure:"burst"`
}

// MonitorConfig governs polling cadence and registry limits.
type MonitorConfig struct {
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	VersionPollInterval time.Duration `mapstructure:"version_poll_interval"`
	Deadline            time.Duration `mapstructure:"deadline"`
	MaxMonitors         int           `mapstructure:"max_monitors"`
	PruneAfter          time.Duration `mapstructure:"prune_after"`
}

// RetryConfig configures transport retries for status fetches.
type RetryConfig struct {
	Strategy    string        `mapstructure:"strategy"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Delay       time.Duration `mapstructure:"delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Jitter      bool          `mapstructure:"jitter"`
}

// ProgressConfig controls the progress event hub and its sinks.
type ProgressConfig struct {
	Enabled        bool                `mapstructure:"enabled"`
	LogEnabled     bool                `mapstructure:"log_enabled"`
	MetricsEnabled bool                `mapstructure:"metrics_enabled"`
	BufferSize     int                 `mapstructure:"buffer_size"`
	Batch          ProgressBatchConfig `mapstructure:"batch"`
	SinkTimeout    time.Duration       `mapstructure:"sink_timeout"`
}

// ProgressBatchConfig bounds hub batches.
type ProgressBatchConfig struct {
	MaxEvents int           `mapstructure:"max_events"`
	MaxWait   time.Duration `mapstructure:"max_wait"`
}

// DatabaseConfig controls the run history database. An empty DSN keeps history in memory.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	EnsureSchema    bool          `mapstructure:"ensure_schema"`
}

// PubSubConfig holds metadata for outcome notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// StorageConfig selects where final run reports are archived: "memory", "local" or "gcs".
type StorageConfig struct {
	Backend string       `mapstructure:"backend"`
	Bucket  string       `mapstructure:"bucket"`
	Prefix  string       `mapstructure:"prefix"`
	Local   local.Config `mapstructure:"local"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("OPWATCH")
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("logging.development", true)
	v.SetDefault("source.backend", "ambari")
	v.SetDefault("source.tasks", 5)
	v.SetDefault("source.fail", []string{})
	v.SetDefault("ambari.base_url", "")
	v.SetDefault("ambari.cluster", "")
	v.SetDefault("ambari.username", "")
	v.SetDefault("ambari.password", "")
	v.SetDefault("ambari.timeout", "10s")
	v.SetDefault("ambari.user_agent", "opwatch/0.1")
	v.SetDefault("ambari.rate_per_second", 5)
	v.SetDefault("ambari.burst", 2)
	v.SetDefault("monitor.poll_interval", "4s")
	v.SetDefault("monitor.version_poll_interval", "5s")
	v.SetDefault("monitor.deadline", "0s")
	v.SetDefault("monitor.max_monitors", 100)
	v.SetDefault("monitor.prune_after", "1h")
	v.SetDefault("retry.strategy", string(retry.StrategyExponential))
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.delay", "250ms")
	v.SetDefault("retry.max_delay", "5s")
	v.SetDefault("retry.jitter", true)
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("progress.metrics_enabled", true)
	v.SetDefault("progress.buffer_size", 512)
	v.SetDefault("progress.batch.max_events", 64)
	v.SetDefault("progress.batch.max_wait", "250ms")
	v.SetDefault("progress.sink_timeout", "10s")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.table", "operation_runs")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime", "30m")
	v.SetDefault("database.ensure_schema", true)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.prefix", "opwatch")
	v.SetDefault("storage.local.base_dir", "data/reports")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.Source.Backend {
	case "ambari":
		if c.Ambari.BaseURL == "" || c.Ambari.Cluster == "" {
			return fmt.Errorf("ambari.base_url and ambari.cluster must be set when source.backend is ambari")
		}
	case "memory":
	default:
		return fmt.Errorf("source.backend must be ambari or memory, got %q", c.Source.Backend)
	}
	if c.Monitor.PollInterval <= 0 || c.Monitor.VersionPollInterval <= 0 {
		return fmt.Errorf("monitor.poll_interval and monitor.version_poll_interval must be > 0")
	}
	if c.Monitor.Deadline < 0 {
		return fmt.Errorf("monitor.deadline must be >= 0")
	}
	if c.Monitor.MaxMonitors < 0 {
		return fmt.Errorf("monitor.max_monitors must be >= 0")
	}
	if _, err := c.RetryPolicy(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	switch c.Storage.Backend {
	case "", "memory", "local":
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set when storage.backend is gcs")
		}
	default:
		return fmt.Errorf("storage.backend must be memory, local or gcs, got %q", c.Storage.Backend)
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set together")
	}
	return nil
}

// RegistryConfig converts the monitor section into registry settings.
func (c Config) RegistryConfig() registry.Config {
	return registry.Config{
		OperationPollInterval: c.Monitor.PollInterval,
		VersionPollInterval:   c.Monitor.VersionPollInterval,
		Deadline:              c.Monitor.Deadline,
		MaxMonitors:           c.Monitor.MaxMonitors,
	}
}

// RetryPolicy builds the transport retry policy.
func (c Config) RetryPolicy() (retry.Policy, error) {
	p, err := retry.New(retry.Config{
		Strategy:    retry.Strategy(c.Retry.Strategy),
		MaxAttempts: c.Retry.MaxAttempts,
		Delay:       c.Retry.Delay,
		MaxDelay:    c.Retry.MaxDelay,
		Jitter:      c.Retry.Jitter,
	})
	if err != nil {
		return nil, fmt.Errorf("build retry policy: %w", err)
	}
	return p, nil
}

// AmbariSource converts the ambari section into source settings.
func (c Config) AmbariSource() ambari.Config {
	return ambari.Config{
		BaseURL:   c.Ambari.BaseURL,
		Cluster:   c.Ambari.Cluster,
		Username:  c.Ambari.Username,
		Password:  c.Ambari.Password,
		Timeout:   c.Ambari.Timeout,
		UserAgent: c.Ambari.UserAgent,
		RateLimit: ratelimit.Config{RPS: c.Ambari.RatePerSecond, Burst: c.Ambari.Burst},
	}
}
