// Package config provides configuration loading for the coordinator.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the coordinator process.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Results   ResultsConfig   `mapstructure:"results"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Redis     RedisConfig     `mapstructure:"redis"`
}

// ServerConfig holds the worker-facing TCP listener configuration.
type ServerConfig struct {
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	MaxConnections   int           `mapstructure:"max_connections"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	MaxFrameBytes    int           `mapstructure:"max_frame_bytes"`
	OutboxSize       int           `mapstructure:"outbox_size"`
}

// Addr returns the TCP listen address for worker connections.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// HTTPConfig holds the API server configuration.
type HTTPConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Addr returns the HTTP listen address.
func (c HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// HeartbeatConfig controls liveness tracking of worker devices.
type HeartbeatConfig struct {
	IntervalSeconds         int           `mapstructure:"interval_seconds"`
	OfflineThresholdSeconds int           `mapstructure:"offline_threshold_seconds"`
	SweepInterval           time.Duration `mapstructure:"sweep_interval"`
	TaskSweepInterval       time.Duration `mapstructure:"task_sweep_interval"`
}

// OfflineThreshold returns the threshold as a duration.
func (c HeartbeatConfig) OfflineThreshold() time.Duration {
	return time.Duration(c.OfflineThresholdSeconds) * time.Second
}

// SchedulerConfig controls the task queue and scheduler.
type SchedulerConfig struct {
	QueueCapacity             int `mapstructure:"queue_capacity"`
	DefaultTaskTimeoutSeconds int `mapstructure:"default_task_timeout_seconds"`
	DefaultMaxRetries         int `mapstructure:"default_max_retries"`
}

// ResultsConfig bounds the in-memory result store.
type ResultsConfig struct {
	RetentionCount   int           `mapstructure:"retention_count"`
	RetentionSeconds int           `mapstructure:"retention_seconds"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
}

// Retention returns the age bound as a duration.
func (c ResultsConfig) Retention() time.Duration {
	return time.Duration(c.RetentionSeconds) * time.Second
}

// StorageConfig holds registry persistence configuration.
type StorageConfig struct {
	Driver       string         `mapstructure:"driver"` // sqlite or postgres
	RegistryPath string         `mapstructure:"registry_path"`
	EventLogPath string         `mapstructure:"event_log_path"`
	Postgres     PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig holds PostgreSQL configuration for the postgres driver.
type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns the PostgreSQL connection string.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// URL returns the PostgreSQL URL form used by migrations.
func (c PostgresConfig) URL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

// RedisConfig holds optional Redis configuration for API rate limiting.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address string.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Load reads configuration from files and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/retire-cluster")

	v.SetEnvPrefix("RETIRE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Heartbeat.OfflineThresholdSeconds <= c.Heartbeat.IntervalSeconds {
		return fmt.Errorf(
			"heartbeat.offline_threshold_seconds (%d) must exceed heartbeat.interval_seconds (%d)",
			c.Heartbeat.OfflineThresholdSeconds, c.Heartbeat.IntervalSeconds,
		)
	}
	switch c.Storage.Driver {
	case "sqlite", "postgres", "":
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}
	return nil
}

// setDefaults configures default values for all settings.
func setDefaults(v *viper.Viper) {
	// Worker-facing TCP server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.max_connections", 100)
	v.SetDefault("server.handshake_timeout", "10s")
	v.SetDefault("server.max_frame_bytes", 1<<20)
	v.SetDefault("server.outbox_size", 64)

	// HTTP API defaults
	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8081)
	v.SetDefault("http.read_timeout", "30s")
	v.SetDefault("http.write_timeout", "30s")

	// Heartbeat defaults
	v.SetDefault("heartbeat.interval_seconds", 60)
	v.SetDefault("heartbeat.offline_threshold_seconds", 300)
	v.SetDefault("heartbeat.sweep_interval", "30s")
	v.SetDefault("heartbeat.task_sweep_interval", "60s")

	// Scheduler defaults
	v.SetDefault("scheduler.queue_capacity", 10000)
	v.SetDefault("scheduler.default_task_timeout_seconds", 300)
	v.SetDefault("scheduler.default_max_retries", 3)

	// Result store defaults
	v.SetDefault("results.retention_count", 10000)
	v.SetDefault("results.retention_seconds", 86400)
	v.SetDefault("results.sweep_interval", "1m")

	// Storage defaults
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.registry_path", "data/registry.db")
	v.SetDefault("storage.event_log_path", "")
	v.SetDefault("storage.postgres.host", "localhost")
	v.SetDefault("storage.postgres.port", 5432)
	v.SetDefault("storage.postgres.user", "coordinator")
	v.SetDefault("storage.postgres.password", "coordinator")
	v.SetDefault("storage.postgres.database", "coordinator")
	v.SetDefault("storage.postgres.ssl_mode", "disable")
	v.SetDefault("storage.postgres.max_open_conns", 10)
	v.SetDefault("storage.postgres.max_idle_conns", 2)
	v.SetDefault("storage.postgres.conn_max_lifetime", "5m")

	// Redis defaults (rate limiting disabled unless enabled)
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
}
