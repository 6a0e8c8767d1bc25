// Package config loads dispatchd configuration. Precedence, lowest to
// highest: built-in defaults, an optional config.yaml, DISPATCHD_-prefixed
// environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for dispatchd.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds the listener configuration for the MCP tool surface and
// the read-only ops API.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	MCPPort      int    `mapstructure:"mcpPort"`
	OpsPort      int    `mapstructure:"opsPort"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds storage configuration. The default driver is sqlite3
// with a local file; pgx selects PostgreSQL using the connection fields.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite3 or pgx
	Path     string `mapstructure:"path"`   // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// SchedulerConfig holds the sweep cadence and the recovery timeouts.
type SchedulerConfig struct {
	Interval        int `mapstructure:"interval"`        // seconds between ticks
	AckTimeout      int `mapstructure:"ackTimeout"`      // seconds before an unacked reservation is requeued
	AssignedTimeout int `mapstructure:"assignedTimeout"` // seconds without progress before an in-progress task is requeued
	OrphanTimeout   int `mapstructure:"orphanTimeout"`   // seconds of agent silence before its tasks are requeued
}

// RegistryConfig holds agent liveness configuration.
type RegistryConfig struct {
	OfflineThreshold  int `mapstructure:"offlineThreshold"`  // seconds before an agent is considered offline
	CleanupInterval   int `mapstructure:"cleanupInterval"`   // seconds between offline-agent cleanup sweeps; 0 disables
	HeartbeatDebounce int `mapstructure:"heartbeatDebounce"` // seconds between persisted heartbeats per agent
}

// QueueConfig holds task intake configuration.
type QueueConfig struct {
	MaxPromptLength int `mapstructure:"maxPromptLength"` // bytes accepted by the default prompt validator
}

// LoggingConfig mirrors logger.LoggingConfig so viper can unmarshal the
// logging section without importing the logger package here.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the ops API read timeout. The MCP listener
// sets no timeouts; SSE streams and parked long polls outlive any bound.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the ops API write timeout.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// IntervalDuration returns the scheduler tick interval as a time.Duration.
func (s *SchedulerConfig) IntervalDuration() time.Duration {
	return time.Duration(s.Interval) * time.Second
}

// AckTimeoutDuration returns the ack timeout as a time.Duration.
func (s *SchedulerConfig) AckTimeoutDuration() time.Duration {
	return time.Duration(s.AckTimeout) * time.Second
}

// AssignedTimeoutDuration returns the stale-progress timeout as a time.Duration.
func (s *SchedulerConfig) AssignedTimeoutDuration() time.Duration {
	return time.Duration(s.AssignedTimeout) * time.Second
}

// OrphanTimeoutDuration returns the orphaned-agent timeout as a time.Duration.
func (s *SchedulerConfig) OrphanTimeoutDuration() time.Duration {
	return time.Duration(s.OrphanTimeout) * time.Second
}

// OfflineThresholdDuration returns the offline threshold as a time.Duration.
func (r *RegistryConfig) OfflineThresholdDuration() time.Duration {
	return time.Duration(r.OfflineThreshold) * time.Second
}

// CleanupIntervalDuration returns the cleanup interval as a time.Duration.
func (r *RegistryConfig) CleanupIntervalDuration() time.Duration {
	return time.Duration(r.CleanupInterval) * time.Second
}

// HeartbeatDebounceDuration returns the heartbeat debounce window as a time.Duration.
func (r *RegistryConfig) HeartbeatDebounceDuration() time.Duration {
	return time.Duration(r.HeartbeatDebounce) * time.Second
}

// detectDefaultLogFormat picks the default log format for the environment:
// JSON under Kubernetes or a production DISPATCHD_ENV, text otherwise. An
// explicit logging.format setting wins over this default.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("DISPATCHD_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults seeds every key so partial config files and env overrides
// start from a runnable baseline.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.mcpPort", 9090)
	v.SetDefault("server.opsPort", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - sqlite file in the working directory
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.path", "./dispatchd.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "dispatchd")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "dispatchd")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults; the empty URL selects the in-memory bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "dispatchd")
	v.SetDefault("nats.maxReconnects", 10)

	// Scheduler defaults
	v.SetDefault("scheduler.interval", 10)
	v.SetDefault("scheduler.ackTimeout", 30)
	v.SetDefault("scheduler.assignedTimeout", 900) // 15 minutes
	v.SetDefault("scheduler.orphanTimeout", 300)   // 5 minutes

	// Registry defaults
	v.SetDefault("registry.offlineThreshold", 600) // 10 minutes
	v.SetDefault("registry.cleanupInterval", 300)  // 5 minutes; 0 disables
	v.SetDefault("registry.heartbeatDebounce", 10)

	// Queue defaults
	v.SetDefault("queue.maxPromptLength", 100000)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from the default search paths: config.yaml in the
// working directory or /etc/dispatchd/, plus DISPATCHD_ environment variables.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath is Load with an extra config file directory searched first.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("DISPATCHD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv cannot map camelCase keys onto SNAKE_CASE env names, so
	// those keys get explicit bindings.
	_ = v.BindEnv("server.mcpPort", "DISPATCHD_SERVER_MCP_PORT")
	_ = v.BindEnv("server.opsPort", "DISPATCHD_SERVER_OPS_PORT")
	_ = v.BindEnv("database.driver", "DISPATCHD_DATABASE_DRIVER")
	_ = v.BindEnv("database.path", "DISPATCHD_DB_PATH", "DISPATCHD_DATABASE_PATH")
	_ = v.BindEnv("scheduler.ackTimeout", "DISPATCHD_SCHEDULER_ACK_TIMEOUT")
	_ = v.BindEnv("scheduler.assignedTimeout", "DISPATCHD_SCHEDULER_ASSIGNED_TIMEOUT")
	_ = v.BindEnv("scheduler.orphanTimeout", "DISPATCHD_SCHEDULER_ORPHAN_TIMEOUT")
	_ = v.BindEnv("registry.offlineThreshold", "DISPATCHD_REGISTRY_OFFLINE_THRESHOLD")
	_ = v.BindEnv("registry.heartbeatDebounce", "DISPATCHD_REGISTRY_HEARTBEAT_DEBOUNCE")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/dispatchd/")

	// A missing config file is fine; defaults and env cover everything.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate collects every configuration problem into a single error.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.MCPPort <= 0 || cfg.Server.MCPPort > 65535 {
		errs = append(errs, "server.mcpPort must be between 1 and 65535")
	}
	if cfg.Server.OpsPort < 0 || cfg.Server.OpsPort > 65535 {
		errs = append(errs, "server.opsPort must be between 0 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite3":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite3 driver")
		}
	case "pgx":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the pgx driver")
		}
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the pgx driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the pgx driver")
		}
	default:
		errs = append(errs, "database.driver must be sqlite3 or pgx")
	}

	// NATS is optional - empty URL means use the in-memory event bus

	if cfg.Scheduler.Interval <= 0 {
		errs = append(errs, "scheduler.interval must be positive")
	}
	if cfg.Scheduler.AckTimeout <= 0 {
		errs = append(errs, "scheduler.ackTimeout must be positive")
	}
	if cfg.Scheduler.AssignedTimeout <= 0 {
		errs = append(errs, "scheduler.assignedTimeout must be positive")
	}
	if cfg.Scheduler.OrphanTimeout <= 0 {
		errs = append(errs, "scheduler.orphanTimeout must be positive")
	}
	if cfg.Registry.OfflineThreshold <= 0 {
		errs = append(errs, "registry.offlineThreshold must be positive")
	}
	if cfg.Registry.HeartbeatDebounce < 0 {
		errs = append(errs, "registry.heartbeatDebounce must not be negative")
	}
	if cfg.Queue.MaxPromptLength <= 0 {
		errs = append(errs, "queue.maxPromptLength must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "console": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, console, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN renders the libpq-style connection string for the pgx driver.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
