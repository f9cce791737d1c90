// Package config provides configuration management for the Milo agent daemon.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the daemon.
type Config struct {
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Realtime  RealtimeConfig  `mapstructure:"realtime"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Outbox    OutboxConfig    `mapstructure:"outbox"`
	Bus       BusConfig       `mapstructure:"bus"`
	Debug     DebugConfig     `mapstructure:"debug"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// WorkspaceConfig holds the on-disk workspace layout configuration.
type WorkspaceConfig struct {
	// Root is the workspace directory holding the database, session audit
	// files, PERSONAS/, SKILLS/ and PROJECTS/ (default: ~/.milo).
	Root string `mapstructure:"root"`

	// DatabaseFile is the sqlite file name inside the workspace root.
	DatabaseFile string `mapstructure:"databaseFile"`
}

// RemoteConfig holds the remote service REST configuration.
type RemoteConfig struct {
	BaseURL        string `mapstructure:"baseUrl"`
	APIKey         string `mapstructure:"apiKey"`
	RequestTimeout int    `mapstructure:"requestTimeout"` // in seconds
}

// RealtimeConfig holds the pub/sub channel configuration.
type RealtimeConfig struct {
	// Enabled controls whether the realtime channel is used at all.
	// When false the daemon runs in polling mode only.
	Enabled bool `mapstructure:"enabled"`

	// GatewayURL is the websocket endpoint of the realtime gateway. Empty
	// derives it from remote.baseUrl (https -> wss, path /realtime).
	GatewayURL string `mapstructure:"gatewayUrl"`

	// TokenRefreshFraction is the fraction of the announced token lifetime
	// after which the token is refreshed (default 0.8).
	TokenRefreshFraction float64 `mapstructure:"tokenRefreshFraction"`

	// MinTokenRefresh is the minimum refresh interval in seconds.
	MinTokenRefresh int `mapstructure:"minTokenRefresh"`
}

// WorkerConfig holds per-session worker process configuration.
type WorkerConfig struct {
	// BinaryPath is the worker binary spawned per session. Empty means
	// the milo-worker binary next to the daemon executable.
	BinaryPath string `mapstructure:"binaryPath"`

	// ReadyTimeout is how long to wait for WORKER_READY, in seconds.
	ReadyTimeout int `mapstructure:"readyTimeout"`

	// CancelGrace is the delay before escalating an unacknowledged cancel
	// to SIGTERM, in seconds.
	CancelGrace int `mapstructure:"cancelGrace"`

	// KillGrace is the delay after SIGTERM before SIGKILL, in seconds.
	KillGrace int `mapstructure:"killGrace"`

	// ShutdownGrace is the window workers get to exit on daemon shutdown,
	// in seconds.
	ShutdownGrace int `mapstructure:"shutdownGrace"`

	// OrphanPollInterval is how often orphaned prior-run workers are
	// probed, in seconds.
	OrphanPollInterval int `mapstructure:"orphanPollInterval"`
}

// SchedulerConfig holds heartbeat and polling configuration.
type SchedulerConfig struct {
	// PollingInterval is the tick interval when the realtime channel is
	// down, in seconds.
	PollingInterval int `mapstructure:"pollingInterval"`

	// ConnectedInterval is the tick interval when the realtime channel is
	// connected, in seconds.
	ConnectedInterval int `mapstructure:"connectedInterval"`

	// PollBatchSize is the max number of pending messages fetched per poll.
	PollBatchSize int `mapstructure:"pollBatchSize"`
}

// OutboxConfig holds the outbound event flusher configuration.
type OutboxConfig struct {
	FlushInterval int `mapstructure:"flushInterval"` // in seconds
	MaxRetries    int `mapstructure:"maxRetries"`
	BatchSize     int `mapstructure:"batchSize"`
}

// BusConfig holds internal event bus configuration.
// An empty URL selects the in-memory bus.
type BusConfig struct {
	NATSURL       string `mapstructure:"natsUrl"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DebugConfig holds the local debug HTTP server configuration.
type DebugConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// TelemetryConfig holds OpenTelemetry tracing configuration.
type TelemetryConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"` // OTLP HTTP endpoint
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// RequestTimeoutDuration returns the REST request timeout as a time.Duration.
func (r *RemoteConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(r.RequestTimeout) * time.Second
}

// ReadyTimeoutDuration returns the worker ready timeout as a time.Duration.
func (w *WorkerConfig) ReadyTimeoutDuration() time.Duration {
	return time.Duration(w.ReadyTimeout) * time.Second
}

// CancelGraceDuration returns the cancel escalation delay as a time.Duration.
func (w *WorkerConfig) CancelGraceDuration() time.Duration {
	return time.Duration(w.CancelGrace) * time.Second
}

// KillGraceDuration returns the SIGTERM-to-SIGKILL delay as a time.Duration.
func (w *WorkerConfig) KillGraceDuration() time.Duration {
	return time.Duration(w.KillGrace) * time.Second
}

// ShutdownGraceDuration returns the shutdown grace window as a time.Duration.
func (w *WorkerConfig) ShutdownGraceDuration() time.Duration {
	return time.Duration(w.ShutdownGrace) * time.Second
}

// OrphanPollIntervalDuration returns the orphan probe cadence as a time.Duration.
func (w *WorkerConfig) OrphanPollIntervalDuration() time.Duration {
	return time.Duration(w.OrphanPollInterval) * time.Second
}

// PollingIntervalDuration returns the polling-mode tick interval as a time.Duration.
func (s *SchedulerConfig) PollingIntervalDuration() time.Duration {
	return time.Duration(s.PollingInterval) * time.Second
}

// ConnectedIntervalDuration returns the connected-mode tick interval as a time.Duration.
func (s *SchedulerConfig) ConnectedIntervalDuration() time.Duration {
	return time.Duration(s.ConnectedInterval) * time.Second
}

// FlushIntervalDuration returns the outbox flush cadence as a time.Duration.
func (o *OutboxConfig) FlushIntervalDuration() time.Duration {
	return time.Duration(o.FlushInterval) * time.Second
}

// MinTokenRefreshDuration returns the minimum token refresh interval as a time.Duration.
func (r *RealtimeConfig) MinTokenRefreshDuration() time.Duration {
	return time.Duration(r.MinTokenRefresh) * time.Second
}

// DatabasePath returns the absolute path of the sqlite database file.
func (w *WorkspaceConfig) DatabasePath() string {
	return filepath.Join(w.Root, w.DatabaseFile)
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if env := os.Getenv("MILO_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	// Workspace defaults
	v.SetDefault("workspace.root", filepath.Join(home, ".milo"))
	v.SetDefault("workspace.databaseFile", "milo.db")

	// Remote service defaults
	v.SetDefault("remote.baseUrl", "")
	v.SetDefault("remote.apiKey", "")
	v.SetDefault("remote.requestTimeout", 30)

	// Realtime defaults
	v.SetDefault("realtime.enabled", true)
	v.SetDefault("realtime.gatewayUrl", "")
	v.SetDefault("realtime.tokenRefreshFraction", 0.8)
	v.SetDefault("realtime.minTokenRefresh", 60)

	// Worker defaults
	v.SetDefault("worker.binaryPath", "")
	v.SetDefault("worker.readyTimeout", 30)
	v.SetDefault("worker.cancelGrace", 10)
	v.SetDefault("worker.killGrace", 10)
	v.SetDefault("worker.shutdownGrace", 15)
	v.SetDefault("worker.orphanPollInterval", 10)

	// Scheduler defaults
	v.SetDefault("scheduler.pollingInterval", 180)
	v.SetDefault("scheduler.connectedInterval", 300)
	v.SetDefault("scheduler.pollBatchSize", 50)

	// Outbox defaults
	v.SetDefault("outbox.flushInterval", 10)
	v.SetDefault("outbox.maxRetries", 50)
	v.SetDefault("outbox.batchSize", 25)

	// Bus defaults - empty URL means use in-memory event bus
	v.SetDefault("bus.natsUrl", "")
	v.SetDefault("bus.maxReconnects", 10)

	// Debug server defaults
	v.SetDefault("debug.enabled", false)
	v.SetDefault("debug.host", "127.0.0.1")
	v.SetDefault("debug.port", 7133)

	// Telemetry defaults
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.endpoint", "localhost:4318")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stderr")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix MILO_ with snake_case naming.
// The config file is named config.yaml and searched in the workspace root,
// the current directory, and /etc/milo/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("MILO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("remote.baseUrl", "MILO_REMOTE_BASE_URL")
	_ = v.BindEnv("remote.apiKey", "MILO_API_KEY", "MILO_REMOTE_API_KEY")
	_ = v.BindEnv("worker.binaryPath", "MILO_WORKER_BINARY_PATH")
	_ = v.BindEnv("bus.natsUrl", "MILO_BUS_NATS_URL")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	if root := v.GetString("workspace.root"); root != "" {
		v.AddConfigPath(root)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/milo/")

	// Read config file (ignore if not found)
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

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Workspace.Root == "" {
		errs = append(errs, "workspace.root is required")
	}
	if cfg.Workspace.DatabaseFile == "" {
		errs = append(errs, "workspace.databaseFile is required")
	}

	if cfg.Remote.RequestTimeout <= 0 {
		errs = append(errs, "remote.requestTimeout must be positive")
	}

	if cfg.Realtime.TokenRefreshFraction <= 0 || cfg.Realtime.TokenRefreshFraction >= 1 {
		errs = append(errs, "realtime.tokenRefreshFraction must be in (0, 1)")
	}

	if cfg.Worker.ReadyTimeout <= 0 {
		errs = append(errs, "worker.readyTimeout must be positive")
	}
	if cfg.Worker.CancelGrace <= 0 {
		errs = append(errs, "worker.cancelGrace must be positive")
	}
	if cfg.Worker.KillGrace <= 0 {
		errs = append(errs, "worker.killGrace must be positive")
	}

	if cfg.Scheduler.PollingInterval <= 0 {
		errs = append(errs, "scheduler.pollingInterval must be positive")
	}
	if cfg.Scheduler.ConnectedInterval <= 0 {
		errs = append(errs, "scheduler.connectedInterval must be positive")
	}

	if cfg.Outbox.FlushInterval <= 0 {
		errs = append(errs, "outbox.flushInterval must be positive")
	}
	if cfg.Outbox.MaxRetries <= 0 {
		errs = append(errs, "outbox.maxRetries must be positive")
	}

	if cfg.Debug.Enabled {
		if cfg.Debug.Port <= 0 || cfg.Debug.Port > 65535 {
			errs = append(errs, "debug.port must be between 1 and 65535")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
