package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	Backend  BackendConfig  `mapstructure:"backend"`
	Executor ExecutorConfig `mapstructure:"executor"`
	Database DatabaseConfig `mapstructure:"database"`
	Log      LogConfig      `mapstructure:"log"`
}

// BackendConfig holds container backend configuration.
type BackendConfig struct {
	// Host overrides the Docker daemon address. Empty uses the environment.
	Host string `mapstructure:"host"`

	// StopTimeout is how long a container gets to stop gracefully before
	// it is killed during update, scale-down, and removal.
	StopTimeout time.Duration `mapstructure:"stop_timeout"`
}

// ExecutorConfig holds plan execution configuration.
type ExecutorConfig struct {
	// Concurrency caps how many independent actions run at once.
	Concurrency int `mapstructure:"concurrency"`

	// MaxAttempts bounds retries per action for transient backend errors.
	MaxAttempts int `mapstructure:"max_attempts"`

	// RetryBaseDelay is the first backoff delay; it doubles per attempt.
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`

	// HealthTimeout bounds the health wait after create and update actions.
	HealthTimeout time.Duration `mapstructure:"health_timeout"`
}

// DatabaseConfig holds run-history database configuration.
type DatabaseConfig struct {
	// DSN is the SQLite path for run history. Empty disables history.
	DSN string `mapstructure:"dsn"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("backend.host", "")
	v.SetDefault("backend.stop_timeout", "10s")
	v.SetDefault("executor.concurrency", 4)
	v.SetDefault("executor.max_attempts", 3)
	v.SetDefault("executor.retry_base_delay", "500ms")
	v.SetDefault("executor.health_timeout", "2m")
	v.SetDefault("database.dsn", "./data/converge.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Load from file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// Only return error if file was explicitly specified and is invalid
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			// File not found is OK, we'll use defaults
		}
	}

	// Enable environment variable overrides
	v.SetEnvPrefix("CONVERGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format.
func SetupLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}
