package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/artpar/rollout/internal/shell/orchestrator"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	Server       ServerConfig        `mapstructure:"server"`
	Database     DatabaseConfig      `mapstructure:"database"`
	Log          LogConfig           `mapstructure:"log"`
	Engine       orchestrator.Config `mapstructure:"engine"`
	Environments EnvironmentsConfig  `mapstructure:"environments"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Address returns the server address in host:port format.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// EnvironmentsConfig holds the validator and configuration-manager settings.
type EnvironmentsConfig struct {
	// Known lists acceptable target environments. Empty accepts any.
	Known []string `mapstructure:"known"`

	// ConfigDir is the base directory for rendered deployment configs.
	ConfigDir string `mapstructure:"config_dir"`

	// RequirePinnedImages makes the security scanner reject unpinned or
	// "latest" image tags.
	RequirePinnedImages bool `mapstructure:"require_pinned_images"`
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 9090)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("database.dsn", "./data/rollout.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Engine defaults
	v.SetDefault("engine.phase_timeout", "2m")
	v.SetDefault("engine.compensation_timeout", "30s")
	v.SetDefault("engine.retry.max_attempts", 3)
	v.SetDefault("engine.retry.base_delay", "2s")
	v.SetDefault("engine.retry.multiplier", 2.0)
	v.SetDefault("engine.retry.jitter", 0.2)
	v.SetDefault("engine.retry.max_delay", "30s")
	v.SetDefault("engine.rollback.max_attempts", 2)
	v.SetDefault("engine.rollback.base_delay", "1s")
	v.SetDefault("engine.rollback.multiplier", 2.0)
	v.SetDefault("engine.rollback.jitter", 0.1)
	v.SetDefault("engine.rollback.max_delay", "5s")

	// Environment defaults
	v.SetDefault("environments.known", []string{})
	v.SetDefault("environments.config_dir", "./data/configs")
	v.SetDefault("environments.require_pinned_images", false)

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
	v.SetEnvPrefix("ROLLOUT")
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
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
