// Package config provides configuration management using Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// defaultDataDir returns the default directory for storing service data.
// Uses ~/.whatsapp-multiuser/ so data is in a fixed location regardless of CWD.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".whatsapp-multiuser")
}

// Config holds all configuration for the multi-session service.
type Config struct {
	// Paths
	StorePath   string `mapstructure:"store_path"`
	SessionsDir string `mapstructure:"sessions_dir"`

	// Quotas
	MaxSessionsPerOwner int `mapstructure:"max_sessions_per_owner"`
	MaxRunningSessions  int `mapstructure:"max_running_sessions"`

	// Reconnection
	ReconnectDelay      time.Duration `mapstructure:"reconnect_delay"`
	ReconnectMaxRetries int           `mapstructure:"reconnect_max_retries"`

	// Logging
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	// Metrics
	MetricsEnabled bool `mapstructure:"metrics_enabled"`
	MetricsPort    int  `mapstructure:"metrics_port"`

	// Realtime feed
	FeedEnabled bool `mapstructure:"feed_enabled"`
	FeedPort    int  `mapstructure:"feed_port"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	dataDir := defaultDataDir()
	return &Config{
		StorePath:           filepath.Join(dataDir, "service.db"),
		SessionsDir:         filepath.Join(dataDir, "sessions"),
		MaxSessionsPerOwner: 3,
		MaxRunningSessions:  10,
		ReconnectDelay:      5 * time.Second,
		ReconnectMaxRetries: 10,
		LogLevel:            "info",
		LogFormat:           "json",
		MetricsEnabled:      true,
		MetricsPort:         9090,
		FeedEnabled:         true,
		FeedPort:            8081,
	}
}

// LoadConfig loads configuration from file, environment, and defaults.
// Priority: Environment > Config file > Defaults
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("store_path", defaults.StorePath)
	v.SetDefault("sessions_dir", defaults.SessionsDir)
	v.SetDefault("max_sessions_per_owner", defaults.MaxSessionsPerOwner)
	v.SetDefault("max_running_sessions", defaults.MaxRunningSessions)
	v.SetDefault("reconnect_delay", defaults.ReconnectDelay)
	v.SetDefault("reconnect_max_retries", defaults.ReconnectMaxRetries)
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("log_format", defaults.LogFormat)
	v.SetDefault("metrics_enabled", defaults.MetricsEnabled)
	v.SetDefault("metrics_port", defaults.MetricsPort)
	v.SetDefault("feed_enabled", defaults.FeedEnabled)
	v.SetDefault("feed_port", defaults.FeedPort)

	// Environment variables with WAMULTI_ prefix
	v.SetEnvPrefix("WAMULTI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		// An explicitly supplied path must be readable; a typo'd -config
		// flag must not silently run on defaults.
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		// No explicit path: look for an optional config.yaml next to the
		// binary and fall back to built-in defaults when it is absent.
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	if c.MaxSessionsPerOwner <= 0 {
		return fmt.Errorf("max sessions per owner must be positive")
	}

	if c.MaxRunningSessions <= 0 {
		return fmt.Errorf("max running sessions must be positive")
	}

	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("reconnect delay must be positive")
	}

	if c.ReconnectMaxRetries < 0 {
		return fmt.Errorf("reconnect max retries must be non-negative")
	}

	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d (must be 0-65535)", c.MetricsPort)
	}

	if c.FeedPort < 0 || c.FeedPort > 65535 {
		return fmt.Errorf("invalid feed port: %d (must be 0-65535)", c.FeedPort)
	}

	return nil
}
