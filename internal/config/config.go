// Package config provides configuration management for the smtpkit binary.
package config

import (
	"errors"
	"fmt"
	"time"
)

// FileConfig is the top-level wrapper for the configuration file.
type FileConfig struct {
	Smtpkit Config `toml:"smtpkit"`
}

// Config holds the complete configuration.
type Config struct {
	Hostname string         `toml:"hostname"`
	LogLevel string         `toml:"log_level"`
	Listen   string         `toml:"listen"`
	Debug    bool           `toml:"debug"`
	Limits   LimitsConfig   `toml:"limits"`
	Timeouts TimeoutsConfig `toml:"timeouts"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Delivery DeliveryConfig `toml:"delivery"`
	Send     SendConfig     `toml:"send"`
}

// LimitsConfig defines resource limits for the server.
type LimitsConfig struct {
	MaxMessageSize int64 `toml:"max_message_size"`
	MaxRecipients  int   `toml:"max_recipients"`
}

// TimeoutsConfig defines timeout durations as strings, e.g. "5m".
type TimeoutsConfig struct {
	Connection string `toml:"connection"`
	Send       string `toml:"send"`
}

// MetricsConfig holds configuration for Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Path    string `toml:"path"`
}

// DeliveryConfig holds configuration for message delivery.
type DeliveryConfig struct {
	Spool string `toml:"spool"`
}

// SendConfig holds defaults for outbound delivery.
type SendConfig struct {
	Helo string `toml:"helo"`
	Port int    `toml:"port"`
}

// Default returns a Config with sensible default values.
func Default() Config {
	return Config{
		Hostname: "localhost",
		LogLevel: "info",
		Listen:   ":25",
		Limits: LimitsConfig{
			MaxMessageSize: 26214400, // 25 MB
			MaxRecipients:  100,
		},
		Timeouts: TimeoutsConfig{
			Connection: "5m",
			Send:       "1m",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9100",
			Path:    "/metrics",
		},
		Delivery: DeliveryConfig{
			Spool: "./spool",
		},
		Send: SendConfig{
			Port: 25,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Hostname == "" {
		return errors.New("hostname is required")
	}
	if c.Listen == "" {
		return errors.New("listen address is required")
	}
	if c.Limits.MaxMessageSize <= 0 {
		return errors.New("max_message_size must be positive")
	}
	if c.Limits.MaxRecipients <= 0 {
		return errors.New("max_recipients must be positive")
	}
	if c.Timeouts.Connection != "" {
		if _, err := time.ParseDuration(c.Timeouts.Connection); err != nil {
			return fmt.Errorf("invalid connection timeout: %w", err)
		}
	}
	if c.Timeouts.Send != "" {
		if _, err := time.ParseDuration(c.Timeouts.Send); err != nil {
			return fmt.Errorf("invalid send timeout: %w", err)
		}
	}
	if c.Metrics.Enabled {
		if c.Metrics.Address == "" {
			return errors.New("metrics address is required when metrics are enabled")
		}
		if c.Metrics.Path == "" {
			return errors.New("metrics path is required when metrics are enabled")
		}
	}
	if c.Send.Port <= 0 || c.Send.Port > 65535 {
		return fmt.Errorf("invalid send port %d", c.Send.Port)
	}
	return nil
}

// ConnectionTimeout returns the connection timeout as a time.Duration,
// falling back to 5 minutes when unset or invalid.
func (c *TimeoutsConfig) ConnectionTimeout() time.Duration {
	return parseDuration(c.Connection, 5*time.Minute)
}

// SendTimeout returns the outbound per-operation timeout, falling back to
// 1 minute when unset or invalid.
func (c *TimeoutsConfig) SendTimeout() time.Duration {
	return parseDuration(c.Send, time.Minute)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
