// Package config provides configuration management with hot-reload support.
// It uses fsnotify to watch for file changes and atomic pointer swaps for zero-downtime updates.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tokengate/tokengate/internal/coordination"
	"github.com/tokengate/tokengate/internal/generator"
	"github.com/tokengate/tokengate/internal/limits"
	"github.com/tokengate/tokengate/internal/observability"
)

// Config represents the complete gateway configuration.
type Config struct {
	Server       ServerConfig                       `yaml:"server"`
	Coordination coordination.Config                `yaml:"coordination"`
	RateLimit    RateLimitConfig                    `yaml:"rate_limit"`
	Limits       map[string]limits.RateLimitConfig  `yaml:"limits"`
	Generator    generator.Config                   `yaml:"generator"`
	Logging      LoggingConfig                      `yaml:"logging"`
	Metrics      MetricsConfig                      `yaml:"metrics"`
	Tracing      observability.TracingConfig        `yaml:"tracing"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	ListenAddr   string        `yaml:"listen_addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	MaxInflight  int           `yaml:"max_inflight"`
}

// RateLimitConfig contains the window length and the optional quota ceilings
// applied on top of derived or overridden per-key limits.
type RateLimitConfig struct {
	WindowSeconds    int   `yaml:"window_seconds"`
	InputTPMDefault  int64 `yaml:"input_tpm_default"`
	OutputTPMDefault int64 `yaml:"output_tpm_default"`
	RPMDefault       int64 `yaml:"rpm_default"`
}

// Ceiling returns the quota ceilings in resolver form.
func (r RateLimitConfig) Ceiling() limits.RateLimitConfig {
	return limits.RateLimitConfig{
		InputTPM:  r.InputTPMDefault,
		OutputTPM: r.OutputTPMDefault,
		RPM:       r.RPMDefault,
	}
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:   ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
			MaxInflight:  1024,
		},
		Coordination: coordination.Config{
			URL:          "redis://localhost:6379/0",
			PoolSize:     64,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
		},
		RateLimit: RateLimitConfig{
			WindowSeconds: 60,
		},
		Generator: generator.DefaultConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: observability.DefaultTracingConfig(),
	}
}

// LoadFromFile reads and parses a YAML configuration file.
// Environment variables in the format ${VAR_NAME} are expanded, then the
// well-known override variables are applied on top.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Load returns the configuration from path, or defaults with environment
// overrides when path is empty.
func Load(path string) (*Config, error) {
	if path != "" {
		return LoadFromFile(path)
	}

	cfg := DefaultConfig()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// applyEnv overlays the flat environment variables used in container
// deployments. They win over both defaults and file values.
func (c *Config) applyEnv() error {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("COORDINATION_URL"); v != "" {
		c.Coordination.URL = v
	}
	if v := os.Getenv("WINDOW_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("WINDOW_SECONDS: %w", err)
		}
		c.RateLimit.WindowSeconds = n
	}
	if v := os.Getenv("MAX_INFLIGHT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MAX_INFLIGHT: %w", err)
		}
		c.Server.MaxInflight = n
	}
	if v := os.Getenv("INPUT_TPM_DEFAULT"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("INPUT_TPM_DEFAULT: %w", err)
		}
		c.RateLimit.InputTPMDefault = n
	}
	if v := os.Getenv("OUTPUT_TPM_DEFAULT"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("OUTPUT_TPM_DEFAULT: %w", err)
		}
		c.RateLimit.OutputTPMDefault = n
	}
	if v := os.Getenv("RPM_DEFAULT"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("RPM_DEFAULT: %w", err)
		}
		c.RateLimit.RPMDefault = n
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	if c.Server.MaxInflight <= 0 {
		return fmt.Errorf("server.max_inflight must be positive")
	}
	if c.Coordination.URL == "" {
		return fmt.Errorf("coordination.url is required")
	}
	if c.RateLimit.WindowSeconds <= 0 || c.RateLimit.WindowSeconds > 3600 {
		return fmt.Errorf("rate_limit.window_seconds must be in (0, 3600], got %d", c.RateLimit.WindowSeconds)
	}
	if c.RateLimit.InputTPMDefault < 0 || c.RateLimit.OutputTPMDefault < 0 || c.RateLimit.RPMDefault < 0 {
		return fmt.Errorf("rate_limit defaults must be non-negative")
	}
	for key, lim := range c.Limits {
		if lim.InputTPM <= 0 || lim.OutputTPM <= 0 || lim.RPM <= 0 {
			return fmt.Errorf("limits[%s]: all quotas must be positive", key)
		}
	}
	if c.Generator.MinOutputTokens < 0 || c.Generator.MaxOutputTokens < 0 {
		return fmt.Errorf("generator token bounds must be non-negative")
	}
	if c.Generator.MaxOutputTokens > 0 && c.Generator.MinOutputTokens > c.Generator.MaxOutputTokens {
		return fmt.Errorf("generator.min_output_tokens exceeds max_output_tokens")
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be in [0, 1]")
	}
	return nil
}

// Window returns the sliding window length as a duration.
func (c *Config) Window() time.Duration {
	return time.Duration(c.RateLimit.WindowSeconds) * time.Second
}
