// Package config loads the statusprobe configuration.
//
// Sources, lowest priority first:
//  1. built-in defaults
//  2. an optional YAML file
//  3. STATUSPROBE_* environment variables, "__" separating sections
//     (STATUSPROBE_POOL__MAX_WORKERS=32)
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"

	"github.com/kroma-labs/sentinel-dispatch/dispatch"
)

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "STATUSPROBE_"

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the statusprobe configuration.
type Config struct {
	Service ServiceConfig `koanf:"service"`
	Status  StatusConfig  `koanf:"status"`
	Pool    PoolConfig    `koanf:"pool"`
	Retry   RetryConfig   `koanf:"retry"`
	Breaker BreakerConfig `koanf:"breaker"`
	Server  ServerConfig  `koanf:"server"`
	Log     LogConfig     `koanf:"log"`
}

// ServiceConfig names the process in logs, spans and metrics.
type ServiceConfig struct {
	Name    string `koanf:"name"`
	Version string `koanf:"version"`
}

// StatusConfig points at the status endpoint.
type StatusConfig struct {
	URL      string        `koanf:"url"`
	Interval time.Duration `koanf:"interval"`
	Timeout  time.Duration `koanf:"timeout"`
}

// PoolConfig sizes the dispatcher pool.
type PoolConfig struct {
	MinWorkers int    `koanf:"min_workers"`
	MaxWorkers int    `koanf:"max_workers"`
	Overflow   string `koanf:"overflow"`
}

// RetryConfig is the dispatcher retry policy.
type RetryConfig struct {
	MaxRetries int           `koanf:"max_retries"`
	Delay      time.Duration `koanf:"delay"`
}

// BreakerConfig enables the circuit breaker. RedisAddr shares its state.
type BreakerConfig struct {
	Enabled             bool          `koanf:"enabled"`
	ConsecutiveFailures uint32        `koanf:"consecutive_failures"`
	Timeout             time.Duration `koanf:"timeout"`
	RedisAddr           string        `koanf:"redis_addr"`
}

// ServerConfig is the probe HTTP server.
type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LogConfig controls zerolog output.
type LogConfig struct {
	Level  string `koanf:"level"`
	Pretty bool   `koanf:"pretty"`
}

func defaults() map[string]any {
	return map[string]any{
		"service.name":    "statusprobe",
		"service.version": "0.1.0",

		"status.url":      "http://localhost:8081/status",
		"status.interval": "30s",
		"status.timeout":  "10s",

		"pool.min_workers": dispatch.DefaultMinWorkers,
		"pool.max_workers": dispatch.DefaultMaxWorkers,
		"pool.overflow":    "reject",

		"retry.max_retries": dispatch.DefaultMaxRetries,
		"retry.delay":       dispatch.DefaultRetryDelay.String(),

		"breaker.enabled":              false,
		"breaker.consecutive_failures": 5,
		"breaker.timeout":              "10s",
		"breaker.redis_addr":           "",

		"server.addr":             ":8080",
		"server.read_timeout":     "15s",
		"server.write_timeout":    "30s",
		"server.shutdown_timeout": "10s",

		"log.level":  "info",
		"log.pretty": false,
	}
}

// Load builds the configuration. path may be empty; a named file that does
// not exist is an error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file: %w", err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(".", env.Opt{
		Prefix:        EnvPrefix,
		TransformFunc: envKey,
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps STATUSPROBE_POOL__MAX_WORKERS to pool.max_workers.
func envKey(k, v string) (string, any) {
	k = strings.ToLower(strings.TrimPrefix(k, EnvPrefix))
	return strings.ReplaceAll(k, "__", "."), v
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Status.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: status.url %q must be an absolute http(s) URL", ErrInvalidConfig, c.Status.URL)
	}
	if c.Status.Interval <= 0 {
		return fmt.Errorf("%w: status.interval must be positive", ErrInvalidConfig)
	}
	if c.Pool.MinWorkers < 0 || c.Pool.MaxWorkers < 0 {
		return fmt.Errorf("%w: pool sizes must not be negative", ErrInvalidConfig)
	}
	if _, err := dispatch.ParseOverflowPolicy(c.Pool.Overflow); err != nil {
		return fmt.Errorf("%w: pool.overflow: %w", ErrInvalidConfig, err)
	}
	if c.Retry.MaxRetries < 0 || c.Retry.Delay < 0 {
		return fmt.Errorf("%w: retry settings must not be negative", ErrInvalidConfig)
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log.level: %w", ErrInvalidConfig, err)
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("%w: server.addr is required", ErrInvalidConfig)
	}
	return nil
}

// PoolConfig converts the pool section for dispatch.WithPoolConfig.
func (c *Config) PoolConfig() dispatch.PoolConfig {
	overflow, _ := dispatch.ParseOverflowPolicy(c.Pool.Overflow)
	return dispatch.PoolConfig{
		MinWorkers: c.Pool.MinWorkers,
		MaxWorkers: c.Pool.MaxWorkers,
		Overflow:   overflow,
	}
}

// RetryConfig converts the retry section for dispatch.WithRetryConfig.
func (c *Config) RetryConfig() dispatch.RetryConfig {
	return dispatch.RetryConfig{
		MaxRetries: c.Retry.MaxRetries,
		Delay:      c.Retry.Delay,
	}
}

// Logger builds the process logger.
func (c *Config) Logger() zerolog.Logger {
	level, err := zerolog.ParseLevel(c.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if c.Log.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().
		Timestamp().
		Str("service", c.Service.Name).
		Logger()
}
