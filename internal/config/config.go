package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Cache     CacheConfig     `yaml:"cache"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Server    ServerConfig    `yaml:"server"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DatabaseConfig configures SQLite storage.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// Cache backends.
const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// CacheConfig configures the counter cache.
type CacheConfig struct {
	Backend         string        `yaml:"backend"` // "redis" or "memory"
	RedisURL        string        `yaml:"redis_url"`
	ReadTTL         string        `yaml:"read_ttl"`
	MarkerTTL       string        `yaml:"marker_ttl"`
	CleanupInterval string        `yaml:"cleanup_interval"` // memory backend only
	HealthInterval  string        `yaml:"health_interval"`
	Breaker         BreakerConfig `yaml:"breaker"`
}

// ParseReadTTL returns the total read and user count expiry.
func (c CacheConfig) ParseReadTTL() time.Duration {
	return parseDuration(c.ReadTTL, time.Hour)
}

// ParseMarkerTTL returns the per-user counter expiry.
func (c CacheConfig) ParseMarkerTTL() time.Duration {
	return parseDuration(c.MarkerTTL, 24*time.Hour)
}

// ParseCleanupInterval returns how often the memory backend evicts expired keys.
func (c CacheConfig) ParseCleanupInterval() time.Duration {
	return parseDuration(c.CleanupInterval, time.Minute)
}

// ParseHealthInterval returns how often cache reachability is checked.
func (c CacheConfig) ParseHealthInterval() time.Duration {
	return parseDuration(c.HealthInterval, 15*time.Second)
}

// BreakerConfig configures the circuit breaker in front of the cache.
type BreakerConfig struct {
	Enabled          bool   `yaml:"enabled"`
	FailureThreshold uint32 `yaml:"failure_threshold"`
	MaxRequests      uint32 `yaml:"max_requests"`
	Interval         string `yaml:"interval"`
	Timeout          string `yaml:"timeout"`
}

// ParseInterval returns the closed-state counting window.
func (b BreakerConfig) ParseInterval() time.Duration {
	return parseDuration(b.Interval, time.Minute)
}

// ParseTimeout returns how long the breaker stays open.
func (b BreakerConfig) ParseTimeout() time.Duration {
	return parseDuration(b.Timeout, 30*time.Second)
}

// ReconcileConfig configures the background reconciliation pool.
type ReconcileConfig struct {
	Workers        int    `yaml:"workers"`
	QueueSize      int    `yaml:"queue_size"`
	MaxAttempts    int    `yaml:"max_attempts"`
	InitialBackoff string `yaml:"initial_backoff"`
	MaxBackoff     string `yaml:"max_backoff"`
	AttemptTimeout string `yaml:"attempt_timeout"`
}

// ParseInitialBackoff returns the delay before the first retry.
func (r ReconcileConfig) ParseInitialBackoff() time.Duration {
	return parseDuration(r.InitialBackoff, time.Second)
}

// ParseMaxBackoff returns the retry delay cap.
func (r ReconcileConfig) ParseMaxBackoff() time.Duration {
	return parseDuration(r.MaxBackoff, time.Minute)
}

// ParseAttemptTimeout returns the deadline of one attempt.
func (r ReconcileConfig) ParseAttemptTimeout() time.Duration {
	return parseDuration(r.AttemptTimeout, 10*time.Second)
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port          int    `yaml:"port"`
	UserHeader    string `yaml:"user_header"`
	SessionCookie string `yaml:"session_cookie"`
	// Upstream is the content site that article pages are proxied to.
	// Page tracking is off when empty.
	Upstream        string `yaml:"upstream"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

// ParseShutdownTimeout returns the graceful shutdown deadline.
func (s ServerConfig) ParseShutdownTimeout() time.Duration {
	return parseDuration(s.ShutdownTimeout, 10*time.Second)
}

// AlertsConfig configures alert destinations.
type AlertsConfig struct {
	Slack   SlackConfig   `yaml:"slack"`
	Webhook WebhookConfig `yaml:"webhook"`
}

// SlackConfig for Slack webhook alerts.
type SlackConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

// WebhookConfig for generic webhook alerts.
type WebhookConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Secret  string `yaml:"secret"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "console"
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "./readtrack.db"},
		Cache: CacheConfig{
			Backend:         BackendRedis,
			RedisURL:        "redis://localhost:6379/0",
			ReadTTL:         "1h",
			MarkerTTL:       "24h",
			CleanupInterval: "1m",
			HealthInterval:  "15s",
			Breaker: BreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				MaxRequests:      1,
				Interval:         "1m",
				Timeout:          "30s",
			},
		},
		Reconcile: ReconcileConfig{
			Workers:        4,
			QueueSize:      1024,
			MaxAttempts:    3,
			InitialBackoff: "1s",
			MaxBackoff:     "1m",
			AttemptTimeout: "10s",
		},
		Server: ServerConfig{
			Port:            8080,
			UserHeader:      "X-User-ID",
			SessionCookie:   "sessionid",
			ShutdownTimeout: "10s",
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads configuration from a YAML file and applies env var overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	switch c.Cache.Backend {
	case BackendRedis:
		if c.Cache.RedisURL == "" {
			return fmt.Errorf("config: cache.redis_url is required for the redis backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("config: unknown cache backend %q", c.Cache.Backend)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("config: database.path is required")
	}
	return nil
}

// applyEnvOverrides overrides config values with environment variables.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("READTRACK_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Cache.RedisURL = v
	}
	if v := os.Getenv("READTRACK_CACHE_BACKEND"); v != "" {
		cfg.Cache.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		cfg.Alerts.Slack.WebhookURL = v
		cfg.Alerts.Slack.Enabled = true
	}
	if v := os.Getenv("READTRACK_WEBHOOK_URL"); v != "" {
		cfg.Alerts.Webhook.URL = v
		cfg.Alerts.Webhook.Enabled = true
	}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
