// Package config loads and validates the configuration of the sync daemon and CLI.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Test        Environment = "test"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Config is the root configuration.
type Config struct {
	Environment Environment    `yaml:"environment" json:"environment"`
	Server      Server         `yaml:"server" json:"server"`
	Backend     Backend        `yaml:"backend" json:"backend"`
	Realtime    Realtime       `yaml:"realtime" json:"realtime"`
	Offline     Offline        `yaml:"offline" json:"offline"`
	Redis       Redis          `yaml:"redis" json:"redis"`
	Reconcile   Reconcile      `yaml:"reconcile" json:"reconcile"`
	Embedding   Embedding      `yaml:"embedding" json:"embedding"`
	Breaker     CircuitBreaker `yaml:"breaker" json:"breaker"`
	Logging     Logging        `yaml:"logging" json:"logging"`
	Metrics     Metrics        `yaml:"metrics" json:"metrics"`
	Tracing     Tracing        `yaml:"tracing" json:"tracing"`

	// LoadedFrom lists the sources applied, lowest priority first.
	LoadedFrom []string `yaml:"-" json:"-"`
}

// Server configures the status HTTP server of syncd.
type Server struct {
	Addr            string        `yaml:"addr" json:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// Backend selects and configures the storage adapter.
type Backend struct {
	// UseRemote selects the Supabase adapter; otherwise the local SQLite store is used.
	UseRemote   bool   `yaml:"use_remote" json:"use_remote"`
	SupabaseURL string `yaml:"supabase_url" json:"supabase_url"`
	SupabaseKey string `yaml:"supabase_key" json:"supabase_key"`
	Schema      string `yaml:"schema" json:"schema"`
	LocalDSN    string `yaml:"local_dsn" json:"local_dsn"`
}

// Realtime configures the change feed.
type Realtime struct {
	Enabled           bool          `yaml:"enabled" json:"enabled"`
	URL               string        `yaml:"url" json:"url"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`
}

// Offline configures the offline cache and its pending-write queue.
type Offline struct {
	FreshFor      time.Duration `yaml:"fresh_for" json:"fresh_for"`
	MaxRetries    int           `yaml:"max_retries" json:"max_retries"`
	ProbeInterval time.Duration `yaml:"probe_interval" json:"probe_interval"`
	CacheItems    int           `yaml:"cache_items" json:"cache_items"`
	Retry         RetryConfig   `yaml:"retry" json:"retry"`
}

// RetryConfig controls the backoff between drain passes.
type RetryConfig struct {
	InitialDelay  time.Duration `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay" json:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor" json:"backoff_factor"`
	JitterFactor  float64       `yaml:"jitter_factor" json:"jitter_factor"`
}

// Redis configures the durable pending-write journal. An empty Addr keeps the queue in memory.
type Redis struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
	QueueKey string `yaml:"queue_key" json:"queue_key"`
}

// Reconcile configures graph reconciliation.
type Reconcile struct {
	Concurrency int `yaml:"concurrency" json:"concurrency"`
}

// Embedding configures the embedding generator and search.
type Embedding struct {
	Provider          string        `yaml:"provider" json:"provider"`
	Model             string        `yaml:"model" json:"model"`
	APIKey            string        `yaml:"api_key" json:"api_key"`
	BaseURL           string        `yaml:"base_url" json:"base_url"`
	Dimension         int           `yaml:"dimension" json:"dimension"`
	RequestsPerSecond float64       `yaml:"requests_per_second" json:"requests_per_second"`
	CacheTTL          time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
}

// CircuitBreaker configures the breaker around remote backend calls.
type CircuitBreaker struct {
	MaxRequests      uint32        `yaml:"max_requests" json:"max_requests"`
	Interval         time.Duration `yaml:"interval" json:"interval"`
	Timeout          time.Duration `yaml:"timeout" json:"timeout"`
	FailureThreshold float64       `yaml:"failure_threshold" json:"failure_threshold"`
	MinRequests      uint32        `yaml:"min_requests" json:"min_requests"`
}

// Logging configures the zap root logger.
type Logging struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

// Metrics configures the prometheus collector.
type Metrics struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Namespace string `yaml:"namespace" json:"namespace"`
}

// Tracing configures span export. Spans are no-ops while Endpoint is empty.
type Tracing struct {
	Endpoint    string  `yaml:"endpoint" json:"endpoint"`
	ServiceName string  `yaml:"service_name" json:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio" json:"sample_ratio"`
	Insecure    bool    `yaml:"insecure" json:"insecure"`
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs []string

	switch c.Environment {
	case Development, Test, Staging, Production:
	default:
		errs = append(errs, fmt.Sprintf("unknown environment %q", c.Environment))
	}

	if c.Backend.UseRemote {
		if c.Backend.SupabaseURL == "" {
			errs = append(errs, "backend.supabase_url is required when use_remote is set")
		} else if _, err := url.Parse(c.Backend.SupabaseURL); err != nil {
			errs = append(errs, fmt.Sprintf("backend.supabase_url is invalid: %v", err))
		}
		if c.Backend.SupabaseKey == "" {
			errs = append(errs, "backend.supabase_key is required when use_remote is set")
		}
	} else if c.Backend.LocalDSN == "" {
		errs = append(errs, "backend.local_dsn is required for the local store")
	}

	if c.Offline.FreshFor <= 0 {
		errs = append(errs, "offline.fresh_for must be positive")
	}
	if c.Offline.MaxRetries <= 0 {
		errs = append(errs, "offline.max_retries must be positive")
	}
	if c.Offline.Retry.BackoffFactor < 1 {
		errs = append(errs, "offline.retry.backoff_factor must be at least 1")
	}
	if c.Reconcile.Concurrency <= 0 {
		errs = append(errs, "reconcile.concurrency must be positive")
	}
	if c.Embedding.Dimension != 768 && c.Embedding.Dimension != 1536 {
		errs = append(errs, fmt.Sprintf("embedding.dimension must be 768 or 1536, got %d", c.Embedding.Dimension))
	}

	switch strings.ToLower(c.Embedding.Provider) {
	case "", "openai", "hash":
	default:
		errs = append(errs, fmt.Sprintf("embedding.provider %q is not one of openai, hash", c.Embedding.Provider))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, "tracing.sample_ratio must be between 0 and 1")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}

	if c.Environment == Production && c.Logging.Level == "debug" {
		errs = append(errs, "debug logging is not allowed in production")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}

// IsDevelopment checks if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == Development
}

// IsProduction checks if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == Production
}

// RealtimeURL returns the configured realtime websocket URL, deriving it from the
// Supabase project URL when not set explicitly.
func (c *Config) RealtimeURL() string {
	if c.Realtime.URL != "" {
		return c.Realtime.URL
	}
	if c.Backend.SupabaseURL == "" {
		return ""
	}
	u, err := url.Parse(c.Backend.SupabaseURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/realtime/v1/websocket"
	q := url.Values{}
	q.Set("apikey", c.Backend.SupabaseKey)
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()
	return u.String()
}

// applyEnvironmentDefaults tightens settings for non-development environments.
func (c *Config) applyEnvironmentDefaults() {
	switch c.Environment {
	case Production, Staging:
		if c.Logging.Format == "" || c.Logging.Format == "console" {
			c.Logging.Format = "json"
		}
	case Test:
		c.Realtime.Enabled = false
		c.Metrics.Enabled = false
		c.Tracing.Endpoint = ""
	}
}
