package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader handles loading configuration from multiple sources.
type Loader struct {
	basePath    string
	environment Environment
	sources     []string
	fileLoaders []FileLoader
	lookupEnv   func(string) (string, bool)
}

// FileLoader decodes one configuration file format.
type FileLoader interface {
	Load(reader io.Reader, target interface{}) error
	Extension() string
}

// NewLoader creates a new configuration loader reading files from basePath.
func NewLoader(basePath string, env Environment) *Loader {
	if basePath == "" {
		basePath = "config"
	}

	loader := &Loader{
		basePath:    basePath,
		environment: env,
		lookupEnv:   os.LookupEnv,
	}

	// YAML takes precedence over JSON when both exist
	loader.RegisterLoader(&YAMLLoader{})
	loader.RegisterLoader(&JSONLoader{})

	return loader
}

// RegisterLoader registers a new file loader for a specific format.
func (l *Loader) RegisterLoader(loader FileLoader) {
	l.fileLoaders = append(l.fileLoaders, loader)
}

// WithEnvLookup replaces the environment variable source. Used by tests.
func (l *Loader) WithEnvLookup(fn func(string) (string, bool)) *Loader {
	l.lookupEnv = fn
	return l
}

// Load loads configuration using a hierarchy of sources.
// The loading order (from lowest to highest priority):
//  1. Default values (in code)
//  2. Base configuration file (base.yaml)
//  3. Environment-specific file (e.g., production.yaml)
//  4. Local overrides file (local.yaml, development only)
//  5. Environment variables
func (l *Loader) Load() (*Config, error) {
	l.sources = l.sources[:0]

	cfg := Defaults(l.environment)
	l.sources = append(l.sources, "defaults")

	if err := l.loadFile("base", cfg); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load base config: %w", err)
	}

	envFile := strings.ToLower(string(l.environment))
	if err := l.loadFile(envFile, cfg); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load %s config: %w", envFile, err)
	}

	if l.environment == Development {
		if err := l.loadFile("local", cfg); err != nil && !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Warning: failed to load local config: %v\n", err)
		}
	}

	if err := l.loadEnvironmentVariables(cfg); err != nil {
		return nil, err
	}
	l.sources = append(l.sources, "environment")

	cfg.LoadedFrom = append([]string(nil), l.sources...)
	cfg.applyEnvironmentDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadFile loads configuration from a file with automatic format detection.
func (l *Loader) loadFile(name string, cfg *Config) error {
	for _, loader := range l.fileLoaders {
		path := filepath.Join(l.basePath, fmt.Sprintf("%s.%s", name, loader.Extension()))

		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}

		if err := loader.Load(bytes.NewReader(data), cfg); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}

		l.sources = append(l.sources, path)
		return nil
	}

	return os.ErrNotExist
}

// loadEnvironmentVariables overlays environment variables on the configuration.
func (l *Loader) loadEnvironmentVariables(cfg *Config) error {
	var errs []string
	str := func(key string, dst *string) {
		if val, ok := l.lookupEnv(key); ok && val != "" {
			*dst = val
		}
	}
	boolean := func(key string, dst *bool) {
		if val, ok := l.lookupEnv(key); ok && val != "" {
			b, err := strconv.ParseBool(val)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = b
		}
	}
	integer := func(key string, dst *int) {
		if val, ok := l.lookupEnv(key); ok && val != "" {
			n, err := strconv.Atoi(val)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if val, ok := l.lookupEnv(key); ok && val != "" {
			d, err := time.ParseDuration(val)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = d
		}
	}

	// Feature flags
	boolean("USE_SUPABASE", &cfg.Backend.UseRemote)
	boolean("ENABLE_REALTIME", &cfg.Realtime.Enabled)

	// Backend
	str("SUPABASE_URL", &cfg.Backend.SupabaseURL)
	str("SUPABASE_ANON_KEY", &cfg.Backend.SupabaseKey)
	str("SUPABASE_SCHEMA", &cfg.Backend.Schema)
	str("LOCAL_DSN", &cfg.Backend.LocalDSN)
	str("REALTIME_URL", &cfg.Realtime.URL)

	// Offline cache
	duration("OFFLINE_FRESH_FOR", &cfg.Offline.FreshFor)
	integer("OFFLINE_MAX_RETRIES", &cfg.Offline.MaxRetries)
	duration("OFFLINE_PROBE_INTERVAL", &cfg.Offline.ProbeInterval)

	// Redis journal
	str("REDIS_ADDR", &cfg.Redis.Addr)
	str("REDIS_PASSWORD", &cfg.Redis.Password)
	integer("REDIS_DB", &cfg.Redis.DB)

	// Embeddings
	str("EMBEDDING_PROVIDER", &cfg.Embedding.Provider)
	str("EMBEDDING_MODEL", &cfg.Embedding.Model)
	str("OPENAI_API_KEY", &cfg.Embedding.APIKey)
	str("OPENAI_BASE_URL", &cfg.Embedding.BaseURL)
	integer("EMBEDDING_DIMENSION", &cfg.Embedding.Dimension)

	// Observability
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FORMAT", &cfg.Logging.Format)
	boolean("ENABLE_METRICS", &cfg.Metrics.Enabled)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.Tracing.Endpoint)
	str("OTEL_SERVICE_NAME", &cfg.Tracing.ServiceName)
	str("SYNCD_ADDR", &cfg.Server.Addr)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment variables: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Defaults returns a configuration with sensible defaults for env.
// The application runs against a local database file without any configuration files.
func Defaults(env Environment) *Config {
	return &Config{
		Environment: env,
		Server: Server{
			Addr:            ":8089",
			ShutdownTimeout: 10 * time.Second,
		},
		Backend: Backend{
			UseRemote: false,
			Schema:    "public",
			LocalDSN:  "file:knowledge-sync.db",
		},
		Realtime: Realtime{
			Enabled:           false,
			HeartbeatInterval: 25 * time.Second,
		},
		Offline: Offline{
			FreshFor:      5 * time.Minute,
			MaxRetries:    3,
			ProbeInterval: 10 * time.Second,
			CacheItems:    10000,
			Retry: RetryConfig{
				InitialDelay:  500 * time.Millisecond,
				MaxDelay:      30 * time.Second,
				BackoffFactor: 2.0,
				JitterFactor:  0.1,
			},
		},
		Redis: Redis{
			QueueKey: "knowledge-sync:pending",
		},
		Reconcile: Reconcile{
			Concurrency: 10,
		},
		Embedding: Embedding{
			Provider:          "openai",
			Model:             "text-embedding-3-small",
			Dimension:         1536,
			RequestsPerSecond: 5,
			CacheTTL:          30 * time.Minute,
		},
		Breaker: CircuitBreaker{
			MaxRequests:      5,
			Interval:         30 * time.Second,
			Timeout:          60 * time.Second,
			FailureThreshold: 0.8,
			MinRequests:      5,
		},
		Logging: Logging{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Metrics: Metrics{
			Enabled:   true,
			Namespace: "knowledge_sync",
		},
		Tracing: Tracing{
			ServiceName: "knowledge-sync",
			SampleRatio: 1.0,
			Insecure:    true,
		},
	}
}

// YAMLLoader loads configuration from YAML files.
type YAMLLoader struct{}

func (y *YAMLLoader) Load(reader io.Reader, target interface{}) error {
	return yaml.NewDecoder(reader).Decode(target)
}

func (y *YAMLLoader) Extension() string {
	return "yaml"
}

// JSONLoader loads configuration from JSON files.
type JSONLoader struct{}

func (j *JSONLoader) Load(reader io.Reader, target interface{}) error {
	return json.NewDecoder(reader).Decode(target)
}

func (j *JSONLoader) Extension() string {
	return "json"
}

// EnvironmentFromEnv reads ENVIRONMENT, defaulting to development.
func EnvironmentFromEnv() Environment {
	switch env := Environment(strings.ToLower(os.Getenv("ENVIRONMENT"))); env {
	case Test, Staging, Production:
		return env
	default:
		return Development
	}
}

// ConfigDir returns CONFIG_DIR or "config".
func ConfigDir() string {
	if dir := os.Getenv("CONFIG_DIR"); dir != "" {
		return dir
	}
	return "config"
}

// Load loads configuration from ConfigDir for the current environment.
func Load() (*Config, error) {
	return NewLoader(ConfigDir(), EnvironmentFromEnv()).Load()
}

// MustLoad loads configuration and panics on error.
// Use this only in main() functions.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}
