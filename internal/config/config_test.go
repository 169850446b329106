package config_test

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/GAIKONDO/app42-sub006/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func envMap(vars map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestDefaults(t *testing.T) {
	cfg, err := config.NewLoader(t.TempDir(), config.Development).
		WithEnvLookup(envMap(nil)).
		Load()
	require.NoError(t, err)

	assert.False(t, cfg.Backend.UseRemote)
	assert.False(t, cfg.Realtime.Enabled)
	assert.Equal(t, 5*time.Minute, cfg.Offline.FreshFor)
	assert.Equal(t, 3, cfg.Offline.MaxRetries)
	assert.Equal(t, 10, cfg.Reconcile.Concurrency)
	assert.Equal(t, 1536, cfg.Embedding.Dimension)
	assert.Equal(t, []string{"defaults", "environment"}, cfg.LoadedFrom)
}

func TestLoadFileHierarchy(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
offline:
  fresh_for: 2m
  max_retries: 5
reconcile:
  concurrency: 4
logging:
  level: debug
`)
	writeFile(t, dir, "development.yaml", `
offline:
  max_retries: 7
realtime:
  enabled: true
`)
	writeFile(t, dir, "local.yaml", `
redis:
  addr: localhost:6379
`)

	cfg, err := config.NewLoader(dir, config.Development).WithEnvLookup(envMap(nil)).Load()
	require.NoError(t, err)

	assert.Equal(t, 2*time.Minute, cfg.Offline.FreshFor)
	assert.Equal(t, 7, cfg.Offline.MaxRetries)
	assert.Equal(t, 4, cfg.Reconcile.Concurrency)
	assert.True(t, cfg.Realtime.Enabled)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Len(t, cfg.LoadedFrom, 5)
}

func TestEnvironmentFlagsOverrideFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
realtime:
  enabled: true
`)

	cfg, err := config.NewLoader(dir, config.Development).WithEnvLookup(envMap(map[string]string{
		"USE_SUPABASE":      "true",
		"ENABLE_REALTIME":   "false",
		"SUPABASE_URL":      "https://project.supabase.co",
		"SUPABASE_ANON_KEY": "anon",
	})).Load()
	require.NoError(t, err)

	assert.True(t, cfg.Backend.UseRemote)
	assert.False(t, cfg.Realtime.Enabled)
	assert.Equal(t, "wss://project.supabase.co/realtime/v1/websocket?apikey=anon&vsn=1.0.0", cfg.RealtimeURL())
}

func TestInvalidEnvironmentVariable(t *testing.T) {
	_, err := config.NewLoader(t.TempDir(), config.Development).WithEnvLookup(envMap(map[string]string{
		"USE_SUPABASE": "maybe",
	})).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "USE_SUPABASE")
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*config.Config) {},
		},
		{
			name: "remote backend requires url and key",
			mutate: func(c *config.Config) {
				c.Backend.UseRemote = true
			},
			wantErr: "backend.supabase_url is required",
		},
		{
			name: "local backend requires dsn",
			mutate: func(c *config.Config) {
				c.Backend.LocalDSN = ""
			},
			wantErr: "backend.local_dsn",
		},
		{
			name: "unsupported embedding dimension",
			mutate: func(c *config.Config) {
				c.Embedding.Dimension = 512
			},
			wantErr: "embedding.dimension must be 768 or 1536",
		},
		{
			name: "unknown embedding provider",
			mutate: func(c *config.Config) {
				c.Embedding.Provider = "cohere"
			},
			wantErr: "embedding.provider",
		},
		{
			name: "sample ratio out of range",
			mutate: func(c *config.Config) {
				c.Tracing.SampleRatio = 1.5
			},
			wantErr: "tracing.sample_ratio",
		},
		{
			name: "non-positive concurrency",
			mutate: func(c *config.Config) {
				c.Reconcile.Concurrency = 0
			},
			wantErr: "reconcile.concurrency",
		},
		{
			name: "debug logging in production",
			mutate: func(c *config.Config) {
				c.Environment = config.Production
				c.Logging.Level = "debug"
			},
			wantErr: "debug logging is not allowed in production",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Defaults(config.Development)
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestWatcherReloadNotifiesOnChange(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", "realtime:\n  enabled: false\n")

	loader := config.NewLoader(dir, config.Test).WithEnvLookup(envMap(nil))
	initial, err := loader.Load()
	require.NoError(t, err)

	w, err := config.NewWatcher(loader, initial, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer w.Stop()

	var calls atomic.Int32
	w.OnChange(func(c *config.Config) {
		calls.Add(1)
	})

	// Same content: no notification
	w.Reload()
	assert.Equal(t, int32(0), calls.Load())

	writeFile(t, dir, "base.yaml", "offline:\n  max_retries: 9\n")
	w.Reload()
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 9, w.Config().Offline.MaxRetries)

	// Invalid config keeps the previous one
	writeFile(t, dir, "base.yaml", "reconcile:\n  concurrency: -1\n")
	w.Reload()
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 9, w.Config().Offline.MaxRetries)
}
