package factory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/GAIKONDO/app42-sub006/internal/config"
	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/observability"
	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/persistence"
	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/persistence/factory"
)

func TestNewStoreLocal(t *testing.T) {
	cfg := config.Defaults(config.Test)
	cfg.Backend.LocalDSN = ":memory:"
	collector := observability.NewCollector("factory_test")

	store, err := factory.NewStore(cfg, collector, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer store.Close()

	assert.Equal(t, factory.KindLocal, store.Kind)

	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "topics", "t1", persistence.Document{"title": "Roadmap"}))
	doc, err := store.Get(ctx, "topics", "t1")
	require.NoError(t, err)
	assert.Equal(t, "Roadmap", doc["title"])

	_, ok := store.Backend.(persistence.Subscriber)
	assert.True(t, ok, "local backend carries change events")
	_, ok = store.Backend.(persistence.Searcher)
	assert.True(t, ok)
}

func TestNewStoreRemoteRequiresURL(t *testing.T) {
	cfg := config.Defaults(config.Test)
	cfg.Backend.UseRemote = true
	cfg.Backend.SupabaseURL = "http://127.0.0.1:1"
	cfg.Backend.SupabaseKey = "anon"

	store, err := factory.NewStore(cfg, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, factory.KindRemote, store.Kind)
	assert.NoError(t, store.Close())
}

func TestNewStoreLocalOpenFailure(t *testing.T) {
	cfg := config.Defaults(config.Test)
	cfg.Backend.LocalDSN = "file:" + t.TempDir() + "/missing/dir/db.sqlite?mode=ro"

	_, err := factory.NewStore(cfg, nil, nil)
	assert.Error(t, err)
}
