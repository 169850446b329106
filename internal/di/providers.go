package di

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/GAIKONDO/app42-sub006/internal/changefeed"
	"github.com/GAIKONDO/app42-sub006/internal/changefeed/realtime"
	"github.com/GAIKONDO/app42-sub006/internal/config"
	"github.com/GAIKONDO/app42-sub006/internal/conflict"
	"github.com/GAIKONDO/app42-sub006/internal/handlers"
	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/observability"
	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/persistence"
	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/persistence/factory"
	"github.com/GAIKONDO/app42-sub006/internal/offline"
	"github.com/GAIKONDO/app42-sub006/internal/service/embedding"
	"github.com/GAIKONDO/app42-sub006/internal/service/reconcile"
)

// ============================================================================
// INFRASTRUCTURE
// ============================================================================

func provideCollector(cfg *config.Config) *observability.Collector {
	return observability.NewCollector(cfg.Metrics.Namespace)
}

func provideStore(cfg *config.Config, collector *observability.Collector, logger *zap.Logger) (*factory.Store, func(), error) {
	store, err := factory.NewStore(cfg, collector, logger)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if err := store.Close(); err != nil {
			logger.Warn("Failed to close storage backend", zap.Error(err))
		}
	}
	return store, cleanup, nil
}

func provideStorePort(store *factory.Store) persistence.Store {
	return store.Backend
}

func provideHealthChecker(store *factory.Store) persistence.HealthChecker {
	return store.Backend
}

// provideRedis returns nil when no redis address is configured; the pending
// queue then lives in memory.
func provideRedis(cfg *config.Config, logger *zap.Logger) (redis.UniversalClient, func(), error) {
	if cfg.Redis.Addr == "" {
		return nil, func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
	}
	logger.Info("Pending writes journaled to redis",
		zap.String("addr", cfg.Redis.Addr),
		zap.String("key", cfg.Redis.QueueKey))
	cleanup := func() {
		if err := client.Close(); err != nil {
			logger.Warn("Failed to close redis client", zap.Error(err))
		}
	}
	return client, cleanup, nil
}

func provideJournal(cfg *config.Config, client redis.UniversalClient) offline.Journal {
	if client == nil {
		return offline.NewMemoryJournal()
	}
	return offline.NewRedisJournal(client, cfg.Redis.QueueKey)
}

func provideMonitor(cfg *config.Config, checker persistence.HealthChecker, logger *zap.Logger) *offline.ProbeMonitor {
	return offline.NewProbeMonitor(checker, cfg.Offline.ProbeInterval, logger)
}

func provideOfflineOptions(cfg *config.Config, journal offline.Journal) offline.Options {
	r := cfg.Offline.Retry
	return offline.Options{
		FreshFor:   cfg.Offline.FreshFor,
		MaxRetries: cfg.Offline.MaxRetries,
		Retry: persistence.RetryConfig{
			MaxRetries:    cfg.Offline.MaxRetries,
			InitialDelay:  r.InitialDelay,
			MaxDelay:      r.MaxDelay,
			BackoffFactor: r.BackoffFactor,
			JitterFactor:  r.JitterFactor,
		},
		CacheItems: cfg.Offline.CacheItems,
		Journal:    journal,
	}
}

func provideOfflineCache(store persistence.Store, monitor *offline.ProbeMonitor, opts offline.Options, collector *observability.Collector, logger *zap.Logger) (*offline.Cache, func()) {
	cache := offline.New(store, monitor, opts, collector, logger)
	return cache, cache.Stop
}

// provideChangeSource picks the Realtime websocket for the remote backend and
// the engine's own notifications for the local one.
func provideChangeSource(cfg *config.Config, store *factory.Store, logger *zap.Logger) (changefeed.Source, func()) {
	if store.Kind == factory.KindRemote {
		src := realtime.New(realtime.Options{
			URL:         cfg.RealtimeURL(),
			Schema:      cfg.Backend.Schema,
			AccessToken: cfg.Backend.SupabaseKey,
			Heartbeat:   cfg.Realtime.HeartbeatInterval,
		}, logger)
		return src, func() {
			if err := src.Close(); err != nil {
				logger.Debug("Realtime socket close", zap.Error(err))
			}
		}
	}
	if sub, ok := store.Backend.(persistence.Subscriber); ok {
		return changefeed.NewStoreSource(sub), func() {}
	}
	return nil, func() {}
}

func provideMultiplexer(cfg *config.Config, source changefeed.Source, collector *observability.Collector, logger *zap.Logger) (*changefeed.Multiplexer, func()) {
	m := changefeed.NewMultiplexer(source, cfg.Realtime.Enabled, collector, logger)
	return m, func() {
		if err := m.Close(); err != nil {
			logger.Warn("Failed to close change feeds", zap.Error(err))
		}
	}
}

func provideResolver(store persistence.Store, collector *observability.Collector, logger *zap.Logger) *conflict.Resolver {
	return conflict.NewResolver(store, collector, logger)
}

// ============================================================================
// SERVICES
// ============================================================================

// provideEmbedder returns nil when the OpenAI provider has no API key, so a local
// setup runs without embeddings instead of failing at startup.
func provideEmbedder(cfg *config.Config, logger *zap.Logger) (embedding.Embedder, error) {
	provider := strings.ToLower(cfg.Embedding.Provider)
	if (provider == "" || provider == embedding.ProviderOpenAI) && cfg.Embedding.APIKey == "" {
		logger.Warn("No embedding API key configured, embeddings are disabled")
		return nil, nil
	}
	return embedding.NewEmbedder(cfg.Embedding, logger)
}

func provideEmbeddingService(cfg *config.Config, store persistence.Store, embedder embedding.Embedder, collector *observability.Collector, logger *zap.Logger) *embedding.Service {
	if embedder == nil {
		return nil
	}
	return embedding.NewService(store, embedder, embedding.Options{Model: cfg.Embedding.Model}, collector, logger)
}

func provideReconciler(cfg *config.Config, store persistence.Store, resolver *conflict.Resolver, embeddings *embedding.Service, collector *observability.Collector, logger *zap.Logger) *reconcile.Reconciler {
	// A nil *embedding.Service must not become a non-nil interface.
	var embedder reconcile.Embedder
	if embeddings != nil {
		embedder = embeddings
	}
	return reconcile.New(store, resolver, embedder, reconcile.Options{Concurrency: cfg.Reconcile.Concurrency}, collector, logger)
}

// ============================================================================
// INTERFACES
// ============================================================================

func provideSyncHandler(cache *offline.Cache, feeds *changefeed.Multiplexer, resolver *conflict.Resolver, checker persistence.HealthChecker, logger *zap.Logger) *handlers.SyncHandler {
	return handlers.NewSyncHandler(cache, feeds, resolver, checker, logger)
}

func provideGraphHandler(reconciler *reconcile.Reconciler, embeddings *embedding.Service, logger *zap.Logger) *handlers.GraphHandler {
	return handlers.NewGraphHandler(reconciler, embeddings, logger)
}

func provideContainer(
	cfg *config.Config,
	logger *zap.Logger,
	collector *observability.Collector,
	store *factory.Store,
	client redis.UniversalClient,
	monitor *offline.ProbeMonitor,
	cache *offline.Cache,
	feeds *changefeed.Multiplexer,
	resolver *conflict.Resolver,
	embeddings *embedding.Service,
	reconciler *reconcile.Reconciler,
	router *chi.Mux,
) *Container {
	return &Container{
		Config:     cfg,
		Logger:     logger,
		Collector:  collector,
		Store:      store,
		Redis:      client,
		Monitor:    monitor,
		Cache:      cache,
		Feeds:      feeds,
		Resolver:   resolver,
		Embeddings: embeddings,
		Reconciler: reconciler,
		Router:     router,
	}
}
