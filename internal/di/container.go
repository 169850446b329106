//go:build !wireinject
// +build !wireinject

package di

import (
	"go.uber.org/zap"

	"github.com/GAIKONDO/app42-sub006/internal/config"
	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/observability"
)

// InitializeContainer builds the container from cfg. The returned cleanup
// releases resources in reverse construction order.
func InitializeContainer(cfg *config.Config, logger *zap.Logger) (*Container, func(), error) {
	logger = observability.OrNop(logger)
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	// 1. Infrastructure
	collector := provideCollector(cfg)
	store, closeStore, err := provideStore(cfg, collector, logger)
	if err != nil {
		return nil, nil, err
	}
	cleanups = append(cleanups, closeStore)
	storePort := provideStorePort(store)
	checker := provideHealthChecker(store)

	client, closeRedis, err := provideRedis(cfg, logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	cleanups = append(cleanups, closeRedis)

	// 2. Sync layer
	journal := provideJournal(cfg, client)
	monitor := provideMonitor(cfg, checker, logger)
	cache, stopCache := provideOfflineCache(storePort, monitor, provideOfflineOptions(cfg, journal), collector, logger)
	cleanups = append(cleanups, stopCache)

	source, closeSource := provideChangeSource(cfg, store, logger)
	cleanups = append(cleanups, closeSource)
	feeds, closeFeeds := provideMultiplexer(cfg, source, collector, logger)
	cleanups = append(cleanups, closeFeeds)
	resolver := provideResolver(storePort, collector, logger)

	// 3. Services
	embedder, err := provideEmbedder(cfg, logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	embeddings := provideEmbeddingService(cfg, storePort, embedder, collector, logger)
	reconciler := provideReconciler(cfg, storePort, resolver, embeddings, collector, logger)

	// 4. HTTP
	router := provideRouter(cfg,
		provideSyncHandler(cache, feeds, resolver, checker, logger),
		provideGraphHandler(reconciler, embeddings, logger),
		collector, logger)

	container := provideContainer(cfg, logger, collector, store, client, monitor, cache, feeds, resolver, embeddings, reconciler, router)
	logger.Debug("Container initialized", zap.String("environment", string(cfg.Environment)))
	return container, cleanup, nil
}
