// Package di wires the sync layer together. Provider sets are consumed by Wire;
// container.go carries the equivalent hand-written initializer.
package di

import (
	"github.com/google/wire"
)

// SuperSet combines all provider sets for the complete application.
var SuperSet = wire.NewSet(
	InfrastructureProviders,
	SyncProviders,
	ServiceProviders,
	InterfaceProviders,
	provideContainer,
)

// InfrastructureProviders provides the storage backend and its satellites.
var InfrastructureProviders = wire.NewSet(
	provideCollector,
	provideStore,
	provideStorePort,
	provideHealthChecker,
	provideRedis,
)

// SyncProviders provides the offline cache, change feeds and conflict resolution.
var SyncProviders = wire.NewSet(
	provideJournal,
	provideMonitor,
	provideOfflineOptions,
	provideOfflineCache,
	provideChangeSource,
	provideMultiplexer,
	provideResolver,
)

// ServiceProviders provides embedding and graph reconciliation.
var ServiceProviders = wire.NewSet(
	provideEmbedder,
	provideEmbeddingService,
	provideReconciler,
)

// InterfaceProviders provides the HTTP layer.
var InterfaceProviders = wire.NewSet(
	provideSyncHandler,
	provideGraphHandler,
	provideRouter,
)
