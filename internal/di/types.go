package di

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/GAIKONDO/app42-sub006/internal/changefeed"
	"github.com/GAIKONDO/app42-sub006/internal/config"
	"github.com/GAIKONDO/app42-sub006/internal/conflict"
	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/observability"
	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/persistence/factory"
	"github.com/GAIKONDO/app42-sub006/internal/offline"
	"github.com/GAIKONDO/app42-sub006/internal/service/embedding"
	"github.com/GAIKONDO/app42-sub006/internal/service/reconcile"
)

// Container holds the wired components of the sync layer. It is built by
// InitializeContainer, both by Wire and by the hand-written initializer.
type Container struct {
	Config    *config.Config
	Logger    *zap.Logger
	Collector *observability.Collector

	Store   *factory.Store
	Redis   redis.UniversalClient
	Monitor *offline.ProbeMonitor
	Cache   *offline.Cache
	Feeds   *changefeed.Multiplexer

	Resolver   *conflict.Resolver
	Embeddings *embedding.Service
	Reconciler *reconcile.Reconciler

	Router *chi.Mux

	mu      sync.Mutex
	cancel  context.CancelFunc
	running sync.WaitGroup
}

// GetRouter returns the HTTP handler of the status server.
func (c *Container) GetRouter() http.Handler {
	return c.Router
}

// Start launches the background loops: connectivity probing and the pending-write
// drain. They stop on Shutdown or when ctx is done.
func (c *Container) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return errors.New("container already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	if err := c.Cache.Start(ctx); err != nil {
		cancel()
		return err
	}
	c.cancel = cancel

	c.running.Add(1)
	go func() {
		defer c.running.Done()
		c.Monitor.Run(ctx)
	}()

	c.Logger.Info("Sync layer started",
		zap.String("backend", string(c.Store.Kind)),
		zap.Bool("realtime", c.Feeds.Enabled()),
		zap.Bool("durable_queue", c.Redis != nil))
	return nil
}

// Shutdown stops the background loops. Resources are released by the cleanup
// function returned with the container.
func (c *Container) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	c.Cache.Stop()

	done := make(chan struct{})
	go func() {
		c.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
