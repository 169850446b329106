// Command syncd runs the sync layer as a daemon: it drains the pending-write
// queue when the backend is reachable, keeps change feeds open and serves a
// status API.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/GAIKONDO/app42-sub006/internal/config"
	"github.com/GAIKONDO/app42-sub006/internal/di"
	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(config.ConfigDir(), config.EnvironmentFromEnv())
	cfg, err := loader.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	tracing, err := observability.InitTracing(ctx, cfg.Tracing, cfg.Environment)
	if err != nil {
		logger.Fatal("Failed to initialize tracing", zap.Error(err))
	}

	container, cleanup, err := di.InitializeContainer(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize container", zap.Error(err))
	}
	defer cleanup()

	watcher, err := config.NewWatcher(loader, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to watch configuration", zap.Error(err))
	}
	defer watcher.Stop()
	watcher.OnChange(func(next *config.Config) {
		if next.Realtime.Enabled != container.Feeds.Enabled() {
			logger.Info("Realtime toggled by configuration change", zap.Bool("enabled", next.Realtime.Enabled))
			container.Feeds.SetEnabled(next.Realtime.Enabled)
		}
	})

	if err := container.Start(ctx); err != nil {
		logger.Fatal("Failed to start sync layer", zap.Error(err))
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           container.GetRouter(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Starting status server",
			zap.String("address", cfg.Server.Addr),
			zap.String("environment", string(cfg.Environment)),
			zap.Strings("config_sources", cfg.LoadedFrom))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err := <-serverErr:
		logger.Error("Status server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", zap.Error(err))
	}
	if err := container.Shutdown(shutdownCtx); err != nil {
		logger.Error("Sync layer shutdown error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		logger.Error("Tracing shutdown error", zap.Error(err))
	}
	if n := len(container.Cache.Pending()); n > 0 {
		logger.Warn("Pending writes left in queue", zap.Int("pending", n), zap.Bool("durable", container.Redis != nil))
	}
	logger.Info("Stopped")
}
