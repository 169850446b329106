package di

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/GAIKONDO/app42-sub006/internal/config"
	"github.com/GAIKONDO/app42-sub006/internal/handlers"
	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/observability"
	"github.com/GAIKONDO/app42-sub006/internal/middleware"
)

// provideRouter builds the status and operations API of syncd.
func provideRouter(cfg *config.Config, sync *handlers.SyncHandler, graph *handlers.GraphHandler, collector *observability.Collector, logger *zap.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(logger.Named("http")))
	r.Use(middleware.Recovery(logger))

	r.Get("/healthz", sync.Health)
	if cfg.Metrics.Enabled {
		r.Method(http.MethodGet, "/metrics", collector.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.CircuitBreaker("api-v1", cfg.Breaker, logger))

		r.Get("/pending", sync.Pending)
		r.Post("/pending/drain", sync.Drain)
		r.Get("/feeds", sync.Feeds)
		r.Get("/conflicts", sync.Conflicts)
		r.Delete("/cache/{table}", sync.InvalidateTable)

		r.Get("/documents/{table}/{id}", sync.GetDocument)
		r.Put("/documents/{table}/{id}", sync.PutDocument)
		r.Patch("/documents/{table}/{id}", sync.PatchDocument)

		r.Route("/graph", func(r chi.Router) {
			r.Post("/reconcile", graph.Reconcile)
			r.Post("/similar", graph.Similar)
		})
	})

	return r
}
