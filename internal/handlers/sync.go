package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/GAIKONDO/app42-sub006/internal/changefeed"
	"github.com/GAIKONDO/app42-sub006/internal/conflict"
	syncerrors "github.com/GAIKONDO/app42-sub006/internal/errors"
	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/observability"
	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/persistence"
	"github.com/GAIKONDO/app42-sub006/internal/offline"
)

const (
	StatusHealthy  = "ok"
	StatusDegraded = "degraded"
)

// SyncHandler exposes the offline cache, the change feeds and the conflict log.
type SyncHandler struct {
	cache    *offline.Cache
	feeds    *changefeed.Multiplexer
	resolver *conflict.Resolver
	health   persistence.HealthChecker
	logger   *zap.Logger
}

// NewSyncHandler creates the handler.
func NewSyncHandler(cache *offline.Cache, feeds *changefeed.Multiplexer, resolver *conflict.Resolver, health persistence.HealthChecker, logger *zap.Logger) *SyncHandler {
	return &SyncHandler{
		cache:    cache,
		feeds:    feeds,
		resolver: resolver,
		health:   health,
		logger:   observability.OrNop(logger).Named("sync_handler"),
	}
}

// HealthResponse is the body of /healthz.
type HealthResponse struct {
	Status   string            `json:"status"`
	Online   bool              `json:"online"`
	Pending  int               `json:"pending"`
	Realtime bool              `json:"realtime"`
	Checks   map[string]string `json:"checks"`
}

// Health always answers 200 so that an unreachable backend does not restart the
// daemon; the backend state is reported in the body.
func (h *SyncHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:   StatusHealthy,
		Online:   h.cache.Online(),
		Pending:  len(h.cache.Pending()),
		Realtime: h.feeds.Enabled(),
		Checks:   map[string]string{"backend": StatusHealthy},
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.health.HealthCheck(ctx); err != nil {
		resp.Status = StatusDegraded
		resp.Checks["backend"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// PendingResponse lists the queued writes.
type PendingResponse struct {
	Count  int                    `json:"count"`
	Writes []offline.PendingWrite `json:"writes"`
}

// Pending lists the pending-write queue, oldest first.
func (h *SyncHandler) Pending(w http.ResponseWriter, r *http.Request) {
	writes := h.cache.Pending()
	writeJSON(w, http.StatusOK, PendingResponse{Count: len(writes), Writes: writes})
}

// Drain replays the pending-write queue once.
func (h *SyncHandler) Drain(w http.ResponseWriter, r *http.Request) {
	if !h.cache.Online() {
		writeError(w, r, http.StatusServiceUnavailable, syncerrors.CodeOffline, "backend is offline")
		return
	}
	writeJSON(w, http.StatusOK, h.cache.SyncPendingWrites(r.Context()))
}

// Feeds reports the state of every table feed.
func (h *SyncHandler) Feeds(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled": h.feeds.Enabled(),
		"tables":  h.feeds.Status(),
	})
}

// Conflicts lists recently detected write conflicts.
func (h *SyncHandler) Conflicts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.resolver.Conflicts())
}

// InvalidateResponse is the body of DELETE /cache/{table}.
type InvalidateResponse struct {
	Table       string `json:"table"`
	Invalidated int    `json:"invalidated"`
}

// InvalidateTable drops the cached rows of a table so the next reads go to the backend.
func (h *SyncHandler) InvalidateTable(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	n := h.cache.InvalidateTable(table)
	h.logger.Info("Cache invalidated", zap.String("table", table), zap.Int("entries", n))
	writeJSON(w, http.StatusOK, InvalidateResponse{Table: table, Invalidated: n})
}

// GetDocument reads a row through the offline cache.
func (h *SyncHandler) GetDocument(w http.ResponseWriter, r *http.Request) {
	table, id := chi.URLParam(r, "table"), chi.URLParam(r, "id")
	doc, err := h.cache.Get(r.Context(), table, id)
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	if doc == nil {
		writeError(w, r, http.StatusNotFound, syncerrors.CodeNotFound, "document not found")
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// PutDocument upserts a row through the offline cache. A write queued for later
// replay answers 202.
func (h *SyncHandler) PutDocument(w http.ResponseWriter, r *http.Request) {
	table, id := chi.URLParam(r, "table"), chi.URLParam(r, "id")
	var doc persistence.Document
	if err := decodeJSON(r, &doc); err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}

	err := h.cache.Set(r.Context(), table, id, doc)
	if err != nil {
		var offlineErr *syncerrors.OfflineError
		if errors.As(err, &offlineErr) && offlineErr.Queued {
			writeJSON(w, http.StatusAccepted, map[string]any{"queued": true, "table": table, "id": id})
			return
		}
		handleServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queued": false, "table": table, "id": id})
}

// PatchDocument applies a patch with the strategy named by the "strategy" query
// parameter, optimistic by default.
func (h *SyncHandler) PatchDocument(w http.ResponseWriter, r *http.Request) {
	table, id := chi.URLParam(r, "table"), chi.URLParam(r, "id")
	strategy := conflict.Strategy(r.URL.Query().Get("strategy"))
	if strategy == "" {
		strategy = conflict.StrategyOptimistic
	}
	var patch persistence.Document
	if err := decodeJSON(r, &patch); err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	doc, err := h.resolver.Resolve(r.Context(), table, id, patch, strategy)
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	h.cache.Invalidate(table, id)
	writeJSON(w, http.StatusOK, doc)
}
