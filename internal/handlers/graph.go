package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/GAIKONDO/app42-sub006/internal/domain/graph"
	syncerrors "github.com/GAIKONDO/app42-sub006/internal/errors"
	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/observability"
	"github.com/GAIKONDO/app42-sub006/internal/service/embedding"
	"github.com/GAIKONDO/app42-sub006/internal/service/reconcile"
)

// GraphHandler runs graph reconciliation and similarity search.
type GraphHandler struct {
	reconciler *reconcile.Reconciler
	embeddings *embedding.Service
	logger     *zap.Logger
}

// NewGraphHandler creates the handler. embeddings may be nil when no embedder is
// configured; search then answers 503.
func NewGraphHandler(reconciler *reconcile.Reconciler, embeddings *embedding.Service, logger *zap.Logger) *GraphHandler {
	return &GraphHandler{
		reconciler: reconciler,
		embeddings: embeddings,
		logger:     observability.OrNop(logger).Named("graph_handler"),
	}
}

// ReconcileRequest is the body of POST /api/v1/graph/reconcile.
type ReconcileRequest struct {
	Topic     graph.Topic      `json:"topic"`
	Entities  []graph.Entity   `json:"entities"`
	Relations []graph.Relation `json:"relations"`
}

// Reconcile saves a batch of entities and relations for one topic. A client that
// disconnects cancels the run between items.
func (h *GraphHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	var req ReconcileRequest
	if err := decodeJSON(r, &req); err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}

	ctx := r.Context()
	res, err := h.reconciler.Save(ctx, reconcile.Request{
		Topic:     req.Topic,
		Entities:  req.Entities,
		Relations: req.Relations,
		Cancelled: func() bool { return ctx.Err() != nil },
	})
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// SimilarRequest is the body of POST /api/v1/graph/similar.
type SimilarRequest struct {
	Subject        string  `json:"subject"`
	Text           string  `json:"text"`
	Threshold      float64 `json:"threshold"`
	Limit          int     `json:"limit"`
	OrganizationID string  `json:"organizationId,omitempty"`
	CompanyID      string  `json:"companyId,omitempty"`
}

// Similar embeds the query text and returns the closest records of one subject.
func (h *GraphHandler) Similar(w http.ResponseWriter, r *http.Request) {
	if h.embeddings == nil {
		writeError(w, r, http.StatusServiceUnavailable, syncerrors.CodeUnsupported, "no embedding provider configured")
		return
	}
	var req SimilarRequest
	if err := decodeJSON(r, &req); err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	if req.Text == "" {
		handleServiceError(w, r, h.logger, syncerrors.NewValidation(syncerrors.CodeValidationFailed, "text", "is required"))
		return
	}

	matches, err := h.embeddings.FindSimilarText(r.Context(), req.Subject, req.Text, embedding.SearchOptions{
		Threshold: req.Threshold,
		Limit:     req.Limit,
		Scope:     graph.Scope{OrganizationID: req.OrganizationID, CompanyID: req.CompanyID},
	})
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subject": req.Subject, "matches": matches})
}
