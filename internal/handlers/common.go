// Package handlers serves the syncd HTTP API: status of the sync layer, document
// access through the offline cache, and graph operations.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	syncerrors "github.com/GAIKONDO/app42-sub006/internal/errors"
	"github.com/GAIKONDO/app42-sub006/internal/middleware"
)

const maxBodyBytes = 8 << 20

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code syncerrors.ErrorCode, message string) {
	writeJSON(w, status, ErrorResponse{
		Error:     message,
		Code:      string(code),
		RequestID: middleware.GetRequestID(r.Context()),
	})
}

// decodeJSON reads a bounded JSON body into v. Malformed bodies are validation errors.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return syncerrors.NewValidation(syncerrors.CodeValidationFailed, "body", "malformed JSON body: "+err.Error())
	}
	return nil
}

// handleServiceError maps the sync error taxonomy onto HTTP statuses.
func handleServiceError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	code := syncerrors.CodeOf(err)
	var unknown *syncerrors.UnknownStrategyError
	switch {
	case errors.As(err, &unknown):
		writeError(w, r, http.StatusBadRequest, syncerrors.CodeUnknownStrategy, err.Error())
	case syncerrors.IsValidation(err):
		writeError(w, r, http.StatusBadRequest, code, err.Error())
	case syncerrors.IsNotFound(err):
		writeError(w, r, http.StatusNotFound, code, err.Error())
	case syncerrors.IsConflict(err):
		writeError(w, r, http.StatusConflict, code, err.Error())
	case syncerrors.IsOffline(err), syncerrors.IsNetwork(err):
		logger.Warn("Backend unreachable", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, r, http.StatusServiceUnavailable, code, "backend unreachable")
	case syncerrors.IsBackend(err):
		var backend *syncerrors.BackendError
		errors.As(err, &backend)
		logger.Error("Backend rejected request", zap.String("path", r.URL.Path), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":      "backend rejected request",
			"backend":    backend,
			"request_id": middleware.GetRequestID(r.Context()),
		})
	default:
		logger.Error("Request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, code, "internal error")
	}
}
