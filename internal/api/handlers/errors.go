package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxfill/internal/api/middleware"
	"github.com/drfirst/go-rxfill/internal/domain/prescription"
	"github.com/drfirst/go-rxfill/internal/inventory"
	"github.com/drfirst/go-rxfill/pkg/idempotency"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error  string `json:"error"`
	Kind   string `json:"kind"`
	LineID string `json:"line_id,omitempty"`
	Field  string `json:"field,omitempty"`
}

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, prescription.ErrNotFound), errors.Is(err, inventory.ErrEntryNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, prescription.ErrInvalidState),
		errors.Is(err, prescription.ErrConcurrentModification):
		return http.StatusConflict, prescription.Kind(err)
	case errors.Is(err, idempotency.ErrMessageInProgress), errors.Is(err, idempotency.ErrDuplicateMessage):
		return http.StatusConflict, "request_in_progress"
	case errors.Is(err, idempotency.ErrPayloadMismatch):
		return http.StatusUnprocessableEntity, "idempotency_key_reused"
	case errors.Is(err, inventory.ErrUnavailable):
		return http.StatusServiceUnavailable, "catalog_unavailable"
	}

	switch kind := prescription.Kind(err); kind {
	case "incomplete_draft", "out_of_range", "exceeds_prescribed", "not_editable",
		"line_mismatch", "total_mismatch", "validation":
		return http.StatusUnprocessableEntity, kind
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err. Internal errors are logged and not echoed.
func writeError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	code, kind := statusFor(err)
	resp := ErrorResponse{Error: err.Error(), Kind: kind}

	var le *prescription.LineError
	if errors.As(err, &le) {
		resp.LineID = le.LineID
		resp.Field = le.Field
	}
	if code == http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		resp.Error = "internal server error"
	}
	writeJSON(w, code, resp)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: msg, Kind: "bad_request"})
}
