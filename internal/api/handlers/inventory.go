package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxfill/internal/inventory"
)

// Searcher is a capped text search over the stock catalog.
type Searcher interface {
	Search(ctx context.Context, term string) ([]inventory.Entry, error)
}

// InventoryHandler exposes catalog search to the pharmacist UI
type InventoryHandler struct {
	svc    Searcher
	logger *zap.Logger
}

// NewInventoryHandler creates a new handler
func NewInventoryHandler(svc Searcher, logger *zap.Logger) *InventoryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InventoryHandler{svc: svc, logger: logger}
}

// Routes returns the handler routes
func (h *InventoryHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/search", h.Search)
	return r
}

// Search handles GET /inventory/search?term=
func (h *InventoryHandler) Search(w http.ResponseWriter, r *http.Request) {
	entries, err := h.svc.Search(r.Context(), r.URL.Query().Get("term"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": entries})
}
