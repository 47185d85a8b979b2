// Package handlers provides HTTP handlers for the fulfillment API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxfill/internal/api/middleware"
	"github.com/drfirst/go-rxfill/internal/domain/prescription"
	fhir "github.com/drfirst/go-rxfill/internal/fhir/r5"
	"github.com/drfirst/go-rxfill/internal/fulfillment"
	"github.com/drfirst/go-rxfill/internal/inventory"
)

// Fulfillment is the application service behind the prescription routes.
type Fulfillment interface {
	Issue(ctx context.Context, cmd prescription.IssueCommand) (*prescription.Prescription, error)
	Get(ctx context.Context, id string) (*fulfillment.View, error)
	Events(ctx context.Context, id string) ([]*prescription.Event, error)
	Candidates(ctx context.Context, id, itemID, term string) ([]inventory.Entry, error)
	Resolve(ctx context.Context, id string, line prescription.LineItem, choice fulfillment.Choice) (*prescription.LineItem, error)
	Submit(ctx context.Context, id string, req fulfillment.FillRequest) (*fulfillment.FillResult, error)
	Cancel(ctx context.Context, id, reason, actor string) (*prescription.Prescription, error)
}

// maxBody bounds request bodies.
const maxBody = 1 << 20

// PrescriptionHandler handles prescription endpoints
type PrescriptionHandler struct {
	svc    Fulfillment
	logger *zap.Logger
	now    func() time.Time
}

// NewPrescriptionHandler creates a new handler
func NewPrescriptionHandler(svc Fulfillment, logger *zap.Logger) *PrescriptionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PrescriptionHandler{svc: svc, logger: logger, now: time.Now}
}

// Routes returns the handler routes
func (h *PrescriptionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Get("/events", h.GetEvents)
		r.Get("/dispenses", h.GetDispenses)
		r.Get("/items/{itemId}/candidates", h.Candidates)
		r.Post("/lines/resolve", h.Resolve)
		r.Post("/fill", h.Fill)
		r.Post("/cancel", h.Cancel)
	})
	return r
}

// CreateRequest is the request body for issuing a prescription
type CreateRequest struct {
	ID               string                        `json:"id,omitempty"`
	PatientRef       string                        `json:"patient_ref"`
	PrescriberRef    string                        `json:"prescriber_ref"`
	Items            []prescription.PrescribedItem `json:"items"`
	IssuedDate       time.Time                     `json:"issued_date"`
	ValidUntil       time.Time                     `json:"valid_until"`
	DeliveryRequired bool                          `json:"delivery_required"`
	DeliveryAddress  string                        `json:"delivery_address,omitempty"`
}

// Create handles POST /prescriptions
func (h *PrescriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateRequest
	if !decode(w, r, &req) {
		return
	}

	p, err := h.svc.Issue(ctx, prescription.IssueCommand{
		ID:               req.ID,
		PatientRef:       req.PatientRef,
		PrescriberRef:    req.PrescriberRef,
		Items:            req.Items,
		IssuedDate:       req.IssuedDate,
		ValidUntil:       req.ValidUntil,
		DeliveryRequired: req.DeliveryRequired,
		DeliveryAddress:  req.DeliveryAddress,
		Actor:            middleware.GetActor(ctx),
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	w.Header().Set("Location", "/api/v1/prescriptions/"+p.ID)
	writeJSON(w, http.StatusCreated, p)
}

// Get handles GET /prescriptions/{id}
func (h *PrescriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	v, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// GetEvents handles GET /prescriptions/{id}/events
func (h *PrescriptionHandler) GetEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.svc.Events(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if events == nil {
		events = []*prescription.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// GetDispenses handles GET /prescriptions/{id}/dispenses
func (h *PrescriptionHandler) GetDispenses(w http.ResponseWriter, r *http.Request) {
	v, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	w.Header().Set("Content-Type", "application/fhir+json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(fhir.DispenseBundle(&v.Prescription, h.now()))
}

// Candidates handles GET /prescriptions/{id}/items/{itemId}/candidates
func (h *PrescriptionHandler) Candidates(w http.ResponseWriter, r *http.Request) {
	entries, err := h.svc.Candidates(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "itemId"), r.URL.Query().Get("term"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"candidates": entries})
}

// ResolveRequest pairs a draft line with the pharmacist's choice for it
type ResolveRequest struct {
	Line   prescription.LineItem `json:"line"`
	Choice fulfillment.Choice    `json:"choice"`
}

// Resolve handles POST /prescriptions/{id}/lines/resolve. Nothing is stored.
func (h *PrescriptionHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Line.ID == "" {
		badRequest(w, "line.id is required")
		return
	}

	line, err := h.svc.Resolve(r.Context(), chi.URLParam(r, "id"), req.Line, req.Choice)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, line)
}

// Fill handles POST /prescriptions/{id}/fill. An Idempotency-Key header makes
// retries return the first successful result.
func (h *PrescriptionHandler) Fill(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var req fulfillment.FillRequest
	if !decode(w, r, &req) {
		return
	}
	req.Actor = middleware.GetActor(ctx)
	req.IdempotencyKey = r.Header.Get("Idempotency-Key")

	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("prescription_id", id),
		attribute.Bool("idempotent", req.IdempotencyKey != ""),
	)

	res, err := h.svc.Submit(ctx, id, req)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	h.logger.Info("fill committed",
		zap.String("prescription_id", id),
		zap.Int("round", res.Round.Number),
		zap.String("status", string(res.Prescription.Status)),
		zap.String("request_id", middleware.GetRequestID(ctx)),
	)
	writeJSON(w, http.StatusOK, res)
}

// CancelRequest is the body of POST /prescriptions/{id}/cancel
type CancelRequest struct {
	Reason string `json:"reason"`
}

// Cancel handles POST /prescriptions/{id}/cancel
func (h *PrescriptionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	p, err := h.svc.Cancel(r.Context(), chi.URLParam(r, "id"), req.Reason, middleware.GetActor(r.Context()))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// decode reads a JSON body into v, answering 400 itself on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	return decodeBody(w, r, v, true)
}

// decodeOptional is decode for endpoints whose body may be omitted.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	return decodeBody(w, r, v, false)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any, required bool) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) && !required {
			return true
		}
		if errors.Is(err, io.EOF) {
			badRequest(w, "request body is required")
		} else {
			badRequest(w, "invalid request body: "+err.Error())
		}
		return false
	}
	return true
}
