// Package fulfillment is the application layer of the engine: it loads
// prescriptions, resolves line items against the inventory catalog and
// commits fulfillment rounds through the prescription repository.
package fulfillment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxfill/internal/domain/prescription"
	"github.com/drfirst/go-rxfill/internal/inventory"
	"github.com/drfirst/go-rxfill/internal/observability/metrics"
	"github.com/drfirst/go-rxfill/pkg/idempotency"
)

// Config tunes the service.
type Config struct {
	TaxRate decimal.Decimal
	// StockCheck re-reads inventory-matched lines from the catalog at commit
	// and bounds the dispensed quantity by the current stock.
	StockCheck bool
}

// DefaultConfig returns the 10% tax rate with stock re-validation on.
func DefaultConfig() Config {
	return Config{TaxRate: prescription.DefaultTaxRate, StockCheck: true}
}

// Option customizes a Service.
type Option func(*Service)

// WithInbox enables Idempotency-Key handling on Submit.
func WithInbox(inbox *idempotency.Inbox) Option {
	return func(s *Service) { s.inbox = inbox }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service implements the fulfillment use cases.
type Service struct {
	repo    prescription.Repository
	catalog inventory.Catalog
	cfg     Config
	inbox   *idempotency.Inbox
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// NewService creates a service over repo and catalog.
func NewService(repo prescription.Repository, catalog inventory.Catalog, cfg Config, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		repo:    repo,
		catalog: catalog,
		cfg:     cfg,
		logger:  logger,
		tracer:  otel.Tracer("fulfillment"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// View is a prescription as seen by a pharmacist: committed state plus the
// pending lines of the next round, when one can be opened.
type View struct {
	prescription.Prescription
	Draft *prescription.Draft `json:"draft,omitempty"`
}

// Issue stores a new prescription. An empty ID is assigned a UUID.
func (s *Service) Issue(ctx context.Context, cmd prescription.IssueCommand) (*prescription.Prescription, error) {
	ctx, span := s.tracer.Start(ctx, "fulfillment.issue")
	defer span.End()

	if strings.TrimSpace(cmd.ID) == "" {
		cmd.ID = uuid.NewString()
	}
	agg, err := prescription.Issue(cmd, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.repo.Save(ctx, agg); err != nil {
		span.RecordError(err)
		return nil, err
	}
	s.metrics.Issued()
	s.logger.Info("prescription issued",
		zap.String("prescription_id", agg.ID()),
		zap.Int("items", len(cmd.Items)))

	p := agg.View()
	return &p, nil
}

// Get returns the prescription and its open draft. An elapsed prescription is
// expired first.
func (s *Service) Get(ctx context.Context, id string) (*View, error) {
	agg, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	v := &View{Prescription: agg.View()}
	if agg.Status().Fillable() {
		if d, err := agg.OpenDraft(); err == nil {
			v.Draft = d
		}
	}
	return v, nil
}

// Events returns the audit trail of a prescription.
func (s *Service) Events(ctx context.Context, id string) ([]*prescription.Event, error) {
	return s.repo.Events(ctx, id)
}

// Candidates lists catalog entries that could source one prescribed item.
func (s *Service) Candidates(ctx context.Context, id, itemID, term string) ([]inventory.Entry, error) {
	agg, err := s.repo.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	p := agg.View()
	for _, item := range p.Items {
		if item.ID == itemID {
			entries, err := prescription.FindCandidates(ctx, s.catalog, item, term)
			s.metrics.Searched(searchOutcome(entries, err))
			return entries, err
		}
	}
	return nil, fmt.Errorf("%w: item %s on %s", prescription.ErrNotFound, itemID, id)
}

// Search is a plain text search of the catalog, capped at MaxCandidates.
func (s *Service) Search(ctx context.Context, term string) ([]inventory.Entry, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return []inventory.Entry{}, nil
	}
	entries, err := s.catalog.List(ctx, inventory.Filter{Term: term, Limit: prescription.MaxCandidates})
	s.metrics.Searched(searchOutcome(entries, err))
	if err != nil {
		return nil, err
	}
	if len(entries) > prescription.MaxCandidates {
		entries = entries[:prescription.MaxCandidates]
	}
	return entries, nil
}

func searchOutcome(entries []inventory.Entry, err error) string {
	switch {
	case errors.Is(err, inventory.ErrUnavailable):
		return "unavailable"
	case err != nil:
		return "error"
	case len(entries) == 0:
		return "empty"
	default:
		return "hit"
	}
}

// Choice kinds accepted by Resolve.
const (
	ChoiceInventory   = "inventory"
	ChoiceManual      = "manual"
	ChoiceUnavailable = "unavailable"
	ChoiceEdit        = "edit"
)

// Choice is a pharmacist's sourcing decision for one line.
type Choice struct {
	Kind              string          `json:"kind"`
	InventoryRef      string          `json:"inventory_ref,omitempty"`
	QuantityDispensed int             `json:"quantity_dispensed,omitempty"`
	UnitPrice         decimal.Decimal `json:"unit_price"`
}

// Resolve applies choice to line and returns the updated line. Nothing is
// stored. The line's identity and requested quantity come from the open draft,
// so a client cannot resolve a line that does not belong to it.
func (s *Service) Resolve(ctx context.Context, id string, line prescription.LineItem, choice Choice) (*prescription.LineItem, error) {
	agg, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	draft, err := agg.OpenDraft()
	if err != nil {
		return nil, err
	}
	base, ok := draft.Line(line.ID)
	if !ok {
		return nil, &prescription.LineError{LineID: line.ID, Field: "id", Err: prescription.ErrLineMismatch}
	}

	out := line
	out.ItemID = base.ItemID
	out.MedicationName = base.MedicationName
	out.QuantityPrescribed = base.QuantityPrescribed

	switch choice.Kind {
	case ChoiceInventory:
		entry, err := inventory.Get(ctx, s.catalog, choice.InventoryRef)
		if err != nil {
			if errors.Is(err, inventory.ErrEntryNotFound) {
				return nil, &prescription.LineError{LineID: line.ID, Field: "inventory_ref", Err: fmt.Errorf("%w: %v", prescription.ErrValidation, err)}
			}
			return nil, err
		}
		out.SelectInventory(*entry)
	case ChoiceManual:
		out.ManualEntry()
	case ChoiceUnavailable:
		out.MarkUnavailable()
	case ChoiceEdit:
		if err := out.EditQuantityOrPrice(choice.QuantityDispensed, choice.UnitPrice); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unknown choice %q", prescription.ErrValidation, choice.Kind)
	}
	return &out, nil
}

// FillLine is one line of a submitted draft.
type FillLine struct {
	LineID            string                  `json:"line_id"`
	SourceKind        prescription.SourceKind `json:"source_kind"`
	InventoryRef      string                  `json:"inventory_ref,omitempty"`
	QuantityDispensed int                     `json:"quantity_dispensed"`
	UnitPrice         decimal.Decimal         `json:"unit_price"`
	// Status, when present, must equal the server-derived status.
	Status prescription.LineStatus `json:"status,omitempty"`
}

// FillRequest is a completed draft submitted for commit.
type FillRequest struct {
	// Version, when set, must equal the version the draft was built from.
	Version *int       `json:"version,omitempty"`
	Lines   []FillLine `json:"lines"`
	// TotalAmount, when set, must equal the committed round total.
	TotalAmount    *decimal.Decimal `json:"total_amount,omitempty"`
	Actor          string           `json:"-"`
	IdempotencyKey string           `json:"-"`
}

// FillResult is the outcome of a successful commit.
type FillResult struct {
	Prescription prescription.Prescription `json:"prescription"`
	Round        prescription.Round        `json:"round"`
}

// Submit validates and commits a completed draft. Failures leave the stored
// prescription unchanged. With an idempotency key a repeated request returns
// the first successful result.
func (s *Service) Submit(ctx context.Context, id string, req FillRequest) (*FillResult, error) {
	if req.IdempotencyKey == "" || s.inbox == nil {
		return s.submit(ctx, id, req)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	key := idempotency.Key("fill", id, req.IdempotencyKey)
	res, err := s.inbox.Process(ctx, key, "fill", payload, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		out, err := s.submit(ctx, id, req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(out)
	})
	if err != nil {
		return nil, err
	}

	out := &FillResult{}
	if err := json.Unmarshal(res.Result, out); err != nil {
		return nil, fmt.Errorf("decode stored fill result: %w", err)
	}
	return out, nil
}

func (s *Service) submit(ctx context.Context, id string, req FillRequest) (_ *FillResult, err error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "fulfillment.submit",
		trace.WithAttributes(
			attribute.String("prescription_id", id),
			attribute.Int("lines", len(req.Lines)),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, prescription.Kind(err))
			s.metrics.CommitFailed(prescription.Kind(err))
			s.logger.Info("fill rejected",
				zap.String("prescription_id", id),
				zap.String("kind", prescription.Kind(err)),
				zap.Error(err))
		}
		span.End()
	}()

	agg, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	// load may have just expired it; report that rather than the version bump
	if !agg.Status().Fillable() {
		return nil, fmt.Errorf("%w: prescription is %s", prescription.ErrInvalidState, agg.Status())
	}
	if req.Version != nil && *req.Version != agg.Version() {
		return nil, fmt.Errorf("%w: draft built from version %d, prescription is at %d",
			prescription.ErrConcurrentModification, *req.Version, agg.Version())
	}
	draft, err := agg.OpenDraft()
	if err != nil {
		return nil, err
	}

	lines, err := s.mergeLines(ctx, draft, req.Lines)
	if err != nil {
		return nil, err
	}

	round, err := agg.CommitFulfillment(lines, s.cfg.TaxRate, req.Actor, s.now())
	if err != nil {
		return nil, err
	}
	if req.TotalAmount != nil && !req.TotalAmount.Equal(round.Total) {
		return nil, fmt.Errorf("%w: submitted %s, lines total %s",
			prescription.ErrTotalMismatch, req.TotalAmount.String(), round.Total.String())
	}

	if err := s.repo.Save(ctx, agg); err != nil {
		return nil, err
	}

	s.metrics.Committed(string(agg.Status()), time.Since(start))
	s.logger.Info("fulfillment committed",
		zap.String("prescription_id", id),
		zap.Int("round", round.Number),
		zap.String("status", string(agg.Status())),
		zap.String("total", round.Total.StringFixed(2)),
		zap.String("actor", req.Actor))

	return &FillResult{Prescription: agg.View(), Round: *round}, nil
}

// mergeLines overlays the submitted lines onto the draft. The draft supplies
// identity and requested quantity; the client supplies the sourcing.
func (s *Service) mergeLines(ctx context.Context, draft *prescription.Draft, in []FillLine) ([]prescription.LineItem, error) {
	out := make([]prescription.LineItem, 0, len(in))
	for _, fl := range in {
		base, ok := draft.Line(fl.LineID)
		if !ok {
			return nil, &prescription.LineError{LineID: fl.LineID, Field: "line_id", Err: prescription.ErrLineMismatch}
		}
		l := *base
		l.SourceKind = fl.SourceKind
		l.InventoryRef = fl.InventoryRef
		l.QuantityDispensed = fl.QuantityDispensed
		l.UnitPrice = fl.UnitPrice

		if l.SourceKind == prescription.SourceInventoryMatched && s.cfg.StockCheck {
			if err := s.checkStock(ctx, &l); err != nil {
				return nil, err
			}
		}
		if fl.Status != "" && fl.Status != l.Status() {
			return nil, &prescription.LineError{LineID: l.ID, Field: "status",
				Err: fmt.Errorf("%w: submitted %s, derived %s", prescription.ErrLineMismatch, fl.Status, l.Status())}
		}
		out = append(out, l)
	}
	return out, nil
}

func (s *Service) checkStock(ctx context.Context, l *prescription.LineItem) error {
	if l.InventoryRef == "" {
		return &prescription.LineError{LineID: l.ID, Field: "inventory_ref", Err: prescription.ErrValidation}
	}
	entry, err := inventory.Get(ctx, s.catalog, l.InventoryRef)
	if errors.Is(err, inventory.ErrEntryNotFound) {
		return &prescription.LineError{LineID: l.ID, Field: "inventory_ref", Err: fmt.Errorf("%w: %v", prescription.ErrValidation, err)}
	}
	if err != nil {
		return err
	}
	l.AvailableStock = max(entry.QuantityOnHand, 0)
	if l.QuantityDispensed > l.AvailableStock && l.QuantityDispensed <= l.QuantityPrescribed {
		return &prescription.LineError{LineID: l.ID, Field: "quantity_dispensed",
			Err: fmt.Errorf("%w: %d requested, %d on hand", prescription.ErrOutOfRange, l.QuantityDispensed, l.AvailableStock)}
	}
	return nil
}

// Cancel cancels a prescription that has not been delivered.
func (s *Service) Cancel(ctx context.Context, id, reason, actor string) (*prescription.Prescription, error) {
	return s.mutate(ctx, id, "fulfillment.cancel", func(agg *prescription.Aggregate) error {
		return agg.Cancel(reason, actor, s.now())
	})
}

// MarkReadyForDelivery records creation of a delivery for a filled prescription.
func (s *Service) MarkReadyForDelivery(ctx context.Context, id, deliveryRef, actor string) (*prescription.Prescription, error) {
	return s.mutate(ctx, id, "fulfillment.ready_for_delivery", func(agg *prescription.Aggregate) error {
		return agg.MarkReadyForDelivery(deliveryRef, actor, s.now())
	})
}

// MarkDelivered records completion of the delivery.
func (s *Service) MarkDelivered(ctx context.Context, id, deliveryRef, actor string) (*prescription.Prescription, error) {
	return s.mutate(ctx, id, "fulfillment.delivered", func(agg *prescription.Aggregate) error {
		return agg.MarkDelivered(deliveryRef, actor, s.now())
	})
}

func (s *Service) mutate(ctx context.Context, id, spanName string, fn func(*prescription.Aggregate) error) (*prescription.Prescription, error) {
	ctx, span := s.tracer.Start(ctx, spanName, trace.WithAttributes(attribute.String("prescription_id", id)))
	defer span.End()

	agg, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	from := agg.Status()
	if err := fn(agg); err != nil {
		span.RecordError(err)
		return nil, err
	}
	if err := s.repo.Save(ctx, agg); err != nil {
		span.RecordError(err)
		return nil, err
	}
	s.logger.Info("prescription status changed",
		zap.String("prescription_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(agg.Status())))
	p := agg.View()
	return &p, nil
}

// ExpireDue expires up to limit fillable prescriptions whose validity has
// elapsed and returns how many were expired.
func (s *Service) ExpireDue(ctx context.Context, limit int) (int, error) {
	ctx, span := s.tracer.Start(ctx, "fulfillment.expire_due")
	defer span.End()

	ids, err := s.repo.ListExpirable(ctx, s.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("list expirable: %w", err)
	}
	expired := 0
	for _, id := range ids {
		agg, err := s.repo.Load(ctx, id)
		if err != nil {
			s.logger.Warn("expiry load failed", zap.String("prescription_id", id), zap.Error(err))
			continue
		}
		changed, err := s.expire(ctx, agg)
		if err != nil {
			if !errors.Is(err, prescription.ErrConcurrentModification) {
				s.logger.Warn("expiry failed", zap.String("prescription_id", id), zap.Error(err))
			}
			continue
		}
		if changed {
			expired++
		}
	}
	span.SetAttributes(attribute.Int("expired", expired))
	return expired, nil
}

// load reads a prescription and applies lazy expiry.
func (s *Service) load(ctx context.Context, id string) (*prescription.Aggregate, error) {
	agg, err := s.repo.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.expire(ctx, agg); err != nil {
		if !errors.Is(err, prescription.ErrConcurrentModification) {
			return nil, err
		}
		// someone else wrote first; their state is authoritative
		return s.repo.Load(ctx, id)
	}
	return agg, nil
}

func (s *Service) expire(ctx context.Context, agg *prescription.Aggregate) (bool, error) {
	changed, err := agg.ExpireIfElapsed(s.now())
	if err != nil || !changed {
		return false, err
	}
	if err := s.repo.Save(ctx, agg); err != nil {
		return false, err
	}
	s.metrics.Expired(1)
	s.logger.Info("prescription expired", zap.String("prescription_id", agg.ID()))
	return true, nil
}
