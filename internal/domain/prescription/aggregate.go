// Package prescription implements the prescription aggregate: sourcing of
// prescribed items into priced line items, aggregation of fulfillment rounds
// and the lifecycle state machine.
package prescription

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Prescription is the persisted state of one prescription.
type Prescription struct {
	ID               string           `json:"id"`
	PatientRef       string           `json:"patient_ref,omitempty"`
	PrescriberRef    string           `json:"prescriber_ref,omitempty"`
	Items            []PrescribedItem `json:"items"`
	Rounds           []Round          `json:"rounds"`
	IssuedDate       time.Time        `json:"issued_date"`
	ValidUntil       time.Time        `json:"valid_until"`
	DeliveryRequired bool             `json:"delivery_required"`
	DeliveryAddress  string           `json:"delivery_address,omitempty"`
	DeliveryRef      string           `json:"delivery_ref,omitempty"`
	Status           Status           `json:"status"`
	TotalAmount      decimal.Decimal  `json:"total_amount"`
	CancelReason     string           `json:"cancel_reason,omitempty"`
	Version          int              `json:"version"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// Dispensed returns the quantity of itemID dispensed across all rounds.
func (p *Prescription) Dispensed(itemID string) int {
	n := 0
	for _, r := range p.Rounds {
		for _, l := range r.Lines {
			if l.ItemID == itemID {
				n += l.QuantityDispensed
			}
		}
	}
	return n
}

// TotalDispensed returns the number of units dispensed across all rounds.
func (p *Prescription) TotalDispensed() int {
	n := 0
	for _, r := range p.Rounds {
		for _, l := range r.Lines {
			n += l.QuantityDispensed
		}
	}
	return n
}

// Outstanding returns how much of item is still to be dispensed.
func (p *Prescription) Outstanding(item PrescribedItem) int {
	return max(item.QuantityPrescribed-p.Dispensed(item.ID), 0)
}

// Elapsed reports whether the validity window has passed while the
// prescription could still be filled.
func (p *Prescription) Elapsed(now time.Time) bool {
	return p.Status.Fillable() && now.After(p.ValidUntil)
}

func (p Prescription) clone() Prescription {
	c := p
	c.Items = append([]PrescribedItem(nil), p.Items...)
	c.Rounds = make([]Round, len(p.Rounds))
	for i, r := range p.Rounds {
		r.Lines = append([]LineItem(nil), r.Lines...)
		c.Rounds[i] = r
	}
	return c
}

// IssueCommand carries what the prescribing subsystem supplies.
type IssueCommand struct {
	ID               string
	PatientRef       string
	PrescriberRef    string
	Items            []PrescribedItem
	IssuedDate       time.Time
	ValidUntil       time.Time
	DeliveryRequired bool
	DeliveryAddress  string
	Actor            string
}

// Aggregate is the prescription aggregate root. All mutations go through its
// methods, each of which validates fully before changing anything.
type Aggregate struct {
	p               Prescription
	persistedRounds int
	changes         []*Event
}

// Issue validates cmd and returns a new Pending prescription.
func Issue(cmd IssueCommand, now time.Time) (*Aggregate, error) {
	if strings.TrimSpace(cmd.ID) == "" {
		return nil, fmt.Errorf("%w: id is required", ErrValidation)
	}
	if len(cmd.Items) == 0 {
		return nil, fmt.Errorf("%w: at least one prescribed item is required", ErrValidation)
	}
	issued := cmd.IssuedDate
	if issued.IsZero() {
		issued = now
	}
	if !cmd.ValidUntil.After(issued) {
		return nil, fmt.Errorf("%w: valid_until must be after issued_date", ErrValidation)
	}
	address := strings.TrimSpace(cmd.DeliveryAddress)
	if cmd.DeliveryRequired && address == "" {
		return nil, fmt.Errorf("%w: delivery_address is required when delivery is required", ErrValidation)
	}
	if !cmd.DeliveryRequired && address != "" {
		return nil, fmt.Errorf("%w: delivery_address given but delivery not required", ErrValidation)
	}

	items := make([]PrescribedItem, len(cmd.Items))
	seen := make(map[string]bool, len(cmd.Items))
	for i, item := range cmd.Items {
		item.ID = strings.TrimSpace(item.ID)
		if item.ID == "" {
			item.ID = fmt.Sprintf("item-%d", i+1)
		}
		item.MedicationName = strings.TrimSpace(item.MedicationName)
		item.Dosage = strings.TrimSpace(item.Dosage)
		switch {
		case strings.Contains(item.ID, "/"):
			return nil, fmt.Errorf("%w: items[%d].id must not contain '/'", ErrValidation, i)
		case seen[item.ID]:
			return nil, fmt.Errorf("%w: items[%d].id %q is duplicated", ErrValidation, i, item.ID)
		case item.MedicationName == "":
			return nil, fmt.Errorf("%w: items[%d].medication_name is required", ErrValidation, i)
		case item.Dosage == "":
			return nil, fmt.Errorf("%w: items[%d].dosage is required", ErrValidation, i)
		case item.QuantityPrescribed <= 0:
			return nil, fmt.Errorf("%w: items[%d].quantity_prescribed must be positive", ErrOutOfRange, i)
		}
		seen[item.ID] = true
		items[i] = item
	}

	a := &Aggregate{p: Prescription{
		ID:               cmd.ID,
		PatientRef:       cmd.PatientRef,
		PrescriberRef:    cmd.PrescriberRef,
		Items:            items,
		Rounds:           []Round{},
		IssuedDate:       issued.UTC(),
		ValidUntil:       cmd.ValidUntil.UTC(),
		DeliveryRequired: cmd.DeliveryRequired,
		DeliveryAddress:  address,
		TotalAmount:      decimal.Zero,
		CreatedAt:        now.UTC(),
	}}

	event, err := NewEvent(cmd.ID, EventPrescriptionIssued, &PrescriptionIssuedData{
		PrescriptionID:   cmd.ID,
		PatientRef:       cmd.PatientRef,
		PrescriberRef:    cmd.PrescriberRef,
		Items:            items,
		IssuedDate:       a.p.IssuedDate,
		ValidUntil:       a.p.ValidUntil,
		DeliveryRequired: cmd.DeliveryRequired,
	}, now)
	if err != nil {
		return nil, err
	}
	a.apply(event.WithActor(cmd.Actor), StatusPending)
	return a, nil
}

// Rehydrate wraps persisted state. The result has no pending changes.
func Rehydrate(p Prescription) *Aggregate {
	c := p.clone()
	return &Aggregate{p: c, persistedRounds: len(c.Rounds)}
}

// ID returns the aggregate ID
func (a *Aggregate) ID() string { return a.p.ID }

// Version returns the current version, including unsaved changes.
func (a *Aggregate) Version() int { return a.p.Version }

// BaseVersion is the version the aggregate was loaded at. Zero means the
// prescription has never been stored.
func (a *Aggregate) BaseVersion() int { return a.p.Version - len(a.changes) }

// Status returns the current status
func (a *Aggregate) Status() Status { return a.p.Status }

// Changes returns uncommitted events
func (a *Aggregate) Changes() []*Event { return a.changes }

// NewRounds returns rounds committed in memory but not yet stored.
func (a *Aggregate) NewRounds() []Round { return a.p.Rounds[a.persistedRounds:] }

// MarkPersisted clears pending changes after a successful save.
func (a *Aggregate) MarkPersisted() {
	a.persistedRounds = len(a.p.Rounds)
	a.changes = nil
}

// View returns a copy of the current state.
func (a *Aggregate) View() Prescription { return a.p.clone() }

// OpenDraft builds the pending lines of the next fulfillment round: one per
// prescribed item that still has an outstanding quantity.
func (a *Aggregate) OpenDraft() (*Draft, error) {
	if !a.p.Status.Fillable() {
		return nil, fmt.Errorf("%w: prescription is %s", ErrInvalidState, a.p.Status)
	}
	n := len(a.p.Rounds) + 1
	d := &Draft{PrescriptionID: a.p.ID, Round: n, Version: a.p.Version, Lines: []LineItem{}}
	for _, item := range a.p.Items {
		if q := a.p.Outstanding(item); q > 0 {
			d.Lines = append(d.Lines, NewLineItem(LineID(item.ID, n), item, q))
		}
	}
	if len(d.Lines) == 0 {
		return nil, fmt.Errorf("%w: nothing outstanding", ErrInvalidState)
	}
	return d, nil
}

// CommitFulfillment validates a completed draft and appends it as the next
// round. The submitted lines must correspond one-to-one to the open draft.
// On error the aggregate is unchanged.
func (a *Aggregate) CommitFulfillment(lines []LineItem, taxRate decimal.Decimal, actor string, now time.Time) (*Round, error) {
	if a.p.Elapsed(now) {
		return nil, fmt.Errorf("%w: prescription validity elapsed", ErrInvalidState)
	}
	draft, err := a.OpenDraft()
	if err != nil {
		return nil, err
	}

	submitted := make(map[string]LineItem, len(lines))
	for _, l := range lines {
		if _, dup := submitted[l.ID]; dup {
			return nil, lineErr(l.ID, "id", fmt.Errorf("%w: duplicated", ErrLineMismatch))
		}
		if _, ok := draft.Line(l.ID); !ok {
			return nil, lineErr(l.ID, "id", fmt.Errorf("%w: not in round %d", ErrLineMismatch, draft.Round))
		}
		submitted[l.ID] = l
	}

	ordered := make([]LineItem, 0, len(draft.Lines))
	for _, want := range draft.Lines {
		got, ok := submitted[want.ID]
		if !ok || got.Status() == LinePending {
			return nil, lineErr(want.ID, "", ErrIncompleteDraft)
		}
		if got.ItemID != "" && got.ItemID != want.ItemID {
			return nil, lineErr(want.ID, "item_id", ErrLineMismatch)
		}
		if got.QuantityPrescribed != 0 && got.QuantityPrescribed != want.QuantityPrescribed {
			return nil, lineErr(want.ID, "quantity_prescribed", ErrLineMismatch)
		}
		got.ItemID = want.ItemID
		got.MedicationName = want.MedicationName
		got.QuantityPrescribed = want.QuantityPrescribed
		if err := got.validate(); err != nil {
			return nil, err
		}
		ordered = append(ordered, got)
	}

	summary, err := AggregateLines(ordered, taxRate)
	if err != nil {
		return nil, err
	}

	overall := summary.Status
	if overall != StatusFilled && a.p.TotalDispensed()+summary.Dispensed > 0 {
		overall = StatusPartiallyFilled
	}
	if !CanTransition(a.p.Status, overall) {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidState, a.p.Status, overall)
	}

	round := Round{
		Number:      draft.Round,
		Status:      summary.Status,
		Lines:       ordered,
		Subtotal:    summary.Subtotal,
		Tax:         summary.Tax,
		Total:       summary.Total,
		TaxRate:     taxRate,
		CommittedBy: actor,
		CommittedAt: now.UTC(),
	}
	totalAmount := a.p.TotalAmount.Add(summary.Total)

	event, err := NewEvent(a.p.ID, EventFulfillmentCommitted, &FulfillmentCommittedData{
		PrescriptionID: a.p.ID,
		Round:          round.Number,
		RoundStatus:    round.Status,
		Status:         overall,
		Lines:          ordered,
		Subtotal:       round.Subtotal,
		Tax:            round.Tax,
		Total:          round.Total,
		TotalAmount:    totalAmount,
	}, now)
	if err != nil {
		return nil, err
	}

	a.p.Rounds = append(a.p.Rounds, round)
	a.p.TotalAmount = totalAmount
	a.apply(event.WithActor(actor), overall)

	out := round
	out.Lines = append([]LineItem(nil), ordered...)
	return &out, nil
}

// MarkReadyForDelivery records that the delivery subsystem created a delivery.
func (a *Aggregate) MarkReadyForDelivery(deliveryRef, actor string, now time.Time) error {
	if err := a.transition(EventReadyForDelivery, StatusReadyForDelivery, "", deliveryRef, actor, now); err != nil {
		return err
	}
	if deliveryRef != "" {
		a.p.DeliveryRef = deliveryRef
	}
	return nil
}

// MarkDelivered records that the delivery subsystem completed the delivery.
func (a *Aggregate) MarkDelivered(deliveryRef, actor string, now time.Time) error {
	return a.transition(EventPrescriptionDelivered, StatusDelivered, "", deliveryRef, actor, now)
}

// Cancel cancels the prescription. Allowed any time before delivery.
func (a *Aggregate) Cancel(reason, actor string, now time.Time) error {
	reason = strings.TrimSpace(reason)
	if err := a.transition(EventPrescriptionCancelled, StatusCancelled, reason, "", actor, now); err != nil {
		return err
	}
	a.p.CancelReason = reason
	return nil
}

// ExpireIfElapsed moves a fillable prescription to Expired once its validity
// window has passed. It reports whether the status changed.
func (a *Aggregate) ExpireIfElapsed(now time.Time) (bool, error) {
	if !a.p.Elapsed(now) {
		return false, nil
	}
	if err := a.transition(EventPrescriptionExpired, StatusExpired, "validity elapsed", "", "system", now); err != nil {
		return false, err
	}
	return true, nil
}

func (a *Aggregate) transition(eventType EventType, to Status, reason, deliveryRef, actor string, now time.Time) error {
	from := a.p.Status
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: cannot move from %s to %s", ErrInvalidState, from, to)
	}
	event, err := NewEvent(a.p.ID, eventType, &StatusChangedData{
		PrescriptionID: a.p.ID,
		From:           from,
		To:             to,
		Reason:         reason,
		DeliveryRef:    deliveryRef,
		At:             now.UTC(),
	}, now)
	if err != nil {
		return err
	}
	a.apply(event.WithActor(actor), to)
	return nil
}

// apply records event as the next version and moves to status.
func (a *Aggregate) apply(event *Event, status Status) {
	a.p.Version++
	a.p.Status = status
	a.p.UpdatedAt = event.Timestamp
	event.Version = a.p.Version
	a.changes = append(a.changes, event)
}
