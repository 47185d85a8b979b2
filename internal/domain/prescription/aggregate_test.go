package prescription

import (
	"errors"
	"testing"
	"time"

	"github.com/drfirst/go-rxfill/internal/inventory"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func issueTwoItems(t *testing.T) *Aggregate {
	t.Helper()
	a, err := Issue(IssueCommand{
		ID:            "rx-1",
		PrescriberRef: "dr-1",
		Items: []PrescribedItem{
			{ID: "a", MedicationName: "Paracetamol", Dosage: "500mg", QuantityPrescribed: 10},
			{ID: "b", MedicationName: "Ibuprofen", Dosage: "200mg", QuantityPrescribed: 20},
		},
		ValidUntil: t0.Add(30 * 24 * time.Hour),
		Actor:      "dr-1",
	}, t0)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	a.MarkPersisted()
	return a
}

func TestIssue(t *testing.T) {
	a := issueTwoItems(t)
	if a.Status() != StatusPending || a.Version() != 1 {
		t.Fatalf("expected pending v1, got %s v%d", a.Status(), a.Version())
	}
	if a.BaseVersion() != 1 {
		t.Errorf("expected base version 1 after persist, got %d", a.BaseVersion())
	}

	fresh, err := Issue(IssueCommand{ID: "rx-2", Items: []PrescribedItem{{MedicationName: "X", Dosage: "1", QuantityPrescribed: 1}}, ValidUntil: t0.Add(time.Hour)}, t0)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if fresh.BaseVersion() != 0 || len(fresh.Changes()) != 1 {
		t.Errorf("expected unsaved aggregate with one change, got base %d changes %d", fresh.BaseVersion(), len(fresh.Changes()))
	}
	if got := fresh.View().Items[0].ID; got != "item-1" {
		t.Errorf("expected generated item id item-1, got %s", got)
	}
}

func TestIssue_Validation(t *testing.T) {
	valid := func() IssueCommand {
		return IssueCommand{
			ID:         "rx",
			Items:      []PrescribedItem{{ID: "a", MedicationName: "X", Dosage: "1", QuantityPrescribed: 1}},
			ValidUntil: t0.Add(time.Hour),
		}
	}
	tests := []struct {
		name    string
		mutate  func(*IssueCommand)
		wantErr error
	}{
		{"no items", func(c *IssueCommand) { c.Items = nil }, ErrValidation},
		{"zero quantity", func(c *IssueCommand) { c.Items[0].QuantityPrescribed = 0 }, ErrOutOfRange},
		{"missing dosage", func(c *IssueCommand) { c.Items[0].Dosage = "" }, ErrValidation},
		{"slash in item id", func(c *IssueCommand) { c.Items[0].ID = "a/b" }, ErrValidation},
		{"expired on issue", func(c *IssueCommand) { c.ValidUntil = t0.Add(-time.Hour) }, ErrValidation},
		{"delivery without address", func(c *IssueCommand) { c.DeliveryRequired = true }, ErrValidation},
		{"address without delivery", func(c *IssueCommand) { c.DeliveryAddress = "1 Main St" }, ErrValidation},
		{"duplicate item", func(c *IssueCommand) { c.Items = append(c.Items, c.Items[0]) }, ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := valid()
			tt.mutate(&cmd)
			if _, err := Issue(cmd, t0); !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func resolveScenario(t *testing.T, a *Aggregate) []LineItem {
	t.Helper()
	d, err := a.OpenDraft()
	if err != nil {
		t.Fatalf("open draft: %v", err)
	}
	la, _ := d.Line("a/r1")
	la.SelectInventory(inventory.Entry{ID: "inv-a", QuantityOnHand: 15, UnitPrice: dec("5.00")})
	lb, _ := d.Line("b/r1")
	lb.MarkUnavailable()
	return d.Lines
}

func TestCommitFulfillment_Scenario(t *testing.T) {
	a := issueTwoItems(t)
	round, err := a.CommitFulfillment(resolveScenario(t, a), DefaultTaxRate, "ph-1", t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if round.Number != 1 || round.Status != StatusPartiallyFilled {
		t.Errorf("expected round 1 partially_filled, got %d %s", round.Number, round.Status)
	}
	if !round.Total.Equal(dec("55.00")) {
		t.Errorf("expected round total 55.00, got %s", round.Total)
	}
	p := a.View()
	if p.Status != StatusPartiallyFilled || !p.TotalAmount.Equal(dec("55")) {
		t.Errorf("expected partially_filled 55, got %s %s", p.Status, p.TotalAmount)
	}
	if a.Version() != 2 || a.BaseVersion() != 1 {
		t.Errorf("expected version 2 base 1, got %d base %d", a.Version(), a.BaseVersion())
	}
	if len(a.NewRounds()) != 1 || len(a.Changes()) != 1 || a.Changes()[0].EventType != EventFulfillmentCommitted {
		t.Errorf("expected one new round and one FulfillmentCommitted event")
	}

	// second round only carries the outstanding item
	a.MarkPersisted()
	d, err := a.OpenDraft()
	if err != nil {
		t.Fatalf("open second draft: %v", err)
	}
	if len(d.Lines) != 1 || d.Lines[0].ID != "b/r2" || d.Lines[0].QuantityPrescribed != 20 {
		t.Fatalf("expected single pending line b/r2 for 20, got %+v", d.Lines)
	}
	d.Lines[0].ManualEntry()
	if err := d.Lines[0].EditQuantityOrPrice(20, dec("1.25")); err != nil {
		t.Fatalf("edit: %v", err)
	}
	if _, err := a.CommitFulfillment(d.Lines, DefaultTaxRate, "ph-1", t0.Add(2*time.Hour)); err != nil {
		t.Fatalf("commit round 2: %v", err)
	}
	p = a.View()
	if p.Status != StatusFilled {
		t.Errorf("expected filled, got %s", p.Status)
	}
	if !p.TotalAmount.Equal(dec("82.50")) {
		t.Errorf("expected accumulated total 82.50, got %s", p.TotalAmount)
	}
	if _, err := a.OpenDraft(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected no draft once filled, got %v", err)
	}
}

func TestCommitFulfillment_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		lines   func(*testing.T, *Aggregate) []LineItem
		wantErr error
		wantID  string
	}{
		{
			name: "pending line",
			lines: func(t *testing.T, a *Aggregate) []LineItem {
				d, _ := a.OpenDraft()
				d.Lines[0].ManualEntry()
				return d.Lines
			},
			wantErr: ErrIncompleteDraft,
			wantID:  "b/r1",
		},
		{
			name: "missing line",
			lines: func(t *testing.T, a *Aggregate) []LineItem {
				return resolveScenario(t, a)[:1]
			},
			wantErr: ErrIncompleteDraft,
			wantID:  "b/r1",
		},
		{
			name: "stale line id",
			lines: func(t *testing.T, a *Aggregate) []LineItem {
				lines := resolveScenario(t, a)
				lines[1].ID = "b/r7"
				return lines
			},
			wantErr: ErrLineMismatch,
			wantID:  "b/r7",
		},
		{
			name: "dispensed above prescribed",
			lines: func(t *testing.T, a *Aggregate) []LineItem {
				lines := resolveScenario(t, a)
				lines[0].QuantityDispensed = 11
				return lines
			},
			wantErr: ErrExceedsPrescribed,
			wantID:  "a/r1",
		},
		{
			name: "matched line without inventory ref",
			lines: func(t *testing.T, a *Aggregate) []LineItem {
				lines := resolveScenario(t, a)
				lines[0].InventoryRef = ""
				return lines
			},
			wantErr: ErrValidation,
			wantID:  "a/r1",
		},
		{
			name: "manual line with inventory ref",
			lines: func(t *testing.T, a *Aggregate) []LineItem {
				lines := resolveScenario(t, a)
				lines[0].ManualEntry()
				lines[0].InventoryRef = "inv-a"
				return lines
			},
			wantErr: ErrValidation,
			wantID:  "a/r1",
		},
		{
			name: "unavailable line with inventory ref",
			lines: func(t *testing.T, a *Aggregate) []LineItem {
				lines := resolveScenario(t, a)
				lines[1].InventoryRef = "inv-b"
				return lines
			},
			wantErr: ErrValidation,
			wantID:  "b/r1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := issueTwoItems(t)
			before := a.View()
			_, err := a.CommitFulfillment(tt.lines(t, a), DefaultTaxRate, "ph", t0.Add(time.Hour))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			var le *LineError
			if !errors.As(err, &le) || le.LineID != tt.wantID {
				t.Errorf("expected error naming %s, got %v", tt.wantID, err)
			}
			after := a.View()
			if after.Status != before.Status || after.Version != before.Version || len(after.Rounds) != 0 || len(a.Changes()) != 0 {
				t.Error("failed commit changed the aggregate")
			}
		})
	}
}

func TestCommitFulfillment_AllOutOfStock(t *testing.T) {
	a := issueTwoItems(t)
	d, _ := a.OpenDraft()
	for i := range d.Lines {
		d.Lines[i].MarkUnavailable()
	}
	if _, err := a.CommitFulfillment(d.Lines, DefaultTaxRate, "ph", t0.Add(time.Hour)); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if a.Status() != StatusNeedsReview {
		t.Fatalf("expected needs_review, got %s", a.Status())
	}
	if !a.View().TotalAmount.IsZero() {
		t.Errorf("expected zero total, got %s", a.View().TotalAmount)
	}

	// a later round can still fill it
	d, err := a.OpenDraft()
	if err != nil {
		t.Fatalf("open draft after review: %v", err)
	}
	if d.Round != 2 || len(d.Lines) != 2 {
		t.Fatalf("expected round 2 with 2 lines, got %d with %d", d.Round, len(d.Lines))
	}
}

func TestLifecycle(t *testing.T) {
	a := issueTwoItems(t)
	if err := a.MarkReadyForDelivery("dlv-1", "delivery", t0); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("pending prescription must not become ready for delivery, got %v", err)
	}
	if _, err := a.CommitFulfillment(resolveScenario(t, a), DefaultTaxRate, "ph", t0.Add(time.Hour)); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := a.MarkReadyForDelivery("dlv-1", "delivery", t0.Add(2*time.Hour)); err != nil {
		t.Fatalf("ready for delivery: %v", err)
	}
	if err := a.MarkDelivered("dlv-1", "delivery", t0.Add(3*time.Hour)); err != nil {
		t.Fatalf("delivered: %v", err)
	}
	if err := a.Cancel("too late", "ph", t0.Add(4*time.Hour)); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected delivered prescription to reject cancel, got %v", err)
	}
	if a.View().DeliveryRef != "dlv-1" {
		t.Errorf("expected delivery ref recorded")
	}
}

func TestCancel(t *testing.T) {
	a := issueTwoItems(t)
	if err := a.Cancel(" patient request ", "ph", t0); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if a.Status() != StatusCancelled || a.View().CancelReason != "patient request" {
		t.Errorf("expected cancelled with reason, got %s %q", a.Status(), a.View().CancelReason)
	}
	if err := a.Cancel("again", "ph", t0); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected second cancel to fail, got %v", err)
	}
	if _, err := a.OpenDraft(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected no draft for cancelled prescription, got %v", err)
	}
}

func TestExpireIfElapsed(t *testing.T) {
	a := issueTwoItems(t)
	valid := a.View().ValidUntil

	changed, err := a.ExpireIfElapsed(valid)
	if err != nil || changed {
		t.Fatalf("expected no expiry at the boundary, got %v %v", changed, err)
	}
	if _, err := a.CommitFulfillment(resolveScenario(t, a), DefaultTaxRate, "ph", valid.Add(time.Second)); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected fill after validity to fail, got %v", err)
	}
	changed, err = a.ExpireIfElapsed(valid.Add(time.Second))
	if err != nil || !changed {
		t.Fatalf("expected expiry, got %v %v", changed, err)
	}
	if a.Status() != StatusExpired {
		t.Errorf("expected expired, got %s", a.Status())
	}
	if changed, _ := a.ExpireIfElapsed(valid.Add(time.Hour)); changed {
		t.Error("expired prescription expired twice")
	}
}

func TestStatusTransitions(t *testing.T) {
	for _, s := range []Status{StatusDelivered, StatusCancelled, StatusExpired} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
		for _, to := range []Status{StatusPending, StatusFilled, StatusCancelled} {
			if CanTransition(s, to) {
				t.Errorf("unexpected transition %s -> %s", s, to)
			}
		}
	}
	if CanTransition(StatusFilled, StatusExpired) {
		t.Error("filled prescriptions do not expire")
	}
	if !CanTransition(StatusNeedsReview, StatusCancelled) {
		t.Error("needs_review should be cancellable")
	}
}
