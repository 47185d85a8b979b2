package prescription

import (
	"errors"
	"testing"

	"github.com/drfirst/go-rxfill/internal/inventory"
)

func TestAggregateLines_PartialScenario(t *testing.T) {
	a := NewLineItem("a/r1", testItem("a", 10), 10)
	a.SelectInventory(inventory.Entry{ID: "inv-a", QuantityOnHand: 15, UnitPrice: dec("5.00")})
	b := NewLineItem("b/r1", testItem("b", 20), 20)
	b.MarkUnavailable()

	if a.Status() != LineFilled || !a.LineTotal().Equal(dec("50.00")) {
		t.Fatalf("line A: expected filled 50.00, got %s %s", a.Status(), a.LineTotal())
	}
	if b.Status() != LineOutOfStock || !b.LineTotal().IsZero() {
		t.Fatalf("line B: expected out_of_stock 0.00, got %s %s", b.Status(), b.LineTotal())
	}

	s, err := AggregateLines([]LineItem{a, b}, DefaultTaxRate)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if s.Status != StatusPartiallyFilled {
		t.Errorf("expected partially_filled, got %s", s.Status)
	}
	if !s.Subtotal.Equal(dec("50.00")) || !s.Tax.Equal(dec("5.00")) || !s.Total.Equal(dec("55.00")) {
		t.Errorf("expected 50.00/5.00/55.00, got %s/%s/%s", s.Subtotal, s.Tax, s.Total)
	}
}

func TestAggregateLines(t *testing.T) {
	filled := func(id string, qty int, price string) LineItem {
		l := NewLineItem(id, testItem(id, qty), qty)
		l.ManualEntry()
		_ = l.EditQuantityOrPrice(qty, dec(price))
		return l
	}
	partial := func(id string) LineItem {
		l := NewLineItem(id, testItem(id, 10), 10)
		l.SelectInventory(inventory.Entry{ID: "inv", QuantityOnHand: 3, UnitPrice: dec("2")})
		return l
	}
	unavailable := func(id string) LineItem {
		l := NewLineItem(id, testItem(id, 5), 5)
		l.MarkUnavailable()
		return l
	}

	tests := []struct {
		name       string
		lines      []LineItem
		wantStatus Status
		wantTotal  string
	}{
		{"all filled", []LineItem{filled("x", 2, "10"), filled("y", 1, "0.5")}, StatusFilled, "22.55"},
		{"one partial", []LineItem{filled("x", 2, "10"), partial("y")}, StatusPartiallyFilled, "28.6"},
		{"all out of stock", []LineItem{unavailable("x"), unavailable("y")}, StatusNeedsReview, "0"},
		{"free manual fill", []LineItem{filled("x", 4, "0")}, StatusFilled, "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := AggregateLines(tt.lines, DefaultTaxRate)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if s.Status != tt.wantStatus {
				t.Errorf("expected %s, got %s", tt.wantStatus, s.Status)
			}
			if !s.Total.Equal(dec(tt.wantTotal)) {
				t.Errorf("expected total %s, got %s", tt.wantTotal, s.Total)
			}
			if !s.Total.Equal(s.Subtotal.Mul(dec("1.10"))) {
				t.Errorf("total %s is not 1.10 x subtotal %s", s.Total, s.Subtotal)
			}
		})
	}
}

func TestAggregateLines_PendingLine(t *testing.T) {
	done := NewLineItem("a/r1", testItem("a", 1), 1)
	done.ManualEntry()
	pending := NewLineItem("b/r1", testItem("b", 1), 1)

	_, err := AggregateLines([]LineItem{done, pending}, DefaultTaxRate)
	if !errors.Is(err, ErrIncompleteDraft) {
		t.Fatalf("expected ErrIncompleteDraft, got %v", err)
	}
	var le *LineError
	if !errors.As(err, &le) || le.LineID != "b/r1" {
		t.Errorf("expected error naming b/r1, got %v", err)
	}
}

func TestAggregateLines_CustomTaxRate(t *testing.T) {
	l := NewLineItem("a/r1", testItem("a", 3), 3)
	l.ManualEntry()
	_ = l.EditQuantityOrPrice(3, dec("10"))

	s, err := AggregateLines([]LineItem{l}, dec("0.075"))
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if !s.Tax.Equal(dec("2.25")) || !s.Total.Equal(dec("32.25")) {
		t.Errorf("expected 2.25/32.25, got %s/%s", s.Tax, s.Total)
	}
	if _, err := AggregateLines([]LineItem{l}, dec("-0.1")); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("expected ErrOutOfRange for negative rate, got %v", err)
	}
}
