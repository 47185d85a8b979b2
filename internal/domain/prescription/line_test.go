package prescription

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/drfirst/go-rxfill/internal/inventory"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testItem(id string, qty int) PrescribedItem {
	return PrescribedItem{ID: id, MedicationName: "Paracetamol 500mg", GenericName: "acetaminophen", Dosage: "1 tab", QuantityPrescribed: qty}
}

func TestDeriveLineStatus(t *testing.T) {
	tests := []struct {
		name       string
		kind       SourceKind
		dispensed  int
		prescribed int
		want       LineStatus
	}{
		{"unresolved", SourceUnresolved, 0, 10, LinePending},
		{"unavailable", SourceUnavailable, 0, 10, LineOutOfStock},
		{"inventory zero", SourceInventoryMatched, 0, 10, LineOutOfStock},
		{"manual zero", SourceManual, 0, 10, LineOutOfStock},
		{"inventory partial", SourceInventoryMatched, 4, 10, LinePartiallyFilled},
		{"manual partial", SourceManual, 9, 10, LinePartiallyFilled},
		{"inventory full", SourceInventoryMatched, 10, 10, LineFilled},
		{"manual full", SourceManual, 10, 10, LineFilled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeriveLineStatus(tt.kind, tt.dispensed, tt.prescribed); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestSelectInventory(t *testing.T) {
	tests := []struct {
		name      string
		stock     int
		wantQty   int
		wantState LineStatus
	}{
		{"ample stock", 15, 10, LineFilled},
		{"short stock", 4, 4, LinePartiallyFilled},
		{"no stock", 0, 0, LineOutOfStock},
		{"negative stock treated as none", -3, 0, LineOutOfStock},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLineItem("i1/r1", testItem("i1", 10), 10)
			l.SelectInventory(inventory.Entry{ID: "inv-1", Name: "Paracetamol", QuantityOnHand: tt.stock, UnitPrice: dec("5.00")})

			if l.SourceKind != SourceInventoryMatched {
				t.Errorf("expected inventory_matched, got %s", l.SourceKind)
			}
			if l.InventoryRef != "inv-1" {
				t.Errorf("expected inventory ref inv-1, got %q", l.InventoryRef)
			}
			if l.QuantityDispensed != tt.wantQty {
				t.Errorf("expected quantity %d, got %d", tt.wantQty, l.QuantityDispensed)
			}
			if l.Status() != tt.wantState {
				t.Errorf("expected status %s, got %s", tt.wantState, l.Status())
			}
			if !l.UnitPrice.Equal(dec("5")) {
				t.Errorf("expected unit price 5, got %s", l.UnitPrice)
			}
		})
	}
}

func TestManualEntryAndUnavailable(t *testing.T) {
	l := NewLineItem("i1/r1", testItem("i1", 20), 20)
	l.SelectInventory(inventory.Entry{ID: "inv-1", QuantityOnHand: 5, UnitPrice: dec("3.25")})

	l.ManualEntry()
	if l.SourceKind != SourceManual || l.InventoryRef != "" {
		t.Fatalf("expected manual line without inventory ref, got %s %q", l.SourceKind, l.InventoryRef)
	}
	if l.QuantityDispensed != 20 || !l.UnitPrice.IsZero() {
		t.Errorf("expected 20 units at 0, got %d at %s", l.QuantityDispensed, l.UnitPrice)
	}
	if l.Status() != LineFilled {
		t.Errorf("expected filled, got %s", l.Status())
	}

	l.MarkUnavailable()
	if l.QuantityDispensed != 0 || !l.UnitPrice.IsZero() || !l.LineTotal().IsZero() {
		t.Errorf("expected zeroed line, got %d at %s", l.QuantityDispensed, l.UnitPrice)
	}
	if l.Status() != LineOutOfStock {
		t.Errorf("expected out_of_stock, got %s", l.Status())
	}
}

func TestEditQuantityOrPrice(t *testing.T) {
	matched := func() LineItem {
		l := NewLineItem("i1/r1", testItem("i1", 10), 10)
		l.SelectInventory(inventory.Entry{ID: "inv-1", QuantityOnHand: 8, UnitPrice: dec("2.00")})
		return l
	}
	manual := func() LineItem {
		l := NewLineItem("i1/r1", testItem("i1", 10), 10)
		l.ManualEntry()
		return l
	}

	tests := []struct {
		name    string
		line    LineItem
		qty     int
		price   string
		wantErr error
	}{
		{"matched within stock", matched(), 6, "2.50", nil},
		{"matched above stock", matched(), 9, "2.00", ErrOutOfRange},
		{"negative quantity", matched(), -1, "2.00", ErrOutOfRange},
		{"negative price", manual(), 3, "-0.01", ErrOutOfRange},
		{"manual above prescribed", manual(), 11, "1.00", ErrExceedsPrescribed},
		{"manual at prescribed", manual(), 10, "1.10", nil},
		{"unresolved not editable", NewLineItem("i1/r1", testItem("i1", 10), 10), 1, "1.00", ErrNotEditable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := tt.line
			err := tt.line.EditQuantityOrPrice(tt.qty, dec(tt.price))
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if tt.line.QuantityDispensed != tt.qty || !tt.line.UnitPrice.Equal(dec(tt.price)) {
					t.Errorf("edit not applied: %d at %s", tt.line.QuantityDispensed, tt.line.UnitPrice)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			var le *LineError
			if !errors.As(err, &le) || le.LineID != "i1/r1" {
				t.Errorf("expected LineError for i1/r1, got %v", err)
			}
			if tt.line.QuantityDispensed != before.QuantityDispensed || !tt.line.UnitPrice.Equal(before.UnitPrice) {
				t.Error("line changed despite error")
			}
		})
	}
}

func TestLineTotalIsExact(t *testing.T) {
	l := NewLineItem("i1/r1", testItem("i1", 3), 3)
	l.ManualEntry()
	if err := l.EditQuantityOrPrice(3, dec("0.1")); err != nil {
		t.Fatalf("edit: %v", err)
	}
	if !l.LineTotal().Equal(dec("0.3")) {
		t.Errorf("expected 0.3, got %s", l.LineTotal())
	}
}

func TestLineItemJSON(t *testing.T) {
	l := NewLineItem("i1/r1", testItem("i1", 10), 10)
	l.SelectInventory(inventory.Entry{ID: "inv-1", QuantityOnHand: 4, UnitPrice: dec("1.5")})

	data, err := json.Marshal(l)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if raw["status"] != string(LinePartiallyFilled) {
		t.Errorf("expected derived status in JSON, got %v", raw["status"])
	}
	if raw["line_total"] != "6" {
		t.Errorf("expected line_total 6, got %v", raw["line_total"])
	}

	var back LineItem
	if err := json.Unmarshal([]byte(`{"id":"i1/r1","source_kind":"manual","quantity_prescribed":10,"quantity_dispensed":2,"unit_price":"3","status":"filled"}`), &back); err != nil {
		t.Fatalf("unmarshal line: %v", err)
	}
	if back.Status() != LinePartiallyFilled {
		t.Errorf("status must be derived, got %s", back.Status())
	}
}
