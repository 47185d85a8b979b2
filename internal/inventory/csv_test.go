package inventory

import (
	"strings"
	"testing"
)

func TestParseCSV(t *testing.T) {
	in := `Unit_Price, id, name, quantity_on_hand, supplier
5.00, inv-a, Paracetamol, 15, acme
,inv-b, Ibuprofen, ,acme
1.00, , nameless row, 3, acme
`
	entries, err := ParseCSV(strings.NewReader(in))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries (rows without id skipped), got %d", len(entries))
	}
	if entries[0].ID != "inv-a" || entries[0].QuantityOnHand != 15 || entries[0].UnitPrice.String() != "5" {
		t.Errorf("unexpected first entry: %+v", entries[0])
	}
	if entries[1].QuantityOnHand != 0 || !entries[1].UnitPrice.IsZero() {
		t.Errorf("blank columns should default to zero: %+v", entries[1])
	}
}

func TestParseCSV_Errors(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"missing name column", "id,unit_price\ninv-a,1.00\n"},
		{"negative quantity", "id,name,quantity_on_hand\ninv-a,A,-1\n"},
		{"bad price", "id,name,unit_price\ninv-a,A,abc\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseCSV(strings.NewReader(tt.in)); err == nil {
				t.Error("expected an error")
			}
		})
	}
}
