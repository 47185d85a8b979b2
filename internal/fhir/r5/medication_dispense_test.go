package r5

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/drfirst/go-rxfill/internal/domain/prescription"
)

func committed() *prescription.Prescription {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return &prescription.Prescription{
		ID:         "rx-1",
		PatientRef: "pat-9",
		Items: []prescription.PrescribedItem{
			{ID: "a", MedicationName: "Paracetamol 500mg", Dosage: "1 tablet", Frequency: "3x daily", QuantityPrescribed: 10},
			{ID: "b", MedicationName: "Ibuprofen 200mg", Dosage: "1 tablet", QuantityPrescribed: 20},
		},
		Rounds: []prescription.Round{{
			Number:      1,
			CommittedBy: "pharm-7",
			CommittedAt: at,
			Lines: []prescription.LineItem{
				{ID: "a/r1", ItemID: "a", MedicationName: "Paracetamol 500mg", QuantityPrescribed: 10, SourceKind: prescription.SourceInventoryMatched, InventoryRef: "inv-a", AvailableStock: 15, QuantityDispensed: 10, UnitPrice: decimal.RequireFromString("5.00")},
				{ID: "b/r1", ItemID: "b", MedicationName: "Ibuprofen 200mg", QuantityPrescribed: 20, SourceKind: prescription.SourceUnavailable, UnitPrice: decimal.Zero},
			},
		}},
		Status:    prescription.StatusPartiallyFilled,
		Version:   2,
		UpdatedAt: at,
	}
}

func TestDispenseBundle(t *testing.T) {
	b := DispenseBundle(committed(), time.Now())

	if b.ResourceType != "Bundle" || b.Total != 2 || len(b.Entry) != 2 {
		t.Fatalf("unexpected bundle %+v", b)
	}

	filled := b.Entry[0].Resource
	if filled.ID != "rx-1-a-r1" || filled.Status != DispenseCompleted {
		t.Errorf("filled line: id=%s status=%s", filled.ID, filled.Status)
	}
	if filled.Quantity.Value != 10 {
		t.Errorf("quantity = %v", filled.Quantity.Value)
	}
	if filled.Subject.Reference != "Patient/pat-9" {
		t.Errorf("subject = %+v", filled.Subject)
	}
	if filled.Medication.Concept.Coding[0].Code != "inv-a" {
		t.Errorf("medication coding = %+v", filled.Medication.Concept)
	}
	if filled.DosageInstruction[0].Text != "1 tablet, 3x daily" {
		t.Errorf("dosage = %q", filled.DosageInstruction[0].Text)
	}

	declined := b.Entry[1].Resource
	if declined.Status != DispenseDeclined || declined.NotPerformed == nil {
		t.Errorf("unavailable line should be declined: %+v", declined)
	}
}

func TestDispenseBundle_MoneyIsExactJSONNumber(t *testing.T) {
	raw, err := json.Marshal(DispenseBundle(committed(), time.Now()))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), `"valueMoney":{"value":50}`) {
		t.Errorf("line total not rendered as a number: %s", raw)
	}
}

func TestDispenseBundle_StatusFollowsPrescription(t *testing.T) {
	tests := []struct {
		status   prescription.Status
		want     string
		handOver bool
	}{
		{prescription.StatusDelivered, DispenseCompleted, true},
		{prescription.StatusReadyForDelivery, DispenseCompleted, false},
		{prescription.StatusCancelled, DispenseCancelled, false},
		{prescription.StatusExpired, DispenseCancelled, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			p := committed()
			p.Status = tt.status
			d := DispenseBundle(p, time.Now()).Entry[0].Resource
			if d.Status != tt.want {
				t.Errorf("status = %s, want %s", d.Status, tt.want)
			}
			if (d.WhenHandedOver != nil) != tt.handOver {
				t.Errorf("whenHandedOver = %v", d.WhenHandedOver)
			}
		})
	}
}

func TestDispenseBundle_Empty(t *testing.T) {
	p := committed()
	p.Rounds = nil
	raw, _ := json.Marshal(DispenseBundle(p, time.Now()))
	if !strings.Contains(string(raw), `"entry":[]`) {
		t.Errorf("expected empty entry array: %s", raw)
	}
}
