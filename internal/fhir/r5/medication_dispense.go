package r5

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/drfirst/go-rxfill/internal/domain/prescription"
)

// MedicationDispense represents a FHIR R5 MedicationDispense resource: one
// committed fulfillment line.
type MedicationDispense struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id,omitempty"`
	Meta         *Meta        `json:"meta,omitempty"`
	Extension    []Extension  `json:"extension,omitempty"`
	Identifier   []Identifier `json:"identifier,omitempty"`

	Status       string           `json:"status"` // preparation | in-progress | cancelled | on-hold | completed | entered-in-error | stopped | declined | unknown
	NotPerformed *CodeableConcept `json:"notPerformedReason,omitempty"`

	Medication              CodeableReference   `json:"medication"`
	Subject                 Reference           `json:"subject"`
	AuthorizingPrescription []Reference         `json:"authorizingPrescription,omitempty"`
	Performer               []DispensePerformer `json:"performer,omitempty"`

	Quantity       *Quantity  `json:"quantity,omitempty"`
	WhenPrepared   *time.Time `json:"whenPrepared,omitempty"`
	WhenHandedOver *time.Time `json:"whenHandedOver,omitempty"`
	Destination    *Reference `json:"destination,omitempty"`

	DosageInstruction []Dosage      `json:"dosageInstruction,omitempty"`
	Substitution      *Substitution `json:"substitution,omitempty"`
	Note              []Annotation  `json:"note,omitempty"`
}

// DispensePerformer names who dispensed.
type DispensePerformer struct {
	Actor Reference `json:"actor"`
}

// Substitution records whether a different product than prescribed was given.
type Substitution struct {
	WasSubstituted bool `json:"wasSubstituted"`
}

// Bundle is a FHIR collection of resources.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	Type         string        `json:"type"` // searchset | collection | ...
	Timestamp    time.Time     `json:"timestamp"`
	Total        int           `json:"total"`
	Entry        []BundleEntry `json:"entry"`
}

// BundleEntry wraps one resource in a Bundle.
type BundleEntry struct {
	FullURL  string              `json:"fullUrl,omitempty"`
	Resource *MedicationDispense `json:"resource"`
}

// DispenseBundle renders every committed line of p as a MedicationDispense.
// Lines with nothing dispensed are included as declined so the delivery side
// sees the whole round.
func DispenseBundle(p *prescription.Prescription, now time.Time) *Bundle {
	items := make(map[string]prescription.PrescribedItem, len(p.Items))
	for _, it := range p.Items {
		items[it.ID] = it
	}

	b := &Bundle{ResourceType: "Bundle", Type: "searchset", Timestamp: now.UTC(), Entry: []BundleEntry{}}
	for _, round := range p.Rounds {
		for _, line := range round.Lines {
			d := NewMedicationDispense(p, round, line, items[line.ItemID])
			b.Entry = append(b.Entry, BundleEntry{FullURL: "MedicationDispense/" + d.ID, Resource: d})
		}
	}
	b.Total = len(b.Entry)
	return b
}

// NewMedicationDispense maps one committed line.
func NewMedicationDispense(p *prescription.Prescription, round prescription.Round, line prescription.LineItem, item prescription.PrescribedItem) *MedicationDispense {
	n := round.Number
	d := &MedicationDispense{
		ResourceType: "MedicationDispense",
		ID:           p.ID + "-" + strings.ReplaceAll(line.ID, "/", "-"),
		Meta:         &Meta{VersionID: strconv.Itoa(p.Version), LastUpdated: p.UpdatedAt},
		Identifier:   []Identifier{{Use: "official", System: SystemLine, Value: line.ID}},
		Extension: []Extension{
			{URL: ExtFulfillmentRound, ValueInteger: &n},
			{URL: ExtLineStatus, ValueCoding: &Coding{System: SystemLineStatus, Code: string(line.Status())}},
			{URL: ExtUnitPrice, ValueMoney: money(line.UnitPrice.String())},
			{URL: ExtLineTotal, ValueMoney: money(line.LineTotal().String())},
		},
		Medication: CodeableReference{Concept: medication(line)},
		AuthorizingPrescription: []Reference{{
			Reference: "MedicationRequest/" + p.ID,
			Type:      "MedicationRequest",
		}},
		Quantity: &Quantity{Value: float64(line.QuantityDispensed), Unit: "unit", System: SystemUCUM, Code: "1"},
	}

	if p.PatientRef != "" {
		d.Subject = Reference{Reference: "Patient/" + p.PatientRef, Type: "Patient"}
	} else {
		d.Subject = Reference{Display: "unknown patient"}
	}
	if round.CommittedBy != "" {
		d.Performer = []DispensePerformer{{Actor: Reference{Display: round.CommittedBy}}}
	}
	if !round.CommittedAt.IsZero() {
		at := round.CommittedAt.UTC()
		d.WhenPrepared = &at
	}

	switch {
	case p.Status == prescription.StatusCancelled || p.Status == prescription.StatusExpired:
		d.Status = DispenseCancelled
	case line.QuantityDispensed == 0:
		d.Status = DispenseDeclined
		d.NotPerformed = &CodeableConcept{Text: "out of stock"}
	default:
		d.Status = DispenseCompleted
	}
	if p.Status == prescription.StatusDelivered && d.Status == DispenseCompleted {
		at := p.UpdatedAt.UTC()
		d.WhenHandedOver = &at
	}
	if p.DeliveryRequired {
		d.Destination = &Reference{Display: p.DeliveryAddress}
	}

	if text := dosageText(item); text != "" {
		d.DosageInstruction = []Dosage{{Sequence: 1, Text: text, PatientInstruction: item.Instructions}}
	}
	if line.SourceKind == prescription.SourceInventoryMatched && !item.SubstitutionAllowed {
		d.Substitution = &Substitution{WasSubstituted: false}
	}
	if line.SourceKind == prescription.SourceManual {
		d.Note = []Annotation{{Text: "sourced outside the stock catalog", Time: round.CommittedAt}}
	}
	return d
}

func medication(line prescription.LineItem) *CodeableConcept {
	c := &CodeableConcept{Text: line.MedicationName}
	if line.InventoryRef != "" {
		c.Coding = []Coding{{System: SystemInventory, Code: line.InventoryRef, Display: line.MedicationName}}
	}
	return c
}

func dosageText(item prescription.PrescribedItem) string {
	parts := make([]string, 0, 3)
	for _, s := range []string{item.Dosage, item.Frequency, item.Duration} {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ", ")
}

func money(v string) *Money {
	return &Money{Value: json.Number(v)}
}
