package prescription

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/drfirst/go-rxfill/internal/inventory"
)

// PrescribedItem is a single medication authored by the prescriber.
// It is never mutated after the prescription is issued.
type PrescribedItem struct {
	ID                  string `json:"id"`
	MedicationName      string `json:"medication_name"`
	GenericName         string `json:"generic_name,omitempty"`
	Strength            string `json:"strength,omitempty"`
	Dosage              string `json:"dosage"`
	Frequency           string `json:"frequency,omitempty"`
	Duration            string `json:"duration,omitempty"`
	QuantityPrescribed  int    `json:"quantity_prescribed"`
	Instructions        string `json:"instructions,omitempty"`
	SubstitutionAllowed bool   `json:"substitution_allowed"`
}

// LineItem records how one prescribed item is sourced within a fulfillment
// round. QuantityPrescribed is the quantity requested in that round, which is
// the outstanding remainder of the item's prescribed quantity.
type LineItem struct {
	ID                 string
	ItemID             string
	MedicationName     string
	QuantityPrescribed int
	SourceKind         SourceKind
	InventoryRef       string
	AvailableStock     int
	QuantityDispensed  int
	UnitPrice          decimal.Decimal
}

// NewLineItem returns an unresolved line for the given item and round.
func NewLineItem(id string, item PrescribedItem, quantity int) LineItem {
	return LineItem{
		ID:                 id,
		ItemID:             item.ID,
		MedicationName:     item.MedicationName,
		QuantityPrescribed: quantity,
		SourceKind:         SourceUnresolved,
		UnitPrice:          decimal.Zero,
	}
}

// Status is derived from the source kind and quantities.
func (l LineItem) Status() LineStatus {
	return DeriveLineStatus(l.SourceKind, l.QuantityDispensed, l.QuantityPrescribed)
}

// LineTotal is quantity dispensed times unit price.
func (l LineItem) LineTotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.QuantityDispensed)))
}

// SelectInventory sources the line from a catalog entry, dispensing as much of
// the requested quantity as is on hand at the entry's price.
func (l *LineItem) SelectInventory(e inventory.Entry) {
	stock := e.QuantityOnHand
	if stock < 0 {
		stock = 0
	}
	l.SourceKind = SourceInventoryMatched
	l.InventoryRef = e.ID
	l.AvailableStock = stock
	l.UnitPrice = e.UnitPrice
	l.QuantityDispensed = min(l.QuantityPrescribed, stock)
}

// ManualEntry sources the line outside the catalog. Quantity defaults to the
// full requested amount and price to zero; the caller is expected to edit both.
func (l *LineItem) ManualEntry() {
	l.SourceKind = SourceManual
	l.InventoryRef = ""
	l.AvailableStock = 0
	l.QuantityDispensed = l.QuantityPrescribed
	l.UnitPrice = decimal.Zero
}

// MarkUnavailable records that the item cannot be dispensed.
func (l *LineItem) MarkUnavailable() {
	l.SourceKind = SourceUnavailable
	l.InventoryRef = ""
	l.AvailableStock = 0
	l.QuantityDispensed = 0
	l.UnitPrice = decimal.Zero
}

// EditQuantityOrPrice changes the dispensed quantity and unit price of a
// matched or manual line. The line is left untouched on error.
func (l *LineItem) EditQuantityOrPrice(quantity int, unitPrice decimal.Decimal) error {
	if l.SourceKind != SourceInventoryMatched && l.SourceKind != SourceManual {
		return lineErr(l.ID, "source_kind", ErrNotEditable)
	}
	if quantity < 0 {
		return lineErr(l.ID, "quantity_dispensed", ErrOutOfRange)
	}
	if quantity > l.QuantityPrescribed {
		return lineErr(l.ID, "quantity_dispensed", ErrExceedsPrescribed)
	}
	if l.SourceKind == SourceInventoryMatched && quantity > l.AvailableStock {
		return lineErr(l.ID, "quantity_dispensed", ErrOutOfRange)
	}
	if unitPrice.IsNegative() {
		return lineErr(l.ID, "unit_price", ErrOutOfRange)
	}
	l.QuantityDispensed = quantity
	l.UnitPrice = unitPrice
	return nil
}

// validate checks the invariants a committed line must hold regardless of how
// it was built.
func (l LineItem) validate() error {
	if !l.SourceKind.Valid() {
		return lineErr(l.ID, "source_kind", ErrValidation)
	}
	if l.QuantityDispensed < 0 {
		return lineErr(l.ID, "quantity_dispensed", ErrOutOfRange)
	}
	if l.QuantityDispensed > l.QuantityPrescribed {
		return lineErr(l.ID, "quantity_dispensed", ErrExceedsPrescribed)
	}
	if l.UnitPrice.IsNegative() {
		return lineErr(l.ID, "unit_price", ErrOutOfRange)
	}
	// inventory_ref only identifies the stock a matched line was drawn from
	if l.SourceKind != SourceInventoryMatched && l.InventoryRef != "" {
		return lineErr(l.ID, "inventory_ref", ErrValidation)
	}
	switch l.SourceKind {
	case SourceInventoryMatched:
		if l.InventoryRef == "" {
			return lineErr(l.ID, "inventory_ref", ErrValidation)
		}
	case SourceUnavailable:
		if l.QuantityDispensed != 0 || !l.UnitPrice.IsZero() {
			return lineErr(l.ID, "quantity_dispensed", ErrOutOfRange)
		}
	}
	return nil
}

type lineJSON struct {
	ID                 string          `json:"id"`
	ItemID             string          `json:"item_id"`
	MedicationName     string          `json:"medication_name,omitempty"`
	QuantityPrescribed int             `json:"quantity_prescribed"`
	SourceKind         SourceKind      `json:"source_kind"`
	InventoryRef       string          `json:"inventory_ref,omitempty"`
	AvailableStock     int             `json:"available_stock,omitempty"`
	QuantityDispensed  int             `json:"quantity_dispensed"`
	UnitPrice          decimal.Decimal `json:"unit_price"`
	LineTotal          decimal.Decimal `json:"line_total"`
	Status             LineStatus      `json:"status"`
}

// MarshalJSON renders the derived status and total alongside the stored fields.
func (l LineItem) MarshalJSON() ([]byte, error) {
	return json.Marshal(lineJSON{
		ID:                 l.ID,
		ItemID:             l.ItemID,
		MedicationName:     l.MedicationName,
		QuantityPrescribed: l.QuantityPrescribed,
		SourceKind:         l.SourceKind,
		InventoryRef:       l.InventoryRef,
		AvailableStock:     l.AvailableStock,
		QuantityDispensed:  l.QuantityDispensed,
		UnitPrice:          l.UnitPrice,
		LineTotal:          l.LineTotal(),
		Status:             l.Status(),
	})
}

// UnmarshalJSON reads the stored fields; derived fields in the input are ignored.
func (l *LineItem) UnmarshalJSON(data []byte) error {
	var raw lineJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*l = LineItem{
		ID:                 raw.ID,
		ItemID:             raw.ItemID,
		MedicationName:     raw.MedicationName,
		QuantityPrescribed: raw.QuantityPrescribed,
		SourceKind:         raw.SourceKind,
		InventoryRef:       raw.InventoryRef,
		AvailableStock:     raw.AvailableStock,
		QuantityDispensed:  raw.QuantityDispensed,
		UnitPrice:          raw.UnitPrice,
	}
	return nil
}
