// Package r5 provides the FHIR R5 data structures the fulfillment engine
// publishes to the delivery subsystem.
package r5

import (
	"encoding/json"
	"time"
)

// Meta contains metadata about a resource.
type Meta struct {
	VersionID   string    `json:"versionId,omitempty"`
	LastUpdated time.Time `json:"lastUpdated,omitempty"`
	Source      string    `json:"source,omitempty"`
	Profile     []string  `json:"profile,omitempty"`
}

// Identifier represents a FHIR Identifier.
type Identifier struct {
	Use    string `json:"use,omitempty"` // usual | official | temp | secondary | old
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
}

// CodeableConcept represents a concept with text and codings.
type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// Coding represents a code from a terminology system.
type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// Reference represents a reference to another resource.
type Reference struct {
	Reference string `json:"reference,omitempty"`
	Type      string `json:"type,omitempty"`
	Display   string `json:"display,omitempty"`
}

// CodeableReference is new in FHIR R5 - can be either a CodeableConcept or a Reference.
type CodeableReference struct {
	Concept   *CodeableConcept `json:"concept,omitempty"`
	Reference *Reference       `json:"reference,omitempty"`
}

// Quantity represents a measured amount.
type Quantity struct {
	Value  float64 `json:"value"`
	Unit   string  `json:"unit,omitempty"`
	System string  `json:"system,omitempty"`
	Code   string  `json:"code,omitempty"`
}

// Money is an amount in a currency. Value is kept as a JSON number with the
// exact decimal digits.
type Money struct {
	Value    json.Number `json:"value"`
	Currency string      `json:"currency,omitempty"`
}

// Annotation represents a note or comment.
type Annotation struct {
	Text string    `json:"text"`
	Time time.Time `json:"time,omitempty"`
}

// Dosage contains dosage instructions for the medication.
type Dosage struct {
	Sequence           int    `json:"sequence,omitempty"`
	Text               string `json:"text,omitempty"`
	PatientInstruction string `json:"patientInstruction,omitempty"`
}

// Extension represents a FHIR extension.
type Extension struct {
	URL          string  `json:"url"`
	ValueString  string  `json:"valueString,omitempty"`
	ValueInteger *int    `json:"valueInteger,omitempty"`
	ValueMoney   *Money  `json:"valueMoney,omitempty"`
	ValueCoding  *Coding `json:"valueCoding,omitempty"`
}

// Code systems and extension URLs minted by the engine
const (
	SystemUCUM          = "http://unitsofmeasure.org"
	SystemPrescription  = "urn:rxfill:prescription"
	SystemLine          = "urn:rxfill:fulfillment-line"
	SystemInventory     = "urn:rxfill:inventory"
	SystemLineStatus    = "urn:rxfill:line-status"
	ExtUnitPrice        = "urn:rxfill:extension:unit-price"
	ExtLineTotal        = "urn:rxfill:extension:line-total"
	ExtFulfillmentRound = "urn:rxfill:extension:fulfillment-round"
	ExtLineStatus       = "urn:rxfill:extension:line-status"
)

// MedicationDispense statuses used by the engine
const (
	DispenseCompleted = "completed"
	DispenseDeclined  = "declined"
	DispenseCancelled = "cancelled"
)
