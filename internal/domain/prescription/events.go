package prescription

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventType represents the type of domain event
type EventType string

const (
	EventPrescriptionIssued    EventType = "PrescriptionIssued"
	EventFulfillmentCommitted  EventType = "FulfillmentCommitted"
	EventReadyForDelivery      EventType = "PrescriptionReadyForDelivery"
	EventPrescriptionDelivered EventType = "PrescriptionDelivered"
	EventPrescriptionCancelled EventType = "PrescriptionCancelled"
	EventPrescriptionExpired   EventType = "PrescriptionExpired"
)

// Event is an append-only audit record of one state change. Committed events
// are also relayed to the message bus through the outbox.
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Version       int             `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	Actor         string          `json:"actor,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEvent creates a new event
func NewEvent(aggregateID string, eventType EventType, data any, at time.Time) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: "Prescription",
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     at.UTC(),
	}, nil
}

// WithActor records who caused the event.
func (e *Event) WithActor(actor string) *Event {
	e.Actor = actor
	return e
}

// PrescriptionIssuedData is the payload of EventPrescriptionIssued.
type PrescriptionIssuedData struct {
	PrescriptionID   string           `json:"prescription_id"`
	PatientRef       string           `json:"patient_ref,omitempty"`
	PrescriberRef    string           `json:"prescriber_ref,omitempty"`
	Items            []PrescribedItem `json:"items"`
	IssuedDate       time.Time        `json:"issued_date"`
	ValidUntil       time.Time        `json:"valid_until"`
	DeliveryRequired bool             `json:"delivery_required"`
}

// FulfillmentCommittedData is the payload of EventFulfillmentCommitted.
type FulfillmentCommittedData struct {
	PrescriptionID string          `json:"prescription_id"`
	Round          int             `json:"round"`
	RoundStatus    Status          `json:"round_status"`
	Status         Status          `json:"status"`
	Lines          []LineItem      `json:"lines"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	Tax            decimal.Decimal `json:"tax"`
	Total          decimal.Decimal `json:"total"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
}

// StatusChangedData is the payload of lifecycle events that only move status.
type StatusChangedData struct {
	PrescriptionID string    `json:"prescription_id"`
	From           Status    `json:"from"`
	To             Status    `json:"to"`
	Reason         string    `json:"reason,omitempty"`
	DeliveryRef    string    `json:"delivery_ref,omitempty"`
	At             time.Time `json:"at"`
}
