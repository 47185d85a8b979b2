package fulfillment

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxfill/internal/domain/prescription"
)

// Delivery event types published by the delivery subsystem.
const (
	DeliveryCreated   = "delivery.created"
	DeliveryCompleted = "delivery.completed"
)

// DeliveryEvent is a message on the delivery topic.
type DeliveryEvent struct {
	EventID        string    `json:"event_id"`
	Type           string    `json:"type"`
	PrescriptionID string    `json:"prescription_id"`
	DeliveryID     string    `json:"delivery_id"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// Validate checks the fields every delivery event must carry.
func (e DeliveryEvent) Validate() error {
	if e.PrescriptionID == "" {
		return fmt.Errorf("%w: delivery event without prescription_id", prescription.ErrValidation)
	}
	switch e.Type {
	case DeliveryCreated, DeliveryCompleted:
		return nil
	default:
		return fmt.Errorf("%w: unknown delivery event type %q", prescription.ErrValidation, e.Type)
	}
}

// HandleDeliveryEvent applies a delivery subsystem event. An event whose
// target status has already been reached is acknowledged without change so
// redelivery is harmless.
func (s *Service) HandleDeliveryEvent(ctx context.Context, e DeliveryEvent) error {
	if err := e.Validate(); err != nil {
		return err
	}

	agg, err := s.load(ctx, e.PrescriptionID)
	if err != nil {
		return err
	}

	target := prescription.StatusReadyForDelivery
	if e.Type == DeliveryCompleted {
		target = prescription.StatusDelivered
	}
	if agg.Status() == target {
		s.logger.Debug("delivery event already applied",
			zap.String("prescription_id", e.PrescriptionID),
			zap.String("type", e.Type))
		return nil
	}

	actor := "delivery:" + e.DeliveryID
	switch e.Type {
	case DeliveryCreated:
		_, err = s.MarkReadyForDelivery(ctx, e.PrescriptionID, e.DeliveryID, actor)
	case DeliveryCompleted:
		_, err = s.MarkDelivered(ctx, e.PrescriptionID, e.DeliveryID, actor)
	}
	return err
}
