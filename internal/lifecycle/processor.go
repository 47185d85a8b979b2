// Package lifecycle applies delivery-subsystem events to prescriptions. Each
// consumed batch is fanned out over a worker pool keyed by prescription, so
// events for one prescription apply in order while distinct prescriptions
// proceed in parallel.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxfill/internal/domain/prescription"
	"github.com/drfirst/go-rxfill/internal/fulfillment"
	"github.com/drfirst/go-rxfill/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxfill/internal/observability/metrics"
	"github.com/drfirst/go-rxfill/pkg/idempotency"
	"github.com/drfirst/go-rxfill/pkg/workerpool"
)

// DeliveryHandler applies one delivery event.
type DeliveryHandler interface {
	HandleDeliveryEvent(ctx context.Context, e fulfillment.DeliveryEvent) error
}

// Publisher sends poison messages to the dead-letter topic.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Permanent reports whether a delivery event can never be applied: malformed,
// unknown prescription, a transition the lifecycle forbids, or an event ID
// already seen with a different body.
func Permanent(err error) bool {
	return errors.Is(err, prescription.ErrValidation) ||
		errors.Is(err, prescription.ErrNotFound) ||
		errors.Is(err, prescription.ErrInvalidState) ||
		errors.Is(err, idempotency.ErrPreviouslyFailed) ||
		errors.Is(err, idempotency.ErrPayloadMismatch)
}

// Processor handles batches from the delivery-events consumer.
type Processor struct {
	handler         DeliveryHandler
	inbox           *idempotency.Inbox
	pool            *workerpool.Pool
	deadLetter      Publisher
	deadLetterTopic string
	metrics         *metrics.Metrics
	logger          *zap.Logger
}

type job struct {
	msg  *redpanda.ConsumedMessage
	done func(error)
}

// NewProcessor creates a processor. deadLetter may be nil, in which case
// poison messages are logged and dropped.
func NewProcessor(handler DeliveryHandler, inbox *idempotency.Inbox, poolCfg workerpool.Config, deadLetter Publisher, m *metrics.Metrics, logger *zap.Logger) (*Processor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Processor{
		handler:         handler,
		inbox:           inbox,
		deadLetter:      deadLetter,
		deadLetterTopic: redpanda.TopicDeadLetter,
		metrics:         m,
		logger:          logger,
	}

	poolCfg.Permanent = Permanent
	poolCfg.OnDone = func(task *workerpool.Task, err error) {
		task.Payload.(*job).done(err)
	}
	pool, err := workerpool.New(poolCfg, p.process, logger)
	if err != nil {
		return nil, err
	}
	p.pool = pool
	return p, nil
}

// Start launches the workers.
func (p *Processor) Start() { p.pool.Start() }

// Stop drains the workers.
func (p *Processor) Stop() error { return p.pool.Stop() }

// HandleBatch is a redpanda.BatchHandler. It returns an error, leaving the
// batch uncommitted, only when some event failed for a reason that may clear
// up on redelivery; permanent failures are dead-lettered.
func (p *Processor) HandleBatch(ctx context.Context, msgs []*redpanda.ConsumedMessage) error {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		retryErr error
	)

	for _, msg := range msgs {
		msg := msg
		wg.Add(1)
		j := &job{msg: msg, done: func(err error) {
			defer wg.Done()
			if err == nil || errors.Is(err, idempotency.ErrPreviouslyFailed) {
				// previously failed events were dead-lettered the first time
				return
			}
			if Permanent(err) {
				p.deadLetterMessage(ctx, msg, err)
				return
			}
			mu.Lock()
			if retryErr == nil {
				retryErr = fmt.Errorf("delivery event %s: %w", msg.ID(), err)
			}
			mu.Unlock()
		}}

		taskCtx := msg.Ctx
		if taskCtx == nil {
			taskCtx = ctx
		}
		if err := p.pool.Submit(&workerpool.Task{ID: msg.ID(), Key: string(msg.Key), Payload: j, Context: taskCtx}); err != nil {
			j.done(err)
		}
	}

	wg.Wait()
	return retryErr
}

// process applies one message at most once, keyed by its event ID.
func (p *Processor) process(ctx context.Context, task *workerpool.Task) error {
	msg := task.Payload.(*job).msg

	var event fulfillment.DeliveryEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		p.metrics.DeliveryEvent("unknown", "malformed")
		return fmt.Errorf("%w: decode delivery event: %v", prescription.ErrValidation, err)
	}
	if event.PrescriptionID == "" && len(msg.Key) > 0 {
		event.PrescriptionID = string(msg.Key)
	}

	id := event.EventID
	if id == "" {
		id = msg.ID()
	}
	_, err := p.inbox.Process(ctx, idempotency.Key("delivery", id), "delivery", msg.Value,
		func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			if err := p.handler.HandleDeliveryEvent(ctx, event); err != nil {
				return nil, err
			}
			return json.RawMessage(`{"applied":true}`), nil
		})

	outcome := "applied"
	switch {
	case err == nil:
	case Permanent(err):
		outcome = "rejected"
	default:
		outcome = "failed"
	}
	p.metrics.DeliveryEvent(event.Type, outcome)

	if err != nil {
		p.logger.Warn("delivery event not applied",
			zap.String("message", msg.ID()),
			zap.String("prescription_id", event.PrescriptionID),
			zap.String("type", event.Type),
			zap.Error(err))
	}
	return err
}

func (p *Processor) deadLetterMessage(ctx context.Context, msg *redpanda.ConsumedMessage, cause error) {
	if p.deadLetter == nil {
		p.logger.Error("dropping poison delivery event", zap.String("message", msg.ID()), zap.Error(cause))
		return
	}
	payload, err := json.Marshal(map[string]any{
		"original_topic": msg.Topic,
		"partition":      msg.Partition,
		"offset":         msg.Offset,
		"error":          cause.Error(),
		"payload":        string(msg.Value),
	})
	if err == nil {
		err = p.deadLetter.Publish(ctx, p.deadLetterTopic, string(msg.Key), payload)
	}
	if err != nil {
		p.logger.Error("failed to dead-letter delivery event", zap.String("message", msg.ID()), zap.Error(err))
	}
}
