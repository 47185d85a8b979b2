package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ConsumerConfig holds configuration for the consumer
type ConsumerConfig struct {
	Brokers        []string
	GroupID        string
	Topics         []string
	SessionTimeout time.Duration
	// MaxPollRecords bounds the records handed to one BatchHandler call
	MaxPollRecords int
	// StartOffset is "earliest" or "latest" for groups without commits
	StartOffset string
}

// DefaultConsumerConfig returns defaults for the delivery-event consumer
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:        []string{"localhost:9092"},
		GroupID:        "rxfill-lifecycle",
		Topics:         []string{TopicDeliveryEvents},
		SessionTimeout: 30 * time.Second,
		MaxPollRecords: 500,
		StartOffset:    "earliest",
	}
}

// ConsumedMessage is one consumed record. Ctx carries the producer's trace.
type ConsumedMessage struct {
	Ctx       context.Context
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// ID identifies the record within the cluster.
func (m *ConsumedMessage) ID() string {
	return fmt.Sprintf("%s/%d/%d", m.Topic, m.Partition, m.Offset)
}

// BatchHandler processes one poll's worth of records. Offsets are committed
// only when it returns nil; otherwise the batch is redelivered after the next
// rebalance or restart.
type BatchHandler func(ctx context.Context, msgs []*ConsumedMessage) error

// Consumer polls a consumer group and hands records to a BatchHandler
type Consumer struct {
	client  *kgo.Client
	config  ConsumerConfig
	logger  *zap.Logger
	tracer  trace.Tracer
	handler BatchHandler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	messagesRead  int64
	batchesFailed int64
}

// NewConsumer creates a consumer that commits only handled records
func NewConsumer(cfg ConsumerConfig, handler BatchHandler, logger *zap.Logger) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		return nil, errors.New("batch handler is required")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.SessionTimeout(cfg.SessionTimeout),
		// only records marked after a successful batch are ever committed
		kgo.AutoCommitMarks(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, cl *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
			if err := cl.CommitMarkedOffsets(ctx); err != nil {
				logger.Warn("commit on revoke failed", zap.Error(err))
			}
		}),
	}
	if cfg.StartOffset == "latest" {
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	} else {
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		client:  client,
		config:  cfg,
		logger:  logger,
		tracer:  otel.Tracer("redpanda-consumer"),
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start begins consuming
func (c *Consumer) Start() {
	c.wg.Add(1)
	go c.consumeLoop()
	c.logger.Info("consumer started",
		zap.String("group", c.config.GroupID),
		zap.Strings("topics", c.config.Topics))
}

// Stop waits for the in-flight batch, commits and closes the client
func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.client.CommitMarkedOffsets(ctx); err != nil {
		c.logger.Warn("error committing offsets on stop", zap.Error(err))
	}
	c.client.Close()
	return nil
}

func (c *Consumer) consumeLoop() {
	defer c.wg.Done()

	for c.ctx.Err() == nil {
		fetches := c.client.PollRecords(c.ctx, c.config.MaxPollRecords)
		if fetches.IsClientClosed() || c.ctx.Err() != nil {
			return
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error("fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
		})

		records := fetches.Records()
		if len(records) == 0 {
			continue
		}
		c.processBatch(records)
	}
}

func (c *Consumer) processBatch(records []*kgo.Record) {
	ctx, span := c.tracer.Start(c.ctx, "consume_batch",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.Int("records", len(records))))
	defer span.End()

	msgs := make([]*ConsumedMessage, len(records))
	for i, r := range records {
		msgs[i] = toMessage(ctx, r)
	}

	if err := c.handler(ctx, msgs); err != nil {
		atomic.AddInt64(&c.batchesFailed, 1)
		span.RecordError(err)
		c.logger.Error("batch handler failed; offsets not committed",
			zap.Int("records", len(records)),
			zap.Error(err))
		return
	}
	atomic.AddInt64(&c.messagesRead, int64(len(records)))

	c.client.MarkCommitRecords(records...)
	if err := c.client.CommitMarkedOffsets(ctx); err != nil {
		span.RecordError(err)
		c.logger.Error("failed to commit offsets", zap.Error(err))
	}
}

// toMessage converts a record, continuing the trace found in its headers.
func toMessage(ctx context.Context, r *kgo.Record) *ConsumedMessage {
	msg := &ConsumedMessage{
		Ctx:       otel.GetTextMapPropagator().Extract(ctx, HeaderCarrier{Record: r}),
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Key:       r.Key,
		Value:     r.Value,
		Headers:   make(map[string]string, len(r.Headers)),
		Timestamp: r.Timestamp,
	}
	for _, h := range r.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}
	return msg
}

// ConsumerStats holds consumer counters
type ConsumerStats struct {
	MessagesRead  int64
	BatchesFailed int64
}

// Stats returns current consumer statistics
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		MessagesRead:  atomic.LoadInt64(&c.messagesRead),
		BatchesFailed: atomic.LoadInt64(&c.batchesFailed),
	}
}
