package redpanda

import (
	"context"
	"testing"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestHeaderCarrier_TracePropagation(t *testing.T) {
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	prop := propagation.TraceContext{}
	record := &kgo.Record{Headers: []kgo.RecordHeader{{Key: "source", Value: []byte("outbox")}}}
	prop.Inject(ctx, HeaderCarrier{Record: record})

	if got := (HeaderCarrier{Record: record}).Get("traceparent"); got != "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01" {
		t.Fatalf("unexpected traceparent %q", got)
	}

	// injecting again replaces rather than duplicates
	prop.Inject(ctx, HeaderCarrier{Record: record})
	if n := len(record.Headers); n != 2 {
		t.Errorf("expected 2 headers, got %d", n)
	}

	extracted := trace.SpanContextFromContext(prop.Extract(context.Background(), HeaderCarrier{Record: record}))
	if extracted.TraceID() != traceID || !extracted.IsRemote() {
		t.Errorf("trace not continued: %+v", extracted)
	}
}

func TestToMessage(t *testing.T) {
	r := &kgo.Record{
		Topic: TopicDeliveryEvents, Partition: 2, Offset: 41,
		Key: []byte("rx-1"), Value: []byte(`{}`),
		Headers: []kgo.RecordHeader{{Key: "content-type", Value: []byte("application/json")}},
	}
	msg := toMessage(context.Background(), r)
	if msg.ID() != "delivery.events/2/41" {
		t.Errorf("unexpected id %s", msg.ID())
	}
	if msg.Headers["content-type"] != "application/json" || string(msg.Key) != "rx-1" {
		t.Errorf("unexpected message %+v", msg)
	}
	if msg.Ctx == nil {
		t.Error("expected a context on the message")
	}
}

func TestDefaultTopicConfigs(t *testing.T) {
	names := map[string]bool{}
	for _, c := range DefaultTopicConfigs() {
		names[c.Name] = true
		if c.Partitions <= 0 {
			t.Errorf("%s: partitions must be positive", c.Name)
		}
	}
	for _, want := range []string{TopicPrescriptionEvents, TopicDeliveryEvents, TopicDeadLetter} {
		if !names[want] {
			t.Errorf("missing topic %s", want)
		}
	}
}
