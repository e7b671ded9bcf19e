package events

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ariefcatur/interlink-stock/internal/clock"
	kafkax "github.com/ariefcatur/interlink-stock/internal/kafka"
	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/trace"
)

const (
	HeaderEventType    = "x-event-type"
	HeaderEventVersion = "x-event-version"
)

// Publisher emits domain events once the unit of work that produced them has
// committed.
type Publisher interface {
	Publish(ctx context.Context, topic, key, eventType string, payload any) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, string, string, string, any) error { return nil }

// Bus wraps payloads in a v1 Envelope and hands them to the kafka producer.
type Bus struct {
	Producer    *kafkax.Producer
	ServiceName string
	Clock       clock.Clock
}

func (b *Bus) Publish(ctx context.Context, topic, key, eventType string, payload any) error {
	env := Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    b.Clock.Now(),
		Producer:      b.ServiceName,
		TraceID:       traceID(ctx),
		CorrelationID: key,
		Payload:       kafkax.MustMarshal(payload),
	}
	err := b.Producer.Publish(ctx, topic, PartitionKey(key), kafkax.MustMarshal(env),
		kafkago.Header{Key: HeaderEventType, Value: []byte(eventType)},
		kafkago.Header{Key: HeaderEventVersion, Value: []byte(strconv.Itoa(env.EventVersion))},
	)
	if err != nil {
		return fmt.Errorf("publish %s: %w", eventType, err)
	}
	return nil
}

func traceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
