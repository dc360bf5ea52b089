package domain

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// EventBuilder constructs resilience events with automatic field population.
type EventBuilder struct {
	emitter       EventEmitter
	correlationFn func() string
	now           func() time.Time
}

// NewEventBuilder creates a new EventBuilder.
func NewEventBuilder(emitter EventEmitter, correlationFn func() string) *EventBuilder {
	return &EventBuilder{
		emitter:       emitter,
		correlationFn: NewCorrelationFn(correlationFn),
		now:           time.Now,
	}
}

// Build creates a ResilienceEvent with automatic ID, Timestamp and Severity.
func (b *EventBuilder) Build(eventType EventType, target string, metadata map[string]any) ResilienceEvent {
	return ResilienceEvent{
		ID:            GenerateEventID(),
		Type:          eventType,
		Severity:      SeverityFor(eventType),
		Target:        target,
		Timestamp:     b.now().UTC(),
		CorrelationID: b.correlationFn(),
		Metadata:      metadata,
	}
}

// BuildWithContext creates a ResilienceEvent with trace context propagation.
func (b *EventBuilder) BuildWithContext(ctx context.Context, eventType EventType, target string, metadata map[string]any) ResilienceEvent {
	event := b.Build(eventType, target, metadata)

	spanCtx := trace.SpanContextFromContext(ctx)
	if spanCtx.IsValid() {
		event.TraceID = spanCtx.TraceID().String()
		event.SpanID = spanCtx.SpanID().String()
	}

	return event
}

// Emit builds and emits an event. Safe to call with nil builder or emitter.
func (b *EventBuilder) Emit(eventType EventType, target string, metadata map[string]any) {
	if b == nil || b.emitter == nil {
		return
	}
	b.emitter.Emit(b.Build(eventType, target, metadata))
}

// EmitWithContext builds and emits an event with trace context. Safe to call with nil emitter.
func (b *EventBuilder) EmitWithContext(ctx context.Context, eventType EventType, target string, metadata map[string]any) {
	if b == nil || b.emitter == nil {
		return
	}
	b.emitter.Emit(b.BuildWithContext(ctx, eventType, target, metadata))
}

// NewCorrelationFn returns fn, or a function returning "" when fn is nil.
func NewCorrelationFn(fn func() string) func() string {
	if fn == nil {
		return func() string { return "" }
	}
	return fn
}
