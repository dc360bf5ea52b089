package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies a resilience event.
type EventType string

const (
	EventTargetFailover          EventType = "target_failover"
	EventTargetRecovered         EventType = "target_recovered"
	EventCircuitStateChange      EventType = "circuit_state_change"
	EventPoolExhausted           EventType = "pool_exhausted"
	EventConnectionLeaked        EventType = "connection_leaked"
	EventCounterStoreUnavailable EventType = "counter_store_unavailable"
)

// Severity of an event as seen by the alerting sink.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// ResilienceEvent is the shape consumed by the alerting sink.
type ResilienceEvent struct {
	ID            string         `json:"id"`
	Type          EventType      `json:"type"`
	Severity      Severity       `json:"severity"`
	Target        string         `json:"target,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	TraceID       string         `json:"trace_id,omitempty"`
	SpanID        string         `json:"span_id,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// EventEmitter emits resilience events.
type EventEmitter interface {
	Emit(event ResilienceEvent)
}

// EmitterFunc adapts a function to EventEmitter.
type EmitterFunc func(event ResilienceEvent)

// Emit calls f.
func (f EmitterFunc) Emit(event ResilienceEvent) { f(event) }

// EmitEvent safely emits a resilience event, handling nil emitter.
func EmitEvent(emitter EventEmitter, event ResilienceEvent) {
	if emitter == nil {
		return
	}
	emitter.Emit(event)
}

// GenerateEventID returns a time-ordered UUID v7, falling back to v4.
func GenerateEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// SeverityFor returns the default severity of an event type.
func SeverityFor(t EventType) Severity {
	switch t {
	case EventTargetFailover, EventPoolExhausted:
		return SeverityCritical
	case EventConnectionLeaked, EventCounterStoreUnavailable:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}
