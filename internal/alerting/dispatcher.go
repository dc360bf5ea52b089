// Package alerting delivers resilience events to an external sink.
package alerting

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/auth-platform/platform/dbgate-service/internal/domain"
	"github.com/auth-platform/platform/dbgate-service/internal/infra/metrics"
)

// Sink delivers one event. Implementations need not be safe for concurrent use;
// the dispatcher calls Deliver from a single goroutine.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, event domain.ResilienceEvent) error
	Close() error
}

// EncodeEvent encodes an event as JSON.
func EncodeEvent(event domain.ResilienceEvent) ([]byte, error) {
	return json.Marshal(event)
}

// DispatcherConfig holds dispatcher creation options.
type DispatcherConfig struct {
	Sink            Sink
	BufferSize      int
	DeliveryTimeout time.Duration
	Logger          *slog.Logger
	Metrics         *metrics.Metrics
}

// Dispatcher is an EventEmitter that hands events to a sink on a background goroutine.
// Emit never blocks; when the buffer is full the event is dropped and counted.
type Dispatcher struct {
	sink    Sink
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics

	eventCh chan domain.ResilienceEvent
	done    chan struct{}
	mu      sync.RWMutex
	closed  bool
}

var _ domain.EventEmitter = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher and starts its delivery goroutine.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 5 * time.Second
	}
	sink := cfg.Sink
	if sink == nil {
		sink = NewLogSink(logger)
	}

	d := &Dispatcher{
		sink:    sink,
		timeout: cfg.DeliveryTimeout,
		logger:  logger.With("component", "alerting", "sink", sink.Name()),
		metrics: cfg.Metrics,
		eventCh: make(chan domain.ResilienceEvent, cfg.BufferSize),
		done:    make(chan struct{}),
	}
	go d.dispatch()
	return d
}

// Emit queues event for delivery.
func (d *Dispatcher) Emit(event domain.ResilienceEvent) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.metrics.RecordAlert(event.Type, false)
		return
	}

	select {
	case d.eventCh <- event:
	default:
		d.logger.Warn("alert buffer full, dropping event",
			slog.String("event_id", event.ID),
			slog.String("event_type", string(event.Type)),
			slog.String("target", event.Target))
		d.metrics.RecordAlert(event.Type, false)
	}
}

func (d *Dispatcher) dispatch() {
	defer close(d.done)
	for event := range d.eventCh {
		d.deliver(event)
	}
}

func (d *Dispatcher) deliver(event domain.ResilienceEvent) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("alert sink panicked", slog.Any("panic", r), slog.String("event_id", event.ID))
			d.metrics.RecordAlert(event.Type, false)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if err := d.sink.Deliver(ctx, event); err != nil {
		d.logger.Error("alert delivery failed",
			slog.String("event_id", event.ID),
			slog.String("event_type", string(event.Type)),
			slog.Any("error", err))
		d.metrics.RecordAlert(event.Type, false)
		return
	}
	d.metrics.RecordAlert(event.Type, true)
}

// Close stops accepting events, delivers what is queued and closes the sink.
// It returns early with ctx's error if the queue does not drain in time.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.eventCh)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return d.sink.Close()
}
