// Package circuitbreaker implements the per-target circuit breaker on top of sony/gobreaker.
package circuitbreaker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/auth-platform/platform/dbgate-service/internal/domain"
	"github.com/auth-platform/platform/dbgate-service/internal/infra/metrics"
	"github.com/sony/gobreaker"
)

// Breaker tracks one target. Failure samples come from probes; it opens after
// FailureThreshold consecutive failures, admits one trial after CoolDown, and
// closes again when the trial succeeds.
type Breaker struct {
	target  string
	cb      *gobreaker.TwoStepCircuitBreaker
	events  *domain.EventBuilder
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// Config holds circuit breaker creation options.
type Config struct {
	Target       string
	Config       domain.CircuitBreakerConfig
	EventBuilder *domain.EventBuilder
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
	// OnStateChange is called after the transition event is emitted. It runs while
	// the breaker holds its lock and must not call back into the breaker.
	OnStateChange func(target string, from, to domain.CircuitState)
}

// New creates a new circuit breaker.
func New(cfg Config) *Breaker {
	threshold := cfg.Config.FailureThreshold
	if threshold < 1 {
		threshold = domain.DefaultCircuitBreakerConfig().FailureThreshold
	}
	coolDown := cfg.Config.CoolDown
	if coolDown <= 0 {
		coolDown = domain.DefaultCircuitBreakerConfig().CoolDown
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	b := &Breaker{
		target:  cfg.Target,
		events:  cfg.EventBuilder,
		metrics: cfg.Metrics,
		logger:  logger.With("component", "circuitbreaker", "target", cfg.Target),
	}

	b.cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Target,
		MaxRequests: 1,
		Timeout:     coolDown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			prev, next := fromGobreaker(from), fromGobreaker(to)
			b.transitioned(prev, next)
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(b.target, prev, next)
			}
		},
	})
	b.metrics.SetCircuitState(cfg.Target, domain.StateClosed)
	return b
}

// Target returns the target id.
func (b *Breaker) Target() string { return b.target }

// Allow asks for permission to run one sample. The caller must invoke done exactly once
// with the sample outcome. While OPEN, or while the HALF_OPEN trial is in flight, Allow
// returns a TargetUnhealthy error.
func (b *Breaker) Allow() (done func(success bool), err error) {
	done, err = b.cb.Allow()
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, domain.NewTargetUnhealthyError(b.target)
		}
		return nil, err
	}
	return done, nil
}

// Execute runs fn as one sample. A non-nil error counts as a failure.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	done, err := b.Allow()
	if err != nil {
		return err
	}
	err = fn(ctx)
	done(err == nil)
	return err
}

// State returns the current circuit state. An OPEN breaker whose cool-down has
// elapsed reports HALF_OPEN.
func (b *Breaker) State() domain.CircuitState {
	return fromGobreaker(b.cb.State())
}

// ConsecutiveFailures returns the current failure streak.
func (b *Breaker) ConsecutiveFailures() int {
	return int(b.cb.Counts().ConsecutiveFailures)
}

// transitioned emits the alert for a transition. It runs under the breaker lock.
func (b *Breaker) transitioned(from, to domain.CircuitState) {
	b.metrics.RecordCircuitTransition(b.target, from, to)

	metadata := map[string]any{
		"previous_state": from.String(),
		"new_state":      to.String(),
	}

	switch {
	case to == domain.StateOpen && from == domain.StateClosed:
		b.logger.Warn("circuit opened, target failed over")
		b.events.Emit(domain.EventTargetFailover, b.target, metadata)
	case to == domain.StateClosed:
		b.logger.Info("circuit closed, target recovered")
		b.events.Emit(domain.EventTargetRecovered, b.target, metadata)
	default:
		b.logger.Info("circuit state changed", "from", from.String(), "to", to.String())
		b.events.Emit(domain.EventCircuitStateChange, b.target, metadata)
	}
}

func fromGobreaker(s gobreaker.State) domain.CircuitState {
	switch s {
	case gobreaker.StateOpen:
		return domain.StateOpen
	case gobreaker.StateHalfOpen:
		return domain.StateHalfOpen
	default:
		return domain.StateClosed
	}
}
