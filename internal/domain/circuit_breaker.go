package domain

import (
	"fmt"
	"time"
)

// CircuitState represents the circuit breaker state of one target.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the state by name.
func (s CircuitState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *CircuitState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "CLOSED":
		*s = StateClosed
	case "OPEN":
		*s = StateOpen
	case "HALF_OPEN":
		*s = StateHalfOpen
	default:
		return fmt.Errorf("unknown circuit state %q", string(b))
	}
	return nil
}

// CircuitBreakerConfig defines circuit breaker behavior.
type CircuitBreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold" yaml:"failureThreshold"`
	CoolDown         time.Duration `json:"cool_down" yaml:"coolDown"`
}

// DefaultCircuitBreakerConfig returns the conservative defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 3,
		CoolDown:         30 * time.Second,
	}
}

// CircuitStateChangeEvent represents a circuit state change.
type CircuitStateChangeEvent struct {
	Target        string       `json:"target"`
	PreviousState CircuitState `json:"previous_state"`
	NewState      CircuitState `json:"new_state"`
	Timestamp     time.Time    `json:"timestamp"`
}
