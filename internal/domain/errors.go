// Package domain defines core interfaces and types for the database access layer.
package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode represents the type of resilience error.
type ErrorCode string

const (
	ErrAdmissionDenied         ErrorCode = "ADMISSION_DENIED"
	ErrCounterStoreUnavailable ErrorCode = "COUNTER_STORE_UNAVAILABLE"
	ErrPoolExhausted           ErrorCode = "POOL_EXHAUSTED"
	ErrTargetUnhealthy         ErrorCode = "TARGET_UNHEALTHY"
	ErrProbeTimeout            ErrorCode = "PROBE_TIMEOUT"
	ErrUnknownTarget           ErrorCode = "UNKNOWN_TARGET"
	ErrPoolClosed              ErrorCode = "POOL_CLOSED"
)

// ResilienceError represents errors from admission, pooling and routing.
type ResilienceError struct {
	Code       ErrorCode
	Message    string
	Target     string
	RetryAfter time.Duration
	Metadata   map[string]any
	Cause      error
}

func (e *ResilienceError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Target, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ResilienceError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the caller may retry the operation later.
func (e *ResilienceError) Retryable() bool {
	switch e.Code {
	case ErrAdmissionDenied, ErrPoolExhausted, ErrTargetUnhealthy:
		return true
	default:
		return false
	}
}

// NewAdmissionDeniedError creates a rate limit exceeded error.
func NewAdmissionDeniedError(identity string, retryAfter time.Duration) *ResilienceError {
	return &ResilienceError{
		Code:       ErrAdmissionDenied,
		Message:    "rate limit exceeded",
		Target:     identity,
		RetryAfter: retryAfter,
	}
}

// NewCounterStoreError wraps a failure talking to the shared counter store.
func NewCounterStoreError(op string, cause error) *ResilienceError {
	return &ResilienceError{
		Code:    ErrCounterStoreUnavailable,
		Message: fmt.Sprintf("counter store %s failed", op),
		Cause:   cause,
	}
}

// NewPoolExhaustedError creates a pool exhausted error.
func NewPoolExhaustedError(target string, waited time.Duration) *ResilienceError {
	return &ResilienceError{
		Code:    ErrPoolExhausted,
		Message: "no connection available",
		Target:  target,
		Metadata: map[string]any{
			"waited": waited,
		},
	}
}

// NewTargetUnhealthyError creates an error for a target whose circuit is open.
func NewTargetUnhealthyError(target string) *ResilienceError {
	return &ResilienceError{
		Code:    ErrTargetUnhealthy,
		Message: "circuit breaker is open",
		Target:  target,
	}
}

// NewProbeTimeoutError creates a probe timeout error.
func NewProbeTimeoutError(target string, timeout time.Duration, cause error) *ResilienceError {
	return &ResilienceError{
		Code:    ErrProbeTimeout,
		Message: fmt.Sprintf("probe timed out after %v", timeout),
		Target:  target,
		Cause:   cause,
	}
}

// NewUnknownTargetError is returned for targets that are not configured.
func NewUnknownTargetError(target string) *ResilienceError {
	return &ResilienceError{
		Code:    ErrUnknownTarget,
		Message: "target is not configured",
		Target:  target,
	}
}

// NewPoolClosedError is returned by a pool after shutdown.
func NewPoolClosedError(target string) *ResilienceError {
	return &ResilienceError{
		Code:    ErrPoolClosed,
		Message: "pool is closed",
		Target:  target,
	}
}

// HasCode reports whether err wraps a ResilienceError with the given code.
func HasCode(err error, code ErrorCode) bool {
	var re *ResilienceError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// IsPoolExhausted reports whether err is a pool exhausted error.
func IsPoolExhausted(err error) bool { return HasCode(err, ErrPoolExhausted) }

// IsTargetUnhealthy reports whether err is a target unhealthy error.
func IsTargetUnhealthy(err error) bool { return HasCode(err, ErrTargetUnhealthy) }
