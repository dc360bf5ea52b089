package testutil

import (
	"io"
	"log/slog"
	"testing"

	"github.com/leanovate/gopter"
)

// DefaultTestParameters returns standard gopter parameters for property tests.
func DefaultTestParameters() *gopter.TestParameters {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 100
	params.MaxSize = 100
	return params
}

// RunPropertyTest runs a property test with standard parameters.
func RunPropertyTest(t *testing.T, name string, prop gopter.Prop) {
	t.Helper()
	props := gopter.NewProperties(DefaultTestParameters())
	props.Property(name, prop)
	props.TestingRun(t)
}

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
