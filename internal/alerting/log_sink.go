package alerting

import (
	"context"
	"log/slog"

	"github.com/auth-platform/platform/dbgate-service/internal/domain"
)

// LogSink writes alerts to the structured log.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a log sink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With("component", "alert")}
}

// Name implements Sink.
func (s *LogSink) Name() string { return "log" }

// Deliver implements Sink.
func (s *LogSink) Deliver(ctx context.Context, e domain.ResilienceEvent) error {
	level := slog.LevelInfo
	switch e.Severity {
	case domain.SeverityCritical:
		level = slog.LevelError
	case domain.SeverityWarning:
		level = slog.LevelWarn
	}

	s.logger.LogAttrs(ctx, level, "resilience alert",
		slog.String("event_id", e.ID),
		slog.String("event_type", string(e.Type)),
		slog.String("severity", string(e.Severity)),
		slog.String("target", e.Target),
		slog.Time("timestamp", e.Timestamp),
		slog.String("correlation_id", e.CorrelationID),
		slog.String("trace_id", e.TraceID),
		slog.Any("metadata", e.Metadata),
	)
	return nil
}

// Close implements Sink.
func (s *LogSink) Close() error { return nil }
