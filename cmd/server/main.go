// Package main is the entry point for the database access gateway.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/auth-platform/platform/dbgate-service/internal/config"
	"github.com/auth-platform/platform/dbgate-service/internal/grpc"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		// Configuration
		configOptions(cfg),

		// Logging
		fx.Provide(NewLogger),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger}
		}),

		// Observability
		fx.Provide(
			NewTracing,
			NewTracer,
			NewMetrics,
		),

		// Alerting
		fx.Provide(
			NewAlertSink,
			NewDispatcher,
			NewEventBuilder,
		),

		// Infrastructure
		fx.Provide(
			NewTopology,
			NewCounterStore,
			NewCluster,
		),

		// Core components
		fx.Provide(
			NewLimiter,
			NewAdmitter,
			NewPoolManager,
			NewMonitor,
			NewRouter,
		),

		// Presentation layer
		fx.Provide(
			NewHealthServer,
			NewGRPCServer,
			NewHTTPServer,
		),

		// Lifecycle management, stopped in reverse order
		fx.Invoke(RegisterLifecycle),
		fx.Invoke(StartTopologyWatcher),
		fx.Invoke(grpc.RegisterWithFx),
		fx.Invoke(RegisterHTTPServer),
	)

	app.Run()
}

// configOptions supplies the loaded configuration and bounds how long OnStop hooks may run.
func configOptions(cfg *config.Config) fx.Option {
	opts := []fx.Option{fx.Supply(cfg)}
	if cfg.Server.ShutdownTimeout > 0 {
		opts = append(opts, fx.StopTimeout(cfg.Server.ShutdownTimeout))
	}
	return fx.Options(opts...)
}

// NewLogger creates a structured logger based on configuration.
func NewLogger(cfg *config.Config) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Logging.Level),
	}

	switch cfg.Logging.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler).With("service", cfg.OpenTelemetry.ServiceName)
}

// parseLogLevel converts string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
