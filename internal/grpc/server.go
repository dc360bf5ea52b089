package grpc

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// ServerConfig holds gRPC listener settings.
type ServerConfig struct {
	Host       string
	Port       int
	Reflection bool
}

// Server is the gRPC server exposing the health service.
type Server struct {
	server   *grpc.Server
	listener net.Listener
	logger   *slog.Logger
}

// NewServer listens on the configured address and registers the health service.
func NewServer(cfg ServerConfig, logger *slog.Logger, tracer trace.Tracer, health *HealthServer) (*Server, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return newServer(listener, cfg, logger, tracer, health), nil
}

func newServer(listener net.Listener, cfg ServerConfig, logger *slog.Logger, tracer trace.Tracer, health *HealthServer) *Server {
	logger = logger.With("component", "grpc")

	server := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			RecoveryUnaryInterceptor(logger),
			TracingUnaryInterceptor(tracer),
			LoggingUnaryInterceptor(logger),
		),
		grpc.ChainStreamInterceptor(
			RecoveryStreamInterceptor(logger),
			TracingStreamInterceptor(tracer),
		),
	)
	grpc_health_v1.RegisterHealthServer(server, health)

	if cfg.Reflection {
		reflection.Register(server)
		logger.Info("gRPC reflection enabled")
	}

	return &Server{server: server, listener: listener, logger: logger}
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("starting gRPC server", slog.String("address", s.listener.Addr().String()))
	return s.server.Serve(s.listener)
}

// Stop gracefully stops the server, forcing it once ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping gRPC server")

	stopped := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		s.logger.Info("gRPC server stopped gracefully")
		return nil
	case <-ctx.Done():
		s.logger.Warn("gRPC server graceful stop timeout, forcing stop")
		s.server.Stop()
		return ctx.Err()
	}
}

// RegisterWithFx registers the server with fx lifecycle.
func RegisterWithFx(lc fx.Lifecycle, server *Server) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := server.Start(); err != nil {
					server.logger.Error("gRPC server error", slog.String("error", err.Error()))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return server.Stop(ctx)
		},
	})
}

// RecoveryUnaryInterceptor turns handler panics into Internal errors.
func RecoveryUnaryInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if p := recover(); p != nil {
				logger.ErrorContext(ctx, "gRPC panic recovered", slog.Any("panic", p), slog.String("method", info.FullMethod))
				err = status.Errorf(grpccodes.Internal, "internal server error")
			}
		}()
		return handler(ctx, req)
	}
}

// RecoveryStreamInterceptor turns stream handler panics into Internal errors.
func RecoveryStreamInterceptor(logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		defer func() {
			if p := recover(); p != nil {
				logger.Error("gRPC panic recovered", slog.Any("panic", p), slog.String("method", info.FullMethod))
				err = status.Errorf(grpccodes.Internal, "internal server error")
			}
		}()
		return handler(srv, ss)
	}
}

// LoggingUnaryInterceptor logs each unary call at debug level.
func LoggingUnaryInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.DebugContext(ctx, "gRPC unary call completed",
			slog.String("method", info.FullMethod),
			slog.Duration("duration", time.Since(start)),
			slog.String("code", status.Code(err).String()))
		return resp, err
	}
}

// TracingUnaryInterceptor adds distributed tracing to unary RPCs.
func TracingUnaryInterceptor(tracer trace.Tracer) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, span := tracer.Start(ctx, info.FullMethod)
		defer span.End()

		resp, err := handler(ctx, req)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return resp, err
	}
}

// TracingStreamInterceptor adds distributed tracing to streaming RPCs.
func TracingStreamInterceptor(tracer trace.Tracer) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, span := tracer.Start(ss.Context(), info.FullMethod)
		defer span.End()

		err := handler(srv, &tracedServerStream{ServerStream: ss, ctx: ctx})
		if err != nil {
			span.RecordError(err)
		}
		return err
	}
}

// tracedServerStream wraps grpc.ServerStream to provide traced context.
type tracedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *tracedServerStream) Context() context.Context {
	return s.ctx
}
