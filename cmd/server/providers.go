package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/auth-platform/platform/dbgate-service/internal/admission"
	"github.com/auth-platform/platform/dbgate-service/internal/alerting"
	"github.com/auth-platform/platform/dbgate-service/internal/config"
	"github.com/auth-platform/platform/dbgate-service/internal/domain"
	"github.com/auth-platform/platform/dbgate-service/internal/grpc"
	"github.com/auth-platform/platform/dbgate-service/internal/health"
	"github.com/auth-platform/platform/dbgate-service/internal/httpapi"
	"github.com/auth-platform/platform/dbgate-service/internal/infra/metrics"
	"github.com/auth-platform/platform/dbgate-service/internal/infra/otel"
	"github.com/auth-platform/platform/dbgate-service/internal/infra/postgres"
	"github.com/auth-platform/platform/dbgate-service/internal/infra/redis"
	"github.com/auth-platform/platform/dbgate-service/internal/pool"
	"github.com/auth-platform/platform/dbgate-service/internal/ratelimit"
	"github.com/auth-platform/platform/dbgate-service/internal/router"
	"github.com/auth-platform/platform/dbgate-service/internal/topology"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
)

// Provider functions for fx dependency injection. Components do not register their own
// hooks; RegisterLifecycle owns start and stop order.

// NewTracing creates the OpenTelemetry provider.
func NewTracing(cfg *config.Config, logger *slog.Logger) (*otel.Provider, error) {
	return otel.NewProvider(context.Background(), otel.Config{
		Enabled:        cfg.OpenTelemetry.Enabled,
		ServiceName:    cfg.OpenTelemetry.ServiceName,
		ServiceVersion: cfg.OpenTelemetry.ServiceVersion,
		Environment:    cfg.OpenTelemetry.Environment,
		Endpoint:       cfg.OpenTelemetry.Endpoint,
		Insecure:       cfg.OpenTelemetry.Insecure,
		SampleRatio:    cfg.OpenTelemetry.SampleRatio,
		Timeout:        cfg.OpenTelemetry.Timeout,
	}, logger)
}

// NewTracer returns the service tracer.
func NewTracer(p *otel.Provider) trace.Tracer {
	return p.Tracer()
}

// NewMetrics creates the Prometheus collectors on a dedicated registry.
func NewMetrics(cfg *config.Config) *metrics.Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return metrics.NewMetrics(cfg.Metrics.Namespace, reg)
}

// NewAlertSink selects the alert sink named by configuration.
func NewAlertSink(cfg *config.Config, logger *slog.Logger) (alerting.Sink, error) {
	switch cfg.Alerting.Sink {
	case "kafka":
		return alerting.NewKafkaSink(cfg.Alerting.KafkaBrokers, cfg.Alerting.KafkaTopic)
	case "rabbitmq":
		return alerting.NewRabbitMQSink(cfg.Alerting.RabbitMQURL, cfg.Alerting.RabbitMQExchange)
	default:
		return alerting.NewLogSink(logger), nil
	}
}

// NewDispatcher creates the asynchronous alert dispatcher.
func NewDispatcher(cfg *config.Config, sink alerting.Sink, logger *slog.Logger, m *metrics.Metrics) *alerting.Dispatcher {
	return alerting.NewDispatcher(alerting.DispatcherConfig{
		Sink:            sink,
		BufferSize:      cfg.Alerting.BufferSize,
		DeliveryTimeout: cfg.Alerting.DeliveryTimeout,
		Logger:          logger,
		Metrics:         m,
	})
}

// NewEventBuilder stamps events before they reach the dispatcher.
func NewEventBuilder(d *alerting.Dispatcher) *domain.EventBuilder {
	return domain.NewEventBuilder(d, nil)
}

// NewTopology resolves the primary and replicas from configuration.
func NewTopology(cfg *config.Config) (*topology.File, error) {
	return cfg.Topology()
}

// NewCounterStore creates the Redis counter store client.
func NewCounterStore(cfg *config.Config) (*redis.Client, error) {
	return redis.NewClient(redis.Config{
		Addresses:   cfg.CounterStore.Addresses,
		Password:    cfg.CounterStore.Password,
		DB:          cfg.CounterStore.DB,
		Prefix:      cfg.CounterStore.Prefix,
		PoolSize:    cfg.CounterStore.PoolSize,
		DialTimeout: cfg.CounterStore.DialTimeout,
		OpTimeout:   cfg.CounterStore.OpTimeout,
		TLSEnabled:  cfg.CounterStore.TLSEnabled,
		ClusterMode: cfg.CounterStore.ClusterMode,
	})
}

// NewCluster prepares database handles for every configured target.
func NewCluster(cfg *config.Config, topo *topology.File) (*postgres.Cluster, error) {
	return postgres.NewCluster(postgres.Config{
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Name,
		SSLMode:         cfg.Database.SSLMode,
		ConnectTimeout:  cfg.Database.ConnectTimeout,
		ApplicationName: cfg.Database.ApplicationName,
	}, allTargets(topo))
}

func allTargets(topo *topology.File) []domain.DatabaseTarget {
	out := []domain.DatabaseTarget{topo.PrimaryTarget()}
	for _, r := range topo.ReplicaInfos() {
		out = append(out, r.Target())
	}
	return out
}

// NewLimiter creates the rate limiter. An unreachable counter store at startup puts it
// into allow-all mode instead of failing startup.
func NewLimiter(cfg *config.Config, store *redis.Client, logger *slog.Logger, m *metrics.Metrics, events *domain.EventBuilder) *ratelimit.Limiter {
	return ratelimit.New(context.Background(), store, ratelimit.Config{
		PerUserLimit:   cfg.RateLimit.PerUserLimit,
		GlobalLimit:    cfg.RateLimit.GlobalLimit,
		Window:         cfg.RateLimit.Window(),
		StartupTimeout: cfg.CounterStore.StartupTimeout,
		Logger:         logger,
		Metrics:        m,
		Events:         events,
	})
}

// NewAdmitter wraps the limiter for request handlers.
func NewAdmitter(l *ratelimit.Limiter, logger *slog.Logger) *admission.Admitter {
	return admission.New(l, logger)
}

// NewPoolManager creates one pool per target.
func NewPoolManager(cfg *config.Config, topo *topology.File, cluster *postgres.Cluster, logger *slog.Logger, m *metrics.Metrics, events *domain.EventBuilder) *pool.Manager {
	return pool.NewManager(allTargets(topo), pool.ManagerConfig{
		MinConnections: cfg.Pool.MinConnections,
		MaxConnections: cfg.Pool.MaxConnections,
		IdleTimeout:    cfg.Pool.IdleTimeout(),
		MaxBorrow:      cfg.Pool.MaxBorrow(),
		ReapInterval:   cfg.Pool.ReapInterval,
		AlertCooldown:  cfg.Pool.AlertCooldown,
		Dialer:         cluster,
		Logger:         logger,
		Metrics:        m,
		Events:         events,
	})
}

// NewMonitor creates the health monitor over the cluster's probes.
func NewMonitor(cfg *config.Config, topo *topology.File, cluster *postgres.Cluster, logger *slog.Logger, m *metrics.Metrics, events *domain.EventBuilder) *health.Monitor {
	return health.NewMonitor(health.Config{
		Primary:       topo.PrimaryTarget(),
		Replicas:      topo.ReplicaInfos(),
		Interval:      cfg.Health.Interval(),
		ProbeTimeout:  cfg.Health.Timeout(),
		MaxReplicaLag: cfg.Health.MaxReplicaLag(),
		Breaker: domain.CircuitBreakerConfig{
			FailureThreshold: cfg.Health.FailureThreshold,
			CoolDown:         cfg.Health.CoolDown,
		},
		Prober:  cluster,
		Logger:  logger,
		Metrics: m,
		Events:  events,
	})
}

// NewRouter creates the read/write router.
func NewRouter(cfg *config.Config, monitor *health.Monitor, pools *pool.Manager, logger *slog.Logger, m *metrics.Metrics) *router.Router {
	return router.New(router.Config{
		Snapshots:    monitor,
		Pools:        pools,
		AutoFailover: cfg.Health.AutoFailover,
		Metrics:      m,
		Logger:       logger,
	})
}

// NewHealthServer creates the gRPC health service.
func NewHealthServer(cfg *config.Config, monitor *health.Monitor) *grpc.HealthServer {
	return grpc.NewHealthServer(monitor, cfg.Health.Interval())
}

// NewGRPCServer creates the gRPC server.
func NewGRPCServer(cfg *config.Config, logger *slog.Logger, tracer trace.Tracer, hs *grpc.HealthServer) (*grpc.Server, error) {
	return grpc.NewServer(grpc.ServerConfig{
		Host:       cfg.Server.Host,
		Port:       cfg.Server.GRPCPort,
		Reflection: cfg.Server.GRPCReflection,
	}, logger, tracer, hs)
}

// NewHTTPServer creates the HTTP server.
func NewHTTPServer(cfg *config.Config, logger *slog.Logger, a *admission.Admitter, l *ratelimit.Limiter, r *router.Router, monitor *health.Monitor, pools *pool.Manager, m *metrics.Metrics) *http.Server {
	return &http.Server{
		Addr: net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.HTTPPort)),
		Handler: httpapi.NewRouter(httpapi.RouterConfig{
			Admitter:  a,
			Limits:    l,
			Router:    r,
			Snapshots: monitor,
			Pools:     pools,
			Identity:  admission.HeaderIdentity(cfg.Server.IdentityHeader),
			Metrics:   m.Handler(),
			Logger:    logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// lifecycleParams collects everything RegisterLifecycle starts or stops.
type lifecycleParams struct {
	fx.In

	Lifecycle  fx.Lifecycle
	Logger     *slog.Logger
	Tracing    *otel.Provider
	Dispatcher *alerting.Dispatcher
	Store      *redis.Client
	Cluster    *postgres.Cluster
	Pools      *pool.Manager
	Monitor    *health.Monitor
	Limiter    *ratelimit.Limiter
}

// RegisterLifecycle starts the pools and the probe loop, and on shutdown stops the probe
// loop, the reaper and pools, flushes alerts, then shuts down the tracer provider.
func RegisterLifecycle(p lifecycleParams) {
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			p.Pools.Start(ctx)
			p.Monitor.Start()
			p.Logger.Info("database gateway started",
				slog.Int("targets", len(p.Monitor.Targets())),
				slog.Bool("counter_store_allow_all", p.Limiter.AllowAll()))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			p.Monitor.Stop()
			p.Pools.Close()

			var errs []error
			if err := p.Cluster.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close database handles: %w", err))
			}
			if err := p.Dispatcher.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("flush alerts: %w", err))
			}
			if err := p.Store.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close counter store: %w", err))
			}
			if err := p.Tracing.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown tracing: %w", err))
			}
			return errors.Join(errs...)
		},
	})
}

// StartTopologyWatcher polls the topology file for weight changes when one is configured.
func StartTopologyWatcher(lc fx.Lifecycle, cfg *config.Config, topo *topology.File, monitor *health.Monitor, logger *slog.Logger) {
	if cfg.Database.TopologyFile == "" {
		return
	}
	w := topology.NewWatcher(topology.WatcherConfig{
		Path:     cfg.Database.TopologyFile,
		Interval: cfg.Database.TopologyReloadInterval,
		Target:   monitor,
		Logger:   logger,
	}, topo)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			w.Start(context.Background())
			return nil
		},
		OnStop: func(context.Context) error {
			w.Stop()
			return nil
		},
	})
}

// RegisterHTTPServer serves HTTP for the lifetime of the application.
func RegisterHTTPServer(lc fx.Lifecycle, srv *http.Server, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", srv.Addr, err)
			}
			logger.Info("starting HTTP server", slog.String("address", srv.Addr))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("HTTP server error", slog.String("error", err.Error()))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("stopping HTTP server")
			return srv.Shutdown(ctx)
		},
	})
}
