// Package httpapi exposes admission, routing and target health over HTTP.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/auth-platform/platform/dbgate-service/internal/admission"
	"github.com/auth-platform/platform/dbgate-service/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// LimitReader reports current usage. *ratelimit.Limiter implements it.
type LimitReader interface {
	GetLimitInfo(ctx context.Context, identity string) (domain.LimitInfo, error)
}

// RouterConfig holds router dependencies.
type RouterConfig struct {
	Admitter  *admission.Admitter
	Limits    LimitReader
	Router    domain.Router
	Snapshots domain.SnapshotSource
	Pools     domain.PoolStatsSource
	// Identity extracts the caller for the admission middleware on /v1/route.
	Identity       admission.IdentityFunc
	Metrics        http.Handler
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// NewRouter creates the HTTP handler.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	if cfg.RequestTimeout > 0 {
		r.Use(middleware.Timeout(cfg.RequestTimeout))
	}

	h := &handler{
		admitter:  cfg.Admitter,
		limits:    cfg.Limits,
		router:    cfg.Router,
		snapshots: cfg.Snapshots,
		pools:     cfg.Pools,
		logger:    logger.With("component", "httpapi"),
	}

	r.Get("/health", h.Liveness)
	r.Get("/ready", h.Readiness)
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/admit", h.Admit)
		r.Get("/limits/{identity}", h.Limits)
		r.Get("/targets", h.Targets)
		r.With(cfg.Admitter.Middleware(cfg.Identity)).Get("/route", h.Route)
	})

	return r
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.LogAttrs(r.Context(), slog.LevelDebug, "http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
