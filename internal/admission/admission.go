// Package admission exposes the rate limiter to request handlers.
package admission

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/auth-platform/platform/dbgate-service/internal/domain"
	"github.com/auth-platform/platform/dbgate-service/internal/ratelimit"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Limiter decides admission. *ratelimit.Limiter implements it.
type Limiter interface {
	Admit(ctx context.Context, identity string, isAdmin bool) (domain.RateLimitResult, domain.RateLimitScope)
}

// Decision is the caller-facing admission answer.
type Decision struct {
	Allowed           bool   `json:"allowed"`
	Limit             int    `json:"limit"`
	Remaining         int    `json:"remaining"`
	ResetAt           string `json:"resetAt"`
	RetryAfterSeconds *int   `json:"retryAfterSeconds"`

	result domain.RateLimitResult
	scope  domain.RateLimitScope
}

// Result returns the underlying limiter result.
func (d Decision) Result() domain.RateLimitResult { return d.result }

// Scope returns the scope that decided.
func (d Decision) Scope() domain.RateLimitScope { return d.scope }

// Admitter wraps a limiter with tracing.
type Admitter struct {
	limiter Limiter
	tracer  trace.Tracer
	logger  *slog.Logger
}

// New creates an admitter.
func New(limiter Limiter, logger *slog.Logger) *Admitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Admitter{
		limiter: limiter,
		tracer:  otel.Tracer("dbgate/admission"),
		logger:  logger.With("component", "admission"),
	}
}

// Admit decides whether identity may proceed.
func (a *Admitter) Admit(ctx context.Context, identity string, isAdmin bool) Decision {
	ctx, span := a.tracer.Start(ctx, "admission.Admit",
		trace.WithAttributes(attribute.Bool("admission.admin", isAdmin)),
	)
	defer span.End()

	result, scope := a.limiter.Admit(ctx, identity, isAdmin)
	span.SetAttributes(
		attribute.Bool("admission.allowed", result.Allowed),
		attribute.String("admission.scope", string(scope)),
	)
	if !result.Allowed {
		a.logger.DebugContext(ctx, "request denied", "identity", identity, "scope", scope)
	}

	h := ratelimit.Headers(result)
	return Decision{
		Allowed:           result.Allowed,
		Limit:             h.Limit,
		Remaining:         h.Remaining,
		ResetAt:           h.Reset,
		RetryAfterSeconds: result.RetryAfterSeconds(),
		result:            result,
		scope:             scope,
	}
}

// IdentityFunc extracts the caller identity from a request.
type IdentityFunc func(r *http.Request) (identity string, isAdmin bool)

// HeaderIdentity uses the given header as identity, falling back to the client IP.
// Nobody is treated as admin; deployments that trust an upstream gateway supply their own IdentityFunc.
func HeaderIdentity(header string) IdentityFunc {
	return func(r *http.Request) (string, bool) {
		if id := r.Header.Get(header); id != "" {
			return id, false
		}
		return ClientIP(r), false
	}
}

// ClientIP returns the host part of RemoteAddr.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware admits every request before it reaches next. Rate limit headers are written
// on every response; denied requests get 429 with Retry-After.
func (a *Admitter) Middleware(identity IdentityFunc) func(http.Handler) http.Handler {
	if identity == nil {
		identity = HeaderIdentity("X-User-ID")
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, isAdmin := identity(r)
			d := a.Admit(r.Context(), id, isAdmin)
			WriteHeaders(w, d)

			if !d.Allowed {
				secs := 1
				if d.RetryAfterSeconds != nil {
					secs = *d.RetryAfterSeconds
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WriteHeaders sets the X-RateLimit-* headers.
func WriteHeaders(w http.ResponseWriter, d Decision) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", d.ResetAt)
}
