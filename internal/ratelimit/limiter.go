// Package ratelimit implements distributed per-identity and global admission control.
package ratelimit

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/auth-platform/platform/dbgate-service/internal/domain"
	"github.com/auth-platform/platform/dbgate-service/internal/infra/metrics"
	"github.com/juju/clock"
)

const (
	userKeyPrefix = "ratelimit:user:"
	globalKey     = "ratelimit:global"
)

// Config configures the limiter.
type Config struct {
	PerUserLimit int
	GlobalLimit  int
	Window       time.Duration
	// StartupTimeout bounds the connectivity check made by New.
	StartupTimeout time.Duration
	Clock          clock.Clock
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
	Events         *domain.EventBuilder
}

// Limiter implements domain.RateLimiter on top of two sliding windows.
type Limiter struct {
	user     *SlidingWindow
	global   *SlidingWindow
	allowAll atomic.Bool
	logger   *slog.Logger
	metrics  *metrics.Metrics
	events   *domain.EventBuilder
}

var _ domain.RateLimiter = (*Limiter)(nil)

// New creates a limiter and checks the store once. An unreachable or nil store puts the
// limiter into allow-all mode for the rest of the process lifetime.
func New(ctx context.Context, store domain.CounterStore, cfg Config) *Limiter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 2 * time.Second
	}

	l := &Limiter{
		user: NewSlidingWindow(SlidingWindowConfig{
			Store: store, Limit: cfg.PerUserLimit, Window: cfg.Window, Clock: cfg.Clock,
		}),
		global: NewSlidingWindow(SlidingWindowConfig{
			Store: store, Limit: cfg.GlobalLimit, Window: cfg.Window, Clock: cfg.Clock,
		}),
		logger:  logger.With("component", "ratelimit"),
		metrics: cfg.Metrics,
		events:  cfg.Events,
	}

	if store == nil {
		l.enterAllowAll(ctx, nil)
		return l
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.StartupTimeout)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		l.enterAllowAll(ctx, err)
	}
	return l
}

func (l *Limiter) enterAllowAll(ctx context.Context, cause error) {
	l.allowAll.Store(true)
	l.logger.Warn("counter store unreachable at startup, admitting all requests", "error", cause)
	l.events.EmitWithContext(ctx, domain.EventCounterStoreUnavailable, "", map[string]any{
		"mode": "allow_all",
	})
}

// AllowAll reports whether the limiter is admitting everything.
func (l *Limiter) AllowAll() bool {
	return l.allowAll.Load()
}

// CheckUserLimit checks and records one request against the identity's window.
func (l *Limiter) CheckUserLimit(ctx context.Context, identity string) domain.RateLimitResult {
	return l.check(ctx, l.user, domain.ScopeUser, userKeyPrefix+identity, identity)
}

// CheckGlobalLimit checks and records one request against the shared window.
func (l *Limiter) CheckGlobalLimit(ctx context.Context) domain.RateLimitResult {
	return l.check(ctx, l.global, domain.ScopeGlobal, globalKey, "")
}

func (l *Limiter) check(ctx context.Context, w *SlidingWindow, scope domain.RateLimitScope, key, identity string) domain.RateLimitResult {
	if l.allowAll.Load() {
		return w.failOpen()
	}

	result, err := w.Allow(ctx, key)
	if err != nil {
		l.logger.Warn("counter store error, failing open",
			"scope", scope,
			"identity", identity,
			"error", err,
		)
		l.metrics.RecordCounterStoreError(scope)
		return w.failOpen()
	}

	l.metrics.RecordAdmission(scope, result.Allowed)
	if !result.Allowed {
		l.logger.Debug("rate limit exceeded",
			"scope", scope,
			"identity", identity,
			"retry_after", *result.RetryAfter,
		)
	}
	return result
}

// Admit evaluates the identity scope first and the global scope only if the identity is admitted.
// The returned result is the one that decided: the denying scope, or the identity scope when admitted.
// Admins bypass both scopes without touching the store.
func (l *Limiter) Admit(ctx context.Context, identity string, isAdmin bool) (domain.RateLimitResult, domain.RateLimitScope) {
	if isAdmin {
		return l.user.failOpen(), domain.ScopeUser
	}

	user := l.CheckUserLimit(ctx, identity)
	if !user.Allowed {
		return user, domain.ScopeUser
	}

	global := l.CheckGlobalLimit(ctx)
	if !global.Allowed {
		return global, domain.ScopeGlobal
	}
	return user, domain.ScopeUser
}

// AllowRequest admits only if both the identity and global scopes allow.
func (l *Limiter) AllowRequest(ctx context.Context, identity string, isAdmin bool) bool {
	result, _ := l.Admit(ctx, identity, isAdmin)
	return result.Allowed
}

// GetLimitInfo reports the identity's current usage without recording a request.
func (l *Limiter) GetLimitInfo(ctx context.Context, identity string) (domain.LimitInfo, error) {
	if l.allowAll.Load() {
		return domain.LimitInfo{}, domain.NewCounterStoreError("read", nil)
	}

	count, now, err := l.user.Peek(ctx, userKeyPrefix+identity)
	if err != nil {
		return domain.LimitInfo{}, domain.NewCounterStoreError("read", err)
	}

	return domain.LimitInfo{
		Identity:     identity,
		RequestsMade: count,
		Limit:        l.user.Limit(),
		WindowStart:  now.Add(-l.user.Window()),
		WindowEnd:    now,
	}, nil
}

// Headers renders the standard rate limit response headers for a result.
func Headers(r domain.RateLimitResult) domain.RateLimitHeaders {
	return domain.RateLimitHeaders{
		Limit:     r.Limit,
		Remaining: r.Remaining,
		Reset:     r.ResetAt.UTC().Format(time.RFC3339),
	}
}
