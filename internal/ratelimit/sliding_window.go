package ratelimit

import (
	"context"
	"time"

	"github.com/auth-platform/platform/dbgate-service/internal/domain"
	"github.com/google/uuid"
	"github.com/juju/clock"
)

// SlidingWindow implements the sliding window log algorithm over a shared sorted set.
// It holds no per-key state of its own; every decision is taken against the store.
type SlidingWindow struct {
	store  domain.CounterStore
	limit  int
	window time.Duration
	clock  clock.Clock
}

// SlidingWindowConfig holds sliding window configuration.
type SlidingWindowConfig struct {
	Store  domain.CounterStore
	Limit  int
	Window time.Duration
	Clock  clock.Clock
}

// NewSlidingWindow creates a new sliding window over the store.
func NewSlidingWindow(cfg SlidingWindowConfig) *SlidingWindow {
	c := cfg.Clock
	if c == nil {
		c = clock.WallClock
	}
	return &SlidingWindow{
		store:  cfg.Store,
		limit:  cfg.Limit,
		window: cfg.Window,
		clock:  c,
	}
}

// Limit returns the configured ceiling.
func (sw *SlidingWindow) Limit() int { return sw.limit }

// Window returns the window length.
func (sw *SlidingWindow) Window() time.Duration { return sw.window }

// Allow evicts expired entries, counts what is left, and records one entry if under the limit.
// A store error is returned as-is; the caller decides to fail open.
func (sw *SlidingWindow) Allow(ctx context.Context, key string) (domain.RateLimitResult, error) {
	now := sw.clock.Now()
	windowStart := now.Add(-sw.window)

	if err := sw.store.RemoveBefore(ctx, key, windowStart); err != nil {
		return domain.RateLimitResult{}, err
	}

	count, err := sw.store.Count(ctx, key)
	if err != nil {
		return domain.RateLimitResult{}, err
	}

	if count >= int64(sw.limit) {
		retryAfter, err := sw.retryAfter(ctx, key, now)
		if err != nil {
			return domain.RateLimitResult{}, err
		}
		return domain.RateLimitResult{
			Allowed:    false,
			Limit:      sw.limit,
			Remaining:  0,
			ResetAt:    now.Add(retryAfter),
			RetryAfter: &retryAfter,
		}, nil
	}

	if err := sw.store.Add(ctx, key, uuid.NewString(), now); err != nil {
		return domain.RateLimitResult{}, err
	}
	if err := sw.store.Expire(ctx, key, 2*sw.window); err != nil {
		return domain.RateLimitResult{}, err
	}

	return domain.RateLimitResult{
		Allowed:   true,
		Limit:     sw.limit,
		Remaining: sw.limit - int(count) - 1,
		ResetAt:   now.Add(sw.window),
	}, nil
}

// Peek returns the number of live entries without recording one.
func (sw *SlidingWindow) Peek(ctx context.Context, key string) (int, time.Time, error) {
	now := sw.clock.Now()
	if err := sw.store.RemoveBefore(ctx, key, now.Add(-sw.window)); err != nil {
		return 0, now, err
	}
	count, err := sw.store.Count(ctx, key)
	if err != nil {
		return 0, now, err
	}
	return int(count), now, nil
}

// retryAfter returns how long until the oldest entry leaves the window.
func (sw *SlidingWindow) retryAfter(ctx context.Context, key string, now time.Time) (time.Duration, error) {
	oldest, ok, err := sw.store.Oldest(ctx, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return sw.window, nil
	}
	d := oldest.Add(sw.window).Sub(now)
	if d <= 0 {
		// The oldest entry sits exactly on the window boundary.
		return time.Microsecond, nil
	}
	return d, nil
}

// failOpen is the result returned when the store cannot be consulted.
func (sw *SlidingWindow) failOpen() domain.RateLimitResult {
	now := sw.clock.Now()
	return domain.RateLimitResult{
		Allowed:   true,
		Limit:     sw.limit,
		Remaining: sw.limit,
		ResetAt:   now.Add(sw.window),
	}
}
