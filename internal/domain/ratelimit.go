package domain

import (
	"context"
	"time"
)

// RateLimitScope names the window a decision was taken in.
type RateLimitScope string

const (
	ScopeUser   RateLimitScope = "user"
	ScopeGlobal RateLimitScope = "global"
)

// RateLimitResult represents one allow/deny decision. It is never mutated after creation.
type RateLimitResult struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter *time.Duration
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds. Nil when allowed.
func (r RateLimitResult) RetryAfterSeconds() *int {
	if r.RetryAfter == nil {
		return nil
	}
	secs := int((*r.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return &secs
}

// LimitInfo is a read-only snapshot of an identity's window.
type LimitInfo struct {
	Identity     string    `json:"identity"`
	RequestsMade int       `json:"requests_made"`
	Limit        int       `json:"limit"`
	WindowStart  time.Time `json:"window_start"`
	WindowEnd    time.Time `json:"window_end"`
}

// RateLimitHeaders contains rate limit response headers.
type RateLimitHeaders struct {
	Limit     int    `json:"X-RateLimit-Limit"`
	Remaining int    `json:"X-RateLimit-Remaining"`
	Reset     string `json:"X-RateLimit-Reset"`
}

// CounterStore is the shared sorted-set store backing the sliding windows.
// Every method is a single atomic store operation.
type CounterStore interface {
	// RemoveBefore drops members scored strictly before cutoff.
	RemoveBefore(ctx context.Context, key string, cutoff time.Time) error

	// Count returns the number of members in the set.
	Count(ctx context.Context, key string) (int64, error)

	// Oldest returns the score of the lowest-scored member.
	Oldest(ctx context.Context, key string) (time.Time, bool, error)

	// Add inserts member scored at the given time.
	Add(ctx context.Context, key, member string, at time.Time) error

	// Expire sets the key's time to live.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Ping checks connectivity.
	Ping(ctx context.Context) error
}

// RateLimiter decides admission for identities.
type RateLimiter interface {
	CheckUserLimit(ctx context.Context, identity string) RateLimitResult
	CheckGlobalLimit(ctx context.Context) RateLimitResult
	AllowRequest(ctx context.Context, identity string, isAdmin bool) bool
	GetLimitInfo(ctx context.Context, identity string) (LimitInfo, error)
}
