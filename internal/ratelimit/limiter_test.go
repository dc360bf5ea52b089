package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/auth-platform/platform/dbgate-service/internal/domain"
	redisstore "github.com/auth-platform/platform/dbgate-service/internal/infra/redis"
	"github.com/auth-platform/platform/dbgate-service/internal/testutil"
	"github.com/juju/clock/testclock"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func newLimiter(t *testing.T, store domain.CounterStore, perUser, global int) (*Limiter, *testclock.Clock) {
	t.Helper()
	clk := testclock.NewClock(epoch)
	l := New(context.Background(), store, Config{
		PerUserLimit: perUser,
		GlobalLimit:  global,
		Window:       60 * time.Second,
		Clock:        clk,
		Logger:       testutil.DiscardLogger(),
	})
	return l, clk
}

func TestHundredAndFirstRequestDenied(t *testing.T) {
	store := testutil.NewMemoryCounterStore()
	l, clk := newLimiter(t, store, 100, 10000)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		r := l.CheckUserLimit(ctx, "alice")
		require.True(t, r.Allowed, "request %d", i+1)
		assert.Equal(t, 100-i-1, r.Remaining)
		clk.Advance(100 * time.Millisecond)
	}

	r := l.CheckUserLimit(ctx, "alice")
	require.False(t, r.Allowed)
	assert.Equal(t, 0, r.Remaining)
	require.NotNil(t, r.RetryAfter)

	// Oldest entry was recorded 10s ago, so it leaves the window in 50s.
	assert.Equal(t, 50*time.Second, *r.RetryAfter)
	assert.Equal(t, 50, *r.RetryAfterSeconds())
	assert.True(t, r.ResetAt.Equal(clk.Now().Add(50*time.Second)))

	// Denied requests are not recorded.
	assert.Equal(t, 100, store.Len(userKeyPrefix+"alice"))
}

func TestWindowSlides(t *testing.T) {
	store := testutil.NewMemoryCounterStore()
	l, clk := newLimiter(t, store, 3, 10000)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.True(t, l.CheckUserLimit(ctx, "bob").Allowed)
		clk.Advance(10 * time.Second)
	}
	require.False(t, l.CheckUserLimit(ctx, "bob").Allowed)

	// The entry at t=0 still counts at t=60 and leaves the window just after.
	clk.Advance(30 * time.Second)
	require.False(t, l.CheckUserLimit(ctx, "bob").Allowed)
	clk.Advance(time.Millisecond)
	r := l.CheckUserLimit(ctx, "bob")
	require.True(t, r.Allowed)
	assert.Equal(t, 0, r.Remaining)
	assert.True(t, r.ResetAt.Equal(clk.Now().Add(60*time.Second)))
}

func TestKeyTTLIsTwiceWindow(t *testing.T) {
	store := testutil.NewMemoryCounterStore()
	l, _ := newLimiter(t, store, 10, 100)
	l.CheckUserLimit(context.Background(), "carol")
	assert.Equal(t, 120*time.Second, store.TTL(userKeyPrefix+"carol"))
}

func TestAdminMakesNoStoreCalls(t *testing.T) {
	store := testutil.NewMemoryCounterStore()
	l, _ := newLimiter(t, store, 1, 1)
	before := store.Calls()

	for i := 0; i < 50; i++ {
		assert.True(t, l.AllowRequest(context.Background(), "root", true))
	}
	assert.Equal(t, before, store.Calls())
}

func TestStoreErrorFailsOpen(t *testing.T) {
	store := testutil.NewMemoryCounterStore()
	l, _ := newLimiter(t, store, 5, 100)
	require.False(t, l.AllowAll())

	store.SetFailing(true)
	for i := 0; i < 20; i++ {
		r := l.CheckUserLimit(context.Background(), "dave")
		require.True(t, r.Allowed)
		assert.Equal(t, 5, r.Remaining)
		assert.Nil(t, r.RetryAfter)
	}
	assert.True(t, l.AllowRequest(context.Background(), "dave", false))
}

func TestUnreachableAtStartupAllowsAll(t *testing.T) {
	store := testutil.NewMemoryCounterStore()
	store.SetFailing(true)
	emitter := &testutil.RecordingEmitter{}

	l := New(context.Background(), store, Config{
		PerUserLimit: 1,
		GlobalLimit:  1,
		Window:       time.Minute,
		Logger:       testutil.DiscardLogger(),
		Events:       domain.NewEventBuilder(emitter, nil),
	})
	require.True(t, l.AllowAll())
	assert.Equal(t, 1, emitter.Count(domain.EventCounterStoreUnavailable))

	store.SetFailing(false)
	calls := store.Calls()
	for i := 0; i < 10; i++ {
		assert.True(t, l.AllowRequest(context.Background(), "erin", false))
	}
	assert.Equal(t, calls, store.Calls(), "allow-all mode never consults the store")

	_, err := l.GetLimitInfo(context.Background(), "erin")
	assert.True(t, domain.HasCode(err, domain.ErrCounterStoreUnavailable))
}

func TestNilStoreAllowsAll(t *testing.T) {
	l := New(context.Background(), nil, Config{PerUserLimit: 1, GlobalLimit: 1, Window: time.Minute, Logger: testutil.DiscardLogger()})
	assert.True(t, l.AllowAll())
	assert.True(t, l.AllowRequest(context.Background(), "x", false))
}

func TestDeniedIdentityDoesNotConsumeGlobalSlot(t *testing.T) {
	store := testutil.NewMemoryCounterStore()
	l, _ := newLimiter(t, store, 2, 100)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		l.AllowRequest(ctx, "frank", false)
	}
	assert.Equal(t, 2, store.Len(globalKey))
}

func TestGlobalScopeDenies(t *testing.T) {
	store := testutil.NewMemoryCounterStore()
	l, _ := newLimiter(t, store, 100, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.True(t, l.AllowRequest(ctx, fmt.Sprintf("user-%d", i), false))
	}
	r, scope := l.Admit(ctx, "user-9", false)
	assert.False(t, r.Allowed)
	assert.Equal(t, domain.ScopeGlobal, scope)
	assert.Equal(t, 3, r.Limit)
}

func TestGetLimitInfoDoesNotRecord(t *testing.T) {
	store := testutil.NewMemoryCounterStore()
	l, clk := newLimiter(t, store, 10, 100)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		l.CheckUserLimit(ctx, "gina")
	}
	info, err := l.GetLimitInfo(ctx, "gina")
	require.NoError(t, err)
	assert.Equal(t, 4, info.RequestsMade)
	assert.Equal(t, 10, info.Limit)
	assert.True(t, info.WindowEnd.Equal(clk.Now()))
	assert.True(t, info.WindowStart.Equal(clk.Now().Add(-time.Minute)))

	info, err = l.GetLimitInfo(ctx, "gina")
	require.NoError(t, err)
	assert.Equal(t, 4, info.RequestsMade)
}

func TestHeadersFormatResetAsRFC3339(t *testing.T) {
	h := Headers(domain.RateLimitResult{Limit: 100, Remaining: 7, ResetAt: epoch})
	assert.Equal(t, 100, h.Limit)
	assert.Equal(t, 7, h.Remaining)
	assert.Equal(t, "2026-01-01T12:00:00Z", h.Reset)
}

func TestProperty_AdmittedNeverExceedsLimitWithinWindow(t *testing.T) {
	props := gopter.NewProperties(testutil.DefaultTestParameters())

	props.Property("admitted per window <= limit", prop.ForAll(
		func(limit int, requests int, stepMs int) bool {
			store := testutil.NewMemoryCounterStore()
			clk := testclock.NewClock(epoch)
			window := 10 * time.Second
			l := New(context.Background(), store, Config{
				PerUserLimit: limit, GlobalLimit: 1 << 30, Window: window, Clock: clk,
				Logger: testutil.DiscardLogger(),
			})

			var admitted []time.Time
			for i := 0; i < requests; i++ {
				if l.CheckUserLimit(context.Background(), "p").Allowed {
					admitted = append(admitted, clk.Now())
				}
				clk.Advance(time.Duration(stepMs) * time.Millisecond)
			}

			// Any window-length interval holds at most limit admissions.
			for i := range admitted {
				n := 0
				for j := i; j < len(admitted) && admitted[j].Sub(admitted[i]) < window; j++ {
					n++
				}
				if n > limit {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 20),
		gen.IntRange(0, 80),
		gen.IntRange(0, 1500),
	))

	props.TestingRun(t)
}

func TestConcurrentChecksWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	store := redisstore.NewFromUniversal(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), "dbgate:", time.Second)
	defer store.Close()

	l := New(context.Background(), store, Config{
		PerUserLimit: 100, GlobalLimit: 10000, Window: time.Minute,
		Logger: testutil.DiscardLogger(),
	})
	require.False(t, l.AllowAll())

	var mu sync.Mutex
	allowed := 0
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if l.AllowRequest(context.Background(), "shared", false) {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	// Store operations are individually atomic, not transactional: concurrent callers
	// can overshoot by at most one in-flight check each, and never undershoot.
	assert.GreaterOrEqual(t, allowed, 100)
	assert.LessOrEqual(t, allowed, 110)

	r := l.CheckUserLimit(context.Background(), "shared")
	assert.False(t, r.Allowed)
	require.NotNil(t, r.RetryAfter)
	assert.LessOrEqual(t, *r.RetryAfter, time.Minute)
	assert.True(t, mr.Exists("dbgate:ratelimit:user:shared"))
	assert.True(t, mr.Exists("dbgate:ratelimit:global"))
}

func TestRedisDownAfterStartupFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	store := redisstore.NewFromUniversal(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), "dbgate:", 50*time.Millisecond)
	defer store.Close()

	l := New(context.Background(), store, Config{
		PerUserLimit: 1, GlobalLimit: 1, Window: time.Minute,
		Logger: testutil.DiscardLogger(),
	})
	require.False(t, l.AllowAll())
	mr.Close()

	for i := 0; i < 5; i++ {
		assert.True(t, l.AllowRequest(context.Background(), "h", false))
	}
}
