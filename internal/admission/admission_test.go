package admission

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/auth-platform/platform/dbgate-service/internal/ratelimit"
	"github.com/auth-platform/platform/dbgate-service/internal/testutil"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAdmitter(t *testing.T, perUser int) (*Admitter, *testutil.MemoryCounterStore) {
	t.Helper()
	store := testutil.NewMemoryCounterStore()
	l := ratelimit.New(context.Background(), store, ratelimit.Config{
		PerUserLimit: perUser,
		GlobalLimit:  1000,
		Window:       time.Minute,
		Clock:        testclock.NewClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)),
		Logger:       testutil.DiscardLogger(),
	})
	return New(l, testutil.DiscardLogger()), store
}

func TestDecisionJSON(t *testing.T) {
	a, _ := newAdmitter(t, 1)

	ok := a.Admit(context.Background(), "alice", false)
	body, err := json.Marshal(ok)
	require.NoError(t, err)
	assert.JSONEq(t, `{"allowed":true,"limit":1,"remaining":0,"resetAt":"2026-03-01T00:01:00Z","retryAfterSeconds":null}`, string(body))

	denied := a.Admit(context.Background(), "alice", false)
	assert.False(t, denied.Allowed)
	require.NotNil(t, denied.RetryAfterSeconds)
	assert.Equal(t, 60, *denied.RetryAfterSeconds)
}

func TestAdminBypassesStore(t *testing.T) {
	a, store := newAdmitter(t, 1)
	before := store.Calls()
	for i := 0; i < 5; i++ {
		assert.True(t, a.Admit(context.Background(), "root", true).Allowed)
	}
	assert.Equal(t, before, store.Calls())
}

func TestMiddlewareHeadersAnd429(t *testing.T) {
	a, _ := newAdmitter(t, 2)
	handler := a.Middleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/anything", nil)
		req.Header.Set("X-User-ID", "bob")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	first := do()
	assert.Equal(t, http.StatusNoContent, first.Code)
	assert.Equal(t, "2", first.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", first.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "2026-03-01T00:01:00Z", first.Header().Get("X-RateLimit-Reset"))

	assert.Equal(t, http.StatusNoContent, do().Code)

	denied := do()
	assert.Equal(t, http.StatusTooManyRequests, denied.Code)
	assert.Equal(t, "60", denied.Header().Get("Retry-After"))
	assert.Equal(t, "0", denied.Header().Get("X-RateLimit-Remaining"))
}

func TestIdentityFallsBackToClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:51234"
	id, admin := HeaderIdentity("X-User-ID")(req)
	assert.Equal(t, "192.0.2.7", id)
	assert.False(t, admin)

	req.Header.Set("X-User-ID", "carol")
	id, _ = HeaderIdentity("X-User-ID")(req)
	assert.Equal(t, "carol", id)
}

func TestDistinctIdentitiesHaveIndependentWindows(t *testing.T) {
	a, _ := newAdmitter(t, 1)
	assert.True(t, a.Admit(context.Background(), "u1", false).Allowed)
	assert.True(t, a.Admit(context.Background(), "u2", false).Allowed)
	assert.False(t, a.Admit(context.Background(), "u1", false).Allowed)
}
