package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/auth-platform/platform/dbgate-service/internal/admission"
	"github.com/auth-platform/platform/dbgate-service/internal/domain"
	"github.com/auth-platform/platform/dbgate-service/internal/ratelimit"
	"github.com/auth-platform/platform/dbgate-service/internal/router"
	"github.com/auth-platform/platform/dbgate-service/internal/testutil"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	handler   http.Handler
	snapshots *testutil.StaticSnapshots
	store     *testutil.MemoryCounterStore
}

func newFixture(t *testing.T, perUser int) *fixture {
	t.Helper()
	store := testutil.NewMemoryCounterStore()
	limiter := ratelimit.New(context.Background(), store, ratelimit.Config{
		PerUserLimit: perUser,
		GlobalLimit:  1000,
		Window:       time.Minute,
		Clock:        testclock.NewClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)),
		Logger:       testutil.DiscardLogger(),
	})
	snaps := testutil.NewStaticSnapshots(testutil.PrimaryHealth(domain.StateClosed),
		testutil.ReplicaHealth("replica-1", domain.StateClosed, 1),
	)
	pools := testutil.StaticPoolStats{}

	h := NewRouter(RouterConfig{
		Admitter:  admission.New(limiter, testutil.DiscardLogger()),
		Limits:    limiter,
		Router:    router.New(router.Config{Snapshots: snaps, Pools: pools, AutoFailover: true, Rand: func() float64 { return 0 }}),
		Snapshots: snaps,
		Pools:     pools,
		Identity:  admission.HeaderIdentity("X-User-ID"),
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("# metrics\n"))
		}),
		Logger: testutil.DiscardLogger(),
	})
	return &fixture{handler: h, snapshots: snaps, store: store}
}

func (f *fixture) do(method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestAdmitEndpoint(t *testing.T) {
	f := newFixture(t, 1)

	ok := f.do(http.MethodPost, "/v1/admit", `{"identity":"alice"}`, nil)
	require.Equal(t, http.StatusOK, ok.Code)
	assert.JSONEq(t, `{"allowed":true,"limit":1,"remaining":0,"resetAt":"2026-03-01T00:01:00Z","retryAfterSeconds":null}`, ok.Body.String())
	assert.Equal(t, "1", ok.Header().Get("X-RateLimit-Limit"))

	denied := f.do(http.MethodPost, "/v1/admit", `{"identity":"alice"}`, nil)
	assert.Equal(t, http.StatusTooManyRequests, denied.Code)
	assert.Equal(t, "60", denied.Header().Get("Retry-After"))

	var d admission.Decision
	require.NoError(t, json.Unmarshal(denied.Body.Bytes(), &d))
	assert.False(t, d.Allowed)
	require.NotNil(t, d.RetryAfterSeconds)
	assert.Equal(t, 60, *d.RetryAfterSeconds)

	calls := f.store.Calls()
	admin := f.do(http.MethodPost, "/v1/admit", `{"identity":"alice","isAdmin":true}`, nil)
	assert.Equal(t, http.StatusOK, admin.Code)
	assert.Equal(t, calls, f.store.Calls())
}

func TestAdmitRejectsBadBody(t *testing.T) {
	f := newFixture(t, 1)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/v1/admit", `{`, nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/v1/admit", `{}`, nil).Code)
}

func TestLimitsEndpoint(t *testing.T) {
	f := newFixture(t, 5)
	f.do(http.MethodPost, "/v1/admit", `{"identity":"bob"}`, nil)
	f.do(http.MethodPost, "/v1/admit", `{"identity":"bob"}`, nil)

	rec := f.do(http.MethodGet, "/v1/limits/bob", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var info domain.LimitInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "bob", info.Identity)
	assert.Equal(t, 2, info.RequestsMade)
	assert.Equal(t, 5, info.Limit)
}

func TestLimitsUnavailableInAllowAllMode(t *testing.T) {
	limiter := ratelimit.New(context.Background(), nil, ratelimit.Config{
		PerUserLimit: 1, GlobalLimit: 1, Window: time.Minute, Logger: testutil.DiscardLogger(),
	})
	snaps := testutil.NewStaticSnapshots(testutil.PrimaryHealth(domain.StateClosed))
	h := NewRouter(RouterConfig{
		Admitter:  admission.New(limiter, testutil.DiscardLogger()),
		Limits:    limiter,
		Router:    router.New(router.Config{Snapshots: snaps}),
		Snapshots: snaps,
		Logger:    testutil.DiscardLogger(),
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/limits/bob", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), string(domain.ErrCounterStoreUnavailable))
}

func TestRouteEndpoint(t *testing.T) {
	f := newFixture(t, 100)
	user := map[string]string{"X-User-ID": "carol"}

	read := f.do(http.MethodGet, "/v1/route?kind=read", "", user)
	require.Equal(t, http.StatusOK, read.Code)
	var resp RouteResponse
	require.NoError(t, json.Unmarshal(read.Body.Bytes(), &resp))
	assert.Equal(t, "READ", resp.Kind)
	assert.Equal(t, "replica-1", resp.Target.ID)
	assert.NotEmpty(t, read.Header().Get("X-RateLimit-Remaining"))

	strong := f.do(http.MethodGet, "/v1/route?kind=READ&strong=true", "", user)
	require.NoError(t, json.Unmarshal(strong.Body.Bytes(), &resp))
	assert.Equal(t, domain.PrimaryTargetID, resp.Target.ID)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/v1/route?kind=DELETE", "", user).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/v1/route?strong=maybe", "", user).Code)

	f.snapshots.Set(testutil.PrimaryHealth(domain.StateOpen), testutil.ReplicaHealth("replica-1", domain.StateClosed, 1))
	write := f.do(http.MethodGet, "/v1/route?kind=WRITE", "", user)
	assert.Equal(t, http.StatusServiceUnavailable, write.Code)

	var er ErrorResponse
	require.NoError(t, json.Unmarshal(write.Body.Bytes(), &er))
	assert.Equal(t, string(domain.ErrTargetUnhealthy), er.Code)
	assert.Equal(t, domain.PrimaryTargetID, er.Target)
	assert.NotEmpty(t, er.CorrelationID)
}

func TestRouteIsAdmitted(t *testing.T) {
	f := newFixture(t, 1)
	user := map[string]string{"X-User-ID": "dave"}
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/v1/route", "", user).Code)
	assert.Equal(t, http.StatusTooManyRequests, f.do(http.MethodGet, "/v1/route", "", user).Code)
}

func TestTargetsEndpoint(t *testing.T) {
	f := newFixture(t, 1)
	lag := 1500 * time.Millisecond
	replica := testutil.ReplicaHealth("replica-1", domain.StateClosed, 1)
	replica.Status.ReplicationLag = &lag
	f.snapshots.Set(testutil.PrimaryHealth(domain.StateClosed), replica)
	rec := f.do(http.MethodGet, "/v1/targets", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var views []TargetView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 2)
	assert.Equal(t, domain.PrimaryTargetID, views[0].Target.ID)
	assert.Equal(t, domain.StateClosed, views[0].CircuitState)
	assert.True(t, views[0].IsHealthy)
	assert.Nil(t, views[0].ReplicationLagMs)
	assert.Equal(t, "replica-1", views[1].Target.ID)
	require.NotNil(t, views[1].ReplicationLagMs)
	assert.Equal(t, int64(1500), *views[1].ReplicationLagMs)
	require.NotNil(t, views[1].PoolStats)
	assert.Equal(t, 10, views[1].PoolStats.MaxConnections)
	assert.Contains(t, rec.Body.String(), `"circuitState":"CLOSED"`)
}

func TestHealthAndReadiness(t *testing.T) {
	f := newFixture(t, 1)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/health", "", nil).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/ready", "", nil).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/metrics", "", nil).Code)

	f.snapshots.Set(testutil.PrimaryHealth(domain.StateHalfOpen))
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/ready", "", nil).Code)

	f.snapshots.Set(testutil.PrimaryHealth(domain.StateOpen))
	notReady := f.do(http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, notReady.Code)
	assert.Contains(t, notReady.Body.String(), "primary circuit open")
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/health", "", nil).Code)
}

func TestStatusFor(t *testing.T) {
	cases := map[domain.ErrorCode]int{
		domain.ErrAdmissionDenied:         http.StatusTooManyRequests,
		domain.ErrPoolExhausted:           http.StatusServiceUnavailable,
		domain.ErrTargetUnhealthy:         http.StatusServiceUnavailable,
		domain.ErrCounterStoreUnavailable: http.StatusServiceUnavailable,
		domain.ErrUnknownTarget:           http.StatusNotFound,
		domain.ErrProbeTimeout:            http.StatusGatewayTimeout,
		domain.ErrorCode("OTHER"):         http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, StatusFor(code), code)
	}
}

func TestWriteErrorRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, httptest.NewRequest(http.MethodGet, "/", nil), domain.NewAdmissionDeniedError("eve", 1500*time.Millisecond))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))

	rec = httptest.NewRecorder()
	WriteError(rec, httptest.NewRequest(http.MethodGet, "/", nil), assert.AnError)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), assert.AnError.Error())
}
