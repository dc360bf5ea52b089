package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/auth-platform/platform/dbgate-service/internal/admission"
	"github.com/auth-platform/platform/dbgate-service/internal/domain"
	"github.com/go-chi/chi/v5"
)

type handler struct {
	admitter  *admission.Admitter
	limits    LimitReader
	router    domain.Router
	snapshots domain.SnapshotSource
	pools     domain.PoolStatsSource
	logger    *slog.Logger
}

// AdmitRequest is the body of POST /v1/admit.
type AdmitRequest struct {
	Identity string `json:"identity"`
	IsAdmin  bool   `json:"isAdmin"`
}

// RouteResponse is the body returned by GET /v1/route.
type RouteResponse struct {
	Kind   string                `json:"kind"`
	Target domain.DatabaseTarget `json:"target"`
}

// TargetView is one entry of GET /v1/targets.
type TargetView struct {
	Target              domain.DatabaseTarget `json:"target"`
	IsHealthy           bool                  `json:"isHealthy"`
	CircuitState        domain.CircuitState   `json:"circuitState"`
	ReplicationLagMs    *int64                `json:"replicationLagMs"`
	Weight              float64               `json:"weight"`
	ConsecutiveFailures int                   `json:"consecutiveFailures"`
	Message             string                `json:"message,omitempty"`
	CheckedAt           time.Time             `json:"checkedAt"`
	PoolStats           *domain.PoolStats     `json:"poolStats,omitempty"`
}

func targetView(th domain.TargetHealth) TargetView {
	v := TargetView{
		Target:              th.Target,
		IsHealthy:           th.Status.IsHealthy,
		CircuitState:        th.Circuit,
		Weight:              th.Weight,
		ConsecutiveFailures: th.ConsecutiveFailures,
		Message:             th.Status.Message,
		CheckedAt:           th.Status.CheckedAt,
	}
	if lag := th.Status.ReplicationLag; lag != nil {
		ms := lag.Milliseconds()
		v.ReplicationLagMs = &ms
	}
	return v
}

// Admit handles POST /v1/admit. Denied decisions are returned with 429.
func (h *handler) Admit(w http.ResponseWriter, r *http.Request) {
	var req AdmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, r, "invalid JSON body")
		return
	}
	if req.Identity == "" {
		WriteBadRequest(w, r, "identity is required")
		return
	}

	d := h.admitter.Admit(r.Context(), req.Identity, req.IsAdmin)
	admission.WriteHeaders(w, d)

	status := http.StatusOK
	if !d.Allowed {
		status = http.StatusTooManyRequests
		if d.RetryAfterSeconds != nil {
			w.Header().Set("Retry-After", strconv.Itoa(*d.RetryAfterSeconds))
		}
	}
	writeJSON(w, status, d)
}

// Limits handles GET /v1/limits/{identity}.
func (h *handler) Limits(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")
	info, err := h.limits.GetLimitInfo(r.Context(), identity)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// Route handles GET /v1/route?kind=READ|WRITE&strong=true.
func (h *handler) Route(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	kind := domain.OperationRead
	if raw := q.Get("kind"); raw != "" {
		k, err := domain.ParseOperationKind(raw)
		if err != nil {
			WriteBadRequest(w, r, err.Error())
			return
		}
		kind = k
	}

	strong := false
	if raw := q.Get("strong"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			WriteBadRequest(w, r, "strong must be a boolean")
			return
		}
		strong = v
	}

	target, err := h.router.Route(r.Context(), domain.Query{Kind: kind, RequiresStrongConsistency: strong})
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RouteResponse{Kind: kind.String(), Target: target})
}

// Targets handles GET /v1/targets.
func (h *handler) Targets(w http.ResponseWriter, r *http.Request) {
	snap := h.snapshots.Snapshot()
	if snap == nil {
		writeJSON(w, http.StatusOK, []TargetView{})
		return
	}

	all := snap.All()
	out := make([]TargetView, 0, len(all))
	for _, th := range all {
		v := targetView(th)
		if h.pools != nil {
			if st, err := h.pools.GetPoolStats(th.Target.ID); err == nil {
				v.PoolStats = &st
			}
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

// Liveness handles GET /health.
func (h *handler) Liveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readiness handles GET /ready. The service is not ready until the first snapshot exists
// or while the primary circuit is OPEN.
func (h *handler) Readiness(w http.ResponseWriter, _ *http.Request) {
	snap := h.snapshots.Snapshot()
	switch {
	case snap == nil:
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready", "reason": "no health snapshot"})
	case snap.Primary.Circuit == domain.StateOpen:
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready", "reason": "primary circuit open"})
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}
