// Package router sends each database operation to the primary or to a healthy replica.
package router

import (
	"context"
	"log/slog"
	"math/rand"

	"github.com/auth-platform/platform/dbgate-service/internal/domain"
	"github.com/auth-platform/platform/dbgate-service/internal/infra/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Config holds router creation options.
type Config struct {
	Snapshots domain.SnapshotSource
	// Pools is optional. When set, saturated replicas are skipped while another candidate has capacity.
	Pools domain.PoolStatsSource
	// AutoFailover routes reads away from replicas whose circuit is not CLOSED.
	// When false every configured replica stays eligible regardless of health.
	AutoFailover bool
	// Rand returns a value in [0, 1). Defaults to math/rand.
	Rand    func() float64
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Router reads the latest snapshot on every call and never blocks on probes.
type Router struct {
	snapshots    domain.SnapshotSource
	pools        domain.PoolStatsSource
	autoFailover bool
	rand         func() float64
	metrics      *metrics.Metrics
	logger       *slog.Logger
	tracer       trace.Tracer
}

var _ domain.Router = (*Router)(nil)

// New creates a router.
func New(cfg Config) *Router {
	r := cfg.Rand
	if r == nil {
		r = rand.Float64
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		snapshots:    cfg.Snapshots,
		pools:        cfg.Pools,
		autoFailover: cfg.AutoFailover,
		rand:         r,
		metrics:      cfg.Metrics,
		logger:       logger.With("component", "router"),
		tracer:       otel.Tracer("dbgate/router"),
	}
}

// Route returns the target query must run on. Writes and strongly consistent reads go to
// the primary and fail with TargetUnhealthy while its circuit is OPEN.
func (r *Router) Route(ctx context.Context, query domain.Query) (domain.DatabaseTarget, error) {
	_, span := r.tracer.Start(ctx, "router.Route",
		trace.WithAttributes(
			attribute.String("db.operation.kind", query.Kind.String()),
			attribute.Bool("db.strong_consistency", query.RequiresStrongConsistency),
		),
	)
	defer span.End()

	target, err := r.route(query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.DatabaseTarget{}, err
	}
	span.SetAttributes(attribute.String("db.target", target.ID))
	r.metrics.RecordRoute(target.ID, query.Kind)
	return target, nil
}

func (r *Router) route(query domain.Query) (domain.DatabaseTarget, error) {
	snap := r.snapshots.Snapshot()
	if snap == nil {
		return domain.DatabaseTarget{}, domain.NewTargetUnhealthyError(domain.PrimaryTargetID)
	}

	if !query.RequiresPrimary() {
		if picked, ok := r.pickReplica(snap.Replicas); ok {
			return picked.Target, nil
		}
	}

	if snap.Primary.Circuit == domain.StateOpen {
		return domain.DatabaseTarget{}, domain.NewTargetUnhealthyError(snap.Primary.Target.ID)
	}
	return snap.Primary.Target, nil
}

func (r *Router) pickReplica(replicas []domain.TargetHealth) (domain.TargetHealth, bool) {
	candidates := make([]domain.TargetHealth, 0, len(replicas))
	for _, rep := range replicas {
		if !r.autoFailover || rep.Routable() {
			candidates = append(candidates, rep)
		}
	}
	if len(candidates) == 0 {
		return domain.TargetHealth{}, false
	}
	candidates = r.withCapacity(candidates)
	return weightedPick(candidates, r.rand()), true
}

// withCapacity drops saturated replicas unless that would leave nothing.
func (r *Router) withCapacity(candidates []domain.TargetHealth) []domain.TargetHealth {
	if r.pools == nil {
		return candidates
	}
	open := make([]domain.TargetHealth, 0, len(candidates))
	for _, c := range candidates {
		st, err := r.pools.GetPoolStats(c.Target.ID)
		if err != nil || !st.Saturated() {
			open = append(open, c)
		}
	}
	if len(open) == 0 {
		return candidates
	}
	return open
}

// weightedPick selects with probability proportional to weight, u in [0, 1).
// If no candidate has a positive weight the choice is uniform.
func weightedPick(candidates []domain.TargetHealth, u float64) domain.TargetHealth {
	var total float64
	for _, c := range candidates {
		if c.Weight > 0 {
			total += c.Weight
		}
	}
	if total <= 0 {
		i := int(u * float64(len(candidates)))
		if i >= len(candidates) {
			i = len(candidates) - 1
		}
		return candidates[i]
	}

	x := u * total
	last := 0
	for i, c := range candidates {
		if c.Weight <= 0 {
			continue
		}
		last = i
		if x < c.Weight {
			return c
		}
		x -= c.Weight
	}
	// Float rounding can leave x just above zero; the last weighted candidate absorbs it.
	return candidates[last]
}
