package router

import (
	"context"
	"math/rand"
	"testing"

	"github.com/auth-platform/platform/dbgate-service/internal/domain"
	"github.com/auth-platform/platform/dbgate-service/internal/testutil"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var (
	read   = domain.Query{Kind: domain.OperationRead}
	strong = domain.Query{Kind: domain.OperationRead, RequiresStrongConsistency: true}
	write  = domain.Query{Kind: domain.OperationWrite}
)

func newRouter(src domain.SnapshotSource, pools domain.PoolStatsSource, seed uint64) *Router {
	rng := rand.New(rand.NewSource(int64(seed ^ 0x9e3779b97f4a7c15)))
	return New(Config{
		Snapshots:    src,
		Pools:        pools,
		AutoFailover: true,
		Rand:         rng.Float64,
		Logger:       testutil.DiscardLogger(),
	})
}

func TestProperty_ReadNeverRoutesToNonClosedReplicaWhileOneIsClosed(t *testing.T) {
	testutil.RunPropertyTest(t, "reads only reach CLOSED replicas, else the primary", prop.ForAll(
		func(replicas []domain.TargetHealth, seed uint64) bool {
			src := testutil.NewStaticSnapshots(testutil.PrimaryHealth(domain.StateClosed), replicas...)
			r := newRouter(src, nil, seed)

			anyClosed := false
			states := make(map[string]domain.CircuitState)
			for _, rep := range replicas {
				states[rep.Target.ID] = rep.Circuit
				anyClosed = anyClosed || rep.Circuit == domain.StateClosed
			}

			for i := 0; i < 20; i++ {
				target, err := r.Route(context.Background(), read)
				if err != nil {
					return false
				}
				if anyClosed {
					if states[target.ID] != domain.StateClosed || target.IsPrimary() {
						return false
					}
				} else if !target.IsPrimary() {
					return false
				}
			}
			return true
		},
		testutil.GenReplicaSet(),
		gen.UInt64(),
	))
}

func TestProperty_WritesAndStrongReadsOnlyReachPrimary(t *testing.T) {
	testutil.RunPropertyTest(t, "writes and strong reads go to the primary or fail fast", prop.ForAll(
		func(replicas []domain.TargetHealth, primaryState domain.CircuitState, strongRead bool) bool {
			src := testutil.NewStaticSnapshots(testutil.PrimaryHealth(primaryState), replicas...)
			r := newRouter(src, nil, 1)

			q := write
			if strongRead {
				q = strong
			}
			target, err := r.Route(context.Background(), q)
			if primaryState == domain.StateOpen {
				return domain.IsTargetUnhealthy(err)
			}
			return err == nil && target.IsPrimary()
		},
		testutil.GenReplicaSet(),
		testutil.GenCircuitState(),
		gen.Bool(),
	))
}

func TestZeroWeightNeverChosenWhenPositiveWeightExists(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(2, 6).Draw(t, "replicas")
		positive := rapid.IntRange(0, n-1).Draw(t, "positive")
		replicas := make([]domain.TargetHealth, n)
		for i := range replicas {
			w := 0.0
			if i == positive || rapid.Bool().Draw(t, "weighted") {
				w = rapid.Float64Range(0.1, 10).Draw(t, "weight")
			}
			replicas[i] = testutil.ReplicaHealth(string(rune('a'+i)), domain.StateClosed, w)
		}

		u := rapid.Float64Range(0, 0.999999).Draw(t, "u")
		picked := weightedPick(replicas, u)
		if picked.Weight <= 0 {
			t.Fatalf("picked zero-weight replica %s", picked.Target.ID)
		}
	})
}

func TestWeightedDistribution(t *testing.T) {
	src := testutil.NewStaticSnapshots(testutil.PrimaryHealth(domain.StateClosed),
		testutil.ReplicaHealth("replica-1", domain.StateClosed, 3),
		testutil.ReplicaHealth("replica-2", domain.StateClosed, 1),
	)
	r := newRouter(src, nil, 42)

	counts := map[string]int{}
	const n = 20000
	for i := 0; i < n; i++ {
		target, err := r.Route(context.Background(), read)
		require.NoError(t, err)
		counts[target.ID]++
	}
	assert.InDelta(t, 0.75, float64(counts["replica-1"])/n, 0.03)
	assert.InDelta(t, 0.25, float64(counts["replica-2"])/n, 0.03)
}

func TestAllZeroWeightsAreUniform(t *testing.T) {
	src := testutil.NewStaticSnapshots(testutil.PrimaryHealth(domain.StateClosed),
		testutil.ReplicaHealth("replica-1", domain.StateClosed, 0),
		testutil.ReplicaHealth("replica-2", domain.StateClosed, 0),
	)
	r := newRouter(src, nil, 7)

	counts := map[string]int{}
	const n = 10000
	for i := 0; i < n; i++ {
		target, err := r.Route(context.Background(), read)
		require.NoError(t, err)
		counts[target.ID]++
	}
	assert.InDelta(t, 0.5, float64(counts["replica-1"])/n, 0.03)
}

func TestNoReplicasRoutesToPrimary(t *testing.T) {
	r := newRouter(testutil.NewStaticSnapshots(testutil.PrimaryHealth(domain.StateClosed)), nil, 1)
	target, err := r.Route(context.Background(), read)
	require.NoError(t, err)
	assert.True(t, target.IsPrimary())
}

func TestReadFallsBackToPrimaryWhenAllReplicasOpen(t *testing.T) {
	src := testutil.NewStaticSnapshots(testutil.PrimaryHealth(domain.StateClosed),
		testutil.ReplicaHealth("replica-1", domain.StateOpen, 1),
		testutil.ReplicaHealth("replica-2", domain.StateHalfOpen, 1),
	)
	r := newRouter(src, nil, 1)
	target, err := r.Route(context.Background(), read)
	require.NoError(t, err)
	assert.True(t, target.IsPrimary())
}

func TestFailoverScenario(t *testing.T) {
	src := testutil.NewStaticSnapshots(testutil.PrimaryHealth(domain.StateClosed),
		testutil.ReplicaHealth("replica-1", domain.StateClosed, 1),
		testutil.ReplicaHealth("replica-2", domain.StateClosed, 1),
	)
	r := newRouter(src, nil, 3)

	src.Set(testutil.PrimaryHealth(domain.StateClosed),
		testutil.ReplicaHealth("replica-1", domain.StateOpen, 1),
		testutil.ReplicaHealth("replica-2", domain.StateClosed, 1),
	)
	for i := 0; i < 100; i++ {
		target, err := r.Route(context.Background(), read)
		require.NoError(t, err)
		assert.Equal(t, "replica-2", target.ID)
	}

	src.Set(testutil.PrimaryHealth(domain.StateOpen),
		testutil.ReplicaHealth("replica-1", domain.StateClosed, 1),
		testutil.ReplicaHealth("replica-2", domain.StateClosed, 1),
	)
	_, err := r.Route(context.Background(), write)
	assert.True(t, domain.IsTargetUnhealthy(err), "writes are never sent to a replica")

	target, err := r.Route(context.Background(), read)
	require.NoError(t, err)
	assert.False(t, target.IsPrimary())
}

func TestSaturatedReplicaSkipped(t *testing.T) {
	src := testutil.NewStaticSnapshots(testutil.PrimaryHealth(domain.StateClosed),
		testutil.ReplicaHealth("replica-1", domain.StateClosed, 100),
		testutil.ReplicaHealth("replica-2", domain.StateClosed, 1),
	)
	pools := testutil.StaticPoolStats{
		"replica-1": {Target: "replica-1", MaxConnections: 5, TotalConnections: 5, ActiveConnections: 5},
	}
	r := newRouter(src, pools, 9)

	for i := 0; i < 50; i++ {
		target, err := r.Route(context.Background(), read)
		require.NoError(t, err)
		assert.Equal(t, "replica-2", target.ID)
	}
}

func TestAllSaturatedStillRoutesToReplica(t *testing.T) {
	src := testutil.NewStaticSnapshots(testutil.PrimaryHealth(domain.StateClosed),
		testutil.ReplicaHealth("replica-1", domain.StateClosed, 1),
	)
	pools := testutil.StaticPoolStats{
		"replica-1": {Target: "replica-1", MaxConnections: 2, TotalConnections: 2, ActiveConnections: 2},
	}
	r := newRouter(src, pools, 9)
	target, err := r.Route(context.Background(), read)
	require.NoError(t, err)
	assert.Equal(t, "replica-1", target.ID)
}

func TestAutoFailoverDisabledKeepsOpenReplicasEligible(t *testing.T) {
	src := testutil.NewStaticSnapshots(testutil.PrimaryHealth(domain.StateClosed),
		testutil.ReplicaHealth("replica-1", domain.StateOpen, 1),
	)
	r := New(Config{Snapshots: src, Logger: testutil.DiscardLogger()})
	target, err := r.Route(context.Background(), read)
	require.NoError(t, err)
	assert.Equal(t, "replica-1", target.ID)
}

func TestNilSnapshot(t *testing.T) {
	r := newRouter(&testutil.StaticSnapshots{}, nil, 1)
	_, err := r.Route(context.Background(), read)
	assert.True(t, domain.IsTargetUnhealthy(err))
}
