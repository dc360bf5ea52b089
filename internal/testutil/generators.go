// Package testutil provides test utilities, fakes and generators for property-based testing.
package testutil

import (
	"fmt"
	"reflect"
	"time"

	"github.com/auth-platform/platform/dbgate-service/internal/domain"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
)

// GenCircuitState generates random circuit states.
func GenCircuitState() gopter.Gen {
	return gen.IntRange(0, 2).Map(func(i int) domain.CircuitState {
		return domain.CircuitState(i)
	})
}

// GenCircuitBreakerConfig generates valid circuit breaker configurations.
func GenCircuitBreakerConfig() gopter.Gen {
	return gopter.CombineGens(
		gen.IntRange(1, 10),
		gen.IntRange(10, 500),
	).Map(func(vals []interface{}) domain.CircuitBreakerConfig {
		return domain.CircuitBreakerConfig{
			FailureThreshold: vals[0].(int),
			CoolDown:         time.Duration(vals[1].(int)) * time.Millisecond,
		}
	})
}

// GenIdentity generates caller identities.
func GenIdentity() gopter.Gen {
	return gen.RegexMatch("[a-z][a-z0-9]{2,15}")
}

// GenCorrelationID generates valid correlation IDs.
func GenCorrelationID() gopter.Gen {
	return gen.RegexMatch("[a-zA-Z0-9]{8,36}")
}

// GenReplicaHealth generates a replica entry with the given index, circuit and weight.
func GenReplicaHealth(idx int) gopter.Gen {
	return gopter.CombineGens(
		GenCircuitState(),
		gen.Float64Range(0, 10),
	).Map(func(vals []interface{}) domain.TargetHealth {
		return ReplicaHealth(fmt.Sprintf("replica-%d", idx), vals[0].(domain.CircuitState), vals[1].(float64))
	})
}

// GenReplicaSet generates between 1 and 6 replicas with mixed circuits and weights.
func GenReplicaSet() gopter.Gen {
	return gen.IntRange(1, 6).FlatMap(func(n interface{}) gopter.Gen {
		count := n.(int)
		gens := make([]gopter.Gen, count)
		for i := range gens {
			gens[i] = GenReplicaHealth(i)
		}
		return gopter.CombineGens(gens...).Map(func(vals []interface{}) []domain.TargetHealth {
			out := make([]domain.TargetHealth, len(vals))
			for i, v := range vals {
				out[i] = v.(domain.TargetHealth)
			}
			return out
		})
	}, reflect.TypeOf([]domain.TargetHealth(nil)))
}

// ReplicaHealth builds a replica snapshot entry.
func ReplicaHealth(id string, state domain.CircuitState, weight float64) domain.TargetHealth {
	return domain.TargetHealth{
		Target: domain.DatabaseTarget{ID: id, Role: domain.RoleReplica, Host: id, Port: 5432},
		Weight: weight,
		Status: domain.HealthStatus{
			Instance:  id,
			IsHealthy: state != domain.StateOpen,
		},
		Circuit: state,
	}
}

// PrimaryHealth builds a primary snapshot entry.
func PrimaryHealth(state domain.CircuitState) domain.TargetHealth {
	return domain.TargetHealth{
		Target: domain.DatabaseTarget{ID: domain.PrimaryTargetID, Role: domain.RolePrimary, Host: "primary", Port: 5432},
		Status: domain.HealthStatus{
			Instance:  domain.PrimaryTargetID,
			IsHealthy: state != domain.StateOpen,
		},
		Circuit: state,
	}
}
