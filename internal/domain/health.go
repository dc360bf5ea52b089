package domain

import (
	"context"
	"time"
)

// HealthStatus is the result of one probe cycle for one target.
type HealthStatus struct {
	Instance       string         `json:"instance"`
	IsHealthy      bool           `json:"is_healthy"`
	CPUPercent     float64        `json:"cpu_percent"`
	MemoryPercent  float64        `json:"memory_percent"`
	DiskPercent    float64        `json:"disk_percent"`
	ReplicationLag *time.Duration `json:"replication_lag,omitempty"`
	Message        string         `json:"message,omitempty"`
	CheckedAt      time.Time      `json:"checked_at"`
}

// ProbeResult is what a successful liveness probe reports.
type ProbeResult struct {
	ReplicationLag *time.Duration
	CPUPercent     float64
	MemoryPercent  float64
	DiskPercent    float64
}

// Prober runs a lightweight liveness query against a target.
type Prober interface {
	Probe(ctx context.Context, target DatabaseTarget) (ProbeResult, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, target DatabaseTarget) (ProbeResult, error)

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context, target DatabaseTarget) (ProbeResult, error) {
	return f(ctx, target)
}

// TargetHealth is one target's entry in a health snapshot.
type TargetHealth struct {
	Target              DatabaseTarget `json:"target"`
	Weight              float64        `json:"weight"`
	Status              HealthStatus   `json:"status"`
	Circuit             CircuitState   `json:"circuit_state"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
}

// Routable reports whether the router may send traffic to the target.
func (h TargetHealth) Routable() bool {
	return h.Circuit == StateClosed
}

// Snapshot is an immutable view of every target's health. Published whole, never mutated.
type Snapshot struct {
	TakenAt  time.Time
	Primary  TargetHealth
	Replicas []TargetHealth
}

// Target looks a target up by id.
func (s *Snapshot) Target(id string) (TargetHealth, bool) {
	if s == nil {
		return TargetHealth{}, false
	}
	if s.Primary.Target.ID == id {
		return s.Primary, true
	}
	for _, r := range s.Replicas {
		if r.Target.ID == id {
			return r, true
		}
	}
	return TargetHealth{}, false
}

// All returns primary first, then replicas in configuration order.
func (s *Snapshot) All() []TargetHealth {
	if s == nil {
		return nil
	}
	out := make([]TargetHealth, 0, len(s.Replicas)+1)
	out = append(out, s.Primary)
	return append(out, s.Replicas...)
}

// ReplicaInfos converts replica entries to ReplicaInfo values.
func (s *Snapshot) ReplicaInfos() []ReplicaInfo {
	if s == nil {
		return nil
	}
	out := make([]ReplicaInfo, 0, len(s.Replicas))
	for _, r := range s.Replicas {
		out = append(out, ReplicaInfo{
			ID:             r.Target.ID,
			Host:           r.Target.Host,
			Port:           r.Target.Port,
			Weight:         r.Weight,
			IsHealthy:      r.Status.IsHealthy,
			CPUUtilization: r.Status.CPUPercent / 100,
			ReplicationLag: r.Status.ReplicationLag,
		})
	}
	return out
}

// SnapshotSource exposes the latest published snapshot.
type SnapshotSource interface {
	Snapshot() *Snapshot
}
