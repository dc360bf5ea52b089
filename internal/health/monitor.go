// Package health probes the primary and every replica and publishes health snapshots.
package health

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/auth-platform/platform/dbgate-service/internal/circuitbreaker"
	"github.com/auth-platform/platform/dbgate-service/internal/domain"
	"github.com/auth-platform/platform/dbgate-service/internal/infra/metrics"
	"github.com/juju/clock"
	"golang.org/x/sync/errgroup"
)

const notProbed = "not yet probed"

// Config holds monitor creation options.
type Config struct {
	Primary       domain.DatabaseTarget
	Replicas      []domain.ReplicaInfo
	Interval      time.Duration
	ProbeTimeout  time.Duration
	MaxReplicaLag time.Duration
	Breaker       domain.CircuitBreakerConfig
	Prober        domain.Prober
	Clock         clock.Clock
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
	Events        *domain.EventBuilder
}

// Monitor runs the probe loop. Each cycle probes every target concurrently, feeds the
// outcome to that target's breaker and publishes a new Snapshot.
type Monitor struct {
	primary  domain.DatabaseTarget
	replicas []domain.DatabaseTarget
	breakers map[string]*circuitbreaker.Breaker

	interval      time.Duration
	probeTimeout  time.Duration
	maxReplicaLag time.Duration

	prober  domain.Prober
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics

	// publishMu serializes snapshot publication; readers never take it.
	publishMu sync.Mutex
	weights   map[string]float64
	last      map[string]domain.HealthStatus
	snapshot  atomic.Pointer[domain.Snapshot]

	started atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

var _ domain.SnapshotSource = (*Monitor)(nil)

// NewMonitor creates a monitor and publishes the initial snapshot, in which every target
// is CLOSED and healthy.
func NewMonitor(cfg Config) *Monitor {
	c := cfg.Clock
	if c == nil {
		c = clock.WallClock
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 2 * time.Second
	}

	m := &Monitor{
		primary:       cfg.Primary,
		breakers:      make(map[string]*circuitbreaker.Breaker, len(cfg.Replicas)+1),
		interval:      cfg.Interval,
		probeTimeout:  cfg.ProbeTimeout,
		maxReplicaLag: cfg.MaxReplicaLag,
		prober:        cfg.Prober,
		clock:         c,
		logger:        logger.With("component", "health_monitor"),
		metrics:       cfg.Metrics,
		weights:       make(map[string]float64, len(cfg.Replicas)),
		last:          make(map[string]domain.HealthStatus, len(cfg.Replicas)+1),
		done:          make(chan struct{}),
	}

	for _, r := range cfg.Replicas {
		m.replicas = append(m.replicas, r.Target())
		m.weights[r.ID] = r.Weight
	}

	now := c.Now()
	for _, t := range m.Targets() {
		m.breakers[t.ID] = circuitbreaker.New(circuitbreaker.Config{
			Target:       t.ID,
			Config:       cfg.Breaker,
			EventBuilder: cfg.Events,
			Metrics:      cfg.Metrics,
			Logger:       logger,
		})
		m.last[t.ID] = domain.HealthStatus{
			Instance:  t.ID,
			IsHealthy: true,
			Message:   notProbed,
			CheckedAt: now,
		}
	}

	m.publishMu.Lock()
	m.publishLocked(now)
	m.publishMu.Unlock()
	return m
}

// Targets returns the primary followed by the replicas in configuration order.
func (m *Monitor) Targets() []domain.DatabaseTarget {
	out := make([]domain.DatabaseTarget, 0, len(m.replicas)+1)
	out = append(out, m.primary)
	return append(out, m.replicas...)
}

// Snapshot returns the latest published snapshot.
func (m *Monitor) Snapshot() *domain.Snapshot {
	return m.snapshot.Load()
}

// Start launches the probe loop. The first cycle runs immediately.
func (m *Monitor) Start() {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	go m.loop(ctx)
}

// Stop cancels in-flight probes and waits for the loop to exit.
func (m *Monitor) Stop() {
	if !m.started.Load() {
		return
	}
	m.cancel()
	<-m.done
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)
	for {
		m.RunCycle(ctx)
		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(m.interval):
		}
	}
}

// RunCycle probes every target once and publishes the resulting snapshot.
func (m *Monitor) RunCycle(ctx context.Context) *domain.Snapshot {
	targets := m.Targets()
	results := make([]domain.HealthStatus, len(targets))

	var g errgroup.Group
	for i, t := range targets {
		i, t := i, t
		g.Go(func() error {
			results[i] = m.probe(ctx, t)
			return nil
		})
	}
	_ = g.Wait()

	m.publishMu.Lock()
	defer m.publishMu.Unlock()
	for _, st := range results {
		m.last[st.Instance] = st
	}
	return m.publishLocked(m.clock.Now())
}

func (m *Monitor) probe(ctx context.Context, t domain.DatabaseTarget) domain.HealthStatus {
	status := domain.HealthStatus{Instance: t.ID, CheckedAt: m.clock.Now()}

	done, err := m.breakers[t.ID].Allow()
	if err != nil {
		status.Message = "circuit open"
		return status
	}

	pctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	start := time.Now()
	res, err := m.prober.Probe(pctx, t)
	elapsed := time.Since(start)
	if err != nil && errors.Is(pctx.Err(), context.DeadlineExceeded) {
		err = domain.NewProbeTimeoutError(t.ID, m.probeTimeout, err)
	}
	cancel()

	m.metrics.ObserveProbe(t.ID, elapsed, err == nil, res.ReplicationLag)

	if err != nil {
		done(false)
		m.logger.Warn("probe failed", "target", t.ID, "error", err)
		status.Message = err.Error()
		return status
	}

	status.CPUPercent = res.CPUPercent
	status.MemoryPercent = res.MemoryPercent
	status.DiskPercent = res.DiskPercent
	status.ReplicationLag = res.ReplicationLag

	if m.lagBreached(t, res.ReplicationLag) {
		done(false)
		m.logger.Warn("replication lag above bound", "target", t.ID,
			"lag_ms", res.ReplicationLag.Milliseconds(), "max_ms", m.maxReplicaLag.Milliseconds())
		status.Message = "replication lag above bound"
		return status
	}

	done(true)
	status.IsHealthy = true
	return status
}

// lagBreached never applies to the primary.
func (m *Monitor) lagBreached(t domain.DatabaseTarget, lag *time.Duration) bool {
	return !t.IsPrimary() && m.maxReplicaLag > 0 && lag != nil && *lag > m.maxReplicaLag
}

// SetWeights replaces the weights of known replicas and republishes. Unknown ids are ignored.
func (m *Monitor) SetWeights(weights map[string]float64) {
	m.publishMu.Lock()
	defer m.publishMu.Unlock()

	next := maps.Clone(m.weights)
	for id, w := range weights {
		if _, ok := next[id]; !ok {
			m.logger.Warn("ignoring weight for unknown replica", "target", id)
			continue
		}
		if w < 0 {
			w = 0
		}
		next[id] = w
	}
	m.weights = next
	m.publishLocked(m.clock.Now())
}

func (m *Monitor) publishLocked(now time.Time) *domain.Snapshot {
	snap := &domain.Snapshot{
		TakenAt:  now,
		Primary:  m.entry(m.primary, 0),
		Replicas: make([]domain.TargetHealth, 0, len(m.replicas)),
	}
	for _, r := range m.replicas {
		snap.Replicas = append(snap.Replicas, m.entry(r, m.weights[r.ID]))
	}
	m.snapshot.Store(snap)
	return snap
}

func (m *Monitor) entry(t domain.DatabaseTarget, weight float64) domain.TargetHealth {
	b := m.breakers[t.ID]
	return domain.TargetHealth{
		Target:              t,
		Weight:              weight,
		Status:              m.last[t.ID],
		Circuit:             b.State(),
		ConsecutiveFailures: b.ConsecutiveFailures(),
	}
}
