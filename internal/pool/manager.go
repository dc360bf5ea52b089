package pool

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/auth-platform/platform/dbgate-service/internal/domain"
	"github.com/auth-platform/platform/dbgate-service/internal/infra/metrics"
	"github.com/juju/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ManagerConfig holds the settings shared by every pool.
type ManagerConfig struct {
	MinConnections int
	MaxConnections int
	IdleTimeout    time.Duration
	MaxBorrow      time.Duration
	ReapInterval   time.Duration
	AlertCooldown  time.Duration
	Dialer         domain.Dialer
	Clock          clock.Clock
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
	Events         *domain.EventBuilder
}

// Manager owns one pool per target and the background leak reaper.
type Manager struct {
	pools  map[string]*Pool
	clock  clock.Clock
	logger *slog.Logger
	tracer trace.Tracer

	reapInterval time.Duration
	started      atomic.Bool
	stopOnce     sync.Once
	stop         chan struct{}
	done         chan struct{}
}

var _ domain.PoolManager = (*Manager)(nil)

// NewManager creates a pool for every target. The target set is fixed for the manager's lifetime.
func NewManager(targets []domain.DatabaseTarget, cfg ManagerConfig) *Manager {
	c := cfg.Clock
	if c == nil {
		c = clock.WallClock
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 5 * time.Second
	}

	m := &Manager{
		pools:        make(map[string]*Pool, len(targets)),
		clock:        c,
		logger:       logger.With("component", "pool_manager"),
		tracer:       otel.Tracer("dbgate/pool"),
		reapInterval: cfg.ReapInterval,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, t := range targets {
		m.pools[t.ID] = New(Config{
			Target:         t,
			MinConnections: cfg.MinConnections,
			MaxConnections: cfg.MaxConnections,
			IdleTimeout:    cfg.IdleTimeout,
			MaxBorrow:      cfg.MaxBorrow,
			AlertCooldown:  cfg.AlertCooldown,
			Dialer:         cfg.Dialer,
			Clock:          c,
			Logger:         logger,
			Metrics:        cfg.Metrics,
			Events:         cfg.Events,
		})
	}
	return m
}

// Start opens the minimum connections of every pool and launches the reaper.
func (m *Manager) Start(ctx context.Context) {
	for id, p := range m.pools {
		opened := p.Warm(ctx)
		m.logger.Info("pool warmed", "target", id, "connections", opened)
	}
	if m.started.CompareAndSwap(false, true) {
		go m.reapLoop()
	}
}

func (m *Manager) reapLoop() {
	defer close(m.done)
	for {
		select {
		case <-m.stop:
			return
		case <-m.clock.After(m.reapInterval):
			m.ReapAll(context.Background())
		}
	}
}

// ReapAll runs one reaper pass over every pool.
func (m *Manager) ReapAll(ctx context.Context) int {
	n := 0
	for _, p := range m.pools {
		n += p.Reap(ctx)
	}
	return n
}

// Close stops the reaper and closes every pool.
func (m *Manager) Close() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
	if m.started.Load() {
		<-m.done
	}
	for _, p := range m.pools {
		p.Close()
	}
}

// Acquire borrows a connection to target.
func (m *Manager) Acquire(ctx context.Context, target string, timeout time.Duration) (domain.Conn, error) {
	p, ok := m.pools[target]
	if !ok {
		return nil, domain.NewUnknownTargetError(target)
	}

	ctx, span := m.tracer.Start(ctx, "pool.Acquire",
		trace.WithAttributes(
			attribute.String("db.target", target),
			attribute.Int64("pool.timeout_ms", timeout.Milliseconds()),
		),
	)
	defer span.End()

	conn, err := p.Acquire(ctx, timeout)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return conn, nil
}

// Release returns conn to target's pool.
func (m *Manager) Release(target string, conn domain.Conn) {
	p, ok := m.pools[target]
	if !ok {
		m.logger.Warn("release for unknown target", "target", target)
		return
	}
	p.Release(conn)
}

// GetPoolStats returns the stats of target's pool.
func (m *Manager) GetPoolStats(target string) (domain.PoolStats, error) {
	p, ok := m.pools[target]
	if !ok {
		return domain.PoolStats{}, domain.NewUnknownTargetError(target)
	}
	return p.Stats(), nil
}

// AllStats returns stats for every pool ordered by target id.
func (m *Manager) AllStats() []domain.PoolStats {
	out := make([]domain.PoolStats, 0, len(m.pools))
	for _, p := range m.pools {
		out = append(out, p.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out
}
