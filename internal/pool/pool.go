// Package pool implements bounded per-target database connection pools.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/auth-platform/platform/dbgate-service/internal/domain"
	"github.com/auth-platform/platform/dbgate-service/internal/infra/metrics"
	"github.com/juju/clock"
)

// Config holds pool creation options.
type Config struct {
	Target         domain.DatabaseTarget
	MinConnections int
	MaxConnections int
	IdleTimeout    time.Duration
	MaxBorrow      time.Duration
	AlertCooldown  time.Duration
	Dialer         domain.Dialer
	Clock          clock.Clock
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
	Events         *domain.EventBuilder
}

type entry struct {
	conn       domain.Conn
	lastUsed   time.Time
	borrowedAt time.Time
}

// Pool is a bounded set of connections to one target. Idle connections are reused LIFO.
type Pool struct {
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger

	mu       sync.Mutex
	idle     []*entry
	borrowed map[domain.Conn]*entry
	dialing  int
	waiters  int
	released chan struct{}
	closed   bool

	connErrors      int64
	waitSum         time.Duration
	waitCount       int64
	lastExhaustedAt time.Time
}

// New creates a pool. No connections are opened until Warm or Acquire.
func New(cfg Config) *Pool {
	if cfg.MaxConnections < 1 {
		cfg.MaxConnections = 1
	}
	if cfg.MinConnections > cfg.MaxConnections {
		cfg.MinConnections = cfg.MaxConnections
	}
	c := cfg.Clock
	if c == nil {
		c = clock.WallClock
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		cfg:      cfg,
		clock:    c,
		logger:   logger.With("component", "pool", "target", cfg.Target.ID),
		borrowed: make(map[domain.Conn]*entry),
		released: make(chan struct{}),
	}
}

// Target returns the pool's target.
func (p *Pool) Target() domain.DatabaseTarget { return p.cfg.Target }

// Warm opens MinConnections eagerly. Dial failures are counted and logged; Warm keeps going.
func (p *Pool) Warm(ctx context.Context) int {
	opened := 0
	for {
		p.mu.Lock()
		if p.closed || p.total()+p.dialing >= p.cfg.MinConnections {
			p.mu.Unlock()
			return opened
		}
		p.dialing++
		p.mu.Unlock()

		conn, err := p.cfg.Dialer.Dial(ctx, p.cfg.Target)

		p.mu.Lock()
		p.dialing--
		if err != nil {
			p.connErrors++
			p.mu.Unlock()
			p.cfg.Metrics.RecordConnectionError(p.cfg.Target.ID)
			p.logger.Warn("warm-up dial failed", "error", err)
			return opened
		}
		if p.closed {
			p.mu.Unlock()
			_ = conn.Close()
			return opened
		}
		p.idle = append(p.idle, &entry{conn: conn, lastUsed: p.clock.Now()})
		p.checkInvariant()
		p.mu.Unlock()
		opened++
	}
}

// Acquire borrows a connection: an idle one if available, a new one while below the ceiling,
// otherwise it waits for a release until timeout elapses. A zero timeout never waits.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (domain.Conn, error) {
	start := p.clock.Now()
	deadline := start.Add(timeout)
	blocked := false

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, domain.NewPoolClosedError(p.cfg.Target.ID)
		}

		now := p.clock.Now()
		e, stale := p.popIdle(now)
		if len(stale) > 0 {
			defer closeAll(stale)
		}
		if e != nil {
			e.borrowedAt = now
			e.lastUsed = now
			p.borrowed[e.conn] = e
			p.recordWait(blocked, now.Sub(start))
			p.checkInvariant()
			p.mu.Unlock()
			p.publish()
			return e.conn, nil
		}

		if p.total()+p.dialing < p.cfg.MaxConnections {
			p.dialing++
			p.mu.Unlock()
			return p.dial(ctx, start, blocked)
		}

		remaining := deadline.Sub(now)
		if timeout <= 0 || remaining <= 0 {
			p.connErrors++
			alert := p.shouldAlertExhausted(now)
			stats := p.statsLocked()
			p.mu.Unlock()
			p.exhausted(ctx, stats, alert, now.Sub(start))
			return nil, domain.NewPoolExhaustedError(p.cfg.Target.ID, now.Sub(start))
		}

		wake := p.released
		p.waiters++
		p.mu.Unlock()

		blocked = true
		timer := p.clock.NewTimer(remaining)
		select {
		case <-wake:
		case <-timer.Chan():
		case <-ctx.Done():
		}
		timer.Stop()

		p.mu.Lock()
		p.waiters--
		p.mu.Unlock()

		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("acquire %s: %w", p.cfg.Target.ID, err)
		}
	}
}

func (p *Pool) dial(ctx context.Context, start time.Time, blocked bool) (domain.Conn, error) {
	conn, err := p.cfg.Dialer.Dial(ctx, p.cfg.Target)

	p.mu.Lock()
	p.dialing--
	if err != nil {
		p.connErrors++
		p.wakeWaiters()
		p.mu.Unlock()
		p.cfg.Metrics.RecordConnectionError(p.cfg.Target.ID)
		p.logger.Warn("dial failed", "error", err)
		return nil, fmt.Errorf("dial %s: %w", p.cfg.Target.ID, err)
	}
	if p.closed {
		p.mu.Unlock()
		_ = conn.Close()
		return nil, domain.NewPoolClosedError(p.cfg.Target.ID)
	}

	now := p.clock.Now()
	p.borrowed[conn] = &entry{conn: conn, lastUsed: now, borrowedAt: now}
	p.recordWait(blocked, now.Sub(start))
	p.checkInvariant()
	p.mu.Unlock()
	p.publish()
	return conn, nil
}

// Release returns a borrowed connection. Connections held longer than IdleTimeout since they
// were last used are closed instead of pooled. Unknown connections are ignored.
func (p *Pool) Release(conn domain.Conn) {
	p.mu.Lock()
	e, ok := p.borrowed[conn]
	if !ok {
		p.mu.Unlock()
		p.logger.Warn("release of connection not owned by pool")
		return
	}
	delete(p.borrowed, conn)

	now := p.clock.Now()
	discard := p.closed || (p.cfg.IdleTimeout > 0 && now.Sub(e.lastUsed) > p.cfg.IdleTimeout)
	if !discard {
		e.lastUsed = now
		e.borrowedAt = time.Time{}
		p.idle = append(p.idle, e)
	}
	p.wakeWaiters()
	p.checkInvariant()
	p.mu.Unlock()

	if discard {
		_ = conn.Close()
	}
	p.publish()
}

// Reap force-closes connections borrowed longer than MaxBorrow and evicts idle connections
// past IdleTimeout while keeping MinConnections open. It returns the number of leaks reclaimed.
func (p *Pool) Reap(ctx context.Context) int {
	var leaked, evicted []*entry

	p.mu.Lock()
	now := p.clock.Now()
	if p.cfg.MaxBorrow > 0 {
		for conn, e := range p.borrowed {
			if now.Sub(e.borrowedAt) > p.cfg.MaxBorrow {
				delete(p.borrowed, conn)
				leaked = append(leaked, e)
			}
		}
	}
	if p.cfg.IdleTimeout > 0 {
		kept := p.idle[:0]
		// Oldest idle connections sit at the bottom of the stack.
		for _, e := range p.idle {
			if p.total()-len(evicted) > p.cfg.MinConnections && now.Sub(e.lastUsed) > p.cfg.IdleTimeout {
				evicted = append(evicted, e)
				continue
			}
			kept = append(kept, e)
		}
		p.idle = kept
	}
	if len(leaked)+len(evicted) > 0 {
		p.wakeWaiters()
	}
	p.checkInvariant()
	p.mu.Unlock()

	for _, e := range leaked {
		_ = e.conn.Close()
		held := now.Sub(e.borrowedAt)
		p.logger.Warn("reclaimed leaked connection", "held", held)
		p.cfg.Metrics.RecordConnectionLeaked(p.cfg.Target.ID)
		p.cfg.Events.EmitWithContext(ctx, domain.EventConnectionLeaked, p.cfg.Target.ID, map[string]any{
			"held_seconds": held.Seconds(),
		})
	}
	closeAll(evicted)
	if len(evicted) > 0 {
		p.logger.Debug("evicted idle connections", "count", len(evicted))
	}
	if len(leaked)+len(evicted) > 0 {
		p.publish()
	}
	return len(leaked)
}

// Stats returns a consistent view of the pool counters.
func (p *Pool) Stats() domain.PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

// Close closes idle connections and refuses further acquires. Borrowed connections are closed on release.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.wakeWaiters()
	p.mu.Unlock()

	closeAll(idle)
}

// popIdle takes the most recently used idle connection. Stale ones it skips over are
// removed and returned for the caller to close outside the lock.
func (p *Pool) popIdle(now time.Time) (*entry, []*entry) {
	var stale []*entry
	for len(p.idle) > 0 {
		n := len(p.idle) - 1
		e := p.idle[n]
		p.idle = p.idle[:n]
		if p.cfg.IdleTimeout > 0 && now.Sub(e.lastUsed) > p.cfg.IdleTimeout {
			stale = append(stale, e)
			continue
		}
		return e, stale
	}
	return nil, stale
}

func closeAll(entries []*entry) {
	for _, e := range entries {
		_ = e.conn.Close()
	}
}

func (p *Pool) total() int {
	return len(p.idle) + len(p.borrowed)
}

// wakeWaiters broadcasts to every blocked Acquire. Must be called with lock held.
func (p *Pool) wakeWaiters() {
	close(p.released)
	p.released = make(chan struct{})
}

func (p *Pool) recordWait(blocked bool, d time.Duration) {
	if !blocked {
		return
	}
	p.waitSum += d
	p.waitCount++
	p.cfg.Metrics.ObservePoolWait(p.cfg.Target.ID, d)
}

func (p *Pool) shouldAlertExhausted(now time.Time) bool {
	if !p.lastExhaustedAt.IsZero() && now.Sub(p.lastExhaustedAt) < p.cfg.AlertCooldown {
		return false
	}
	p.lastExhaustedAt = now
	return true
}

func (p *Pool) exhausted(ctx context.Context, stats domain.PoolStats, alert bool, waited time.Duration) {
	p.cfg.Metrics.RecordPoolExhausted(p.cfg.Target.ID)
	p.logger.Warn("pool exhausted",
		"active", stats.ActiveConnections,
		"max", stats.MaxConnections,
		"waited", waited,
	)
	if alert {
		p.cfg.Events.EmitWithContext(ctx, domain.EventPoolExhausted, p.cfg.Target.ID, map[string]any{
			"active_connections": stats.ActiveConnections,
			"max_connections":    stats.MaxConnections,
			"connection_errors":  stats.ConnectionErrors,
			"waiters":            stats.Waiters,
		})
	}
}

func (p *Pool) statsLocked() domain.PoolStats {
	active := len(p.borrowed)
	s := domain.PoolStats{
		Target:            p.cfg.Target.ID,
		MaxConnections:    p.cfg.MaxConnections,
		TotalConnections:  p.total(),
		ActiveConnections: active,
		IdleConnections:   len(p.idle),
		ConnectionErrors:  p.connErrors,
		Waiters:           p.waiters,
	}
	s.UtilizationPercent = float64(active) / float64(p.cfg.MaxConnections) * 100
	if p.waitCount > 0 {
		s.WaitTimeAvg = p.waitSum / time.Duration(p.waitCount)
	}
	return s
}

func (p *Pool) checkInvariant() {
	if err := p.statsLocked().Validate(); err != nil {
		p.logger.Error("pool invariant violated", "error", err)
	}
}

func (p *Pool) publish() {
	if p.cfg.Metrics == nil {
		return
	}
	p.cfg.Metrics.SetPoolStats(p.Stats())
}
