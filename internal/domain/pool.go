package domain

import (
	"context"
	"fmt"
	"time"
)

// PoolStats describes one target's connection pool.
type PoolStats struct {
	Target             string        `json:"target"`
	MaxConnections     int           `json:"max_connections"`
	TotalConnections   int           `json:"total_connections"`
	ActiveConnections  int           `json:"active_connections"`
	IdleConnections    int           `json:"idle_connections"`
	UtilizationPercent float64       `json:"utilization_percent"`
	WaitTimeAvg        time.Duration `json:"wait_time_avg"`
	ConnectionErrors   int64         `json:"connection_errors"`
	Waiters            int           `json:"waiters"`
}

// Validate checks active + idle == total <= max and active <= total.
func (s PoolStats) Validate() error {
	if s.ActiveConnections+s.IdleConnections != s.TotalConnections {
		return fmt.Errorf("pool %s: active(%d) + idle(%d) != total(%d)",
			s.Target, s.ActiveConnections, s.IdleConnections, s.TotalConnections)
	}
	if s.ActiveConnections > s.TotalConnections {
		return fmt.Errorf("pool %s: active(%d) > total(%d)", s.Target, s.ActiveConnections, s.TotalConnections)
	}
	if s.TotalConnections > s.MaxConnections {
		return fmt.Errorf("pool %s: total(%d) > max(%d)", s.Target, s.TotalConnections, s.MaxConnections)
	}
	return nil
}

// Saturated reports whether every connection is borrowed and no more can be opened.
func (s PoolStats) Saturated() bool {
	return s.MaxConnections > 0 && s.ActiveConnections >= s.MaxConnections
}

// PoolStatsSource exposes stats for a target.
type PoolStatsSource interface {
	GetPoolStats(target string) (PoolStats, error)
}

// Conn is a pooled database connection.
type Conn interface {
	Close() error
}

// Dialer opens new connections to a target.
type Dialer interface {
	Dial(ctx context.Context, target DatabaseTarget) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, target DatabaseTarget) (Conn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, target DatabaseTarget) (Conn, error) {
	return f(ctx, target)
}

// PoolManager hands out connections per target.
type PoolManager interface {
	// Acquire borrows a connection, waiting up to timeout. A zero timeout never waits.
	Acquire(ctx context.Context, target string, timeout time.Duration) (Conn, error)

	// Release returns a borrowed connection.
	Release(target string, conn Conn)

	// GetPoolStats returns current counters for the target.
	GetPoolStats(target string) (PoolStats, error)
}
