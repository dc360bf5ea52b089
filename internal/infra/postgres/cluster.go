// Package postgres opens connections to and probes the primary and replica databases.
package postgres

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/auth-platform/platform/dbgate-service/internal/domain"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Config holds credentials shared by every target.
type Config struct {
	User            string
	Password        string
	Database        string
	SSLMode         string
	ConnectTimeout  time.Duration
	ApplicationName string
}

// Cluster keeps two database/sql handles per target: one that hands out dedicated
// connections to the pool manager and one small handle reserved for probes.
type Cluster struct {
	cfg Config

	mu     sync.RWMutex
	conns  map[string]*sqlx.DB
	probes map[string]*sqlx.DB
}

// Conn is a dedicated connection borrowed from a Cluster.
type Conn struct {
	*sqlx.Conn
	Target domain.DatabaseTarget
}

// probeRow is the result of the liveness query.
type probeRow struct {
	InRecovery bool    `db:"in_recovery"`
	LagSeconds float64 `db:"lag_seconds"`
}

const probeQuery = `SELECT pg_is_in_recovery() AS in_recovery,
	COALESCE(EXTRACT(EPOCH FROM (now() - pg_last_xact_replay_timestamp())), 0)::float8 AS lag_seconds`

// NewCluster prepares handles for every target. No connection is made until first use.
func NewCluster(cfg Config, targets []domain.DatabaseTarget) (*Cluster, error) {
	c := &Cluster{
		cfg:    cfg,
		conns:  make(map[string]*sqlx.DB, len(targets)),
		probes: make(map[string]*sqlx.DB, len(targets)),
	}
	for _, t := range targets {
		dsn := DSN(cfg, t)

		db, err := sqlx.Open("postgres", dsn)
		if err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("open %s: %w", t.ID, err)
		}
		// The pool manager owns reuse; connections returned here are closed for real.
		db.SetMaxIdleConns(0)
		c.conns[t.ID] = db

		probe, err := sqlx.Open("postgres", dsn)
		if err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("open probe %s: %w", t.ID, err)
		}
		probe.SetMaxOpenConns(1)
		probe.SetMaxIdleConns(1)
		c.probes[t.ID] = probe
	}
	return c, nil
}

// DSN builds a lib/pq connection URL for target.
func DSN(cfg Config, t domain.DatabaseTarget) string {
	u := url.URL{
		Scheme: "postgres",
		Host:   t.Addr(),
		Path:   "/" + cfg.Database,
	}
	if cfg.User != "" {
		if cfg.Password != "" {
			u.User = url.UserPassword(cfg.User, cfg.Password)
		} else {
			u.User = url.User(cfg.User)
		}
	}

	q := url.Values{}
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	q.Set("sslmode", sslMode)
	if cfg.ConnectTimeout > 0 {
		secs := int(cfg.ConnectTimeout / time.Second)
		if secs < 1 {
			secs = 1
		}
		q.Set("connect_timeout", strconv.Itoa(secs))
	}
	if cfg.ApplicationName != "" {
		q.Set("application_name", cfg.ApplicationName)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Dial opens a dedicated connection to target.
func (c *Cluster) Dial(ctx context.Context, target domain.DatabaseTarget) (domain.Conn, error) {
	db, err := c.handle(c.conns, target.ID)
	if err != nil {
		return nil, err
	}
	if c.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		defer cancel()
	}
	conn, err := db.Connx(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", target.ID, err)
	}
	// database/sql connects lazily; make sure the server is really there.
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping %s: %w", target.ID, err)
	}
	return &Conn{Conn: conn, Target: target}, nil
}

// Probe runs the liveness query. The primary must not be in recovery; replicas report lag.
func (c *Cluster) Probe(ctx context.Context, target domain.DatabaseTarget) (domain.ProbeResult, error) {
	db, err := c.handle(c.probes, target.ID)
	if err != nil {
		return domain.ProbeResult{}, err
	}

	var row probeRow
	if err := db.GetContext(ctx, &row, probeQuery); err != nil {
		return domain.ProbeResult{}, fmt.Errorf("probe %s: %w", target.ID, err)
	}
	return interpret(target, row)
}

func interpret(target domain.DatabaseTarget, row probeRow) (domain.ProbeResult, error) {
	if target.IsPrimary() {
		if row.InRecovery {
			return domain.ProbeResult{}, fmt.Errorf("probe %s: primary is in recovery", target.ID)
		}
		return domain.ProbeResult{}, nil
	}

	lag := time.Duration(row.LagSeconds * float64(time.Second))
	if lag < 0 {
		lag = 0
	}
	return domain.ProbeResult{ReplicationLag: &lag}, nil
}

func (c *Cluster) handle(m map[string]*sqlx.DB, id string) (*sqlx.DB, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	db, ok := m[id]
	if !ok {
		return nil, domain.NewUnknownTargetError(id)
	}
	return db, nil
}

// Close closes every handle.
func (c *Cluster) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for _, m := range []map[string]*sqlx.DB{c.conns, c.probes} {
		for id, db := range m {
			if err := db.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("close %s: %w", id, err)
			}
			delete(m, id)
		}
	}
	return firstErr
}
