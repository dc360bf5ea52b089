package testutil

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/auth-platform/platform/dbgate-service/internal/domain"
)

// ErrStoreDown is returned by MemoryCounterStore while failing.
var ErrStoreDown = errors.New("counter store unreachable")

type scored struct {
	member string
	at     time.Time
}

// MemoryCounterStore is an in-process domain.CounterStore that counts calls.
type MemoryCounterStore struct {
	mu      sync.Mutex
	sets    map[string][]scored
	ttls    map[string]time.Duration
	calls   atomic.Int64
	failing atomic.Bool
}

// NewMemoryCounterStore creates an empty store.
func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{
		sets: make(map[string][]scored),
		ttls: make(map[string]time.Duration),
	}
}

// SetFailing makes every call fail with ErrStoreDown.
func (s *MemoryCounterStore) SetFailing(v bool) { s.failing.Store(v) }

// Calls returns the number of store calls made so far.
func (s *MemoryCounterStore) Calls() int64 { return s.calls.Load() }

// TTL returns the last TTL set on key.
func (s *MemoryCounterStore) TTL(key string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ttls[key]
}

// Len returns the current cardinality of key without counting as a call.
func (s *MemoryCounterStore) Len(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sets[key])
}

func (s *MemoryCounterStore) enter() error {
	s.calls.Add(1)
	if s.failing.Load() {
		return ErrStoreDown
	}
	return nil
}

func (s *MemoryCounterStore) RemoveBefore(_ context.Context, key string, cutoff time.Time) error {
	if err := s.enter(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.sets[key][:0]
	for _, e := range s.sets[key] {
		if !e.at.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	s.sets[key] = kept
	return nil
}

func (s *MemoryCounterStore) Count(_ context.Context, key string) (int64, error) {
	if err := s.enter(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.sets[key])), nil
}

func (s *MemoryCounterStore) Oldest(_ context.Context, key string) (time.Time, bool, error) {
	if err := s.enter(); err != nil {
		return time.Time{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.sets[key]
	if len(set) == 0 {
		return time.Time{}, false, nil
	}
	return set[0].at, true, nil
}

func (s *MemoryCounterStore) Add(_ context.Context, key, member string, at time.Time) error {
	if err := s.enter(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	set := append(s.sets[key], scored{member: member, at: at})
	sort.SliceStable(set, func(i, j int) bool { return set[i].at.Before(set[j].at) })
	s.sets[key] = set
	return nil
}

func (s *MemoryCounterStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	if err := s.enter(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ttls[key] = ttl
	return nil
}

func (s *MemoryCounterStore) Ping(context.Context) error {
	return s.enter()
}

// FakeConn is a pooled connection that records Close.
type FakeConn struct {
	ID     int64
	closed atomic.Bool
}

// Close marks the connection closed.
func (c *FakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

// Closed reports whether Close was called.
func (c *FakeConn) Closed() bool { return c.closed.Load() }

// FakeDialer hands out FakeConns and can be told to fail.
type FakeDialer struct {
	next    atomic.Int64
	failing atomic.Bool
}

// SetFailing makes Dial return an error.
func (d *FakeDialer) SetFailing(v bool) { d.failing.Store(v) }

// Dialed returns the number of connections opened so far.
func (d *FakeDialer) Dialed() int64 { return d.next.Load() }

// Dial returns a new FakeConn.
func (d *FakeDialer) Dial(_ context.Context, _ domain.DatabaseTarget) (domain.Conn, error) {
	if d.failing.Load() {
		return nil, errors.New("connection refused")
	}
	return &FakeConn{ID: d.next.Add(1)}, nil
}

// RecordingEmitter collects emitted events.
type RecordingEmitter struct {
	mu     sync.Mutex
	events []domain.ResilienceEvent
}

// Emit records the event.
func (r *RecordingEmitter) Emit(event domain.ResilienceEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a copy of everything emitted.
func (r *RecordingEmitter) Events() []domain.ResilienceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.ResilienceEvent, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many events of type t were emitted.
func (r *RecordingEmitter) Count(t domain.EventType) int {
	n := 0
	for _, e := range r.Events() {
		if e.Type == t {
			n++
		}
	}
	return n
}

// ScriptedProber answers probes from a per-target function.
type ScriptedProber struct {
	mu     sync.Mutex
	script map[string]func() (domain.ProbeResult, error)
}

// NewScriptedProber returns a prober where every target is healthy until scripted.
func NewScriptedProber() *ScriptedProber {
	return &ScriptedProber{script: make(map[string]func() (domain.ProbeResult, error))}
}

// Set replaces the behavior for target.
func (p *ScriptedProber) Set(target string, fn func() (domain.ProbeResult, error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script[target] = fn
}

// Fail makes target fail every probe.
func (p *ScriptedProber) Fail(target string) {
	p.Set(target, func() (domain.ProbeResult, error) {
		return domain.ProbeResult{}, errors.New("connection refused")
	})
}

// Lag makes target report the given replication lag.
func (p *ScriptedProber) Lag(target string, lag time.Duration) {
	p.Set(target, func() (domain.ProbeResult, error) {
		return domain.ProbeResult{ReplicationLag: &lag}, nil
	})
}

// Heal makes target healthy again.
func (p *ScriptedProber) Heal(target string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.script, target)
}

// Probe runs the scripted behavior.
func (p *ScriptedProber) Probe(_ context.Context, target domain.DatabaseTarget) (domain.ProbeResult, error) {
	p.mu.Lock()
	fn := p.script[target.ID]
	p.mu.Unlock()
	if fn == nil {
		return domain.ProbeResult{}, nil
	}
	return fn()
}

// StaticSnapshots serves a fixed snapshot until replaced.
type StaticSnapshots struct {
	snap atomic.Pointer[domain.Snapshot]
}

// NewStaticSnapshots builds a snapshot from primary and replicas.
func NewStaticSnapshots(primary domain.TargetHealth, replicas ...domain.TargetHealth) *StaticSnapshots {
	s := &StaticSnapshots{}
	s.Set(primary, replicas...)
	return s
}

// Set publishes a new snapshot.
func (s *StaticSnapshots) Set(primary domain.TargetHealth, replicas ...domain.TargetHealth) {
	s.snap.Store(&domain.Snapshot{TakenAt: time.Now(), Primary: primary, Replicas: replicas})
}

// Snapshot returns the current snapshot.
func (s *StaticSnapshots) Snapshot() *domain.Snapshot { return s.snap.Load() }

// StaticPoolStats answers GetPoolStats from a map. Missing targets report an idle pool.
type StaticPoolStats map[string]domain.PoolStats

// GetPoolStats returns the configured stats.
func (s StaticPoolStats) GetPoolStats(target string) (domain.PoolStats, error) {
	if st, ok := s[target]; ok {
		return st, nil
	}
	return domain.PoolStats{Target: target, MaxConnections: 10}, nil
}
