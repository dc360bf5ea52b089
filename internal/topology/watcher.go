package topology

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
)

// WeightSetter receives reloaded replica weights. *health.Monitor implements it.
type WeightSetter interface {
	SetWeights(weights map[string]float64)
}

// WatcherConfig holds watcher creation options.
type WatcherConfig struct {
	Path     string
	Interval time.Duration
	Target   WeightSetter
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Watcher polls the topology file and pushes weight changes. Adding or removing
// targets requires a restart; such changes are logged and only weights are applied.
type Watcher struct {
	path     string
	interval time.Duration
	target   WeightSetter
	clock    clock.Clock
	logger   *slog.Logger

	mu          sync.Mutex
	lastModTime time.Time
	known       map[string]bool

	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewWatcher creates a watcher. initial is the topology the process started with.
func NewWatcher(cfg WatcherConfig, initial *File) *Watcher {
	c := cfg.Clock
	if c == nil {
		c = clock.WallClock
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}

	w := &Watcher{
		path:     cfg.Path,
		interval: cfg.Interval,
		target:   cfg.Target,
		clock:    c,
		logger:   logger.With("component", "topology", "path", cfg.Path),
		known:    make(map[string]bool),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	if initial != nil {
		for id := range initial.Weights() {
			w.known[id] = true
		}
	}
	if info, err := os.Stat(cfg.Path); err == nil {
		w.lastModTime = info.ModTime()
	}
	return w
}

// Start launches the polling loop.
func (w *Watcher) Start(ctx context.Context) {
	if w.started.CompareAndSwap(false, true) {
		go w.loop(ctx)
	}
}

// Stop ends the polling loop and waits for it.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	if w.started.Load() {
		<-w.done
	}
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-w.clock.After(w.interval):
			w.Poll()
		}
	}
}

// Poll reloads the file if it changed and reports whether new weights were applied.
func (w *Watcher) Poll() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	info, err := os.Stat(w.path)
	if err != nil {
		w.logger.Warn("topology file not readable", "error", err)
		return false
	}
	if !info.ModTime().After(w.lastModTime) {
		return false
	}

	f, err := Load(w.path)
	if err != nil {
		// Keep retrying until a valid edit lands.
		w.logger.Error("ignoring invalid topology file", "error", err)
		return false
	}
	w.lastModTime = info.ModTime()

	weights := f.Weights()
	for id := range weights {
		if !w.known[id] {
			w.logger.Warn("new replica in topology file ignored until restart", "target", id)
			delete(weights, id)
		}
	}
	for id := range w.known {
		if _, ok := weights[id]; !ok {
			w.logger.Warn("replica removed from topology file stays configured until restart", "target", id)
		}
	}

	w.target.SetWeights(weights)
	w.logger.Info("topology weights reloaded", "replicas", len(weights))
	return true
}
