// Package metrics provides Prometheus metrics for admission, pooling, health and routing.
package metrics

import (
	"net/http"
	"time"

	"github.com/auth-platform/platform/dbgate-service/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultLatencyBuckets defines standard latency buckets in seconds.
var DefaultLatencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0,
}

// Metrics holds all Prometheus collectors for the service. A nil *Metrics is valid and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	AdmissionTotal       *prometheus.CounterVec
	CounterStoreErrors   *prometheus.CounterVec
	CircuitState         *prometheus.GaugeVec
	CircuitTransitions   *prometheus.CounterVec
	ProbeLatency         *prometheus.HistogramVec
	ReplicationLag       *prometheus.GaugeVec
	PoolConnections      *prometheus.GaugeVec
	PoolMaxConnections   *prometheus.GaugeVec
	PoolWaitSeconds      *prometheus.HistogramVec
	PoolExhaustedTotal   *prometheus.CounterVec
	PoolConnectionErrors *prometheus.CounterVec
	ConnectionsLeaked    *prometheus.CounterVec
	RoutedTotal          *prometheus.CounterVec
	AlertsTotal          *prometheus.CounterVec
}

// NewMetrics creates collectors registered with reg. A nil reg uses a fresh registry.
func NewMetrics(namespace string, reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		gatherer: reg,
		AdmissionTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_decisions_total",
			Help:      "Rate limiter decisions by scope and outcome",
		}, []string{"scope", "outcome"}),
		CounterStoreErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "counter_store_errors_total",
			Help:      "Counter store failures absorbed by failing open",
		}, []string{"scope"}),
		CircuitState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Current circuit state per target (0=closed, 1=open, 2=half-open)",
		}, []string{"target"}),
		CircuitTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Circuit state transitions per target",
		}, []string{"target", "from", "to"}),
		ProbeLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_duration_seconds",
			Help:      "Health probe latency per target",
			Buckets:   DefaultLatencyBuckets,
		}, []string{"target", "result"}),
		ReplicationLag: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "replication_lag_seconds",
			Help:      "Last observed replication lag per replica",
		}, []string{"target"}),
		PoolConnections: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_connections",
			Help:      "Pool connections per target by state",
		}, []string{"target", "state"}),
		PoolMaxConnections: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_max_connections",
			Help:      "Configured pool ceiling per target",
		}, []string{"target"}),
		PoolWaitSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pool_wait_seconds",
			Help:      "Time Acquire spent waiting for a connection",
			Buckets:   DefaultLatencyBuckets,
		}, []string{"target"}),
		PoolExhaustedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_exhausted_total",
			Help:      "Acquire calls that failed with pool exhausted",
		}, []string{"target"}),
		PoolConnectionErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_connection_errors_total",
			Help:      "Failed dials per target",
		}, []string{"target"}),
		ConnectionsLeaked: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_connections_leaked_total",
			Help:      "Borrowed connections reclaimed by the leak reaper",
		}, []string{"target"}),
		RoutedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routed_queries_total",
			Help:      "Routing decisions by target and operation",
		}, []string{"target", "operation"}),
		AlertsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alerts handed to the sink by type and result",
		}, []string{"type", "result"}),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// RecordAdmission records a rate limiter decision.
func (m *Metrics) RecordAdmission(scope domain.RateLimitScope, allowed bool) {
	if m == nil {
		return
	}
	outcome := "denied"
	if allowed {
		outcome = "allowed"
	}
	m.AdmissionTotal.WithLabelValues(string(scope), outcome).Inc()
}

// RecordCounterStoreError records a fail-open decision.
func (m *Metrics) RecordCounterStoreError(scope domain.RateLimitScope) {
	if m == nil {
		return
	}
	m.CounterStoreErrors.WithLabelValues(string(scope)).Inc()
}

// RecordCircuitTransition updates the state gauge and transition counter.
func (m *Metrics) RecordCircuitTransition(target string, from, to domain.CircuitState) {
	if m == nil {
		return
	}
	m.CircuitState.WithLabelValues(target).Set(float64(to))
	m.CircuitTransitions.WithLabelValues(target, from.String(), to.String()).Inc()
}

// SetCircuitState sets the state gauge.
func (m *Metrics) SetCircuitState(target string, state domain.CircuitState) {
	if m == nil {
		return
	}
	m.CircuitState.WithLabelValues(target).Set(float64(state))
}

// ObserveProbe records probe latency and lag.
func (m *Metrics) ObserveProbe(target string, d time.Duration, ok bool, lag *time.Duration) {
	if m == nil {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	m.ProbeLatency.WithLabelValues(target, result).Observe(d.Seconds())
	if lag != nil {
		m.ReplicationLag.WithLabelValues(target).Set(lag.Seconds())
	}
}

// SetPoolStats publishes pool gauges.
func (m *Metrics) SetPoolStats(s domain.PoolStats) {
	if m == nil {
		return
	}
	m.PoolConnections.WithLabelValues(s.Target, "active").Set(float64(s.ActiveConnections))
	m.PoolConnections.WithLabelValues(s.Target, "idle").Set(float64(s.IdleConnections))
	m.PoolMaxConnections.WithLabelValues(s.Target).Set(float64(s.MaxConnections))
}

// ObservePoolWait records time spent blocked in Acquire.
func (m *Metrics) ObservePoolWait(target string, d time.Duration) {
	if m == nil {
		return
	}
	m.PoolWaitSeconds.WithLabelValues(target).Observe(d.Seconds())
}

// RecordPoolExhausted counts an exhausted Acquire.
func (m *Metrics) RecordPoolExhausted(target string) {
	if m == nil {
		return
	}
	m.PoolExhaustedTotal.WithLabelValues(target).Inc()
}

// RecordConnectionError counts a failed dial.
func (m *Metrics) RecordConnectionError(target string) {
	if m == nil {
		return
	}
	m.PoolConnectionErrors.WithLabelValues(target).Inc()
}

// RecordConnectionLeaked counts a reclaimed connection.
func (m *Metrics) RecordConnectionLeaked(target string) {
	if m == nil {
		return
	}
	m.ConnectionsLeaked.WithLabelValues(target).Inc()
}

// RecordRoute counts a routing decision.
func (m *Metrics) RecordRoute(target string, kind domain.OperationKind) {
	if m == nil {
		return
	}
	m.RoutedTotal.WithLabelValues(target, kind.String()).Inc()
}

// RecordAlert counts an alert delivery attempt.
func (m *Metrics) RecordAlert(t domain.EventType, delivered bool) {
	if m == nil {
		return
	}
	result := "dropped"
	if delivered {
		result = "delivered"
	}
	m.AlertsTotal.WithLabelValues(string(t), result).Inc()
}
