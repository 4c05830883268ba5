package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for outbound registry calls.
type Metrics struct {
	// Per-attempt latency by operation and outcome
	CallLatency *prometheus.HistogramVec

	// Calls by operation and outcome category
	CallOutcome *prometheus.CounterVec

	// Retries scheduled after a transient failure
	Retries *prometheus.CounterVec

	// Calls refused without touching the network
	CircuitRejected *prometheus.CounterVec

	// 1 while the breaker is open
	CircuitOpen prometheus.Gauge

	// Lookup cache hits
	CacheHits prometheus.Counter
}

// New registers the registry metrics on reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		CallLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ossgateway_registry_call_duration_seconds",
			Help:    "Duration of single registry HTTP attempts",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"operation", "outcome"}),

		CallOutcome: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ossgateway_registry_calls_total",
			Help: "Registry operations by final outcome category",
		}, []string{"operation", "outcome"}),

		Retries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ossgateway_registry_retries_total",
			Help: "Retries scheduled after transient registry failures",
		}, []string{"operation"}),

		CircuitRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ossgateway_registry_circuit_rejected_total",
			Help: "Registry operations refused because the circuit was open",
		}, []string{"operation"}),

		CircuitOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ossgateway_registry_circuit_open",
			Help: "1 when the registry circuit breaker is open",
		}),

		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "ossgateway_registry_lookup_cache_hits_total",
			Help: "Registry-ID lookups answered from the local cache",
		}),
	}
}

// ObserveCall records one attempt.
func (m *Metrics) ObserveCall(operation, outcome string, d time.Duration) {
	if m != nil {
		m.CallLatency.WithLabelValues(operation, outcome).Observe(d.Seconds())
	}
}

// IncrementOutcome records the final result of an operation.
func (m *Metrics) IncrementOutcome(operation, outcome string) {
	if m != nil {
		m.CallOutcome.WithLabelValues(operation, outcome).Inc()
	}
}

// IncrementRetry records a scheduled retry.
func (m *Metrics) IncrementRetry(operation string) {
	if m != nil {
		m.Retries.WithLabelValues(operation).Inc()
	}
}

// IncrementCircuitRejected records a call short-circuited by the breaker.
func (m *Metrics) IncrementCircuitRejected(operation string) {
	if m != nil {
		m.CircuitRejected.WithLabelValues(operation).Inc()
	}
}

// SetCircuitOpen mirrors the breaker position.
func (m *Metrics) SetCircuitOpen(open bool) {
	if m == nil {
		return
	}
	if open {
		m.CircuitOpen.Set(1)
		return
	}
	m.CircuitOpen.Set(0)
}

// IncrementCacheHit records a lookup served from cache.
func (m *Metrics) IncrementCacheHit() {
	if m != nil {
		m.CacheHits.Inc()
	}
}
