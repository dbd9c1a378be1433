// Package metrics exposes engine counters over Prometheus. The
// registry is optional: a nil *Recorder is safe to call, so metrics
// can stay off without guards at every call site.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder holds the engine's metric families.
type Recorder struct {
	registry *prometheus.Registry

	operations   *prometheus.CounterVec
	opDuration   *prometheus.HistogramVec
	sagaOutcomes *prometheus.CounterVec
	hookFailures *prometheus.CounterVec
	cacheHits    *prometheus.CounterVec
	locksSwept   prometheus.Counter
}

// New builds a recorder with its own registry.
func New() *Recorder {
	r := &Recorder{registry: prometheus.NewRegistry()}

	r.operations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "civic", Name: "operations_total",
		Help: "Engine operations by name and result.",
	}, []string{"operation", "result"})

	r.opDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "civic", Name: "operation_duration_seconds",
		Help:    "Engine operation latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	r.sagaOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "civic", Name: "saga_outcomes_total",
		Help: "Saga terminal states.",
	}, []string{"saga", "state"})

	r.hookFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "civic", Name: "hook_failures_total",
		Help: "Hook handler failures by event.",
	}, []string{"event"})

	r.cacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "civic", Name: "cache_requests_total",
		Help: "Cache lookups by outcome.",
	}, []string{"cache", "outcome"})

	r.locksSwept = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "civic", Name: "locks_swept_total",
		Help: "Expired resource locks reclaimed by the sweep.",
	})

	r.registry.MustRegister(r.operations, r.opDuration, r.sagaOutcomes,
		r.hookFailures, r.cacheHits, r.locksSwept)
	return r
}

// Operation records one engine operation.
func (r *Recorder) Operation(name, result string, d time.Duration) {
	if r == nil {
		return
	}
	r.operations.WithLabelValues(name, result).Inc()
	r.opDuration.WithLabelValues(name).Observe(d.Seconds())
}

// Saga records a terminal saga state.
func (r *Recorder) Saga(name, state string) {
	if r == nil {
		return
	}
	r.sagaOutcomes.WithLabelValues(name, state).Inc()
}

// HookFailure records a failed hook dispatch.
func (r *Recorder) HookFailure(event string) {
	if r == nil {
		return
	}
	r.hookFailures.WithLabelValues(event).Inc()
}

// CacheLookup records a hit or miss.
func (r *Recorder) CacheLookup(cache string, hit bool) {
	if r == nil {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	r.cacheHits.WithLabelValues(cache, outcome).Inc()
}

// LocksSwept adds reclaimed lock count.
func (r *Recorder) LocksSwept(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.locksSwept.Add(float64(n))
}

// Handler serves the scrape endpoint.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
