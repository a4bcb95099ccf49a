// Package metrics exposes daemon counters in the Prometheus text format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Paranoid-AF/murmur/cache"
	"github.com/Paranoid-AF/murmur/history"
)

// Metrics holds the daemon's collectors on a private registry. A nil
// *Metrics accepts every observation and records nothing.
type Metrics struct {
	reg *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	attempts        *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	prefetches      *prometheus.CounterVec
}

// New registers the request, provider and prefetch collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "murmur_requests_total",
			Help: "JSON-RPC requests handled, by method and outcome.",
		}, []string{"method", "outcome"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "murmur_request_duration_seconds",
			Help:    "JSON-RPC request latency.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"method"}),
		attempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "murmur_provider_attempts_total",
			Help: "Provider calls, by provider and result.",
		}, []string{"provider", "result"}),
		attemptDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "murmur_provider_attempt_duration_seconds",
			Help:    "Provider call latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		prefetches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "murmur_prefetch_total",
			Help: "Speculative fetches, by result.",
		}, []string{"result"}),
	}
}

// WatchCache exports the cache's size and hit/miss counters.
func (m *Metrics) WatchCache(c *cache.Cache) {
	if m == nil || c == nil {
		return
	}
	f := promauto.With(m.reg)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "murmur_cache_entries",
		Help: "Completion cache entries.",
	}, func() float64 { return float64(c.Len()) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Name: "murmur_cache_hits_total",
		Help: "Completion cache hits.",
	}, func() float64 { return float64(c.Stats().Hits) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Name: "murmur_cache_misses_total",
		Help: "Completion cache misses.",
	}, func() float64 { return float64(c.Stats().Misses) })
}

// WatchHistory exports the history store's size.
func (m *Metrics) WatchHistory(s *history.Store) {
	if m == nil || s == nil {
		return
	}
	promauto.With(m.reg).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "murmur_history_entries",
		Help: "Commands held in the history store.",
	}, func() float64 { return float64(s.Len()) })
}

// ObserveRequest records one handled request.
func (m *Metrics) ObserveRequest(method, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, outcome).Inc()
	m.requestDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// ObserveAttempt records one provider call. Its signature matches
// provider.Observer.
func (m *Metrics) ObserveAttempt(provider, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(provider, result).Inc()
	m.attemptDuration.WithLabelValues(provider).Observe(elapsed.Seconds())
}

// ObservePrefetch records the outcome of one prediction.
func (m *Metrics) ObservePrefetch(result string) {
	if m == nil {
		return
	}
	m.prefetches.WithLabelValues(result).Inc()
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
