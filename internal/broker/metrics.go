package broker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter
	Outcomes    *prometheus.CounterVec
	Suspensions prometheus.Counter
	Latency     prometheus.Histogram
}

func NewMetrics() *Metrics {
	return &Metrics{
		CacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "securebase_broker_cache_hits_total",
			Help: "Delegation sessions served from cache",
		}),
		CacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "securebase_broker_cache_misses_total",
			Help: "Delegation session requests that reached the identity service",
		}),
		Outcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "securebase_broker_assume_role_total",
			Help: "Identity service calls by outcome",
		}, []string{"outcome"}),
		Suspensions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "securebase_broker_suspensions_total",
			Help: "Tenants suspended after repeated delegation denials",
		}),
		Latency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "securebase_broker_assume_role_duration_seconds",
			Help:    "Identity service call latency",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
	}
}

func (m *Metrics) IncCacheHit() {
	if m != nil {
		m.CacheHits.Inc()
	}
}

func (m *Metrics) IncCacheMiss() {
	if m != nil {
		m.CacheMisses.Inc()
	}
}

func (m *Metrics) IncOutcome(outcome string) {
	if m != nil {
		m.Outcomes.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) IncSuspension() {
	if m != nil {
		m.Suspensions.Inc()
	}
}

func (m *Metrics) ObserveLatency(seconds float64) {
	if m != nil {
		m.Latency.Observe(seconds)
	}
}
