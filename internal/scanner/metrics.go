package scanner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Resources     prometheus.Histogram
	ProbeDuration prometheus.Histogram
	Outcomes      *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		Resources: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "securebase_scanner_resources",
			Help:    "Resources enumerated per scan",
			Buckets: prometheus.ExponentialBuckets(1, 4, 6),
		}),
		ProbeDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "securebase_scanner_probe_duration_seconds",
			Help:    "Per-resource configuration probe latency including retries",
			Buckets: prometheus.DefBuckets,
		}),
		Outcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "securebase_scanner_outcomes_total",
			Help: "Probe outcomes by kind",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) ObserveResources(n int) {
	if m != nil {
		m.Resources.Observe(float64(n))
	}
}

func (m *Metrics) ObserveProbe(seconds float64) {
	if m != nil {
		m.ProbeDuration.Observe(seconds)
	}
}

func (m *Metrics) IncOutcome(outcome string) {
	if m != nil {
		m.Outcomes.WithLabelValues(outcome).Inc()
	}
}
