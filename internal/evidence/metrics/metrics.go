package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Runs        *prometheus.CounterVec
	RunDuration prometheus.Histogram
	Records     *prometheus.CounterVec
	Truncated   prometheus.Counter
}

func New() *Metrics {
	return &Metrics{
		Runs: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "securebase_audit_runs_total",
			Help: "Audit runs by final outcome",
		}, []string{"outcome"}),
		RunDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "securebase_audit_run_duration_seconds",
			Help:    "Wall time of an audit run from session to last write",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
		}),
		Records: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "securebase_evidence_records_total",
			Help: "Evidence records written by status",
		}, []string{"status"}),
		Truncated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "securebase_evidence_truncated_total",
			Help: "Evidence records whose proof was cut at the ceiling",
		}),
	}
}

func (m *Metrics) IncRun(outcome string) {
	if m != nil {
		m.Runs.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) ObserveRun(seconds float64) {
	if m != nil {
		m.RunDuration.Observe(seconds)
	}
}

func (m *Metrics) IncRecord(status string, truncated bool) {
	if m == nil {
		return
	}
	m.Records.WithLabelValues(status).Inc()
	if truncated {
		m.Truncated.Inc()
	}
}
