package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Events    *prometheus.CounterVec
	Outcomes  *prometheus.CounterVec
	Duration  prometheus.Histogram
	QueueFull prometheus.Counter
	Resumed   prometheus.Counter
}

func New() *Metrics {
	return &Metrics{
		Events: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "securebase_webhook_events_total",
			Help: "Payment webhook requests by ingress result",
		}, []string{"result"}),
		Outcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "securebase_onboarding_outcomes_total",
			Help: "Onboarding attempts by outcome",
		}, []string{"outcome"}),
		Duration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "securebase_onboarding_duration_seconds",
			Help:    "Wall time of one onboarding attempt",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		QueueFull: promauto.NewCounter(prometheus.CounterOpts{
			Name: "securebase_onboarding_queue_full_total",
			Help: "Events left for the sweeper because the worker queue was full",
		}),
		Resumed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "securebase_onboarding_resumed_total",
			Help: "Events picked up by the resume sweeper",
		}),
	}
}

func (m *Metrics) IncEvent(result string) {
	if m != nil {
		m.Events.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) IncOutcome(outcome string) {
	if m != nil {
		m.Outcomes.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) ObserveDuration(seconds float64) {
	if m != nil {
		m.Duration.Observe(seconds)
	}
}

func (m *Metrics) IncQueueFull() {
	if m != nil {
		m.QueueFull.Inc()
	}
}

func (m *Metrics) IncResumed() {
	if m != nil {
		m.Resumed.Inc()
	}
}
