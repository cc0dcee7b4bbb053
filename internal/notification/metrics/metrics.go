package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Deliveries *prometheus.CounterVec
	Attempts   *prometheus.CounterVec
	Duplicates prometheus.Counter
}

func New() *Metrics {
	return &Metrics{
		Deliveries: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "securebase_notification_deliveries_total",
			Help: "Deliveries reaching a terminal status, by channel and status",
		}, []string{"channel", "status"}),
		Attempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "securebase_notification_attempts_total",
			Help: "Channel send attempts by channel and result",
		}, []string{"channel", "result"}),
		Duplicates: promauto.NewCounter(prometheus.CounterOpts{
			Name: "securebase_notification_duplicates_total",
			Help: "Submissions suppressed because the delivery already finished",
		}),
	}
}

func (m *Metrics) IncDelivery(channel, status string) {
	if m != nil {
		m.Deliveries.WithLabelValues(channel, status).Inc()
	}
}

func (m *Metrics) IncAttempt(channel, result string) {
	if m != nil {
		m.Attempts.WithLabelValues(channel, result).Inc()
	}
}

func (m *Metrics) IncDuplicate() {
	if m != nil {
		m.Duplicates.Inc()
	}
}
