package gate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Denials *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		Denials: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "securebase_gate_denials_total",
			Help: "Requests refused by the tenant-context gate, by reason",
		}, []string{"reason"}),
	}
}

func (m *Metrics) IncDenial(reason string) {
	if m != nil {
		m.Denials.WithLabelValues(reason).Inc()
	}
}
