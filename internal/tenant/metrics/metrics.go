package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	TenantCreated     prometheus.Counter
	TenantTransitions *prometheus.CounterVec
}

func New() *Metrics {
	return &Metrics{
		TenantCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "securebase_tenants_created_total",
			Help: "Total number of tenants created",
		}),
		TenantTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "securebase_tenant_transitions_total",
			Help: "Tenant status transitions by target status",
		}, []string{"to"}),
	}
}

func (m *Metrics) IncrementTenantCreated() {
	if m != nil {
		m.TenantCreated.Inc()
	}
}

func (m *Metrics) IncrementTransition(to string) {
	if m != nil {
		m.TenantTransitions.WithLabelValues(to).Inc()
	}
}
