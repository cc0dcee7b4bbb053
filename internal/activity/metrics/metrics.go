package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Recorded      prometheus.Counter
	Flushed       prometheus.Counter
	FlushFailures prometheus.Counter
	Overflow      prometheus.Counter
	Published     prometheus.Counter
	PublishErrors prometheus.Counter
	BatchSize     prometheus.Histogram
}

func New() *Metrics {
	return &Metrics{
		Recorded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "securebase_activity_recorded_total",
			Help: "Activity entries handed to the journal",
		}),
		Flushed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "securebase_activity_flushed_total",
			Help: "Activity entries durably written",
		}),
		FlushFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "securebase_activity_flush_failures_total",
			Help: "Journal flush attempts that failed and were kept for retry",
		}),
		Overflow: promauto.NewCounter(prometheus.CounterOpts{
			Name: "securebase_activity_buffer_overflow_total",
			Help: "Entries written synchronously because the journal buffer was full",
		}),
		Published: promauto.NewCounter(prometheus.CounterOpts{
			Name: "securebase_activity_published_total",
			Help: "Activity entries published to the outbox topic",
		}),
		PublishErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "securebase_activity_publish_errors_total",
			Help: "Activity entries that failed to publish to the outbox topic",
		}),
		BatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "securebase_activity_flush_batch_size",
			Help:    "Entries per journal flush",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250},
		}),
	}
}

func (m *Metrics) IncRecorded() {
	if m != nil {
		m.Recorded.Inc()
	}
}

func (m *Metrics) ObserveFlush(n int) {
	if m != nil {
		m.Flushed.Add(float64(n))
		m.BatchSize.Observe(float64(n))
	}
}

func (m *Metrics) IncFlushFailure() {
	if m != nil {
		m.FlushFailures.Inc()
	}
}

func (m *Metrics) IncOverflow() {
	if m != nil {
		m.Overflow.Inc()
	}
}

func (m *Metrics) IncPublished() {
	if m != nil {
		m.Published.Inc()
	}
}

func (m *Metrics) IncPublishError() {
	if m != nil {
		m.PublishErrors.Inc()
	}
}
