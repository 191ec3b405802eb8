package instrumentation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains the Prometheus metrics for the projection worker.
type Metrics struct {
	EnvelopesTotal  *prometheus.CounterVec
	ApplyDurationMs prometheus.Histogram
	ConsumerLagMs   prometheus.Histogram
	StoreErrors     *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with the default
// registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith creates all metrics against the given registerer. Tests use
// a throwaway registry.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		EnvelopesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "projector_envelopes_total",
			Help: "Envelopes consumed, by event type and outcome",
		}, []string{"event_type", "outcome"}),

		ApplyDurationMs: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "projector_apply_duration_ms",
			Help:    "Time to decode, project and checkpoint one envelope in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),

		ConsumerLagMs: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "projector_consumer_lag_ms",
			Help:    "Time between record append and processing in milliseconds",
			Buckets: []float64{10, 50, 100, 250, 500, 1000, 2000, 5000},
		}),

		StoreErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "projector_store_errors_total",
			Help: "Store failures, by repository and operation",
		}, []string{"repository", "operation"}),
	}
}

// RecordEnvelope counts one consumed envelope.
func (m *Metrics) RecordEnvelope(eventType, outcome string) {
	m.EnvelopesTotal.WithLabelValues(eventType, outcome).Inc()
}

// RecordApplyDuration records the end-to-end processing time of one envelope.
func (m *Metrics) RecordApplyDuration(ms float64) {
	m.ApplyDurationMs.Observe(ms)
}

// RecordConsumerLag records how far behind the stream the worker is running.
func (m *Metrics) RecordConsumerLag(ms float64) {
	m.ConsumerLagMs.Observe(ms)
}

// RecordStoreError counts one failed store operation.
func (m *Metrics) RecordStoreError(repository, operation string) {
	m.StoreErrors.WithLabelValues(repository, operation).Inc()
}
