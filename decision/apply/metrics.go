package apply

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the executor's Prometheus collectors.
type Metrics struct {
	// operations counts finished operations.
	// Labels: action, kind, outcome (applied, failed, skipped, cancelled)
	operations *prometheus.CounterVec

	// attempts counts provisioner calls, including retries.
	// Labels: call (create, update, destroy), kind
	attempts *prometheus.CounterVec

	// duration measures operation wall time including retries.
	// Labels: action, kind
	duration *prometheus.HistogramVec

	// stateWrites counts snapshot saves.
	// Labels: outcome (ok, error)
	stateWrites *prometheus.CounterVec
}

// NewMetrics registers the executor's collectors with reg. A nil registerer
// leaves the collectors unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "slugger",
			Subsystem: "apply",
			Name:      "operations_total",
			Help:      "Finished apply operations by action, kind and outcome",
		}, []string{"action", "kind", "outcome"}),
		attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "slugger",
			Subsystem: "apply",
			Name:      "provisioner_calls_total",
			Help:      "Provisioner calls including retries",
		}, []string{"call", "kind"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "slugger",
			Subsystem: "apply",
			Name:      "operation_duration_seconds",
			Help:      "Apply operation duration in seconds, retries included",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"action", "kind"}),
		stateWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "slugger",
			Subsystem: "state",
			Name:      "writes_total",
			Help:      "State snapshot writes by outcome",
		}, []string{"outcome"}),
	}
}
