// Package metrics holds the Prometheus collectors for the device ledger.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for ledger operations and validation sweeps.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Ledger operations by op ("register", "deregister", ...) and result
	Operations *prometheus.CounterVec

	// Ledger operation latency by op
	OperationLatency *prometheus.HistogramVec

	// Compare-and-swap conflicts that triggered a reload
	Conflicts *prometheus.CounterVec

	// Invalid stored histories found by the last sweep
	InvalidHistories prometheus.Gauge

	// Sweep duration
	SweepLatency prometheus.Histogram
}

// New registers the ledger collectors with reg. Pass prometheus.NewRegistry()
// in tests so repeated construction does not collide.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Operations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "device_ledger_operations_total",
			Help: "Total ledger operations by operation and result",
		}, []string{"op", "result"}), // result: "ok", "validation", "policy", "not_found", "conflict", "storage"

		OperationLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "device_ledger_operation_duration_seconds",
			Help:    "Duration of ledger operations including storage round trips",
			Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"op"}),

		Conflicts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "device_ledger_cas_conflicts_total",
			Help: "Optimistic concurrency conflicts by operation",
		}, []string{"op"}),

		InvalidHistories: f.NewGauge(prometheus.GaugeOpts{
			Name: "device_ledger_invalid_histories",
			Help: "Number of stored device histories that failed validation in the last sweep",
		}),

		SweepLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "device_ledger_sweep_duration_seconds",
			Help:    "Duration of full validation sweeps",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),
	}
}

// ObserveOperation records the outcome and duration of one ledger call.
func (m *Metrics) ObserveOperation(op, result string, d time.Duration) {
	if m != nil {
		m.Operations.WithLabelValues(op, result).Inc()
		m.OperationLatency.WithLabelValues(op).Observe(d.Seconds())
	}
}

// IncrementConflict records a CAS conflict.
func (m *Metrics) IncrementConflict(op string) {
	if m != nil {
		m.Conflicts.WithLabelValues(op).Inc()
	}
}

// ObserveSweep records a sweep's duration and the invalid count it found.
func (m *Metrics) ObserveSweep(invalid int, d time.Duration) {
	if m != nil {
		m.InvalidHistories.Set(float64(invalid))
		m.SweepLatency.Observe(d.Seconds())
	}
}
