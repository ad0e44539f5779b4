package store

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts table operations issued by the store.
type Metrics struct {
	operations *prometheus.CounterVec
	retries    *prometheus.CounterVec
}

// NewMetrics creates the store collectors and registers them on reg.
// A nil reg leaves the collectors unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "activities",
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Table operations by operation and outcome.",
		}, []string{"operation", "outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "activities",
			Subsystem: "store",
			Name:      "retries_total",
			Help:      "Table operations retried after a transient failure.",
		}, []string{"operation"}),
	}
	if reg != nil {
		reg.MustRegister(m.operations, m.retries)
	}
	return m
}

// OperationsCounter returns the counter of one operation and outcome ("ok" or "error").
func (m *Metrics) OperationsCounter(op, outcome string) prometheus.Counter {
	return m.operations.WithLabelValues(op, outcome)
}

// RetriesCounter returns the retry counter of one operation.
func (m *Metrics) RetriesCounter(op string) prometheus.Counter {
	return m.retries.WithLabelValues(op)
}

func (m *Metrics) observe(op string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) retried(op string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(op).Inc()
}
