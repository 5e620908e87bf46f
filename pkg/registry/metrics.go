// Copyright 2025 BioPassport Project
//
// Prometheus collectors for registry operations.

package registry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the registry's Prometheus collectors. A nil *Metrics is a
// valid no-op receiver so tests and embedded registries can skip metrics.
type Metrics struct {
	ops       *prometheus.CounterVec
	opLatency *prometheus.HistogramVec
}

// NewMetrics creates and registers the registry collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "biopassport_registry_operations_total",
			Help: "Registry write operations by name and outcome.",
		}, []string{"op", "outcome"}),
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "biopassport_registry_operation_seconds",
			Help:    "Registry write operation commit latency.",
			Buckets: prometheus.ExponentialBuckets(0.000001, 4, 12),
		}, []string{"op"}),
	}
	if reg != nil {
		reg.MustRegister(m.ops, m.opLatency)
	}
	return m
}

func (m *Metrics) observe(op string, err error, took time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.ops.WithLabelValues(op, outcome).Inc()
	m.opLatency.WithLabelValues(op).Observe(took.Seconds())
}
