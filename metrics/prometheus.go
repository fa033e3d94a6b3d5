// Package metrics exports workflow observations to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/warp/obelisk/changerequest"
)

// Prometheus implements changerequest.Metrics.
type Prometheus struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

// NewPrometheus registers the workflow collectors on reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	m := &Prometheus{
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "obelisk",
				Subsystem: "change_request",
				Name:      "transitions_total",
				Help:      "Number of change request operations by kind, event and result.",
			},
			[]string{"kind", "event", "result"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "obelisk",
				Subsystem: "change_request",
				Name:      "operation_duration_seconds",
				Help:      "Duration of change request operations, lock wait included.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"event"},
		),
	}
	reg.MustRegister(m.operations, m.duration)
	return m
}

func (m *Prometheus) ObserveOperation(kind changerequest.Kind, event, outcome string, took time.Duration) {
	k := string(kind)
	if k == "" {
		k = "unknown"
	}
	m.operations.WithLabelValues(k, event, outcome).Inc()
	m.duration.WithLabelValues(event).Observe(took.Seconds())
}
