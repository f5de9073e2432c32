// Package metrics exposes mirror traffic and worker lifecycle as Prometheus
// collectors.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mattjoyce/severance/internal/mirror"
)

// Collector is a mirror.Observer that also tracks worker lifecycle events.
type Collector struct {
	calls    *prometheus.CounterVec
	duration *prometheus.HistogramVec
	workers  *prometheus.GaugeVec
	respawns *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		calls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "severance",
				Subsystem: "mirror",
				Name:      "calls_total",
				Help:      "Mirror calls by outcome.",
			},
			[]string{"kind", "op", "role", "status"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "severance",
				Subsystem: "mirror",
				Name:      "call_duration_seconds",
				Help:      "Mirror call round-trip duration in seconds.",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
			},
			[]string{"kind", "op", "role"},
		),
		workers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "severance",
				Subsystem: "worker",
				Name:      "alive",
				Help:      "Worker children currently alive.",
			},
			[]string{"kind"},
		),
		respawns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "severance",
				Subsystem: "worker",
				Name:      "respawns_total",
				Help:      "Workers started again after their predecessor died.",
			},
			[]string{"kind"},
		),
	}
	for _, col := range []prometheus.Collector{c.calls, c.duration, c.workers, c.respawns} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// ObserveCall implements mirror.Observer.
func (c *Collector) ObserveCall(_ context.Context, rec mirror.CallRecord) {
	role := rec.Role.String()
	c.calls.WithLabelValues(rec.Kind, rec.Op, role, rec.Status()).Inc()
	c.duration.WithLabelValues(rec.Kind, rec.Op, role).Observe(rec.Duration.Seconds())
}

// WorkerUp records a worker start.
func (c *Collector) WorkerUp(kind string) {
	c.workers.WithLabelValues(kind).Inc()
}

// WorkerDown records a worker exit.
func (c *Collector) WorkerDown(kind string) {
	c.workers.WithLabelValues(kind).Dec()
}

// Respawned records a replacement worker.
func (c *Collector) Respawned(kind string) {
	c.respawns.WithLabelValues(kind).Inc()
}
