package scheduler

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the scheduler's Prometheus instrumentation: the queue
// depth and alloc(2) latency an operator watches to see whether the
// check stage is keeping up with incoming requests. Each Scheduler
// owns its own registry rather than registering into the global
// default one, so a process embedding more than one Scheduler (tests
// construct many) never collides on metric names.
type Metrics struct {
	registry *prometheus.Registry

	QueueDepth   prometheus.Gauge
	AllocLatency prometheus.Histogram
}

// NewMetrics builds a Metrics with a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scheduler_queue_depth",
			Help: "Number of alloc requests currently queued awaiting placement.",
		}),
		AllocLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "scheduler_alloc_latency_seconds",
			Help: "Time alloc(2) takes from request to queued-or-denied.",
		}),
	}
	m.registry.MustRegister(m.QueueDepth, m.AllocLatency)
	return m
}

// Handler exposes the registry in the Prometheus exposition format,
// for an embedder (pkg/scheduler/httpapi.Server) to mount at /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
