package tree

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// wireupMetrics instruments Wireup's end-to-end duration (every edge's
// dial/accept/authenticate), the number an operator watches to catch a
// peer that's slow to appear. It lives in its own registry rather than
// the global default one, so a process also embedding pkg/scheduler's
// metrics never collides with it on metric names.
var wireupMetrics = newTreeMetrics()

type treeMetrics struct {
	registry       *prometheus.Registry
	WireupDuration prometheus.Histogram
}

func newTreeMetrics() *treeMetrics {
	m := &treeMetrics{
		registry: prometheus.NewRegistry(),
		WireupDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "tree_wireup_duration_seconds",
			Help: "Time Wireup takes to bring up a node's parent/child connections.",
		}),
	}
	m.registry.MustRegister(m.WireupDuration)
	return m
}

// MetricsHandler exposes this package's Prometheus registry in the
// exposition format, for an embedder to mount alongside its own
// /metrics route.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(wireupMetrics.registry, promhttp.HandlerOpts{})
}
