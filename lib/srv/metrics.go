package srv

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/galti3r/s5/lib/observability/metrics"
)

// Internal-only Prometheus collectors (§6 "Metrics (internal only)");
// nothing in this module exposes a /metrics HTTP endpoint, an embedder
// registers the default registry with its own exposition server.
var (
	proxiedConnections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "s5",
		Subsystem: "proxy",
		Name:      "connections_total",
		Help:      "Proxied connections by ingress kind and outcome.",
	}, []string{"kind", "ok"})

	blockedByACL = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "s5",
		Subsystem: "proxy",
		Name:      "blocked_by_acl_total",
		Help:      "Connections denied by the egress authorizer, by deny reason.",
	}, []string{"reason"})

	quotaDeniedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "s5",
		Subsystem: "proxy",
		Name:      "quota_denied_total",
		Help:      "Connections refused by quota reservation.",
	})

	activeConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "s5",
		Subsystem: "proxy",
		Name:      "active_connections",
		Help:      "Currently active proxied connections.",
	})
)

func init() {
	metrics.RegisterPrometheusCollectors(proxiedConnections, blockedByACL, quotaDeniedTotal, activeConnections)
}
