// Package metrics provides a thin wrapper for registering Prometheus
// collectors from package init(), generalizing the plain
// prometheus.MustRegister calls the teacher scatters across its
// packages (e.g. lib/restrictedsession) into one helper that tolerates
// re-registration. The core never exposes an HTTP /metrics endpoint
// itself (that's the excluded Prometheus-exposition collaborator); it
// only maintains the collectors so an embedder can register the
// default registry with its own exposition server.
package metrics

import (
	"errors"

	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"
)

// RegisterPrometheusCollectors registers the given collectors with the
// default registry, tolerating AlreadyRegisteredError so that packages
// whose init() runs more than once (tests) don't fail startup.
func RegisterPrometheusCollectors(collectors ...prometheus.Collector) error {
	for _, c := range collectors {
		if err := prometheus.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return trace.Wrap(err)
		}
	}
	return nil
}
