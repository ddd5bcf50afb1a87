package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler returns the HTTP handler a cmd/moectl server mounts at /metrics.
// The otel Prometheus exporter registers its collector on the default
// registry, so promhttp.Handler() picks up every instrument created by
// this Provider without any extra wiring.
func Handler() http.Handler {
	return promhttp.Handler()
}
