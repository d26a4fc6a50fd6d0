// Package observability wires the engine to Prometheus metrics and
// OpenTelemetry tracing.
package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is a Prometheus registry exposed for scraping.
type Registry struct {
	prom *prometheus.Registry
}

// NewRegistry creates a registry with the standard Go and process
// collectors.
func NewRegistry() (*Registry, error) {
	reg := prometheus.NewRegistry()

	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("registering go collector: %w", err)
	}
	if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, fmt.Errorf("registering process collector: %w", err)
	}
	return &Registry{prom: reg}, nil
}

// Handler returns an http.Handler for the /metrics endpoint.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prom, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registerer returns the registerer metrics should be added to.
func (r *Registry) Registerer() prometheus.Registerer {
	return r.prom
}
