// Package metric manages Prometheus metric registration for the agent and
// exposes them over the admin mux.
package metric

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blheatwole/f5-telemetry-streaming/errors"
)

// Namespace prefixes every agent metric.
const Namespace = "f5telemetry"

// Registry manages the registration and lifecycle of metrics. Subsystems
// register under a "<subsystem>/<name>" key so reconfiguration can replace
// a component's metrics without collisions.
type Registry struct {
	prometheusRegistry *prometheus.Registry
	registered         map[string]prometheus.Collector
	mu                 sync.Mutex
}

// NewRegistry creates a registry preloaded with Go runtime collectors.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Registry{
		prometheusRegistry: reg,
		registered:         make(map[string]prometheus.Collector),
	}
}

// PrometheusRegistry returns the underlying Prometheus registry.
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// Register adds a collector under subsystem/name. Re-registering the same
// key replaces the previous collector.
func (r *Registry) Register(subsystem, name string, collector prometheus.Collector) error {
	key := subsystem + "/" + name

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.registered[key]; ok {
		r.prometheusRegistry.Unregister(existing)
	}
	if err := r.prometheusRegistry.Register(collector); err != nil {
		return errors.WrapInvalid(err, "Registry", "Register", "prometheus registration")
	}
	r.registered[key] = collector
	return nil
}

// Unregister removes a collector by key. Returns false when nothing was
// registered under the key.
func (r *Registry) Unregister(subsystem, name string) bool {
	key := subsystem + "/" + name

	r.mu.Lock()
	defer r.mu.Unlock()

	collector, ok := r.registered[key]
	if !ok {
		return false
	}
	delete(r.registered, key)
	return r.prometheusRegistry.Unregister(collector)
}

// UnregisterSubsystem removes every collector registered by a subsystem.
// Called when the reconciler tears a component down.
func (r *Registry) UnregisterSubsystem(subsystem string) {
	prefix := subsystem + "/"

	r.mu.Lock()
	defer r.mu.Unlock()

	for key, collector := range r.registered {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			r.prometheusRegistry.Unregister(collector)
			delete(r.registered, key)
		}
	}
}

// Handler returns the /metrics HTTP handler for the admin mux.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prometheusRegistry, promhttp.HandlerOpts{})
}
