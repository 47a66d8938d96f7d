// Package metric manages Prometheus metrics for udpkit: a registry for
// per-endpoint metrics, a set of core platform metrics, and an HTTP server
// exposing them.
package metric

import (
	"fmt"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Registrar defines the interface for registering component metrics.
type Registrar interface {
	RegisterCounter(component, name string, counter prometheus.Counter) error
	RegisterGauge(component, name string, gauge prometheus.Gauge) error
	RegisterHistogram(component, name string, histogram prometheus.Histogram) error
	Unregister(component, name string) bool
}

// Registry manages the registration and lifecycle of metrics.
type Registry struct {
	prom       *prometheus.Registry
	Core       *Metrics
	registered map[string]prometheus.Collector
	mu         sync.Mutex
}

// NewRegistry creates a new metrics registry with core platform metrics and
// Go runtime collectors pre-registered.
func NewRegistry() *Registry {
	r := &Registry{
		prom:       prometheus.NewRegistry(),
		registered: make(map[string]prometheus.Collector),
	}

	r.Core = NewMetrics()
	r.prom.MustRegister(
		r.Core.EndpointStatus,
		r.Core.DatagramsReceived,
		r.Core.DatagramsSent,
		r.Core.ErrorsTotal,
	)

	r.prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return r
}

// Prometheus returns the underlying Prometheus registry.
func (r *Registry) Prometheus() *prometheus.Registry {
	return r.prom
}

// register adds a collector under "component.name", rejecting duplicates.
func (r *Registry) register(component, name string, c prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", component, name)
	if _, exists := r.registered[key]; exists {
		return fmt.Errorf("metric %s already registered for component %s", name, component)
	}

	if err := r.prom.Register(c); err != nil {
		return fmt.Errorf("prometheus registration of %s failed: %w", key, err)
	}

	r.registered[key] = c
	return nil
}

// RegisterCounter registers a counter metric for a component.
func (r *Registry) RegisterCounter(component, name string, counter prometheus.Counter) error {
	return r.register(component, name, counter)
}

// RegisterGauge registers a gauge metric for a component.
func (r *Registry) RegisterGauge(component, name string, gauge prometheus.Gauge) error {
	return r.register(component, name, gauge)
}

// RegisterHistogram registers a histogram metric for a component.
func (r *Registry) RegisterHistogram(component, name string, histogram prometheus.Histogram) error {
	return r.register(component, name, histogram)
}

// Unregister removes a metric from the registry.
func (r *Registry) Unregister(component, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", component, name)
	c, exists := r.registered[key]
	if !exists {
		return false
	}

	if r.prom.Unregister(c) {
		delete(r.registered, key)
		return true
	}
	return false
}

// UnregisterComponent removes all metrics registered for a component and
// returns how many were removed. Used when an endpoint is destroyed.
func (r *Registry) UnregisterComponent(component string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	prefix := component + "."
	removed := 0
	for key, c := range r.registered {
		if strings.HasPrefix(key, prefix) && r.prom.Unregister(c) {
			delete(r.registered, key)
			removed++
		}
	}
	return removed
}
