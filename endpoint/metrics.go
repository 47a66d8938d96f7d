package endpoint

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/udpkit/metric"
)

// Metrics holds the per-endpoint Prometheus instruments that the core
// registry vecs do not already cover (datagram and error counts live on
// metric.Registry.Core). A nil *Metrics is valid: endpoints constructed
// without a registry record nothing, and the helpers below are nil-safe.
type Metrics struct {
	bytesReceived    prometheus.Counter
	bytesSent        prometheus.Counter
	datagramsDropped prometheus.Counter
	lastActivity     prometheus.Gauge
}

func newMetrics(registry *metric.Registry, component string) (*Metrics, error) {
	labels := prometheus.Labels{"endpoint": component}

	m := &Metrics{
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "udpkit",
			Subsystem:   "endpoint",
			Name:        "bytes_received_total",
			ConstLabels: labels,
			Help:        "Total payload bytes received",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "udpkit",
			Subsystem:   "endpoint",
			Name:        "bytes_sent_total",
			ConstLabels: labels,
			Help:        "Total payload bytes sent",
		}),
		datagramsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "udpkit",
			Subsystem:   "endpoint",
			Name:        "datagrams_dropped_total",
			ConstLabels: labels,
			Help:        "Datagrams evicted from the receive buffer on overflow",
		}),
		lastActivity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "udpkit",
			Subsystem:   "endpoint",
			Name:        "last_activity_timestamp_seconds",
			ConstLabels: labels,
			Help:        "Unix time of the most recent datagram received or sent",
		}),
	}

	if err := registry.RegisterCounter(component, "bytes_received", m.bytesReceived); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(component, "bytes_sent", m.bytesSent); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(component, "datagrams_dropped", m.datagramsDropped); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(component, "last_activity", m.lastActivity); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) recordReceive(bytes int, when float64) {
	if m == nil {
		return
	}
	m.bytesReceived.Add(float64(bytes))
	m.lastActivity.Set(when)
}

func (m *Metrics) recordSend(bytes int, when float64) {
	if m == nil {
		return
	}
	m.bytesSent.Add(float64(bytes))
	m.lastActivity.Set(when)
}

func (m *Metrics) recordDrop() {
	if m == nil {
		return
	}
	m.datagramsDropped.Inc()
}
