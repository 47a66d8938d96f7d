package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Endpoint status values reported by the EndpointStatus gauge.
const (
	StatusStopped float64 = iota
	StatusStarting
	StatusRunning
	StatusStopping
	StatusFailed
)

// Metrics contains platform-level metrics shared by all endpoints.
type Metrics struct {
	// EndpointStatus reports lifecycle state per endpoint
	// (0=stopped, 1=starting, 2=running, 3=stopping, 4=failed)
	EndpointStatus *prometheus.GaugeVec

	// DatagramsReceived counts inbound datagrams per endpoint
	DatagramsReceived *prometheus.CounterVec

	// DatagramsSent counts outbound datagrams per endpoint
	DatagramsSent *prometheus.CounterVec

	// ErrorsTotal counts errors per endpoint and error class
	ErrorsTotal *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all platform metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		EndpointStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "udpkit",
				Subsystem: "endpoint",
				Name:      "status",
				Help:      "Endpoint status (0=stopped, 1=starting, 2=running, 3=stopping, 4=failed)",
			},
			[]string{"endpoint"},
		),

		DatagramsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "udpkit",
				Subsystem: "endpoint",
				Name:      "datagrams_received_total",
				Help:      "Total number of datagrams received",
			},
			[]string{"endpoint"},
		),

		DatagramsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "udpkit",
				Subsystem: "endpoint",
				Name:      "datagrams_sent_total",
				Help:      "Total number of datagrams sent",
			},
			[]string{"endpoint"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "udpkit",
				Subsystem: "endpoint",
				Name:      "errors_total",
				Help:      "Total number of errors by class",
			},
			[]string{"endpoint", "class"},
		),
	}
}
