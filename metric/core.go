package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every dockwatch metric.
const Namespace = "dockwatch"

// Metrics contains process-wide metrics. Component metrics (analyzer,
// monitor, alert manager) are registered by the components themselves.
type Metrics struct {
	ComponentStatus *prometheus.GaugeVec
	EventsReceived  *prometheus.CounterVec
	EventsSkipped   *prometheus.CounterVec
	ErrorsTotal     *prometheus.CounterVec
	DoorsTracked    prometheus.Gauge

	NATSConnected      prometheus.Gauge
	NATSReconnects     prometheus.Counter
	NATSCircuitBreaker prometheus.Gauge
}

// NewMetrics creates the process-wide metrics
func NewMetrics() *Metrics {
	return &Metrics{
		ComponentStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "component",
				Name:      "status",
				Help:      "Component status (0=stopped, 1=starting, 2=running, 3=stopping, 4=failed)",
			},
			[]string{"component"},
		),
		EventsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "events",
				Name:      "received_total",
				Help:      "Dock door events received from sources",
			},
			[]string{"source"},
		),
		EventsSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "events",
				Name:      "skipped_total",
				Help:      "Events dropped at the ingestion boundary",
			},
			[]string{"source", "reason"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "errors",
				Name:      "total",
				Help:      "Errors by component and class",
			},
			[]string{"component", "class"},
		),
		DoorsTracked: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "doors",
				Name:      "tracked",
				Help:      "Dock doors held in the registry",
			},
		),
		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),
		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),
		NATSCircuitBreaker: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "nats",
				Name:      "circuit_breaker",
				Help:      "NATS circuit breaker status (0=closed, 1=open)",
			},
		),
	}
}

func (c *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.ComponentStatus,
		c.EventsReceived,
		c.EventsSkipped,
		c.ErrorsTotal,
		c.DoorsTracked,
		c.NATSConnected,
		c.NATSReconnects,
		c.NATSCircuitBreaker,
	}
}

// Component lifecycle values for RecordComponentStatus.
const (
	StatusStopped = iota
	StatusStarting
	StatusRunning
	StatusStopping
	StatusFailed
)

// RecordComponentStatus updates a component's lifecycle status
func (c *Metrics) RecordComponentStatus(component string, status int) {
	c.ComponentStatus.WithLabelValues(component).Set(float64(status))
}

// RecordEventReceived increments the received counter for a source
func (c *Metrics) RecordEventReceived(source string) {
	c.EventsReceived.WithLabelValues(source).Inc()
}

// RecordEventSkipped increments the skipped counter for a source
func (c *Metrics) RecordEventSkipped(source, reason string) {
	c.EventsSkipped.WithLabelValues(source, reason).Inc()
}

// RecordError increments the error counter
func (c *Metrics) RecordError(component, class string) {
	c.ErrorsTotal.WithLabelValues(component, class).Inc()
}

// RecordNATSStatus updates NATS connection status
func (c *Metrics) RecordNATSStatus(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	c.NATSConnected.Set(value)
}

// RecordNATSReconnect increments reconnection counter
func (c *Metrics) RecordNATSReconnect() {
	c.NATSReconnects.Inc()
}

// RecordCircuitBreakerState updates circuit breaker status
func (c *Metrics) RecordCircuitBreakerState(state int) {
	c.NATSCircuitBreaker.Set(float64(state))
}
