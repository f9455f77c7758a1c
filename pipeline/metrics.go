package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/chazwilder/iqx-dockmonitor/metric"
)

type handlerMetrics struct {
	events *prometheus.CounterVec
	routed *prometheus.CounterVec
	saved  prometheus.Counter
}

func newHandlerMetrics(registry *metric.MetricsRegistry) *handlerMetrics {
	if registry == nil {
		return nil
	}
	m := &handlerMetrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "pipeline",
			Name:      "events_total",
			Help:      "Events handled, by result",
		}, []string{"result"}),
		routed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "pipeline",
			Name:      "results_routed_total",
			Help:      "Rule results routed, by kind",
		}, []string{"kind"}),
		saved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "pipeline",
			Name:      "door_snapshots_total",
			Help:      "Door snapshots handed to the sink",
		}),
	}
	if registry.RegisterCounterVec("pipeline", "events_total", m.events) != nil ||
		registry.RegisterCounterVec("pipeline", "results_routed_total", m.routed) != nil ||
		registry.RegisterCounter("pipeline", "door_snapshots_total", m.saved) != nil {
		return nil
	}
	return m
}
