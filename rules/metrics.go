package rules

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/chazwilder/iqx-dockmonitor/metric"
)

type managerMetrics struct {
	activeRules prometheus.Gauge
	reloads     *prometheus.CounterVec
}

func newManagerMetrics(registry *metric.MetricsRegistry) *managerMetrics {
	if registry == nil {
		return nil
	}
	m := &managerMetrics{
		activeRules: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "rules",
			Name:      "active",
			Help:      "Number of enabled rules in the active set",
		}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "rules",
			Name:      "reloads_total",
			Help:      "Rule set reloads by result",
		}, []string{"result"}),
	}
	if err := registry.RegisterGauge("rules", "active", m.activeRules); err != nil {
		return nil
	}
	if err := registry.RegisterCounterVec("rules", "reloads_total", m.reloads); err != nil {
		return nil
	}
	return m
}
