package alert

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/chazwilder/iqx-dockmonitor/metric"
)

type managerMetrics struct {
	raised     *prometheus.CounterVec
	suppressed *prometheus.CounterVec
	dispatched *prometheus.CounterVec
	failed     *prometheus.CounterVec
}

func newManagerMetrics(registry *metric.MetricsRegistry) *managerMetrics {
	if registry == nil {
		return nil
	}

	vec := func(name, help, label string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "alerts",
			Name:      name,
			Help:      help,
		}, []string{label})
	}
	m := &managerMetrics{
		raised:     vec("raised_total", "Alerts submitted to the manager", "alert_type"),
		suppressed: vec("suppressed_total", "Alerts suppressed inside their window", "alert_type"),
		dispatched: vec("dispatched_total", "Notifications delivered", "notifier"),
		failed:     vec("failed_total", "Notifications that could not be delivered", "notifier"),
	}

	for name, c := range map[string]*prometheus.CounterVec{
		"raised_total":     m.raised,
		"suppressed_total": m.suppressed,
		"dispatched_total": m.dispatched,
		"failed_total":     m.failed,
	} {
		if err := registry.RegisterCounterVec("alerts", name, c); err != nil {
			return nil
		}
	}
	return m
}
