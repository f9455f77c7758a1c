package monitor

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/chazwilder/iqx-dockmonitor/metric"
)

type workerMetrics struct {
	queueDepth prometheus.Gauge
	scheduled  prometheus.Counter
	checks     *prometheus.CounterVec
	resolved   *prometheus.CounterVec
	requeued   *prometheus.CounterVec
	alerts     *prometheus.CounterVec
	tick       prometheus.Histogram
}

func newWorkerMetrics(registry *metric.MetricsRegistry) *workerMetrics {
	if registry == nil {
		return nil
	}

	counterVec := func(name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "monitor",
			Name:      name,
			Help:      help,
		}, []string{"condition"})
	}

	m := &workerMetrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "monitor",
			Name:      "queue_depth",
			Help:      "Items waiting in the monitoring queue",
		}),
		scheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "monitor",
			Name:      "scheduled_total",
			Help:      "Watches accepted into the queue",
		}),
		checks:   counterVec("checks_total", "Due items evaluated"),
		resolved: counterVec("resolved_total", "Items dropped because the condition resolved"),
		requeued: counterVec("requeued_total", "Unresolved items requeued with backoff"),
		alerts:   counterVec("alerts_total", "Alerts raised by the monitoring worker"),
		tick: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "monitor",
			Name:      "tick_duration_seconds",
			Help:      "Time spent per monitoring tick",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	registry.PrometheusRegistry().MustRegister(
		m.queueDepth, m.scheduled, m.checks, m.resolved, m.requeued, m.alerts, m.tick,
	)
	return m
}
