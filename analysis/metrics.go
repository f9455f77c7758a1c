package analysis

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/chazwilder/iqx-dockmonitor/metric"
)

type analyzerMetrics struct {
	eventsAnalyzed      *prometheus.CounterVec
	results             *prometheus.CounterVec
	rejectedTransitions *prometheus.CounterVec
	unclassified        *prometheus.CounterVec
	rulePanics          *prometheus.CounterVec
	passDuration        prometheus.Histogram
	doorsTracked        prometheus.Gauge
}

// newAnalyzerMetrics returns nil when registry is nil.
func newAnalyzerMetrics(registry *metric.MetricsRegistry) *analyzerMetrics {
	if registry == nil {
		return nil
	}

	m := &analyzerMetrics{
		eventsAnalyzed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "analysis",
			Name:      "events_total",
			Help:      "Events run through the rule set",
		}, []string{"kind"}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "analysis",
			Name:      "results_total",
			Help:      "Rule results by variant",
		}, []string{"variant"}),
		rejectedTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "analysis",
			Name:      "rejected_transitions_total",
			Help:      "Illegal transitions requested by rules",
		}, []string{"rule"}),
		unclassified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "analysis",
			Name:      "unclassified_total",
			Help:      "Events no rule produced a result for",
		}, []string{"kind", "state"}),
		rulePanics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "analysis",
			Name:      "rule_panics_total",
			Help:      "Rules that panicked while applying",
		}, []string{"rule"}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "analysis",
			Name:      "pass_duration_seconds",
			Help:      "Time to run the rule set for one event",
			Buckets:   []float64{0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		}),
		doorsTracked: registry.CoreMetrics().DoorsTracked,
	}

	registry.PrometheusRegistry().MustRegister(
		m.eventsAnalyzed,
		m.results,
		m.rejectedTransitions,
		m.unclassified,
		m.rulePanics,
		m.passDuration,
	)
	return m
}
