package cache

import (
	"k8s.io/utils/clock"

	"github.com/chazwilder/iqx-dockmonitor/metric"
)

// Option customizes a TTL cache.
type Option[V any] func(*settings[V])

type settings[V any] struct {
	registry  *metric.MetricsRegistry
	component string
	onEvict   EvictCallback[V]
	clock     clock.WithTicker
}

// WithMetrics exports the cache operation counters under component.
// A nil registry or empty component leaves metrics off.
func WithMetrics[V any](registry *metric.MetricsRegistry, component string) Option[V] {
	return func(s *settings[V]) {
		if registry == nil || component == "" {
			return
		}
		s.registry, s.component = registry, component
	}
}

// WithEvictionCallback is called for every entry that expires or is
// deleted.
func WithEvictionCallback[V any](fn EvictCallback[V]) Option[V] {
	return func(s *settings[V]) { s.onEvict = fn }
}

// WithClock drives expiry from c instead of the wall clock.
func WithClock[V any](c clock.WithTicker) Option[V] {
	return func(s *settings[V]) {
		if c != nil {
			s.clock = c
		}
	}
}

func newSettings[V any](options []Option[V]) settings[V] {
	s := settings[V]{clock: clock.RealClock{}}
	for _, opt := range options {
		if opt != nil {
			opt(&s)
		}
	}
	return s
}
