// Package buffer provides a fixed-size, thread-safe ring that keeps the
// most recent items. Writing to a full ring overwrites the oldest item.
//
// Usage:
//
//	ring, err := buffer.NewRing[Notification](50,
//	    buffer.WithMetrics[Notification](registry, "alert_feed"))
//	ring.Write(n)
//	recent := ring.Snapshot() // oldest first
package buffer

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/chazwilder/iqx-dockmonitor/metric"
)

// DropCallback is called with an item overwritten because the ring was
// full. It runs with the ring locked and must not call back into it.
type DropCallback[T any] func(item T)

// Option configures a Ring.
type Option[T any] func(*options[T])

type options[T any] struct {
	registry *metric.MetricsRegistry
	prefix   string
	onDrop   DropCallback[T]
}

// WithMetrics registers write, drop and size metrics labelled with prefix.
func WithMetrics[T any](registry *metric.MetricsRegistry, prefix string) Option[T] {
	return func(o *options[T]) {
		o.registry = registry
		o.prefix = prefix
	}
}

// WithDropCallback sets a callback for overwritten items.
func WithDropCallback[T any](cb DropCallback[T]) Option[T] {
	return func(o *options[T]) {
		o.onDrop = cb
	}
}

// Ring keeps the last Capacity() items written.
type Ring[T any] struct {
	mu      sync.Mutex
	items   []T
	head    int
	size    int
	dropped uint64
	onDrop  DropCallback[T]
	metrics *ringMetrics
}

// NewRing creates a ring holding up to capacity items.
func NewRing[T any](capacity int, opts ...Option[T]) (*Ring[T], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("buffer capacity must be positive, got %d", capacity)
	}
	o := &options[T]{}
	for _, opt := range opts {
		opt(o)
	}

	r := &Ring[T]{items: make([]T, capacity), onDrop: o.onDrop}
	if o.registry != nil {
		m, err := newRingMetrics(o.registry, o.prefix)
		if err != nil {
			return nil, err
		}
		r.metrics = m
	}
	return r, nil
}

// Write appends item, overwriting the oldest one when full. It reports
// whether an item was overwritten.
func (r *Ring[T]) Write(item T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	capacity := len(r.items)
	tail := (r.head + r.size) % capacity
	overwrote := r.size == capacity
	if overwrote {
		old := r.items[r.head]
		r.head = (r.head + 1) % capacity
		r.dropped++
		if r.onDrop != nil {
			r.onDrop(old)
		}
	} else {
		r.size++
	}
	r.items[tail] = item

	if r.metrics != nil {
		r.metrics.writes.Inc()
		if overwrote {
			r.metrics.drops.Inc()
		}
		r.metrics.size.Set(float64(r.size))
	}
	return overwrote
}

// Snapshot copies the contents, oldest first.
func (r *Ring[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]T, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.items[(r.head+i)%len(r.items)]
	}
	return out
}

// Len returns the number of items held.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Capacity returns the maximum number of items held.
func (r *Ring[T]) Capacity() int { return len(r.items) }

// Dropped returns how many items have been overwritten.
func (r *Ring[T]) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Clear empties the ring.
func (r *Ring[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	for i := range r.items {
		r.items[i] = zero
	}
	r.head, r.size = 0, 0
	if r.metrics != nil {
		r.metrics.size.Set(0)
	}
}

type ringMetrics struct {
	writes prometheus.Counter
	drops  prometheus.Counter
	size   prometheus.Gauge
}

func newRingMetrics(registry *metric.MetricsRegistry, prefix string) (*ringMetrics, error) {
	labels := prometheus.Labels{"buffer": prefix}
	m := &ringMetrics{
		writes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "buffer",
			Name:        "writes_total",
			Help:        "Items written to the ring",
			ConstLabels: labels,
		}),
		drops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "buffer",
			Name:        "drops_total",
			Help:        "Items overwritten because the ring was full",
			ConstLabels: labels,
		}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "buffer",
			Name:        "size",
			Help:        "Items currently held",
			ConstLabels: labels,
		}),
	}

	component := "buffer_" + prefix
	if err := registry.RegisterCounter(component, "writes_total", m.writes); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(component, "drops_total", m.drops); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(component, "size", m.size); err != nil {
		return nil, err
	}
	return m, nil
}
