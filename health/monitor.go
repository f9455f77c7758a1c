package health

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Probe computes a component's status on demand.
type Probe func(ctx context.Context) Status

// Monitor holds pushed statuses and registered probes.
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
	probes   map[string]Probe
	ready    atomic.Bool
}

// NewMonitor creates an empty monitor. It is not ready until SetReady.
func NewMonitor() *Monitor {
	return &Monitor{
		statuses: make(map[string]Status),
		probes:   make(map[string]Probe),
	}
}

// Update records the status pushed by a component.
func (m *Monitor) Update(name string, status Status) {
	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	m.mu.Lock()
	m.statuses[name] = status
	m.mu.Unlock()
}

// Set is Update with a fresh status.
func (m *Monitor) Set(name string, state State, message string) {
	m.Update(name, New(name, state, message))
}

// Register adds a probe. A probe replaces any pushed status of the same
// name.
func (m *Monitor) Register(name string, p Probe) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, name)
	m.probes[name] = p
}

// Remove forgets a component.
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, name)
	delete(m.probes, name)
}

// SetReady marks the service as ready to receive traffic.
func (m *Monitor) SetReady(ready bool) { m.ready.Store(ready) }

// Ready reports the flag set by SetReady.
func (m *Monitor) Ready() bool { return m.ready.Load() }

// Statuses evaluates probes and returns every status sorted by name.
func (m *Monitor) Statuses(ctx context.Context) []Status {
	m.mu.RLock()
	out := make([]Status, 0, len(m.statuses)+len(m.probes))
	for _, s := range m.statuses {
		out = append(out, s)
	}
	probes := make(map[string]Probe, len(m.probes))
	for name, p := range m.probes {
		probes[name] = p
	}
	m.mu.RUnlock()

	for name, p := range probes {
		s := p(ctx)
		s.Component = name
		if s.Timestamp.IsZero() {
			s.Timestamp = time.Now()
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Component < out[j].Component })
	return out
}

// Check aggregates every component under system.
func (m *Monitor) Check(ctx context.Context, system string) Status {
	return Aggregate(system, m.Statuses(ctx))
}
