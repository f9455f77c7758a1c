package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/chazwilder/iqx-dockmonitor/dock"
)

// Memory keeps everything in process. It backs replays and tests.
type Memory struct {
	mu      sync.Mutex
	records []dock.Record
	seen    map[string]bool
	doors   map[string]dock.DockDoor
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{seen: make(map[string]bool), doors: make(map[string]dock.DockDoor)}
}

// Name implements Named.
func (m *Memory) Name() string { return "memory" }

// InsertRecord implements Store. Duplicate IDs are ignored.
func (m *Memory) InsertRecord(_ context.Context, r dock.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen[r.ID] {
		return nil
	}
	m.seen[r.ID] = true
	m.records = append(m.records, r)
	return nil
}

// SaveDoor implements Store.
func (m *Memory) SaveDoor(_ context.Context, d dock.DockDoor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doors[d.ID] = d
	return nil
}

// LoadDoors implements DoorLoader.
func (m *Memory) LoadDoors(context.Context) ([]dock.DockDoor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]dock.DockDoor, 0, len(m.doors))
	for _, d := range m.doors {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Records returns the records of one kind, or all when kind is empty.
func (m *Memory) Records(kind string) []dock.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []dock.Record
	for _, r := range m.records {
		if kind == "" || r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

// Door returns the stored snapshot of a door.
func (m *Memory) Door(id string) (dock.DockDoor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.doors[id]
	return d, ok
}

// Close implements Store.
func (m *Memory) Close() error { return nil }
