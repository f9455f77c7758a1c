package analysis

import (
	"sort"
	"sync"
	"time"

	"github.com/chazwilder/iqx-dockmonitor/dock"
)

// Registry holds exactly one DockDoor per door id. Each door has its own
// lock; the map lock is only held to find or insert an entry.
type Registry struct {
	mu    sync.RWMutex
	doors map[string]*doorEntry
}

type doorEntry struct {
	mu   sync.Mutex
	door dock.DockDoor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{doors: make(map[string]*doorEntry)}
}

func (r *Registry) lookup(id string) *doorEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.doors[id]
}

func (r *Registry) getOrCreate(id string, at time.Time) (*doorEntry, bool) {
	if e := r.lookup(id); e != nil {
		return e, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.doors[id]; ok {
		return e, false
	}
	e := &doorEntry{door: dock.NewDockDoor(id, at)}
	r.doors[id] = e
	return e, true
}

// With runs fn with exclusive access to the door, creating it in Idle at
// time `at` if unseen. It reports whether the door was created.
func (r *Registry) With(id string, at time.Time, fn func(door *dock.DockDoor)) bool {
	e, created := r.getOrCreate(id, at)
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.door)
	return created
}

// Inspect runs fn with exclusive access to an existing door. It returns
// false without calling fn if the door is unknown.
func (r *Registry) Inspect(id string, fn func(door dock.DockDoor)) bool {
	e := r.lookup(id)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.door)
	return true
}

// Get returns a copy of the door.
func (r *Registry) Get(id string) (dock.DockDoor, bool) {
	var out dock.DockDoor
	ok := r.Inspect(id, func(d dock.DockDoor) { out = d })
	return out, ok
}

// Snapshot returns copies of all doors ordered by id.
func (r *Registry) Snapshot() []dock.DockDoor {
	r.mu.RLock()
	ids := make([]string, 0, len(r.doors))
	for id := range r.doors {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	out := make([]dock.DockDoor, 0, len(ids))
	for _, id := range ids {
		if d, ok := r.Get(id); ok {
			out = append(out, d)
		}
	}
	return out
}

// Restore seeds doors from persisted snapshots. Doors already present are
// left untouched. Returns the number restored.
func (r *Registry) Restore(doors []dock.DockDoor) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, d := range doors {
		if d.ID == "" || !d.State.Valid() {
			continue
		}
		if _, ok := r.doors[d.ID]; ok {
			continue
		}
		r.doors[d.ID] = &doorEntry{door: d}
		n++
	}
	return n
}

// Len returns the number of tracked doors.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.doors)
}
