package storage

import (
	"context"

	"github.com/chazwilder/iqx-dockmonitor/dock"
)

// Store persists records and door snapshots. Implementations must be
// safe for concurrent use.
type Store interface {
	// InsertRecord appends an analytics row. Records with the same ID
	// may be delivered twice after a retry; backends should ignore the
	// duplicate.
	InsertRecord(ctx context.Context, r dock.Record) error

	// SaveDoor replaces the stored snapshot of a door.
	SaveDoor(ctx context.Context, d dock.DockDoor) error

	Close() error
}

// DoorLoader is implemented by stores that can return the last saved
// snapshot of every door, used to warm the registry at startup.
type DoorLoader interface {
	LoadDoors(ctx context.Context) ([]dock.DockDoor, error)
}

// Named is implemented by stores that want a label in logs and metrics.
type Named interface {
	Name() string
}

// NameOf returns the store's name or "store".
func NameOf(s Store) string {
	if n, ok := s.(Named); ok {
		return n.Name()
	}
	return "store"
}
