package storage

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/chazwilder/iqx-dockmonitor/dock"
)

// Multi writes to every store in order and joins their errors.
type Multi []Store

// Name implements Named.
func (m Multi) Name() string { return "multi" }

// InsertRecord implements Store.
func (m Multi) InsertRecord(ctx context.Context, r dock.Record) error {
	var errs []error
	for _, s := range m {
		if err := s.InsertRecord(ctx, r); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", NameOf(s), err))
		}
	}
	return stderrors.Join(errs...)
}

// SaveDoor implements Store.
func (m Multi) SaveDoor(ctx context.Context, d dock.DockDoor) error {
	var errs []error
	for _, s := range m {
		if err := s.SaveDoor(ctx, d); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", NameOf(s), err))
		}
	}
	return stderrors.Join(errs...)
}

// LoadDoors returns the doors of the first store that can load them.
func (m Multi) LoadDoors(ctx context.Context) ([]dock.DockDoor, error) {
	for _, s := range m {
		if l, ok := s.(DoorLoader); ok {
			return l.LoadDoors(ctx)
		}
	}
	return nil, nil
}

// Close implements Store.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}
