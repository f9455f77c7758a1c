// Package kvstore keeps the latest snapshot of every door in a NATS KV
// bucket. The bucket history doubles as an audit trail: DoorAt returns
// the snapshot that was current at any retained point in time.
package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/chazwilder/iqx-dockmonitor/dock"
	"github.com/chazwilder/iqx-dockmonitor/errors"
	"github.com/chazwilder/iqx-dockmonitor/natsclient"
)

// DefaultBucket is the bucket used when none is configured.
const DefaultBucket = "dock_doors"

// Bucket is the subset of natsclient.KVStore the store needs.
type Bucket interface {
	Get(ctx context.Context, key string) (*natsclient.KVEntry, error)
	Keys(ctx context.Context) ([]string, error)
	UpdateWithRetry(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) error
	ValueAt(ctx context.Context, key string, t time.Time) (*natsclient.KVEntry, error)
}

// Store writes door snapshots to a KV bucket. Records are not kept here;
// pair it with a SQL or Influx store through storage.Multi.
type Store struct {
	kv     Bucket
	logger *slog.Logger
}

// Open creates or binds the bucket on client and returns a Store over it.
func Open(ctx context.Context, client *natsclient.Client, bucket string, history uint8, logger *slog.Logger) (*Store, error) {
	if bucket == "" {
		bucket = DefaultBucket
	}
	if history == 0 {
		history = 16
	}
	kv, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "dock door snapshots",
		History:     history,
	})
	if err != nil {
		return nil, err
	}
	return New(client.NewKVStore(kv), logger), nil
}

// New wraps an existing bucket.
func New(kv Bucket, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{kv: kv, logger: logger.With("component", "kvstore")}
}

func (s *Store) Name() string { return "kv" }

// InsertRecord discards the record.
func (s *Store) InsertRecord(context.Context, dock.Record) error { return nil }

// SaveDoor stores d unless the bucket already holds a snapshot built from
// a later event.
func (s *Store) SaveDoor(ctx context.Context, d dock.DockDoor) error {
	data, err := json.Marshal(d)
	if err != nil {
		return errors.WrapInvalid(err, "kvstore", "SaveDoor", "marshal door")
	}
	err = s.kv.UpdateWithRetry(ctx, Key(d.ID), func(current []byte) ([]byte, error) {
		if current != nil {
			var stored dock.DockDoor
			if json.Unmarshal(current, &stored) == nil && stored.LastEventAt.After(d.LastEventAt) {
				return nil, natsclient.ErrSkipUpdate
			}
		}
		return data, nil
	})
	if err != nil {
		return errors.Wrap(err, "kvstore", "SaveDoor", "update "+d.ID)
	}
	return nil
}

// LoadDoors returns every stored door. Undecodable entries are skipped.
func (s *Store) LoadDoors(ctx context.Context) ([]dock.DockDoor, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		return nil, err
	}
	doors := make([]dock.DockDoor, 0, len(keys))
	for _, key := range keys {
		entry, err := s.kv.Get(ctx, key)
		if natsclient.IsKVNotFoundError(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var d dock.DockDoor
		if err := json.Unmarshal(entry.Value, &d); err != nil {
			s.logger.Warn("skipping corrupt door snapshot", "key", key, "error", err)
			continue
		}
		doors = append(doors, d)
	}
	return doors, nil
}

// DoorAt returns the snapshot of door id that was current at t.
func (s *Store) DoorAt(ctx context.Context, id string, t time.Time) (dock.DockDoor, error) {
	entry, err := s.kv.ValueAt(ctx, Key(id), t)
	if err != nil {
		return dock.DockDoor{}, err
	}
	var d dock.DockDoor
	if err := json.Unmarshal(entry.Value, &d); err != nil {
		return dock.DockDoor{}, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrParsingFailed, err),
			"kvstore", "DoorAt", "decode snapshot")
	}
	return d, nil
}

func (s *Store) Close() error { return nil }

// Key maps a door id onto the KV key alphabet.
func Key(doorID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '=', r == '.':
			return r
		default:
			return '_'
		}
	}, doorID)
}
