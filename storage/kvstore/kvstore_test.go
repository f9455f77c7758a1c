package kvstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazwilder/iqx-dockmonitor/dock"
	"github.com/chazwilder/iqx-dockmonitor/natsclient"
)

type revision struct {
	value []byte
	at    time.Time
}

type fakeBucket struct {
	mu      sync.Mutex
	now     time.Time
	history map[string][]revision
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{
		now:     time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC),
		history: make(map[string][]revision),
	}
}

func (f *fakeBucket) Get(_ context.Context, key string) (*natsclient.KVEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.history[key]
	if len(h) == 0 {
		return nil, natsclient.ErrKVKeyNotFound
	}
	last := h[len(h)-1]
	return &natsclient.KVEntry{Key: key, Value: last.value, Revision: uint64(len(h)), Created: last.at}, nil
}

func (f *fakeBucket) Keys(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.history {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (f *fakeBucket) UpdateWithRetry(ctx context.Context, key string, fn func([]byte) ([]byte, error)) error {
	var current []byte
	if e, err := f.Get(ctx, key); err == nil {
		current = e.Value
	}
	next, err := fn(current)
	if err == natsclient.ErrSkipUpdate {
		return nil
	}
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(time.Minute)
	f.history[key] = append(f.history[key], revision{value: next, at: f.now})
	return nil
}

func (f *fakeBucket) ValueAt(_ context.Context, key string, t time.Time) (*natsclient.KVEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var found *natsclient.KVEntry
	for i, r := range f.history[key] {
		if r.at.After(t) {
			break
		}
		found = &natsclient.KVEntry{Key: key, Value: r.value, Revision: uint64(i + 1), Created: r.at}
	}
	if found == nil {
		return nil, natsclient.ErrKVKeyNotFound
	}
	return found, nil
}

func door(id string, state dock.DoorState, last time.Time) dock.DockDoor {
	d := dock.NewDockDoor(id, last)
	d.State = state
	d.LastEventAt = last
	return d
}

func TestSaveDoorSkipsOlderSnapshots(t *testing.T) {
	ctx := context.Background()
	kv := newFakeBucket()
	s := New(kv, nil)
	t0 := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveDoor(ctx, door("D1", dock.StateLoading, t0.Add(time.Minute))))
	require.NoError(t, s.SaveDoor(ctx, door("D1", dock.StateLgvArrived, t0)))

	doors, err := s.LoadDoors(ctx)
	require.NoError(t, err)
	require.Len(t, doors, 1)
	assert.Equal(t, dock.StateLoading, doors[0].State)
	assert.Len(t, kv.history["D1"], 1)
}

func TestLoadDoorsSkipsCorrupt(t *testing.T) {
	ctx := context.Background()
	kv := newFakeBucket()
	s := New(kv, nil)
	now := time.Now()

	require.NoError(t, s.SaveDoor(ctx, door("D1", dock.StateIdle, now)))
	require.NoError(t, s.SaveDoor(ctx, door("D2", dock.StateAnomaly, now)))
	kv.history["broken"] = []revision{{value: []byte("{"), at: now}}

	doors, err := s.LoadDoors(ctx)
	require.NoError(t, err)
	require.Len(t, doors, 2)
	assert.Equal(t, "D1", doors[0].ID)
	assert.Equal(t, "D2", doors[1].ID)
}

func TestDoorAt(t *testing.T) {
	ctx := context.Background()
	kv := newFakeBucket()
	s := New(kv, nil)
	t0 := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveDoor(ctx, door("D1", dock.StateLgvArrived, t0)))
	firstWrite := kv.now
	require.NoError(t, s.SaveDoor(ctx, door("D1", dock.StateLoading, t0.Add(time.Minute))))

	d, err := s.DoorAt(ctx, "D1", firstWrite.Add(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, dock.StateLgvArrived, d.State)

	d, err = s.DoorAt(ctx, "D1", kv.now)
	require.NoError(t, err)
	assert.Equal(t, dock.StateLoading, d.State)

	_, err = s.DoorAt(ctx, "D1", firstWrite.Add(-time.Hour))
	assert.ErrorIs(t, err, natsclient.ErrKVKeyNotFound)
}

func TestKeySanitises(t *testing.T) {
	assert.Equal(t, "DOCK-12", Key("DOCK-12"))
	assert.Equal(t, "bay_3_door_1", Key("bay 3/door 1"))
}

func TestInsertRecordIsNoop(t *testing.T) {
	kv := newFakeBucket()
	s := New(kv, nil)
	require.NoError(t, s.InsertRecord(context.Background(), dock.NewRecord("x", "D1", time.Now(), nil)))
	assert.Empty(t, kv.history)
	assert.Equal(t, "kv", s.Name())
}

func TestSnapshotIsJSON(t *testing.T) {
	kv := newFakeBucket()
	s := New(kv, nil)
	require.NoError(t, s.SaveDoor(context.Background(), door("D9", dock.StateIdle, time.Now())))
	var raw map[string]any
	require.NoError(t, json.Unmarshal(kv.history["D9"][0].value, &raw))
	assert.Equal(t, "idle", raw["state"])
}
