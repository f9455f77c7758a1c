package storage

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazwilder/iqx-dockmonitor/dock"
	"github.com/chazwilder/iqx-dockmonitor/errors"
	"github.com/chazwilder/iqx-dockmonitor/metric"
	"github.com/chazwilder/iqx-dockmonitor/pkg/retry"
)

var t0 = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

// flakyStore fails the first n writes with a transient error.
type flakyStore struct {
	*Memory
	failures atomic.Int32
}

func (f *flakyStore) InsertRecord(ctx context.Context, r dock.Record) error {
	if f.failures.Add(-1) >= 0 {
		return errors.WrapTransient(errors.ErrStorageUnavailable, "flaky", "InsertRecord", "insert")
	}
	return f.Memory.InsertRecord(ctx, r)
}

// slowStore blocks door writes until released and records their order.
type slowStore struct {
	*Memory
	release chan struct{}
	mu      sync.Mutex
	writes  []int64
	active  atomic.Int32
	overlap atomic.Bool
}

func (s *slowStore) SaveDoor(ctx context.Context, d dock.DockDoor) error {
	if s.active.Add(1) > 1 {
		s.overlap.Store(true)
	}
	defer s.active.Add(-1)
	<-s.release
	s.mu.Lock()
	s.writes = append(s.writes, d.EventCount)
	s.mu.Unlock()
	return s.Memory.SaveDoor(ctx, d)
}

// gatedStore blocks record inserts until released.
type gatedStore struct {
	*Memory
	release chan struct{}
	active  atomic.Int32
}

func (g *gatedStore) InsertRecord(ctx context.Context, r dock.Record) error {
	g.active.Add(1)
	<-g.release
	return g.Memory.InsertRecord(ctx, r)
}

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

func TestAsyncRetriesTransientFailures(t *testing.T) {
	store := &flakyStore{Memory: NewMemory()}
	store.failures.Store(2)

	reg := metric.NewMetricsRegistry()
	a := NewAsync(store, AsyncConfig{Workers: 1, QueueSize: 8, Retry: fastRetry()}, WithMetrics(reg))
	require.NoError(t, a.Start(context.Background()))

	a.Record(context.Background(), dock.NewRecord("shipment_loaded", "D2", t0, nil))
	require.NoError(t, a.Stop(time.Second))

	assert.Len(t, store.Records("shipment_loaded"), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(a.metrics.writes.WithLabelValues("record", "ok")))
}

func TestAsyncGivesUpAfterMaxAttempts(t *testing.T) {
	store := &flakyStore{Memory: NewMemory()}
	store.failures.Store(10)

	reg := metric.NewMetricsRegistry()
	a := NewAsync(store, AsyncConfig{Workers: 1, QueueSize: 8, Retry: fastRetry()}, WithMetrics(reg))
	require.NoError(t, a.Start(context.Background()))

	a.Record(context.Background(), dock.NewRecord("shipment_loaded", "D2", t0, nil))
	require.NoError(t, a.Stop(time.Second))

	assert.Empty(t, store.Records(""))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.metrics.writes.WithLabelValues("record", "error")))
}

func TestAsyncFailureCountsCoreError(t *testing.T) {
	store := &flakyStore{Memory: NewMemory()}
	store.failures.Store(10)

	reg := metric.NewMetricsRegistry()
	a := NewAsync(store, AsyncConfig{Workers: 1, QueueSize: 8, Retry: fastRetry()}, WithMetrics(reg))
	require.NoError(t, a.Start(context.Background()))
	a.Record(context.Background(), dock.NewRecord("shipment_loaded", "D2", t0, nil))
	require.NoError(t, a.Stop(time.Second))

	assert.Equal(t, 1.0, testutil.ToFloat64(reg.CoreMetrics().ErrorsTotal.WithLabelValues("storage", "transient")))
}

func TestAsyncWaitsForQueueSpace(t *testing.T) {
	store := &gatedStore{Memory: NewMemory(), release: make(chan struct{})}
	reg := metric.NewMetricsRegistry()
	a := NewAsync(store, AsyncConfig{Workers: 1, QueueSize: 1, EnqueueWait: 5 * time.Second, Retry: fastRetry()}, WithMetrics(reg))
	require.NoError(t, a.Start(context.Background()))
	ctx := context.Background()

	a.Record(ctx, dock.NewRecord("load", "D1", t0, nil))
	require.Eventually(t, func() bool { return store.active.Load() == 1 }, time.Second, time.Millisecond)
	a.Record(ctx, dock.NewRecord("load", "D2", t0, nil))

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Record(ctx, dock.NewRecord("load", "D3", t0, nil))
	}()
	time.Sleep(20 * time.Millisecond)
	close(store.release)
	<-done
	require.NoError(t, a.Stop(time.Second))

	assert.Len(t, store.Records("load"), 3)
	assert.Zero(t, testutil.ToFloat64(a.metrics.dropped.WithLabelValues("record")))
}

func TestAsyncDropsAfterEnqueueWait(t *testing.T) {
	store := &gatedStore{Memory: NewMemory(), release: make(chan struct{})}
	reg := metric.NewMetricsRegistry()
	a := NewAsync(store, AsyncConfig{Workers: 1, QueueSize: 1, EnqueueWait: 10 * time.Millisecond, Retry: fastRetry()}, WithMetrics(reg))
	require.NoError(t, a.Start(context.Background()))
	ctx := context.Background()

	a.Record(ctx, dock.NewRecord("load", "D1", t0, nil))
	require.Eventually(t, func() bool { return store.active.Load() == 1 }, time.Second, time.Millisecond)
	a.Record(ctx, dock.NewRecord("load", "D2", t0, nil))
	a.Record(ctx, dock.NewRecord("load", "D3", t0, nil))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.metrics.dropped.WithLabelValues("record")))

	close(store.release)
	require.NoError(t, a.Stop(time.Second))
	assert.Len(t, store.Records("load"), 2)
}

func TestAsyncCoalescesDoorSnapshots(t *testing.T) {
	store := &slowStore{Memory: NewMemory(), release: make(chan struct{})}
	a := NewAsync(store, AsyncConfig{Workers: 4, QueueSize: 8, Retry: fastRetry()})
	require.NoError(t, a.Start(context.Background()))

	door := dock.NewDockDoor("D1", t0)
	door.EventCount = 1
	a.SaveDoor(context.Background(), door)
	require.Eventually(t, func() bool { return store.active.Load() == 1 }, time.Second, time.Millisecond)

	for i := int64(2); i <= 5; i++ {
		door.EventCount = i
		a.SaveDoor(context.Background(), door)
	}
	close(store.release)
	require.NoError(t, a.Stop(time.Second))

	assert.False(t, store.overlap.Load(), "writes for one door overlapped")
	assert.Equal(t, []int64{1, 5}, store.writes)
	got, ok := store.Door("D1")
	require.True(t, ok)
	assert.Equal(t, int64(5), got.EventCount)
}

func TestAsyncDropsWhenNotStarted(t *testing.T) {
	reg := metric.NewMetricsRegistry()
	mem := NewMemory()
	a := NewAsync(mem, DefaultAsyncConfig(), WithMetrics(reg))

	a.Record(context.Background(), dock.NewRecord("x", "D1", t0, nil))
	a.SaveDoor(context.Background(), dock.NewDockDoor("D1", t0))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.metrics.dropped.WithLabelValues("record")))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.metrics.dropped.WithLabelValues("door")))

	a.mu.Lock()
	assert.Empty(t, a.scheduled)
	a.mu.Unlock()
}

type failingStore struct{ *Memory }

func (failingStore) Name() string { return "failing" }

func (failingStore) InsertRecord(context.Context, dock.Record) error {
	return stderrors.New("boom")
}

func TestMultiJoinsErrors(t *testing.T) {
	a, b := NewMemory(), NewMemory()
	b.doors["D1"] = dock.NewDockDoor("D1", t0)
	m := Multi{a, failingStore{Memory: NewMemory()}, b}

	err := m.InsertRecord(context.Background(), dock.NewRecord("x", "D1", t0, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failing: boom")
	assert.Len(t, a.Records(""), 1)
	assert.Len(t, b.Records(""), 1)

	doors, err := Multi{a, b}.LoadDoors(context.Background())
	require.NoError(t, err)
	assert.Empty(t, doors, "first loader wins even when empty")
}

func TestMemoryIgnoresDuplicateRecords(t *testing.T) {
	m := NewMemory()
	r := dock.NewRecord("x", "D1", t0, nil)
	require.NoError(t, m.InsertRecord(context.Background(), r))
	require.NoError(t, m.InsertRecord(context.Background(), r))
	assert.Len(t, m.Records("x"), 1)
}
