package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/chazwilder/iqx-dockmonitor/errors"
	"github.com/chazwilder/iqx-dockmonitor/metric"
)

func newFakeCache(t *testing.T, ttl time.Duration, opts ...Option[string]) (Cache[string], *testingclock.FakeClock) {
	t.Helper()
	fake := testingclock.NewFakeClock(time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC))
	opts = append(opts, WithClock[string](fake))
	c, err := NewTTL[string](context.Background(), ttl, time.Hour, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, fake
}

func TestTTLCache_SetGetExpire(t *testing.T) {
	c, fake := newFakeCache(t, time.Minute)

	created, err := c.Set("D1", "open")
	require.NoError(t, err)
	assert.True(t, created)

	v, ok := c.Get("D1")
	assert.True(t, ok)
	assert.Equal(t, "open", v)

	fake.Step(59 * time.Second)
	_, ok = c.Get("D1")
	assert.True(t, ok)

	fake.Step(time.Second)
	_, ok = c.Get("D1")
	assert.False(t, ok, "entry expires exactly at ttl")
	assert.Equal(t, int64(1), c.Stats().Evictions())
}

func TestTTLCache_SetWithTTL(t *testing.T) {
	c, fake := newFakeCache(t, time.Hour)

	_, err := c.SetWithTTL("short", "x", time.Second)
	require.NoError(t, err)
	_, err = c.Set("long", "y")
	require.NoError(t, err)

	fake.Step(2 * time.Second)
	assert.ElementsMatch(t, []string{"long"}, c.Keys())
}

func TestTTLCache_SetIfAbsent(t *testing.T) {
	c, fake := newFakeCache(t, time.Hour)

	ok, err := c.SetIfAbsent("D1|door_stuck_open", "first", 10*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.SetIfAbsent("D1|door_stuck_open", "second", 10*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	v, _ := c.Get("D1|door_stuck_open")
	assert.Equal(t, "first", v)

	fake.Step(10 * time.Minute)
	ok, err = c.SetIfAbsent("D1|door_stuck_open", "third", 10*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired entry can be claimed again")
}

func TestTTLCache_SetIfAbsentConcurrent(t *testing.T) {
	c, _ := newFakeCache(t, time.Hour)

	var wins int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := c.SetIfAbsent("key", "v", time.Minute); ok {
				atomic.AddInt64(&wins, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), wins)
}

func TestTTLCache_DeleteAndClear(t *testing.T) {
	var evicted []string
	var mu sync.Mutex
	c, _ := newFakeCache(t, time.Hour, WithEvictionCallback[string](func(key string, _ string) {
		mu.Lock()
		evicted = append(evicted, key)
		mu.Unlock()
	}))

	_, _ = c.Set("a", "1")
	_, _ = c.Set("b", "2")

	existed, err := c.Delete("a")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = c.Delete("a")
	require.NoError(t, err)
	assert.False(t, existed)

	require.NoError(t, c.Clear())
	assert.Equal(t, 0, c.Size())

	mu.Lock()
	assert.ElementsMatch(t, []string{"a", "b"}, evicted)
	mu.Unlock()
}

func TestTTLCache_InvalidInput(t *testing.T) {
	c, _ := newFakeCache(t, time.Hour)

	_, err := c.Set("", "x")
	assert.True(t, errors.IsInvalid(err))

	_, err = NewTTL[string](context.Background(), 0, time.Second)
	assert.True(t, errors.IsInvalid(err))
}

func TestTTLCache_CleanupRemovesExpired(t *testing.T) {
	fake := testingclock.NewFakeClock(time.Now())
	c, err := NewTTL[int](context.Background(), time.Second, time.Minute, WithClock[int](fake))
	require.NoError(t, err)
	defer c.Close()

	_, _ = c.Set("a", 1)
	assert.Eventually(t, fake.HasWaiters, time.Second, time.Millisecond)

	fake.Step(time.Minute)
	assert.Eventually(t, func() bool { return c.Size() == 0 }, time.Second, 5*time.Millisecond)
}

func TestTTLCache_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	c, _ := newFakeCache(t, time.Hour, WithMetrics[string](registry, "suppression"))

	_, _ = c.Set("a", "1")
	_, _ = c.Get("a")
	_, _ = c.Get("missing")

	assert.Equal(t, int64(1), c.Stats().Hits())
	assert.Equal(t, int64(1), c.Stats().Misses())
	assert.InDelta(t, 0.5, c.Stats().HitRatio(), 0.0001)
}
