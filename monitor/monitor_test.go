package monitor

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/chazwilder/iqx-dockmonitor/analysis"
	"github.com/chazwilder/iqx-dockmonitor/dock"
	"github.com/chazwilder/iqx-dockmonitor/metric"
)

var t0 = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

type recordingSink struct {
	mu     sync.Mutex
	alerts []dock.Alert
}

func (s *recordingSink) Alert(_ context.Context, a dock.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
}

func (s *recordingSink) Record(context.Context, dock.Record)     {}
func (s *recordingSink) SaveDoor(context.Context, dock.DockDoor) {}

func (s *recordingSink) Alerts() []dock.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]dock.Alert(nil), s.alerts...)
}

func TestQueue_OrderAndDedup(t *testing.T) {
	q := NewQueue()

	assert.True(t, q.Push(NewItem("D1", dock.ConditionDoorStuckOpen, t0, 30*time.Minute, t0)))
	assert.True(t, q.Push(NewItem("D2", dock.ConditionDoorStuckOpen, t0, 10*time.Minute, t0)))
	assert.True(t, q.Push(NewItem("D1", dock.ConditionLgvDwell, t0, 20*time.Minute, t0)))

	// Same anchor is a duplicate; an older anchor loses.
	assert.False(t, q.Push(NewItem("D1", dock.ConditionDoorStuckOpen, t0, 5*time.Minute, t0)))
	assert.False(t, q.Push(NewItem("D1", dock.ConditionDoorStuckOpen, t0.Add(-time.Minute), time.Minute, t0)))
	assert.Equal(t, 3, q.Len())

	// A newer anchor replaces the old item.
	assert.True(t, q.Push(NewItem("D1", dock.ConditionDoorStuckOpen, t0.Add(time.Minute), 30*time.Minute, t0)))
	assert.Equal(t, 3, q.Len())

	first, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, "D2", first.DoorID)

	due := q.PopDue(t0.Add(20 * time.Minute))
	require.Len(t, due, 2)
	assert.Equal(t, "D2", due[0].DoorID)
	assert.Equal(t, dock.ConditionLgvDwell, due[1].Condition)
	assert.Equal(t, 1, q.Len())

	assert.True(t, q.Remove("D1", dock.ConditionDoorStuckOpen))
	assert.False(t, q.Remove("D1", dock.ConditionDoorStuckOpen))
	_, ok = q.Peek()
	assert.False(t, ok)
}

func TestNewItem_NextCheckNotBeforeCreation(t *testing.T) {
	it := NewItem("D1", dock.ConditionDoorStuckOpen, t0.Add(-2*time.Hour), 30*time.Minute, t0)
	assert.Equal(t, t0, it.NextCheck)
	assert.NotEmpty(t, it.ID)
}

func TestBackoff_Monotonic(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 200; trial++ {
		var b Backoff
		if trial%2 == 0 {
			b = Fixed{Interval: time.Duration(rng.Int63n(int64(time.Hour)))}
		} else {
			b = Exponential{
				Initial:    time.Duration(rng.Int63n(int64(10 * time.Minute))),
				Multiplier: rng.Float64() * 4,
				Max:        time.Duration(rng.Int63n(int64(2 * time.Hour))),
			}
		}

		created := t0.Add(time.Duration(rng.Int63n(int64(time.Hour))))
		it := NewItem("D1", dock.ConditionLgvDwell, created, time.Duration(rng.Int63n(int64(time.Hour))), created)
		now := created

		for n := 0; n < 25; n++ {
			// The tick may run late or early relative to NextCheck.
			now = now.Add(time.Duration(rng.Int63n(int64(20 * time.Minute))))
			prev := it.NextCheck
			it.NextCheck = b.Next(it, now)
			it.Attempts++

			require.True(t, it.NextCheck.After(prev), "trial %d requeue %d: %v !> %v", trial, n, it.NextCheck, prev)
			require.False(t, it.NextCheck.Before(it.CreatedAt))
		}
	}
}

func TestExponential_Grows(t *testing.T) {
	b := Exponential{Initial: time.Minute, Multiplier: 2, Max: 5 * time.Minute}
	it := Item{NextCheck: t0}

	var steps []time.Duration
	for i := 0; i < 5; i++ {
		next := b.Next(it, it.NextCheck)
		steps = append(steps, next.Sub(it.NextCheck))
		it.NextCheck = next
		it.Attempts++
	}
	assert.Equal(t, []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute, 5 * time.Minute, 5 * time.Minute}, steps)
}

func TestNewBackoff(t *testing.T) {
	b, err := NewBackoff(DefaultBackoffConfig())
	require.NoError(t, err)
	assert.Equal(t, Fixed{Interval: 15 * time.Minute}, b)

	b, err = NewBackoff(BackoffConfig{Policy: "exponential", Initial: time.Minute, Multiplier: 2, Max: time.Hour})
	require.NoError(t, err)
	assert.IsType(t, Exponential{}, b)

	for _, cfg := range []BackoffConfig{
		{Policy: "fixed", Interval: 0},
		{Policy: "exponential", Initial: time.Minute, Multiplier: 0.5, Max: time.Hour},
		{Policy: "exponential", Initial: time.Hour, Multiplier: 2, Max: time.Minute},
		{Policy: "random", Interval: time.Minute},
	} {
		_, err := NewBackoff(cfg)
		assert.Error(t, err, "%+v", cfg)
	}
}

func TestConditions(t *testing.T) {
	conds := DefaultConditions()
	require.Len(t, conds, 4)

	d := dock.NewDockDoor("D1", t0)
	d.Apply(dock.StateLgvArrived, dock.Update{}, t0)
	d.Apply(dock.StateLoading, dock.Update{DoorOpen: dock.Ptr(true)}, t0.Add(time.Minute))

	now := t0.Add(31 * time.Minute)
	stuck := NewItem("D1", dock.ConditionDoorStuckOpen, t0.Add(time.Minute), 30*time.Minute, t0)

	alert, holds := conds[dock.ConditionDoorStuckOpen].Check(d, stuck, now)
	require.True(t, holds)
	assert.Equal(t, dock.AlertDoorStuckOpen, alert.Type)
	assert.Equal(t, 30*time.Minute, alert.Duration)

	dwell := NewItem("D1", dock.ConditionLgvDwell, t0, 20*time.Minute, t0)
	_, holds = conds[dock.ConditionLgvDwell].Check(d, dwell, now)
	assert.False(t, holds, "door moved on to loading")

	delay := NewItem("D1", dock.ConditionShipmentDelay, t0.Add(time.Minute), time.Hour, t0)
	_, holds = conds[dock.ConditionShipmentDelay].Check(d, delay, now)
	assert.True(t, holds)

	// The door closed and reopened: the old stuck-open anchor is stale.
	d.Apply(dock.StateLoading, dock.Update{DoorOpen: dock.Ptr(false)}, t0.Add(2*time.Minute))
	d.Apply(dock.StateLoading, dock.Update{DoorOpen: dock.Ptr(true)}, t0.Add(3*time.Minute))
	_, holds = conds[dock.ConditionDoorStuckOpen].Check(d, stuck, now)
	assert.False(t, holds)
}

func newTestWorker(t *testing.T, opts ...Option) (*Worker, *analysis.Registry, *recordingSink, *testingclock.FakeClock) {
	t.Helper()
	clk := testingclock.NewFakeClock(t0)
	reg := analysis.NewRegistry()
	sink := &recordingSink{}
	opts = append([]Option{WithClock(clk), WithInterval(time.Second), WithBackoff(Fixed{Interval: 10 * time.Minute})}, opts...)
	return NewWorker(reg, nil, sink, opts...), reg, sink, clk
}

func TestWorker_TickRaisesAndRequeues(t *testing.T) {
	mreg := metric.NewMetricsRegistry()
	w, reg, sink, clk := newTestWorker(t, WithMetrics(mreg))
	ctx := context.Background()

	reg.With("D1", t0, func(d *dock.DockDoor) {
		d.Apply(dock.StateDoorOpenNoActivity, dock.Update{DoorOpen: dock.Ptr(true)}, t0)
	})
	w.Schedule("D1", analysis.WatchFor(dock.ConditionDoorStuckOpen, 30*time.Minute, t0))
	w.Schedule("D1", analysis.WatchFor("teleported", time.Minute, t0))
	assert.Equal(t, 1, w.Queue().Len())

	clk.Step(29 * time.Minute)
	w.Tick(ctx)
	assert.Empty(t, sink.Alerts())

	clk.Step(time.Minute)
	w.Tick(ctx)
	require.Len(t, sink.Alerts(), 1)
	assert.Equal(t, dock.AlertDoorStuckOpen, sink.Alerts()[0].Type)
	assert.Equal(t, 30*time.Minute, sink.Alerts()[0].Duration)

	it, ok := w.Queue().Peek()
	require.True(t, ok)
	assert.Equal(t, 1, it.Attempts)
	assert.Equal(t, t0.Add(40*time.Minute), it.NextCheck)

	clk.Step(10 * time.Minute)
	w.Tick(ctx)
	assert.Len(t, sink.Alerts(), 2)

	// Door closes: the next check drops the item.
	reg.With("D1", clk.Now(), func(d *dock.DockDoor) {
		d.Apply(dock.StateIdle, dock.Update{DoorOpen: dock.Ptr(false)}, clk.Now())
	})
	clk.Step(10 * time.Minute)
	w.Tick(ctx)
	assert.Len(t, sink.Alerts(), 2)
	assert.Equal(t, 0, w.Queue().Len())

	assert.Equal(t, 3.0, testutil.ToFloat64(w.metrics.checks.WithLabelValues("door_stuck_open")))
	assert.Equal(t, 1.0, testutil.ToFloat64(w.metrics.resolved.WithLabelValues("door_stuck_open")))
	assert.Equal(t, 2.0, testutil.ToFloat64(w.metrics.alerts.WithLabelValues("door_stuck_open")))
}

func TestWorker_SetBackoffAppliesToNextRequeue(t *testing.T) {
	w, reg, sink, clk := newTestWorker(t)
	reg.With("D1", t0, func(d *dock.DockDoor) {
		d.Apply(dock.StateDoorOpenNoActivity, dock.Update{DoorOpen: dock.Ptr(true)}, t0)
	})
	w.Schedule("D1", analysis.WatchFor(dock.ConditionDoorStuckOpen, 30*time.Minute, t0))

	w.SetBackoff(nil)
	w.SetBackoff(Fixed{Interval: 2 * time.Minute})
	clk.Step(30 * time.Minute)
	w.Tick(context.Background())
	require.Len(t, sink.Alerts(), 1)

	it, ok := w.Queue().Peek()
	require.True(t, ok)
	assert.Equal(t, t0.Add(32*time.Minute), it.NextCheck)
}

func TestWorker_UnknownDoorResolves(t *testing.T) {
	w, _, sink, clk := newTestWorker(t)
	w.Schedule("ghost", analysis.WatchFor(dock.ConditionLgvDwell, time.Minute, t0))

	clk.Step(time.Minute)
	w.Tick(context.Background())
	assert.Empty(t, sink.Alerts())
	assert.Equal(t, 0, w.Queue().Len())
}

func TestWorker_StartStop(t *testing.T) {
	w, reg, sink, clk := newTestWorker(t)
	reg.With("D1", t0, func(d *dock.DockDoor) {
		d.Apply(dock.StateLgvArrived, dock.Update{}, t0)
	})
	w.Schedule("D1", analysis.WatchFor(dock.ConditionLgvDwell, time.Second, t0))

	require.NoError(t, w.Start(context.Background()))
	assert.Error(t, w.Start(context.Background()))

	require.Eventually(t, func() bool { return clk.HasWaiters() }, time.Second, time.Millisecond)
	clk.Step(time.Second)
	require.Eventually(t, func() bool { return len(sink.Alerts()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, dock.AlertLgvDwellTimeout, sink.Alerts()[0].Type)

	require.NoError(t, w.Stop(time.Second))
	require.NoError(t, w.Stop(time.Second))
}
