package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazwilder/iqx-dockmonitor/dock"
	"github.com/chazwilder/iqx-dockmonitor/errors"
	"github.com/chazwilder/iqx-dockmonitor/metric"
)

var t0 = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

// doorRule is a small state machine used across these tests.
func doorRule() AnalysisRule {
	return RuleFunc{RuleName: "door", Fn: func(d dock.DockDoor, ev dock.DockDoorEvent) []Result {
		switch {
		case ev.Kind == dock.EventLgvArrived && d.State == dock.StateIdle:
			return []Result{TransitionTo(dock.StateLgvArrived, "lgv arrived").With(dock.Update{LgvID: dock.Ptr(ev.LgvID)})}
		case ev.Kind == dock.EventDoorOpen && d.State == dock.StateLgvArrived:
			return []Result{TransitionTo(dock.StateLoading, "door opened").With(dock.Update{DoorOpen: dock.Ptr(true)})}
		case ev.Kind == dock.EventShipmentScanned && d.State == dock.StateLoading:
			return []Result{
				TransitionTo(dock.StateLoadingComplete, "scanned").With(dock.Update{ShipmentID: dock.Ptr(ev.ShipmentID)}),
				Insert(dock.NewRecord("shipment", d.ID, ev.Timestamp, map[string]any{"shipment_id": ev.ShipmentID})),
			}
		case ev.Kind == dock.EventLgvDeparted && d.State == dock.StateLoadingComplete:
			return []Result{TransitionTo(dock.StateIdle, "departed")}
		}
		return nil
	}}
}

func event(door string, kind dock.EventKind, at time.Time) dock.DockDoorEvent {
	ev := dock.NewEvent(door, kind, at)
	switch kind {
	case dock.EventLgvArrived, dock.EventLgvDeparted:
		ev.LgvID = "LGV-7"
	case dock.EventShipmentScanned:
		ev.ShipmentID = "SHP-1"
	}
	return ev
}

func TestAnalyze_CreatesUnseenDoorIdle(t *testing.T) {
	a := NewAnalyzer(NewRegistry(), nil)

	out, err := a.Analyze(context.Background(), event("D3", dock.EventHeartbeat, t0))
	require.NoError(t, err)

	assert.True(t, out.Created)
	assert.Equal(t, dock.StateIdle, out.Door.State)
	assert.False(t, out.Changed())
	require.Len(t, out.Results, 1)
	log, ok := out.Results[0].(Log)
	require.True(t, ok)
	assert.Equal(t, slog.LevelInfo, log.Level)
	assert.Equal(t, "unclassified event", log.Message)

	d, ok := a.Registry().Get("D3")
	require.True(t, ok)
	assert.Equal(t, int64(1), d.EventCount)
	assert.Equal(t, t0, d.LastEventAt)
	assert.Equal(t, t0, d.StateSince)
}

func TestAnalyze_InvalidEvent(t *testing.T) {
	a := NewAnalyzer(NewRegistry(), nil)

	_, err := a.Analyze(context.Background(), dock.DockDoorEvent{Kind: dock.EventDoorOpen, Timestamp: t0})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.Equal(t, 0, a.Registry().Len())
}

func TestAnalyze_LaterRuleSeesEarlierTransition(t *testing.T) {
	var observed dock.DoorState
	observer := RuleFunc{RuleName: "observer", Fn: func(d dock.DockDoor, _ dock.DockDoorEvent) []Result {
		observed = d.State
		return nil
	}}
	a := NewAnalyzer(NewRegistry(), []AnalysisRule{doorRule(), observer})

	_, err := a.Analyze(context.Background(), event("D1", dock.EventLgvArrived, t0))
	require.NoError(t, err)
	assert.Equal(t, dock.StateLgvArrived, observed)
}

func TestAnalyze_RejectsIllegalTransition(t *testing.T) {
	bad := RuleFunc{RuleName: "bad", Fn: func(dock.DockDoor, dock.DockDoorEvent) []Result {
		return []Result{TransitionTo(dock.StateLoadingComplete, "skip ahead")}
	}}
	reg := metric.NewMetricsRegistry()
	a := NewAnalyzer(NewRegistry(), []AnalysisRule{bad}, WithMetrics(reg))

	out, err := a.Analyze(context.Background(), event("D1", dock.EventDoorOpen, t0))
	require.NoError(t, err)

	assert.Equal(t, dock.StateIdle, out.Door.State)
	require.Len(t, out.Results, 1)
	log := out.Results[0].(Log)
	assert.Equal(t, slog.LevelError, log.Level)
	assert.Equal(t, "illegal transition rejected", log.Message)
	assert.Equal(t, 1.0, testutil.ToFloat64(a.metrics.rejectedTransitions.WithLabelValues("bad")))
}

func TestAnalyze_RulePanicIsContained(t *testing.T) {
	boom := RuleFunc{RuleName: "boom", Fn: func(dock.DockDoor, dock.DockDoorEvent) []Result {
		panic("nil map")
	}}
	a := NewAnalyzer(NewRegistry(), []AnalysisRule{boom, doorRule()})

	out, err := a.Analyze(context.Background(), event("D1", dock.EventLgvArrived, t0))
	require.NoError(t, err)
	assert.Equal(t, dock.StateLgvArrived, out.Door.State)
	require.Len(t, out.Results, 2)
	assert.Equal(t, "rule panicked", out.Results[0].(Log).Message)
}

func TestAnalyze_FullCycle(t *testing.T) {
	a := NewAnalyzer(NewRegistry(), []AnalysisRule{doorRule()})
	ctx := context.Background()

	steps := []struct {
		kind dock.EventKind
		want dock.DoorState
	}{
		{dock.EventLgvArrived, dock.StateLgvArrived},
		{dock.EventDoorOpen, dock.StateLoading},
		{dock.EventShipmentScanned, dock.StateLoadingComplete},
		{dock.EventLgvDeparted, dock.StateIdle},
	}
	for i, step := range steps {
		out, err := a.Analyze(ctx, event("D1", step.kind, t0.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
		assert.Equal(t, step.want, out.Door.State, "after %s", step.kind)
		assert.True(t, out.Changed())
	}

	d, _ := a.Registry().Get("D1")
	assert.Equal(t, "SHP-1", d.ShipmentID)
	assert.True(t, d.LoadingStartedAt.IsZero())
	assert.Equal(t, int64(4), d.EventCount)
}

func TestAnalyze_SetRulesSwapsRuleSet(t *testing.T) {
	a := NewAnalyzer(NewRegistry(), nil)
	require.Empty(t, a.Rules())

	a.SetRules([]AnalysisRule{doorRule()})
	out, err := a.Analyze(context.Background(), event("D1", dock.EventLgvArrived, t0))
	require.NoError(t, err)
	assert.Equal(t, dock.StateLgvArrived, out.Door.State)
	assert.Len(t, a.Rules(), 1)
}

func TestAnalyze_ReplayIsDeterministic(t *testing.T) {
	var events []dock.DockDoorEvent
	kinds := []dock.EventKind{dock.EventLgvArrived, dock.EventDoorOpen, dock.EventHeartbeat, dock.EventShipmentScanned, dock.EventLgvDeparted}
	for i := 0; i < 20; i++ {
		door := fmt.Sprintf("D%d", i%4)
		events = append(events, event(door, kinds[(i/4)%len(kinds)], t0.Add(time.Duration(i)*time.Second)))
	}

	run := func() []dock.DockDoor {
		a := NewAnalyzer(NewRegistry(), []AnalysisRule{doorRule()})
		for _, ev := range events {
			_, err := a.Analyze(context.Background(), ev)
			require.NoError(t, err)
		}
		return a.Registry().Snapshot()
	}

	first, second := run(), run()
	require.Len(t, first, 4)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("replay diverged (-first +second):\n%s", diff)
	}
}

func TestAnalyze_SameDoorPassesAreSerialized(t *testing.T) {
	var (
		mu     sync.Mutex
		inside int
		maxIn  int
	)
	counting := RuleFunc{RuleName: "counting", Fn: func(dock.DockDoor, dock.DockDoorEvent) []Result {
		mu.Lock()
		inside++
		if inside > maxIn {
			maxIn = inside
		}
		mu.Unlock()

		time.Sleep(time.Millisecond)

		mu.Lock()
		inside--
		mu.Unlock()
		return []Result{Debug("seen")}
	}}
	a := NewAnalyzer(NewRegistry(), []AnalysisRule{counting})

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := a.Analyze(context.Background(), event("D1", dock.EventHeartbeat, t0.Add(time.Duration(i)*time.Second)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, maxIn)
	d, _ := a.Registry().Get("D1")
	assert.Equal(t, int64(n), d.EventCount)
	assert.Equal(t, 1, a.Registry().Len())
}

func TestRegistry_Restore(t *testing.T) {
	r := NewRegistry()
	r.With("D1", t0, func(*dock.DockDoor) {})

	restored := r.Restore([]dock.DockDoor{
		{ID: "D1", State: dock.StateLoading},
		{ID: "D2", State: dock.StateAnomaly, StateSince: t0},
		{ID: "", State: dock.StateIdle},
		{ID: "D3", State: "bogus"},
	})
	assert.Equal(t, 1, restored)

	d1, _ := r.Get("D1")
	assert.Equal(t, dock.StateIdle, d1.State)
	d2, ok := r.Get("D2")
	require.True(t, ok)
	assert.Equal(t, dock.StateAnomaly, d2.State)

	ids := []string{}
	for _, d := range r.Snapshot() {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []string{"D1", "D2"}, ids)

	assert.False(t, r.Inspect("missing", func(dock.DockDoor) { t.Fatal("called") }))
}
