package rules

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazwilder/iqx-dockmonitor/analysis"
	"github.com/chazwilder/iqx-dockmonitor/dock"
)

func build(t *testing.T, kind, params string) analysis.AnalysisRule {
	t.Helper()
	r, err := DefaultFactory().Build(RuleConfig{Name: kind, Kind: kind, Parameters: json.RawMessage(params)})
	require.NoError(t, err)
	return r
}

func door(state dock.DoorState) dock.DockDoor {
	d := dock.NewDockDoor("D1", t0.Add(-time.Hour))
	d.State = state
	return d
}

func ev(kind dock.EventKind) dock.DockDoorEvent {
	e := dock.NewEvent("D1", kind, t0)
	e.LgvID = "LGV-7"
	return e
}

func transitions(results []analysis.Result) []dock.DoorState {
	var out []dock.DoorState
	for _, r := range results {
		if st, ok := r.(analysis.StateTransition); ok {
			out = append(out, st.To)
		}
	}
	return out
}

func find[T analysis.Result](results []analysis.Result) (T, bool) {
	for _, r := range results {
		if v, ok := r.(T); ok {
			return v, true
		}
	}
	var zero T
	return zero, false
}

func TestLgvMovementRule(t *testing.T) {
	r := build(t, KindLgvMovement, `{"dwell_threshold": "20m"}`)

	tests := []struct {
		name  string
		state dock.DoorState
		kind  dock.EventKind
		want  []dock.DoorState
	}{
		{"dispatched", dock.StateIdle, dock.EventLgvEnRoute, []dock.DoorState{dock.StateLgvEnRoute}},
		{"arrived", dock.StateLgvEnRoute, dock.EventLgvArrived, []dock.DoorState{dock.StateLgvArrived}},
		{"departed", dock.StateLoadingComplete, dock.EventLgvDeparted, []dock.DoorState{dock.StateIdle}},
		{"departed mid load", dock.StateLoading, dock.EventLgvDeparted, []dock.DoorState{dock.StateAnomaly}},
		{"arrival while loading", dock.StateLoading, dock.EventLgvArrived, nil},
		{"unrelated", dock.StateIdle, dock.EventDoorOpen, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, transitions(r.Apply(door(tt.state), ev(tt.kind))))
		})
	}

	results := r.Apply(door(dock.StateIdle), ev(dock.EventLgvArrived))
	w, ok := find[analysis.Watch](results)
	require.True(t, ok)
	assert.Equal(t, dock.ConditionLgvDwell, w.Condition)
	assert.Equal(t, 20*time.Minute, w.After)
	assert.Equal(t, t0, w.Anchor)

	results = r.Apply(door(dock.StateLoading), ev(dock.EventLgvDeparted))
	a, ok := find[analysis.Alert](results)
	require.True(t, ok)
	assert.Equal(t, dock.AlertUnexpectedDeparture, a.Type)
	assert.Equal(t, dock.SeverityCritical, a.Severity)
}

func TestDoorSensorRule(t *testing.T) {
	r := build(t, KindDoorSensor, `{"stuck_open_after": "30m"}`)

	assert.Equal(t, []dock.DoorState{dock.StateLoading}, transitions(r.Apply(door(dock.StateLgvArrived), ev(dock.EventDoorOpen))))
	assert.Equal(t, []dock.DoorState{dock.StateDoorOpenNoActivity}, transitions(r.Apply(door(dock.StateIdle), ev(dock.EventDoorOpen))))

	open := door(dock.StateDoorOpenNoActivity)
	open.DoorOpen = true
	assert.Equal(t, []dock.DoorState{dock.StateIdle}, transitions(r.Apply(open, ev(dock.EventDoorClose))))

	results := r.Apply(door(dock.StateLgvArrived), ev(dock.EventDoorOpen))
	w, ok := find[analysis.Watch](results)
	require.True(t, ok)
	assert.Equal(t, dock.ConditionDoorStuckOpen, w.Condition)
	assert.Equal(t, 30*time.Minute, w.After)

	_, isLog := r.Apply(open, ev(dock.EventDoorOpen))[0].(analysis.Log)
	assert.True(t, isLog)
}

func TestShipmentRule_CompletesLoad(t *testing.T) {
	r := build(t, KindShipment, `{}`)

	d := door(dock.StateLoading)
	d.ID = "D2"
	d.LoadingStartedAt = t0.Add(-25 * time.Minute)
	d.LgvID = "LGV-7"
	scan := dock.NewEvent("D2", dock.EventShipmentScanned, t0)
	scan.ShipmentID = "SHP-42"

	results := r.Apply(d, scan)
	assert.Equal(t, []dock.DoorState{dock.StateLoadingComplete}, transitions(results))

	ins, ok := find[analysis.DbInsert](results)
	require.True(t, ok)
	assert.Equal(t, DefaultShipmentRecordKind, ins.Record.Kind)
	assert.Equal(t, "D2", ins.Record.DoorID)
	assert.Equal(t, "SHP-42", ins.Record.Fields["shipment_id"])
	assert.Equal(t, (25 * time.Minute).Seconds(), ins.Record.Fields["dwell_seconds"])

	elsewhere := r.Apply(door(dock.StateLgvArrived), scan)
	require.Len(t, elsewhere, 1)
	st := elsewhere[0].(analysis.StateTransition)
	assert.Equal(t, dock.StateLgvArrived, st.To)
	assert.Equal(t, "SHP-42", *st.Update.ShipmentID)
}

func TestShipmentRule_PreviousLoadStillDocked(t *testing.T) {
	r := build(t, KindShipment, `{}`)

	d := door(dock.StateLoadingComplete)
	d.ShipmentID = "SHP-OLD"
	d.LgvID = "LGV-3"
	scan := dock.NewEvent("D1", dock.EventShipmentScanned, t0)
	scan.ShipmentID = "SHP-NEW"

	results := r.Apply(d, scan)
	assert.Equal(t, []dock.DoorState{dock.StateLoadingComplete}, transitions(results))

	a, ok := find[analysis.Alert](results)
	require.True(t, ok)
	assert.Equal(t, dock.AlertShipmentPrevLoad, a.Type)
	assert.Equal(t, "SHP-NEW", a.ShipmentID)
	assert.Equal(t, "SHP-OLD", a.PreviousShipmentID)
	assert.Equal(t, "LGV-3", a.LgvID)

	ins, ok := find[analysis.DbInsert](results)
	require.True(t, ok)
	assert.Equal(t, DefaultPreviousLoadRecordKind, ins.Record.Kind)
	assert.Equal(t, "SHP-OLD", ins.Record.Fields["previous_shipment_id"])

	// Rescanning the same load or a door with no LGV left is not a conflict.
	same := scan
	same.ShipmentID = "SHP-OLD"
	_, raised := find[analysis.Alert](r.Apply(d, same))
	assert.False(t, raised)
	d.LgvID = ""
	_, raised = find[analysis.Alert](r.Apply(d, scan))
	assert.False(t, raised)
}

func TestShipmentRule_DoorNotReady(t *testing.T) {
	r := build(t, KindShipment, `{}`)
	scan := dock.NewEvent("D1", dock.EventShipmentScanned, t0)
	scan.ShipmentID = "SHP-9"

	for _, state := range []dock.DoorState{dock.StateIdle, dock.StateDoorOpenNoActivity} {
		t.Run(state.String(), func(t *testing.T) {
			results := r.Apply(door(state), scan)
			assert.Equal(t, []dock.DoorState{state}, transitions(results))
			a, ok := find[analysis.Alert](results)
			require.True(t, ok)
			assert.Equal(t, dock.AlertShipmentNotReady, a.Type)
			assert.Equal(t, "SHP-9", a.ShipmentID)
		})
	}

	ready := door(dock.StateIdle)
	ready.LgvID = "LGV-1"
	_, raised := find[analysis.Alert](r.Apply(ready, scan))
	assert.False(t, raised)

	quiet := build(t, KindShipment, `{"not_ready_alert": false, "previous_load_alert": false}`)
	results := quiet.Apply(door(dock.StateIdle), scan)
	require.Len(t, results, 1)
	_, isTransition := results[0].(analysis.StateTransition)
	assert.True(t, isTransition)
}

func TestFaultRule_Escalates(t *testing.T) {
	r := build(t, KindFault, `{"out_of_service_after": 3, "ignore_codes": ["E000"]}`)
	a := analysis.NewAnalyzer(analysis.NewRegistry(), []analysis.AnalysisRule{r})

	fault := func(code string, i int) analysis.Outcome {
		e := dock.NewEvent("D1", dock.EventFaultCode, t0.Add(time.Duration(i)*time.Minute))
		e.FaultCode = code
		out, err := a.Analyze(context.Background(), e)
		require.NoError(t, err)
		return out
	}

	out := fault("E000", 0)
	assert.Equal(t, dock.StateIdle, out.Door.State)

	out = fault("E101", 1)
	assert.Equal(t, dock.StateAnomaly, out.Door.State)
	assert.Equal(t, 1, out.Door.ConsecutiveAnomalies)
	alert, ok := find[analysis.Alert](out.Results)
	require.True(t, ok)
	assert.Equal(t, dock.AlertAnomalyDetected, alert.Type)

	out = fault("E101", 2)
	assert.Equal(t, dock.StateAnomaly, out.Door.State)
	assert.Equal(t, 2, out.Door.ConsecutiveAnomalies)

	out = fault("E102", 3)
	assert.Equal(t, dock.StateOutOfService, out.Door.State)
	assert.Equal(t, "E102", out.Door.FaultCode)
	alert, _ = find[analysis.Alert](out.Results)
	assert.Equal(t, dock.AlertDoorOutOfService, alert.Type)
	w, ok := find[analysis.Watch](out.Results)
	require.True(t, ok)
	assert.Equal(t, time.Hour, w.After)
}

func TestFaultRule_Clears(t *testing.T) {
	r := build(t, KindFault, `{"out_of_service_after": 2}`)
	d := door(dock.StateAnomaly)
	d.FaultCode = "E1"
	d.ConsecutiveAnomalies = 1

	results := r.Apply(d, ev(dock.EventFaultCleared))
	require.Len(t, results, 1)
	st := results[0].(analysis.StateTransition)
	assert.Equal(t, dock.StateIdle, st.To)
	assert.Equal(t, 0, *st.Update.Anomalies)

	assert.Nil(t, r.Apply(door(dock.StateLoading), ev(dock.EventFaultCleared)))
}

func TestServiceRule(t *testing.T) {
	r := build(t, KindService, `{"suspended_after": "4h"}`)

	out := ev(dock.EventOutOfService)
	out.User = "jdoe"
	results := r.Apply(door(dock.StateLoading), out)
	assert.Equal(t, []dock.DoorState{dock.StateOutOfService}, transitions(results))
	alert, ok := find[analysis.Alert](results)
	require.True(t, ok)
	assert.Equal(t, "jdoe", alert.User)

	assert.Nil(t, r.Apply(door(dock.StateOutOfService), out))
	assert.Equal(t, []dock.DoorState{dock.StateIdle}, transitions(r.Apply(door(dock.StateOutOfService), ev(dock.EventBackInService))))
}

func TestRuleOrdering_OverrunSeesDoorOpenTransition(t *testing.T) {
	rules := []analysis.AnalysisRule{
		build(t, KindLgvMovement, `{"dwell_threshold": "20m"}`),
		build(t, KindDoorSensor, `{"stuck_open_after": "30m"}`),
		build(t, KindManualIntervention, `{}`),
		build(t, KindLoadingOverrun, `{"max_loading": "2h"}`),
	}
	a := analysis.NewAnalyzer(analysis.NewRegistry(), rules)
	ctx := context.Background()

	arrive := dock.NewEvent("D1", dock.EventLgvArrived, t0)
	arrive.LgvID = "LGV-7"
	_, err := a.Analyze(ctx, arrive)
	require.NoError(t, err)

	out, err := a.Analyze(ctx, dock.NewEvent("D1", dock.EventDoorOpen, t0.Add(time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, dock.StateLoading, out.Door.State)

	var conditions []dock.ConditionKind
	for _, r := range out.Results {
		if w, ok := r.(analysis.Watch); ok {
			conditions = append(conditions, w.Condition)
		}
	}
	assert.Equal(t, []dock.ConditionKind{dock.ConditionDoorStuckOpen, dock.ConditionShipmentDelay}, conditions)
	_, manual := find[analysis.Alert](out.Results)
	assert.False(t, manual)

	other, err := a.Analyze(ctx, dock.NewEvent("D9", dock.EventDoorOpen, t0))
	require.NoError(t, err)
	alert, ok := find[analysis.Alert](other.Results)
	require.True(t, ok)
	assert.Equal(t, dock.AlertManualIntervention, alert.Type)
}

func TestManualInterventionRule_RepeatedOpenReportsOnce(t *testing.T) {
	rules := []analysis.AnalysisRule{
		build(t, KindDoorSensor, `{"stuck_open_after": "30m"}`),
		build(t, KindManualIntervention, `{}`),
	}
	a := analysis.NewAnalyzer(analysis.NewRegistry(), rules)
	ctx := context.Background()

	first, err := a.Analyze(ctx, dock.NewEvent("D4", dock.EventDoorOpen, t0))
	require.NoError(t, err)
	_, raised := find[analysis.Alert](first.Results)
	assert.True(t, raised)
	_, recorded := find[analysis.DbInsert](first.Results)
	assert.True(t, recorded)

	again, err := a.Analyze(ctx, dock.NewEvent("D4", dock.EventDoorOpen, t0.Add(time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, dock.StateDoorOpenNoActivity, again.Door.State)
	_, raised = find[analysis.Alert](again.Results)
	assert.False(t, raised)
	_, recorded = find[analysis.DbInsert](again.Results)
	assert.False(t, recorded)
}

func TestHeartbeatRule(t *testing.T) {
	r := build(t, KindHeartbeat, ``)
	results := r.Apply(door(dock.StateIdle), ev(dock.EventHeartbeat))
	require.Len(t, results, 1)
	assert.Equal(t, "heartbeat", results[0].(analysis.Log).Message)
	assert.Nil(t, r.Apply(door(dock.StateIdle), ev(dock.EventDoorOpen)))
}

func TestRearm_FromRestoredSnapshot(t *testing.T) {
	opened := door(dock.StateLoading)
	opened.DoorOpen = true
	opened.DoorOpenedAt = t0.Add(-10 * time.Minute)
	opened.LoadingStartedAt = t0.Add(-5 * time.Minute)

	arrived := door(dock.StateLgvArrived)
	arrived.LgvArrivedAt = t0.Add(-2 * time.Minute)

	suspended := door(dock.StateOutOfService)

	tests := []struct {
		name   string
		kind   string
		params string
		door   dock.DockDoor
		want   []analysis.Watch
	}{
		{
			name:   "open door",
			kind:   KindDoorSensor,
			params: `{"stuck_open_after": "30m"}`,
			door:   opened,
			want:   []analysis.Watch{analysis.WatchFor(dock.ConditionDoorStuckOpen, 30*time.Minute, opened.DoorOpenedAt)},
		},
		{
			name:   "closed door",
			kind:   KindDoorSensor,
			params: `{"stuck_open_after": "30m"}`,
			door:   door(dock.StateIdle),
		},
		{
			name:   "lgv dwelling",
			kind:   KindLgvMovement,
			params: `{"dwell_threshold": "20m"}`,
			door:   arrived,
			want:   []analysis.Watch{analysis.WatchFor(dock.ConditionLgvDwell, 20*time.Minute, arrived.LgvArrivedAt)},
		},
		{
			name:   "loading",
			kind:   KindLoadingOverrun,
			params: `{"max_loading": "2h"}`,
			door:   opened,
			want:   []analysis.Watch{analysis.WatchFor(dock.ConditionShipmentDelay, 2*time.Hour, opened.LoadingStartedAt)},
		},
		{
			name:   "suspended",
			kind:   KindService,
			params: `{"suspended_after": "4h"}`,
			door:   suspended,
			want:   []analysis.Watch{analysis.WatchFor(dock.ConditionOutOfService, 4*time.Hour, suspended.StateSince)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, ok := build(t, tt.kind, tt.params).(analysis.Rearmer)
			require.True(t, ok)
			assert.Equal(t, tt.want, r.Rearm(tt.door))
		})
	}
}
