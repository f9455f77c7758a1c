package dock

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazwilder/iqx-dockmonitor/errors"
)

var t0 = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func TestParseDoorState(t *testing.T) {
	for _, s := range States {
		parsed, err := ParseDoorState(string(s))
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}

	_, err := ParseDoorState("parked")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestDoorState_UnmarshalJSON(t *testing.T) {
	var d DockDoor
	require.NoError(t, json.Unmarshal([]byte(`{"id":"D1","state":"loading"}`), &d))
	assert.Equal(t, StateLoading, d.State)

	err := json.Unmarshal([]byte(`{"id":"D1","state":"flying"}`), &d)
	assert.Error(t, err)
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to DoorState
		want     bool
	}{
		{StateIdle, StateLgvArrived, true},
		{StateLgvArrived, StateLoading, true},
		{StateLoading, StateLoadingComplete, true},
		{StateLoading, StateIdle, false},
		{StateOutOfService, StateLoading, false},
		{StateOutOfService, StateIdle, true},
		{StateAnomaly, StateAnomaly, true},
		{DoorState("bogus"), DoorState("bogus"), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestEvent_Validate(t *testing.T) {
	valid := NewEvent("D1", EventDoorOpen, t0)
	assert.NoError(t, valid.Validate())
	assert.NotEmpty(t, valid.ID)

	tests := []struct {
		name   string
		mutate func(*DockDoorEvent)
	}{
		{"missing door", func(e *DockDoorEvent) { e.DoorID = "" }},
		{"unknown kind", func(e *DockDoorEvent) { e.Kind = "teleport" }},
		{"zero timestamp", func(e *DockDoorEvent) { e.Timestamp = time.Time{} }},
		{"scan without shipment", func(e *DockDoorEvent) { e.Kind = EventShipmentScanned }},
		{"fault without code", func(e *DockDoorEvent) { e.Kind = EventFaultCode }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := valid
			tt.mutate(&ev)
			err := ev.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
			assert.ErrorIs(t, err, errors.ErrInvalidData)
		})
	}
}

func TestDecodeEvent(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"door_id":"D2","kind":"shipment_scanned","timestamp":"2024-03-01T08:00:00Z","shipment_id":"S-100"}`))
	require.NoError(t, err)
	assert.Equal(t, "D2", ev.DoorID)
	assert.Equal(t, "S-100", ev.ShipmentID)
	assert.NotEmpty(t, ev.ID, "missing ids are assigned")

	_, err = DecodeEvent([]byte(`{not json`))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrParsingFailed)

	_, err = DecodeEvent([]byte(`{"door_id":"D2","kind":"warp","timestamp":"2024-03-01T08:00:00Z"}`))
	assert.True(t, errors.IsInvalid(err))
}

func TestDecodeEvent_KindSpellings(t *testing.T) {
	tests := []struct {
		kind string
		want EventKind
	}{
		{"lgv_arrived", EventLgvArrived},
		{"lgv-arrived", EventLgvArrived},
		{"door-open", EventDoorOpen},
		{"DOOR-CLOSE", EventDoorClose},
		{"Door Open", EventDoorOpen},
		{"DoorOpen", EventDoorOpen},
		{"LGVArrived", EventLgvArrived},
		{"lgvEnRoute", EventLgvEnRoute},
		{"back-in-service", EventBackInService},
		{" heartbeat ", EventHeartbeat},
	}

	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			data := `{"door_id":"D1","kind":"` + tt.kind + `","timestamp":"2024-03-01T08:00:00Z"}`
			ev, err := DecodeEvent([]byte(data))
			require.NoError(t, err)
			assert.Equal(t, tt.want, ev.Kind)
		})
	}

	ev, err := DecodeEvent([]byte(`{"door_id":"D2","kind":"shipment-scanned","timestamp":"2024-03-01T08:00:00Z","shipment_id":"S-1"}`))
	require.NoError(t, err)
	assert.Equal(t, EventShipmentScanned, ev.Kind)

	_, err = DecodeEvent([]byte(`{"door_id":"D2","kind":"door-wobble","timestamp":"2024-03-01T08:00:00Z"}`))
	assert.ErrorIs(t, err, errors.ErrInvalidData)
}

func TestDockDoor_Apply(t *testing.T) {
	d := NewDockDoor("D1", t0)
	assert.Equal(t, StateIdle, d.State)

	d.Apply(StateLgvArrived, Update{LgvID: Ptr("LGV-7")}, t0.Add(time.Minute))
	assert.Equal(t, StateLgvArrived, d.State)
	assert.Equal(t, "LGV-7", d.LgvID)
	assert.Equal(t, t0.Add(time.Minute), d.LgvArrivedAt)

	d.Apply(StateLoading, Update{DoorOpen: Ptr(true)}, t0.Add(2*time.Minute))
	assert.True(t, d.DoorOpen)
	assert.Equal(t, t0.Add(2*time.Minute), d.DoorOpenedAt)
	assert.Equal(t, t0.Add(2*time.Minute), d.LoadingStartedAt)
	assert.Equal(t, 3*time.Minute, d.TimeInState(t0.Add(5*time.Minute)))

	// Re-opening an open door keeps the original open time.
	d.Apply(StateLoading, Update{DoorOpen: Ptr(true)}, t0.Add(3*time.Minute))
	assert.Equal(t, t0.Add(2*time.Minute), d.DoorOpenedAt)
	assert.Equal(t, t0.Add(2*time.Minute), d.StateSince, "self transition keeps state entry time")

	d.Apply(StateAnomaly, Update{}, t0.Add(4*time.Minute))
	assert.Equal(t, 1, d.ConsecutiveAnomalies)

	d.Apply(StateIdle, Update{DoorOpen: Ptr(false), LgvID: Ptr("")}, t0.Add(5*time.Minute))
	assert.False(t, d.DoorOpen)
	assert.True(t, d.DoorOpenedAt.IsZero())
	assert.True(t, d.LoadingStartedAt.IsZero())
	assert.Empty(t, d.LgvID)
}

func TestNewAlert(t *testing.T) {
	d := NewDockDoor("D9", t0)
	d.ShipmentID = "S-1"

	a := NewAlert(AlertDoorOutOfService, d, t0)
	assert.Equal(t, SeverityCritical, a.Severity)
	assert.Equal(t, "S-1", a.ShipmentID)
	assert.Equal(t, "D9|door_out_of_service", a.SuppressionKey())

	assert.Equal(t, SeverityWarning, AlertDoorStuckOpen.DefaultSeverity())
	assert.Equal(t, SeverityInfo, AlertManualIntervention.DefaultSeverity())
}
