package rules

import (
	"encoding/json"

	"github.com/chazwilder/iqx-dockmonitor/analysis"
	"github.com/chazwilder/iqx-dockmonitor/dock"
)

// DefaultManualRecordKind is the record kind written for manual openings.
const DefaultManualRecordKind = "manual_intervention"

// ManualInterventionRule flags a door opened while no LGV is assigned.
// Place it after DoorSensorRule so it sees the opened door.
type ManualInterventionRule struct {
	named
	RecordKind string `json:"record_kind"`
}

func newManualInterventionRule(name string, params json.RawMessage) (analysis.AnalysisRule, error) {
	r := &ManualInterventionRule{named: named{name}, RecordKind: DefaultManualRecordKind}
	if err := decodeParams(params, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Apply implements analysis.AnalysisRule.
func (r *ManualInterventionRule) Apply(door dock.DockDoor, ev dock.DockDoorEvent) []analysis.Result {
	if ev.Kind != dock.EventDoorOpen || door.LgvID != "" {
		return nil
	}
	// Opened before this event: a repeated sensor report, not a new opening.
	if door.DoorOpen && !door.DoorOpenedAt.Equal(ev.Timestamp) {
		return nil
	}
	switch door.State {
	case dock.StateIdle, dock.StateDoorOpenNoActivity:
	default:
		return nil
	}

	a := dock.NewAlert(dock.AlertManualIntervention, door, ev.Timestamp)
	a.User = ev.User
	return []analysis.Result{
		analysis.Raise(a),
		analysis.Insert(dock.NewRecord(r.RecordKind, door.ID, ev.Timestamp, map[string]any{
			"user":   ev.User,
			"source": ev.Source,
		})),
	}
}

// LoadingOverrunRule watches for loads that run long. It relies on an
// earlier rule moving the door into Loading during the same pass.
type LoadingOverrunRule struct {
	named
	MaxLoading Duration `json:"max_loading"`
}

func newLoadingOverrunRule(name string, params json.RawMessage) (analysis.AnalysisRule, error) {
	r := &LoadingOverrunRule{named: named{name}}
	if err := decodeParams(params, r); err != nil {
		return nil, err
	}
	if err := requirePositive("max_loading", r.MaxLoading); err != nil {
		return nil, err
	}
	return r, nil
}

// Rearm implements analysis.Rearmer.
func (r *LoadingOverrunRule) Rearm(door dock.DockDoor) []analysis.Watch {
	if door.State != dock.StateLoading || door.LoadingStartedAt.IsZero() {
		return nil
	}
	return []analysis.Watch{analysis.WatchFor(dock.ConditionShipmentDelay, r.MaxLoading.Std(), door.LoadingStartedAt)}
}

// Apply implements analysis.AnalysisRule.
func (r *LoadingOverrunRule) Apply(door dock.DockDoor, ev dock.DockDoorEvent) []analysis.Result {
	if door.State != dock.StateLoading || !door.LoadingStartedAt.Equal(ev.Timestamp) {
		return nil
	}
	return []analysis.Result{
		analysis.WatchFor(dock.ConditionShipmentDelay, r.MaxLoading.Std(), ev.Timestamp),
	}
}

// HeartbeatRule acknowledges heartbeats so they are not reported as
// unclassified.
type HeartbeatRule struct {
	named
}

func newHeartbeatRule(name string, params json.RawMessage) (analysis.AnalysisRule, error) {
	r := &HeartbeatRule{named: named{name}}
	if err := decodeParams(params, &struct{}{}); err != nil {
		return nil, err
	}
	return r, nil
}

// Apply implements analysis.AnalysisRule.
func (r *HeartbeatRule) Apply(door dock.DockDoor, ev dock.DockDoorEvent) []analysis.Result {
	if ev.Kind != dock.EventHeartbeat {
		return nil
	}
	return []analysis.Result{analysis.Debug("heartbeat", "door_id", door.ID, "state", door.State)}
}
