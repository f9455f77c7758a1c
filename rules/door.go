package rules

import (
	"encoding/json"

	"github.com/chazwilder/iqx-dockmonitor/analysis"
	"github.com/chazwilder/iqx-dockmonitor/dock"
)

// DoorSensorRule interprets door open and close sensor readings.
type DoorSensorRule struct {
	named
	StuckOpenAfter Duration `json:"stuck_open_after"`
}

func newDoorSensorRule(name string, params json.RawMessage) (analysis.AnalysisRule, error) {
	r := &DoorSensorRule{named: named{name}}
	if err := decodeParams(params, r); err != nil {
		return nil, err
	}
	if err := requirePositive("stuck_open_after", r.StuckOpenAfter); err != nil {
		return nil, err
	}
	return r, nil
}

// Rearm implements analysis.Rearmer.
func (r *DoorSensorRule) Rearm(door dock.DockDoor) []analysis.Watch {
	if !door.DoorOpen || door.DoorOpenedAt.IsZero() {
		return nil
	}
	return []analysis.Watch{analysis.WatchFor(dock.ConditionDoorStuckOpen, r.StuckOpenAfter.Std(), door.DoorOpenedAt)}
}

// Apply implements analysis.AnalysisRule.
func (r *DoorSensorRule) Apply(door dock.DockDoor, ev dock.DockDoorEvent) []analysis.Result {
	switch ev.Kind {
	case dock.EventDoorOpen:
		if door.DoorOpen {
			return []analysis.Result{analysis.Debug("door already open", "door_id", door.ID)}
		}
		opened := dock.Update{DoorOpen: dock.Ptr(true)}

		var t analysis.StateTransition
		switch door.State {
		case dock.StateLgvArrived:
			t = analysis.TransitionTo(dock.StateLoading, "door opened for arrived lgv")
		case dock.StateIdle:
			t = analysis.TransitionTo(dock.StateDoorOpenNoActivity, "door opened with no lgv")
		default:
			t = analysis.TransitionTo(door.State, "door opened")
		}
		return []analysis.Result{
			t.With(opened),
			analysis.WatchFor(dock.ConditionDoorStuckOpen, r.StuckOpenAfter.Std(), ev.Timestamp),
		}

	case dock.EventDoorClose:
		if !door.DoorOpen {
			return []analysis.Result{analysis.Debug("door already closed", "door_id", door.ID)}
		}
		closed := dock.Update{DoorOpen: dock.Ptr(false)}
		if door.State == dock.StateDoorOpenNoActivity {
			return []analysis.Result{analysis.TransitionTo(dock.StateIdle, "door closed").With(closed)}
		}
		return []analysis.Result{analysis.TransitionTo(door.State, "door closed").With(closed)}
	}
	return nil
}
