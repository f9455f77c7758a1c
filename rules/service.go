package rules

import (
	"encoding/json"

	"github.com/chazwilder/iqx-dockmonitor/analysis"
	"github.com/chazwilder/iqx-dockmonitor/dock"
)

// ServiceRule handles operators suspending and resuming a door.
type ServiceRule struct {
	named
	SuspendedAfter Duration `json:"suspended_after"`
}

func newServiceRule(name string, params json.RawMessage) (analysis.AnalysisRule, error) {
	r := &ServiceRule{named: named{name}}
	if err := decodeParams(params, r); err != nil {
		return nil, err
	}
	if err := requirePositive("suspended_after", r.SuspendedAfter); err != nil {
		return nil, err
	}
	return r, nil
}

// Rearm implements analysis.Rearmer.
func (r *ServiceRule) Rearm(door dock.DockDoor) []analysis.Watch {
	if door.State != dock.StateOutOfService {
		return nil
	}
	return []analysis.Watch{analysis.WatchFor(dock.ConditionOutOfService, r.SuspendedAfter.Std(), door.StateSince)}
}

// Apply implements analysis.AnalysisRule.
func (r *ServiceRule) Apply(door dock.DockDoor, ev dock.DockDoorEvent) []analysis.Result {
	switch ev.Kind {
	case dock.EventOutOfService:
		if door.State == dock.StateOutOfService {
			return nil
		}
		a := dock.NewAlert(dock.AlertDoorOutOfService, door, ev.Timestamp)
		a.User = ev.User
		return []analysis.Result{
			analysis.TransitionTo(dock.StateOutOfService, "door suspended"),
			analysis.Raise(a),
			analysis.WatchFor(dock.ConditionOutOfService, r.SuspendedAfter.Std(), ev.Timestamp),
		}

	case dock.EventBackInService:
		if door.State != dock.StateOutOfService {
			return nil
		}
		return []analysis.Result{
			analysis.TransitionTo(dock.StateIdle, "door back in service").
				With(dock.Update{FaultCode: dock.Ptr(""), Anomalies: dock.Ptr(0)}),
			analysis.Info("door back in service", "door_id", door.ID, "user", ev.User,
				"suspended_for", ev.Timestamp.Sub(door.StateSince).String()),
		}
	}
	return nil
}
