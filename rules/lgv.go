package rules

import (
	"encoding/json"

	"github.com/chazwilder/iqx-dockmonitor/analysis"
	"github.com/chazwilder/iqx-dockmonitor/dock"
)

// LgvMovementRule follows an LGV from en-route to departure.
type LgvMovementRule struct {
	named
	DwellThreshold Duration `json:"dwell_threshold"`
}

func newLgvMovementRule(name string, params json.RawMessage) (analysis.AnalysisRule, error) {
	r := &LgvMovementRule{named: named{name}}
	if err := decodeParams(params, r); err != nil {
		return nil, err
	}
	if err := requirePositive("dwell_threshold", r.DwellThreshold); err != nil {
		return nil, err
	}
	return r, nil
}

// Rearm implements analysis.Rearmer.
func (r *LgvMovementRule) Rearm(door dock.DockDoor) []analysis.Watch {
	if door.State != dock.StateLgvArrived || door.LgvArrivedAt.IsZero() {
		return nil
	}
	return []analysis.Watch{analysis.WatchFor(dock.ConditionLgvDwell, r.DwellThreshold.Std(), door.LgvArrivedAt)}
}

// Apply implements analysis.AnalysisRule.
func (r *LgvMovementRule) Apply(door dock.DockDoor, ev dock.DockDoorEvent) []analysis.Result {
	switch ev.Kind {
	case dock.EventLgvEnRoute:
		switch door.State {
		case dock.StateIdle, dock.StateLoadingComplete:
			return []analysis.Result{
				analysis.TransitionTo(dock.StateLgvEnRoute, "lgv dispatched to door").
					With(dock.Update{LgvID: dock.Ptr(ev.LgvID)}),
			}
		}

	case dock.EventLgvArrived:
		switch door.State {
		case dock.StateIdle, dock.StateLgvEnRoute, dock.StateLoadingComplete, dock.StateDoorOpenNoActivity:
			return []analysis.Result{
				analysis.TransitionTo(dock.StateLgvArrived, "lgv arrived at door").
					With(dock.Update{LgvID: dock.Ptr(ev.LgvID)}),
				analysis.WatchFor(dock.ConditionLgvDwell, r.DwellThreshold.Std(), ev.Timestamp),
			}
		}

	case dock.EventLgvDeparted:
		switch door.State {
		case dock.StateLoading:
			a := dock.NewAlert(dock.AlertUnexpectedDeparture, door, ev.Timestamp)
			a.LgvID = ev.LgvID
			a.Duration = ev.Timestamp.Sub(door.LoadingStartedAt)
			return []analysis.Result{
				analysis.TransitionTo(dock.StateAnomaly, "lgv left during loading").
					With(dock.Update{LgvID: dock.Ptr("")}),
				analysis.Raise(a),
			}
		case dock.StateLgvEnRoute, dock.StateLgvArrived, dock.StateLoadingComplete:
			return []analysis.Result{
				analysis.TransitionTo(dock.StateIdle, "lgv departed").
					With(dock.Update{LgvID: dock.Ptr("")}),
			}
		}
	}
	return nil
}
