package rules

import (
	"encoding/json"
	"time"

	"github.com/chazwilder/iqx-dockmonitor/analysis"
	"github.com/chazwilder/iqx-dockmonitor/dock"
)

const defaultReminder = Duration(time.Hour)

// FaultRule reacts to PLC fault codes. Each fault moves the door to Anomaly;
// the door is taken out of service once OutOfServiceAfter faults arrive
// without a clear.
type FaultRule struct {
	named
	OutOfServiceAfter int      `json:"out_of_service_after"`
	IgnoreCodes       []string `json:"ignore_codes"`
	ReminderAfter     Duration `json:"reminder_after"`

	ignored map[string]struct{}
}

func newFaultRule(name string, params json.RawMessage) (analysis.AnalysisRule, error) {
	r := &FaultRule{named: named{name}, ReminderAfter: defaultReminder}
	if err := decodeParams(params, r); err != nil {
		return nil, err
	}
	if r.OutOfServiceAfter < 1 {
		return nil, errOutOfRange("out_of_service_after", r.OutOfServiceAfter)
	}
	if err := requirePositive("reminder_after", r.ReminderAfter); err != nil {
		return nil, err
	}
	r.ignored = make(map[string]struct{}, len(r.IgnoreCodes))
	for _, c := range r.IgnoreCodes {
		r.ignored[c] = struct{}{}
	}
	return r, nil
}

// Rearm implements analysis.Rearmer.
func (r *FaultRule) Rearm(door dock.DockDoor) []analysis.Watch {
	if door.State != dock.StateOutOfService {
		return nil
	}
	return []analysis.Watch{analysis.WatchFor(dock.ConditionOutOfService, r.ReminderAfter.Std(), door.StateSince)}
}

// Apply implements analysis.AnalysisRule.
func (r *FaultRule) Apply(door dock.DockDoor, ev dock.DockDoorEvent) []analysis.Result {
	switch ev.Kind {
	case dock.EventFaultCode:
		if _, skip := r.ignored[ev.FaultCode]; skip {
			return []analysis.Result{analysis.Debug("fault code ignored", "door_id", door.ID, "fault_code", ev.FaultCode)}
		}
		if door.State == dock.StateOutOfService {
			return []analysis.Result{analysis.Debug("fault on suspended door", "door_id", door.ID, "fault_code", ev.FaultCode)}
		}

		count := door.ConsecutiveAnomalies + 1
		patch := dock.Update{FaultCode: dock.Ptr(ev.FaultCode), Anomalies: dock.Ptr(count)}

		if count >= r.OutOfServiceAfter && door.State == dock.StateAnomaly {
			a := dock.NewAlert(dock.AlertDoorOutOfService, door, ev.Timestamp)
			a.FaultCode = ev.FaultCode
			return []analysis.Result{
				analysis.TransitionTo(dock.StateOutOfService, "repeated faults").With(patch),
				analysis.Raise(a),
				analysis.WatchFor(dock.ConditionOutOfService, r.ReminderAfter.Std(), ev.Timestamp),
			}
		}

		a := dock.NewAlert(dock.AlertAnomalyDetected, door, ev.Timestamp)
		a.FaultCode = ev.FaultCode
		return []analysis.Result{
			analysis.TransitionTo(dock.StateAnomaly, "fault reported").With(patch),
			analysis.Raise(a),
		}

	case dock.EventFaultCleared:
		if door.State != dock.StateAnomaly {
			return nil
		}
		return []analysis.Result{
			analysis.TransitionTo(dock.StateIdle, "fault cleared").
				With(dock.Update{FaultCode: dock.Ptr(""), Anomalies: dock.Ptr(0)}),
		}
	}
	return nil
}
