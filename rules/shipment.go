package rules

import (
	"encoding/json"

	"github.com/chazwilder/iqx-dockmonitor/analysis"
	"github.com/chazwilder/iqx-dockmonitor/dock"
)

// Record kinds written by ShipmentRule.
const (
	DefaultShipmentRecordKind     = "shipment_loaded"
	DefaultPreviousLoadRecordKind = "new_shipment_previous_load"
)

// ShipmentRule completes a load when its shipment is scanned. A scan at a
// door whose finished load is still docked, or at a door with no LGV,
// raises an alert.
type ShipmentRule struct {
	named
	RecordKind             string `json:"record_kind"`
	PreviousLoadRecordKind string `json:"previous_load_record_kind"`
	PreviousLoadAlert      bool   `json:"previous_load_alert"`
	NotReadyAlert          bool   `json:"not_ready_alert"`
}

func newShipmentRule(name string, params json.RawMessage) (analysis.AnalysisRule, error) {
	r := &ShipmentRule{
		named:                  named{name},
		RecordKind:             DefaultShipmentRecordKind,
		PreviousLoadRecordKind: DefaultPreviousLoadRecordKind,
		PreviousLoadAlert:      true,
		NotReadyAlert:          true,
	}
	if err := decodeParams(params, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Apply implements analysis.AnalysisRule.
func (r *ShipmentRule) Apply(door dock.DockDoor, ev dock.DockDoorEvent) []analysis.Result {
	if ev.Kind != dock.EventShipmentScanned {
		return nil
	}
	assign := analysis.TransitionTo(door.State, "shipment assigned").With(dock.Update{ShipmentID: dock.Ptr(ev.ShipmentID)})

	switch door.State {
	case dock.StateLoading:
		return r.complete(door, ev)

	case dock.StateLoadingComplete:
		if !r.PreviousLoadAlert || door.LgvID == "" || door.ShipmentID == "" || door.ShipmentID == ev.ShipmentID {
			break
		}
		a := dock.NewAlert(dock.AlertShipmentPrevLoad, door, ev.Timestamp)
		a.ShipmentID = ev.ShipmentID
		a.PreviousShipmentID = door.ShipmentID
		return []analysis.Result{
			assign,
			analysis.Raise(a),
			analysis.Insert(dock.NewRecord(r.PreviousLoadRecordKind, door.ID, ev.Timestamp, map[string]any{
				"shipment_id":          ev.ShipmentID,
				"previous_shipment_id": door.ShipmentID,
				"lgv_id":               door.LgvID,
				"loaded_since":         door.StateSince,
			})),
		}

	case dock.StateIdle, dock.StateDoorOpenNoActivity:
		if !r.NotReadyAlert || door.LgvID != "" {
			break
		}
		a := dock.NewAlert(dock.AlertShipmentNotReady, door, ev.Timestamp)
		a.ShipmentID = ev.ShipmentID
		return []analysis.Result{assign, analysis.Raise(a)}
	}
	return []analysis.Result{assign}
}

func (r *ShipmentRule) complete(door dock.DockDoor, ev dock.DockDoorEvent) []analysis.Result {
	dwell := ev.Timestamp.Sub(door.LoadingStartedAt)
	if door.LoadingStartedAt.IsZero() || dwell < 0 {
		dwell = 0
	}
	return []analysis.Result{
		analysis.TransitionTo(dock.StateLoadingComplete, "shipment scanned").With(dock.Update{ShipmentID: dock.Ptr(ev.ShipmentID)}),
		analysis.Insert(dock.NewRecord(r.RecordKind, door.ID, ev.Timestamp, map[string]any{
			"shipment_id":        ev.ShipmentID,
			"lgv_id":             door.LgvID,
			"loading_started_at": door.LoadingStartedAt,
			"dwell_seconds":      dwell.Seconds(),
		})),
	}
}
