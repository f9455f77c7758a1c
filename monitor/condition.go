package monitor

import (
	"time"

	"github.com/chazwilder/iqx-dockmonitor/dock"
)

// Condition re-evaluates a deferred situation against the door's current
// snapshot. Check returns the alert to raise and true while the situation
// still holds; false means it resolved and the item can be dropped.
type Condition interface {
	Kind() dock.ConditionKind
	Check(door dock.DockDoor, it Item, now time.Time) (dock.Alert, bool)
}

// anchored is a condition that holds while the door stays in a situation
// that started at the item's anchor.
type anchored struct {
	kind  dock.ConditionKind
	alert dock.AlertType
	holds func(d dock.DockDoor, anchor time.Time) bool
}

func (c anchored) Kind() dock.ConditionKind { return c.kind }

func (c anchored) Check(door dock.DockDoor, it Item, now time.Time) (dock.Alert, bool) {
	if !c.holds(door, it.Anchor) {
		return dock.Alert{}, false
	}
	a := dock.NewAlert(c.alert, door, now)
	a.Duration = now.Sub(it.Anchor)
	return a, true
}

// DefaultConditions returns the built-in conditions keyed by kind.
func DefaultConditions() map[dock.ConditionKind]Condition {
	conds := []Condition{
		anchored{
			kind:  dock.ConditionDoorStuckOpen,
			alert: dock.AlertDoorStuckOpen,
			holds: func(d dock.DockDoor, anchor time.Time) bool {
				return d.DoorOpen && d.DoorOpenedAt.Equal(anchor)
			},
		},
		anchored{
			kind:  dock.ConditionLgvDwell,
			alert: dock.AlertLgvDwellTimeout,
			holds: func(d dock.DockDoor, anchor time.Time) bool {
				return d.State == dock.StateLgvArrived && d.LgvArrivedAt.Equal(anchor)
			},
		},
		anchored{
			kind:  dock.ConditionShipmentDelay,
			alert: dock.AlertShipmentDelay,
			holds: func(d dock.DockDoor, anchor time.Time) bool {
				return d.State == dock.StateLoading && d.LoadingStartedAt.Equal(anchor)
			},
		},
		anchored{
			kind:  dock.ConditionOutOfService,
			alert: dock.AlertDoorOutOfService,
			holds: func(d dock.DockDoor, anchor time.Time) bool {
				return d.State == dock.StateOutOfService && d.StateSince.Equal(anchor)
			},
		},
	}

	out := make(map[dock.ConditionKind]Condition, len(conds))
	for _, c := range conds {
		out[c.Kind()] = c
	}
	return out
}
