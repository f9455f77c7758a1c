package dock

import "time"

// DockDoor is the tracked state of one physical door. Values are
// snapshots: copying a DockDoor copies everything.
type DockDoor struct {
	ID                   string    `json:"id"`
	State                DoorState `json:"state"`
	StateSince           time.Time `json:"state_since"`
	DoorOpen             bool      `json:"door_open"`
	DoorOpenedAt         time.Time `json:"door_opened_at,omitempty"`
	LgvID                string    `json:"lgv_id,omitempty"`
	LgvArrivedAt         time.Time `json:"lgv_arrived_at,omitempty"`
	ShipmentID           string    `json:"shipment_id,omitempty"`
	LoadingStartedAt     time.Time `json:"loading_started_at,omitempty"`
	FaultCode            string    `json:"fault_code,omitempty"`
	ConsecutiveAnomalies int       `json:"consecutive_anomalies"`
	EventCount           int64     `json:"event_count"`
	LastEventAt          time.Time `json:"last_event_at,omitempty"`
}

// NewDockDoor returns a door first seen at the given time, in Idle.
func NewDockDoor(id string, at time.Time) DockDoor {
	return DockDoor{
		ID:         id,
		State:      StateIdle,
		StateSince: at,
	}
}

// TimeInState returns how long the door has been in its current state.
func (d DockDoor) TimeInState(now time.Time) time.Duration {
	if d.StateSince.IsZero() || now.Before(d.StateSince) {
		return 0
	}
	return now.Sub(d.StateSince)
}

// Update is an attribute patch carried by a state transition. Nil fields
// are left alone.
type Update struct {
	DoorOpen   *bool   `json:"door_open,omitempty"`
	LgvID      *string `json:"lgv_id,omitempty"`
	ShipmentID *string `json:"shipment_id,omitempty"`
	FaultCode  *string `json:"fault_code,omitempty"`
	Anomalies  *int    `json:"anomalies,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (u Update) Empty() bool {
	return u.DoorOpen == nil && u.LgvID == nil && u.ShipmentID == nil && u.FaultCode == nil && u.Anomalies == nil
}

// Apply moves the door to state `to` at time `at` and applies the patch.
// It does not check legality.
func (d *DockDoor) Apply(to DoorState, u Update, at time.Time) {
	if to != d.State {
		d.State = to
		d.StateSince = at
		switch to {
		case StateLgvArrived:
			d.LgvArrivedAt = at
		case StateLoading:
			d.LoadingStartedAt = at
		case StateAnomaly:
			d.ConsecutiveAnomalies++
		case StateIdle:
			d.LgvArrivedAt = time.Time{}
			d.LoadingStartedAt = time.Time{}
		case StateLoadingComplete:
			d.ConsecutiveAnomalies = 0
		}
	}

	if u.DoorOpen != nil {
		if *u.DoorOpen && !d.DoorOpen {
			d.DoorOpenedAt = at
		}
		if !*u.DoorOpen {
			d.DoorOpenedAt = time.Time{}
		}
		d.DoorOpen = *u.DoorOpen
	}
	if u.LgvID != nil {
		d.LgvID = *u.LgvID
	}
	if u.ShipmentID != nil {
		d.ShipmentID = *u.ShipmentID
	}
	if u.FaultCode != nil {
		d.FaultCode = *u.FaultCode
	}
	if u.Anomalies != nil {
		d.ConsecutiveAnomalies = *u.Anomalies
	}
}

// Ptr returns a pointer to v, for building Update values.
func Ptr[T any](v T) *T { return &v }
