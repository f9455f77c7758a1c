package dock

import (
	"time"
)

// AlertType classifies a raised alert.
type AlertType string

const (
	AlertDoorStuckOpen       AlertType = "door_stuck_open"
	AlertLgvDwellTimeout     AlertType = "lgv_dwell_timeout"
	AlertShipmentDelay       AlertType = "shipment_delay"
	AlertAnomalyDetected     AlertType = "anomaly_detected"
	AlertDoorOutOfService    AlertType = "door_out_of_service"
	AlertManualIntervention  AlertType = "manual_intervention"
	AlertUnexpectedDeparture AlertType = "unexpected_departure"
	AlertShipmentPrevLoad    AlertType = "shipment_previous_load"
	AlertShipmentNotReady    AlertType = "shipment_not_ready"
)

// AlertTypes lists every alert type.
var AlertTypes = []AlertType{
	AlertDoorStuckOpen,
	AlertLgvDwellTimeout,
	AlertShipmentDelay,
	AlertAnomalyDetected,
	AlertDoorOutOfService,
	AlertManualIntervention,
	AlertUnexpectedDeparture,
	AlertShipmentPrevLoad,
	AlertShipmentNotReady,
}

func (t AlertType) String() string { return string(t) }

// Severity of an alert or notification.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// DefaultSeverity is the severity used when a rule does not set one.
func (t AlertType) DefaultSeverity() Severity {
	switch t {
	case AlertDoorOutOfService, AlertUnexpectedDeparture:
		return SeverityCritical
	case AlertManualIntervention:
		return SeverityInfo
	default:
		return SeverityWarning
	}
}

// Alert is a classified condition with the fields needed to render it.
type Alert struct {
	Type       AlertType     `json:"type"`
	DoorID     string        `json:"door_id"`
	Severity   Severity      `json:"severity"`
	Duration   time.Duration `json:"duration,omitempty"`
	ShipmentID string        `json:"shipment_id,omitempty"`
	LgvID      string        `json:"lgv_id,omitempty"`
	FaultCode  string        `json:"fault_code,omitempty"`
	User       string        `json:"user,omitempty"`
	RaisedAt   time.Time     `json:"raised_at"`

	// PreviousShipmentID is the load still at the door when a new
	// shipment arrived.
	PreviousShipmentID string `json:"previous_shipment_id,omitempty"`
}

// NewAlert builds an alert for a door snapshot with the type's default
// severity.
func NewAlert(t AlertType, door DockDoor, at time.Time) Alert {
	return Alert{
		Type:       t,
		DoorID:     door.ID,
		Severity:   t.DefaultSeverity(),
		ShipmentID: door.ShipmentID,
		LgvID:      door.LgvID,
		FaultCode:  door.FaultCode,
		RaisedAt:   at,
	}
}

// SuppressionKey identifies an alert for de-duplication.
func (a Alert) SuppressionKey() string {
	return a.DoorID + "|" + string(a.Type)
}
