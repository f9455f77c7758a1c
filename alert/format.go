package alert

import (
	"fmt"
	"time"

	"github.com/chazwilder/iqx-dockmonitor/dock"
)

// DefaultChannel is the channel tag used when none is configured.
const DefaultChannel = "dock-alerts"

// Notification is a rendered alert ready for a notifier.
type Notification struct {
	Title     string            `json:"title"`
	Text      string            `json:"text"`
	Severity  dock.Severity     `json:"severity"`
	Channel   string            `json:"channel"`
	AlertType dock.AlertType    `json:"alert_type"`
	DoorID    string            `json:"door_id"`
	RaisedAt  time.Time         `json:"raised_at"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// Format renders an alert. The text carries everything an operator needs;
// Fields repeat the structured values for machine consumers.
func Format(a dock.Alert) Notification {
	dur := FormatDuration(a.Duration)
	var title, text string

	switch a.Type {
	case dock.AlertDoorStuckOpen:
		title = "DOOR STUCK OPEN ALERT"
		text = fmt.Sprintf("Door %s has been open for %s. Shipment ID: %s", a.DoorID, dur, orNA(a.ShipmentID))
	case dock.AlertLgvDwellTimeout:
		title = "LGV DWELL TIMEOUT"
		text = fmt.Sprintf("Door %s - LGV %s has been at the door for %s with no loading", a.DoorID, orNA(a.LgvID), dur)
	case dock.AlertShipmentDelay:
		title = "SHIPMENT DELAY"
		text = fmt.Sprintf("Door %s - Shipment %s has been in loading state for %s with no progress",
			a.DoorID, orNA(a.ShipmentID), dur)
	case dock.AlertAnomalyDetected:
		title = "ANOMALY DETECTED"
		text = fmt.Sprintf("Door %s reported fault %s. Shipment ID: %s", a.DoorID, orNA(a.FaultCode), orNA(a.ShipmentID))
	case dock.AlertDoorOutOfService:
		title = "DOOR OUT OF SERVICE ALERT"
		if a.Duration > 0 {
			text = fmt.Sprintf("Door %s has been out of service for %s. Fault: %s", a.DoorID, dur, orNA(a.FaultCode))
		} else {
			text = fmt.Sprintf("Door %s was taken out of service. Fault: %s. User: %s", a.DoorID, orNA(a.FaultCode), orNA(a.User))
		}
	case dock.AlertManualIntervention:
		title = "MANUAL INTERVENTION"
		text = fmt.Sprintf("Door %s was opened with no LGV assigned. User: %s", a.DoorID, orNA(a.User))
	case dock.AlertUnexpectedDeparture:
		title = "UNEXPECTED DEPARTURE"
		text = fmt.Sprintf("Door %s - LGV %s left after %s of loading. Shipment ID: %s",
			a.DoorID, orNA(a.LgvID), dur, orNA(a.ShipmentID))
	case dock.AlertShipmentPrevLoad:
		title = "NEW SHIPMENT, PREVIOUS LOAD PRESENT"
		text = fmt.Sprintf("Door %s - Shipment %s assigned while shipment %s is still at the door with LGV %s",
			a.DoorID, orNA(a.ShipmentID), orNA(a.PreviousShipmentID), orNA(a.LgvID))
	case dock.AlertShipmentNotReady:
		title = "SHIPMENT STARTED, DOOR NOT READY"
		text = fmt.Sprintf("Door %s - Shipment %s started with no LGV at the door", a.DoorID, orNA(a.ShipmentID))
	default:
		title = "DOCK ALERT"
		text = fmt.Sprintf("Door %s raised %s", a.DoorID, a.Type)
	}

	fields := map[string]string{"door_id": a.DoorID}
	for k, v := range map[string]string{
		"shipment_id":          a.ShipmentID,
		"previous_shipment_id": a.PreviousShipmentID,
		"lgv_id":               a.LgvID,
		"fault_code":           a.FaultCode,
		"user":                 a.User,
	} {
		if v != "" {
			fields[k] = v
		}
	}
	if a.Duration > 0 {
		fields["duration"] = dur
	}

	return Notification{
		Title:     title,
		Text:      title + ": " + text,
		Severity:  a.Severity,
		Channel:   DefaultChannel,
		AlertType: a.Type,
		DoorID:    a.DoorID,
		RaisedAt:  a.RaisedAt,
		Fields:    fields,
	}
}

// FormatDuration renders whole seconds as "1h 2m 3s", dropping leading
// zero units.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}
