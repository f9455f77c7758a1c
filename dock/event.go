package dock

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/chazwilder/iqx-dockmonitor/errors"
)

// EventKind identifies what happened at a door.
type EventKind string

const (
	EventDoorOpen        EventKind = "door_open"
	EventDoorClose       EventKind = "door_close"
	EventLgvEnRoute      EventKind = "lgv_en_route"
	EventLgvArrived      EventKind = "lgv_arrived"
	EventLgvDeparted     EventKind = "lgv_departed"
	EventShipmentScanned EventKind = "shipment_scanned"
	EventFaultCode       EventKind = "fault_code"
	EventFaultCleared    EventKind = "fault_cleared"
	EventHeartbeat       EventKind = "heartbeat"
	EventOutOfService    EventKind = "out_of_service"
	EventBackInService   EventKind = "back_in_service"
)

var knownKinds = map[EventKind]struct{}{
	EventDoorOpen:        {},
	EventDoorClose:       {},
	EventLgvEnRoute:      {},
	EventLgvArrived:      {},
	EventLgvDeparted:     {},
	EventShipmentScanned: {},
	EventFaultCode:       {},
	EventFaultCleared:    {},
	EventHeartbeat:       {},
	EventOutOfService:    {},
	EventBackInService:   {},
}

func (k EventKind) String() string { return string(k) }

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool {
	_, ok := knownKinds[k]
	return ok
}

// ParseEventKind normalizes the spellings producers use for a kind:
// "door_open", "door-open", "Door Open", "DoorOpen" and "LGVArrived"
// all map to the same constant. The result is not checked; use Valid.
func ParseEventKind(s string) EventKind {
	s = strings.TrimSpace(s)
	var b strings.Builder
	b.Grow(len(s) + 4)
	runes := []rune(s)
	for i, r := range runes {
		switch {
		case r == '-' || r == ' ' || r == '.':
			r = '_'
		case unicode.IsUpper(r) && i > 0:
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				b.WriteByte('_')
			}
		}
		b.WriteRune(unicode.ToLower(r))
	}
	out := b.String()
	for strings.Contains(out, "__") {
		out = strings.ReplaceAll(out, "__", "_")
	}
	return EventKind(out)
}

// UnmarshalText accepts any spelling ParseEventKind understands.
func (k *EventKind) UnmarshalText(text []byte) error {
	*k = ParseEventKind(string(text))
	return nil
}

// DockDoorEvent is an immutable fact observed at a dock door.
type DockDoorEvent struct {
	ID         string            `json:"id"`
	DoorID     string            `json:"door_id"`
	Kind       EventKind         `json:"kind"`
	Timestamp  time.Time         `json:"timestamp"`
	LgvID      string            `json:"lgv_id,omitempty"`
	ShipmentID string            `json:"shipment_id,omitempty"`
	FaultCode  string            `json:"fault_code,omitempty"`
	User       string            `json:"user,omitempty"`
	Source     string            `json:"source,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// NewEvent builds an event with a fresh id.
func NewEvent(doorID string, kind EventKind, at time.Time) DockDoorEvent {
	return DockDoorEvent{
		ID:        uuid.NewString(),
		DoorID:    doorID,
		Kind:      kind,
		Timestamp: at,
	}
}

// Validate checks the fields every consumer relies on.
func (e DockDoorEvent) Validate() error {
	var problem string
	switch {
	case e.DoorID == "":
		problem = "missing door_id"
	case !e.Kind.Valid():
		problem = fmt.Sprintf("unknown kind %q", e.Kind)
	case e.Timestamp.IsZero():
		problem = "missing timestamp"
	case e.Kind == EventShipmentScanned && e.ShipmentID == "":
		problem = "shipment_scanned without shipment_id"
	case e.Kind == EventFaultCode && e.FaultCode == "":
		problem = "fault_code without fault_code value"
	default:
		return nil
	}
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidData, problem),
		"DockDoorEvent", "Validate", "validate event")
}

// DecodeEvent parses and validates a JSON event. Events without an id are
// assigned one.
func DecodeEvent(data []byte) (DockDoorEvent, error) {
	var ev DockDoorEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return DockDoorEvent{}, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrParsingFailed, err),
			"dock", "DecodeEvent", "unmarshal event")
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if err := ev.Validate(); err != nil {
		return DockDoorEvent{}, err
	}
	return ev, nil
}
