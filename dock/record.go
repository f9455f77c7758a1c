package dock

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Record kinds written by the pipeline itself.
const (
	RecordAlertHistory = "alert_history"
	RecordDoorState    = "door_state"
)

// Record is an analytics/history row destined for persistence.
type Record struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	DoorID    string         `json:"door_id"`
	Timestamp time.Time      `json:"timestamp"`
	Fields    map[string]any `json:"fields"`
}

// NewRecord builds a record with a fresh id.
func NewRecord(kind, doorID string, at time.Time, fields map[string]any) Record {
	if fields == nil {
		fields = map[string]any{}
	}
	return Record{
		ID:        uuid.NewString(),
		Kind:      kind,
		DoorID:    doorID,
		Timestamp: at,
		Fields:    fields,
	}
}

// Sink receives everything the reactive and proactive paths produce.
// Calls must not block on I/O: implementations queue and retry.
type Sink interface {
	Alert(ctx context.Context, a Alert)
	Record(ctx context.Context, r Record)
	SaveDoor(ctx context.Context, d DockDoor)
}
