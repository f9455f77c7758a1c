package pipeline

import (
	"context"
	"log/slog"

	"github.com/chazwilder/iqx-dockmonitor/alert"
	"github.com/chazwilder/iqx-dockmonitor/dock"
)

// AlertRaiser is implemented by alert.Manager.
type AlertRaiser interface {
	Raise(ctx context.Context, a dock.Alert) alert.Decision
}

// Writer is implemented by storage.Async. Calls queue and return.
type Writer interface {
	Record(ctx context.Context, r dock.Record)
	SaveDoor(ctx context.Context, d dock.DockDoor)
}

// Router implements dock.Sink over the alert manager and the
// persistence writer. A nil writer discards records and snapshots.
type Router struct {
	alerts AlertRaiser
	writer Writer
	logger *slog.Logger
}

var _ dock.Sink = (*Router)(nil)

// NewRouter creates a Router.
func NewRouter(alerts AlertRaiser, writer Writer, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{alerts: alerts, writer: writer, logger: logger.With("component", "router")}
}

// Alert raises a and records the decision as alert history.
func (r *Router) Alert(ctx context.Context, a dock.Alert) {
	decision := r.alerts.Raise(ctx, a)
	r.logger.Debug("alert routed", "door_id", a.DoorID, "type", a.Type, "decision", decision)
	r.Record(ctx, alertRecord(a, decision))
}

// Record implements dock.Sink.
func (r *Router) Record(ctx context.Context, rec dock.Record) {
	if r.writer != nil {
		r.writer.Record(ctx, rec)
	}
}

// SaveDoor implements dock.Sink.
func (r *Router) SaveDoor(ctx context.Context, d dock.DockDoor) {
	if r.writer != nil {
		r.writer.SaveDoor(ctx, d)
	}
}

func alertRecord(a dock.Alert, decision alert.Decision) dock.Record {
	fields := map[string]any{
		"alert_type": string(a.Type),
		"severity":   string(a.Severity),
		"decision":   string(decision),
	}
	if a.Duration > 0 {
		fields["duration_seconds"] = a.Duration.Seconds()
	}
	if a.ShipmentID != "" {
		fields["shipment_id"] = a.ShipmentID
	}
	if a.LgvID != "" {
		fields["lgv_id"] = a.LgvID
	}
	if a.FaultCode != "" {
		fields["fault_code"] = a.FaultCode
	}
	if a.User != "" {
		fields["user"] = a.User
	}
	return dock.NewRecord(dock.RecordAlertHistory, a.DoorID, a.RaisedAt, fields)
}
