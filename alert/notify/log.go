package notify

import (
	"context"
	"log/slog"

	"github.com/chazwilder/iqx-dockmonitor/alert"
	"github.com/chazwilder/iqx-dockmonitor/dock"
)

// Log writes notifications to the operator log.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a log notifier.
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger.With("component", "alert-log")}
}

// Name implements alert.Notifier.
func (l *Log) Name() string { return "log" }

// Notify implements alert.Notifier.
func (l *Log) Notify(ctx context.Context, n alert.Notification) error {
	level := slog.LevelWarn
	switch n.Severity {
	case dock.SeverityInfo:
		level = slog.LevelInfo
	case dock.SeverityCritical:
		level = slog.LevelError
	}
	l.logger.Log(ctx, level, n.Text, "door_id", n.DoorID, "alert_type", n.AlertType, "channel", n.Channel)
	return nil
}
