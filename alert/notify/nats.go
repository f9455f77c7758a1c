package notify

import (
	"context"
	"encoding/json"

	"github.com/chazwilder/iqx-dockmonitor/alert"
	"github.com/chazwilder/iqx-dockmonitor/errors"
	"github.com/chazwilder/iqx-dockmonitor/pkg/retry"
)

// Publisher is satisfied by *natsclient.Client.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// NATS publishes notifications as JSON on <prefix>.<alert type>.
type NATS struct {
	pub    Publisher
	prefix string
}

// NewNATS creates a NATS notifier. The default prefix is "dockwatch.alerts".
func NewNATS(pub Publisher, prefix string) *NATS {
	if prefix == "" {
		prefix = "dockwatch.alerts"
	}
	return &NATS{pub: pub, prefix: prefix}
}

// Name implements alert.Notifier.
func (n *NATS) Name() string { return "nats" }

// Notify implements alert.Notifier.
func (n *NATS) Notify(ctx context.Context, note alert.Notification) error {
	data, err := json.Marshal(note)
	if err != nil {
		return retry.NonRetryable(err)
	}
	if err := n.pub.Publish(ctx, n.prefix+"."+string(note.AlertType), data); err != nil {
		return errors.WrapTransient(err, "NATS", "Notify", "publish notification")
	}
	return nil
}
