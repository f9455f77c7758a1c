package source

import (
	"context"

	"github.com/chazwilder/iqx-dockmonitor/dock"
)

// Channel reads events from an in-process channel.
type Channel struct {
	decoder
	events <-chan dock.DockDoorEvent
}

// NewChannel returns a source over events. Run ends when events is closed.
func NewChannel(name string, events <-chan dock.DockDoorEvent, opts ...Option) *Channel {
	if name == "" {
		name = "channel"
	}
	return &Channel{decoder: newDecoder(name, opts), events: events}
}

// Run implements Source.
func (c *Channel) Run(ctx context.Context, emit EmitFunc) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-c.events:
			if !ok {
				return nil
			}
			c.logEmitError(ctx, c.emitEvent(ctx, ev, emit))
		}
	}
}
