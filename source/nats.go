package source

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/chazwilder/iqx-dockmonitor/errors"
	"github.com/chazwilder/iqx-dockmonitor/natsclient"
)

// NATSConfig selects the JetStream stream and subject to consume.
type NATSConfig struct {
	Stream  string `json:"stream" yaml:"stream"`
	Subject string `json:"subject" yaml:"subject"`
	// Durable names the consumer; empty means ephemeral.
	Durable string `json:"durable" yaml:"durable"`
	// CreateStream creates the stream over Subject when missing.
	CreateStream bool `json:"create_stream" yaml:"create_stream"`
}

// Validate checks required fields.
func (c NATSConfig) Validate() error {
	if c.Stream == "" || c.Subject == "" {
		return errors.WrapInvalid(fmt.Errorf("%w: nats source needs stream and subject", errors.ErrInvalidConfig),
			"NATSConfig", "Validate", "check fields")
	}
	return nil
}

// Consumer is the part of natsclient.Client the source uses.
type Consumer interface {
	EnsureStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
	ConsumeStream(ctx context.Context, stream, subject, durable string, handler func(context.Context, []byte) error) error
}

var _ Consumer = (*natsclient.Client)(nil)

// NATS consumes events from a JetStream stream. Undecodable messages
// are terminated; messages the pipeline does not accept are redelivered.
type NATS struct {
	decoder
	client Consumer
	cfg    NATSConfig
}

// NewNATS creates a JetStream source.
func NewNATS(client Consumer, cfg NATSConfig, opts ...Option) *NATS {
	return &NATS{decoder: newDecoder("nats", opts), client: client, cfg: cfg}
}

// Run implements Source.
func (n *NATS) Run(ctx context.Context, emit EmitFunc) error {
	if err := n.cfg.Validate(); err != nil {
		return err
	}
	if n.cfg.CreateStream {
		if _, err := n.client.EnsureStream(ctx, jetstream.StreamConfig{
			Name:     n.cfg.Stream,
			Subjects: []string{n.cfg.Subject},
		}); err != nil {
			return err
		}
	}

	err := n.client.ConsumeStream(ctx, n.cfg.Stream, n.cfg.Subject, n.cfg.Durable,
		func(ctx context.Context, data []byte) error {
			err := n.handle(ctx, data, emit)
			n.logEmitError(ctx, err)
			return err
		})
	if err != nil {
		return errors.Wrap(err, "NATS", "Run", "consume "+n.cfg.Stream)
	}
	n.logger.Info("consuming events", "stream", n.cfg.Stream, "subject", n.cfg.Subject)

	<-ctx.Done()
	return nil
}
