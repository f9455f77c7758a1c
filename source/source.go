package source

import (
	"context"
	"log/slog"

	"github.com/chazwilder/iqx-dockmonitor/dock"
	"github.com/chazwilder/iqx-dockmonitor/errors"
	"github.com/chazwilder/iqx-dockmonitor/metric"
)

// EmitFunc receives decoded events. An error means the event was not
// accepted; sources that can redeliver do so.
type EmitFunc func(ctx context.Context, ev dock.DockDoorEvent) error

// Source produces dock events until ctx is cancelled. Run returns nil on
// cancellation and an error only when the backend cannot continue.
type Source interface {
	Name() string
	Run(ctx context.Context, emit EmitFunc) error
}

// Option configures the ambient dependencies of a source.
type Option func(*options)

type options struct {
	logger  *slog.Logger
	metrics *metric.Metrics
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics counts received and skipped events. A nil registry
// disables counting.
func WithMetrics(r *metric.MetricsRegistry) Option {
	return func(o *options) {
		if r != nil {
			o.metrics = r.CoreMetrics()
		}
	}
}

// decoder is embedded by every source: it owns the name, logger and
// counters, and turns payloads into events.
type decoder struct {
	name    string
	logger  *slog.Logger
	metrics *metric.Metrics
}

func newDecoder(name string, opts []Option) decoder {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return decoder{
		name:    name,
		logger:  o.logger.With("component", "source", "source", name),
		metrics: o.metrics,
	}
}

func (d decoder) Name() string { return d.name }

// handle decodes data and emits it. The returned error is classified
// invalid for undecodable payloads.
func (d decoder) handle(ctx context.Context, data []byte, emit EmitFunc) error {
	ev, err := dock.DecodeEvent(data)
	if err != nil {
		d.skip("decode", err)
		return err
	}
	return d.emit(ctx, ev, emit)
}

// emitEvent validates an already decoded event and emits it.
func (d decoder) emitEvent(ctx context.Context, ev dock.DockDoorEvent, emit EmitFunc) error {
	if err := ev.Validate(); err != nil {
		d.skip("invalid", err)
		return err
	}
	return d.emit(ctx, ev, emit)
}

func (d decoder) emit(ctx context.Context, ev dock.DockDoorEvent, emit EmitFunc) error {
	if ev.Source == "" {
		ev.Source = d.name
	}
	if d.metrics != nil {
		d.metrics.RecordEventReceived(d.name)
	}
	if err := emit(ctx, ev); err != nil {
		if d.metrics != nil {
			d.metrics.RecordEventSkipped(d.name, "rejected")
		}
		return err
	}
	return nil
}

func (d decoder) skip(reason string, err error) {
	d.logger.Warn("skipping event", "reason", reason, "error", err)
	if d.metrics != nil {
		d.metrics.RecordEventSkipped(d.name, reason)
	}
}

// logEmitError logs a rejected event unless ctx is done.
func (d decoder) logEmitError(ctx context.Context, err error) {
	if err == nil || ctx.Err() != nil || errors.IsInvalid(err) {
		return
	}
	d.logger.Error("event not accepted", "error", err)
}
