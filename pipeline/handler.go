package pipeline

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/chazwilder/iqx-dockmonitor/analysis"
	"github.com/chazwilder/iqx-dockmonitor/dock"
	"github.com/chazwilder/iqx-dockmonitor/errors"
	"github.com/chazwilder/iqx-dockmonitor/metric"
	"github.com/chazwilder/iqx-dockmonitor/pkg/worker"
	"github.com/chazwilder/iqx-dockmonitor/source"
)

// Scheduler queues deferred checks; monitor.Worker implements it.
type Scheduler interface {
	Schedule(doorID string, w analysis.Watch)
}

// HandlerConfig sizes the lanes.
type HandlerConfig struct {
	Lanes     int `json:"lanes" yaml:"lanes"`
	LaneQueue int `json:"lane_queue" yaml:"lane_queue"`
}

// DefaultHandlerConfig returns 8 lanes of 256 events.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{Lanes: 8, LaneQueue: 256}
}

// Handler runs a source through the analyzer.
type Handler struct {
	analyzer  *analysis.Analyzer
	sink      dock.Sink
	scheduler Scheduler
	source    source.Source
	cfg       HandlerConfig
	logger    *slog.Logger
	metrics   *handlerMetrics
	core      *metric.Metrics
	registry  *metric.MetricsRegistry

	lanes []*worker.Pool[dock.DockDoorEvent]

	mu         sync.Mutex
	running    bool
	cancel     context.CancelFunc
	laneCancel context.CancelFunc
	done       chan struct{}
	runErr     error
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithMetrics registers handler and lane metrics.
func WithMetrics(r *metric.MetricsRegistry) HandlerOption {
	return func(h *Handler) {
		h.registry = r
		h.metrics = newHandlerMetrics(r)
		if r != nil {
			h.core = r.CoreMetrics()
		}
	}
}

// NewHandler creates a handler. src may be nil when events are only fed
// through Submit or Process.
func NewHandler(analyzer *analysis.Analyzer, sink dock.Sink, scheduler Scheduler, src source.Source, cfg HandlerConfig, opts ...HandlerOption) *Handler {
	if cfg.Lanes <= 0 {
		cfg.Lanes = DefaultHandlerConfig().Lanes
	}
	if cfg.LaneQueue <= 0 {
		cfg.LaneQueue = DefaultHandlerConfig().LaneQueue
	}
	h := &Handler{
		analyzer:  analyzer,
		sink:      sink,
		scheduler: scheduler,
		source:    src,
		cfg:       cfg,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "handler")
	return h
}

func (h *Handler) newLanes() []*worker.Pool[dock.DockDoorEvent] {
	lanes := make([]*worker.Pool[dock.DockDoorEvent], h.cfg.Lanes)
	for i := range lanes {
		var opts []worker.Option[dock.DockDoorEvent]
		if h.registry != nil {
			opts = append(opts, worker.WithMetricsRegistry[dock.DockDoorEvent](h.registry, fmt.Sprintf("lane_%d", i)))
		}
		lanes[i] = worker.NewPool(1, h.cfg.LaneQueue, h.processLane, opts...)
	}
	return lanes
}

func (h *Handler) processLane(ctx context.Context, ev dock.DockDoorEvent) error {
	_, err := h.Process(ctx, ev)
	return err
}

// Start starts the lanes and runs the source in the background.
func (h *Handler) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return errors.ErrAlreadyStarted
	}

	// Lanes outlive ctx so Stop can drain them.
	laneCtx, laneCancel := context.WithCancel(context.WithoutCancel(ctx))
	h.lanes = h.newLanes()
	for _, lane := range h.lanes {
		if err := lane.Start(laneCtx); err != nil {
			laneCancel()
			return errors.WrapFatal(err, "Handler", "Start", "start lane")
		}
	}

	srcCtx, cancel := context.WithCancel(ctx)
	h.cancel, h.laneCancel = cancel, laneCancel
	h.done = make(chan struct{})
	h.runErr = nil
	h.running = true

	if h.source == nil {
		close(h.done)
		return nil
	}
	go func() {
		defer close(h.done)
		h.logger.Info("source started", "source", h.source.Name(), "lanes", len(h.lanes))
		err := h.source.Run(srcCtx, h.Submit)
		if err != nil {
			h.logger.Error("source stopped with error", "source", h.source.Name(), "error", err)
		} else {
			h.logger.Info("source finished", "source", h.source.Name())
		}
		h.mu.Lock()
		h.runErr = err
		h.mu.Unlock()
	}()
	return nil
}

// Done is closed when the source returns.
func (h *Handler) Done() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.done
}

// Err returns the error the source stopped with, if any.
func (h *Handler) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runErr
}

func (h *Handler) lane(doorID string) *worker.Pool[dock.DockDoorEvent] {
	f := fnv.New32a()
	_, _ = f.Write([]byte(doorID))
	return h.lanes[f.Sum32()%uint32(len(h.lanes))]
}

// Submit queues ev on its door's lane, blocking while the lane is full.
func (h *Handler) Submit(ctx context.Context, ev dock.DockDoorEvent) error {
	h.mu.Lock()
	running := h.running
	h.mu.Unlock()
	if !running {
		return errors.ErrNotStarted
	}
	if err := h.lane(ev.DoorID).SubmitWait(ctx, ev); err != nil {
		return errors.WrapTransient(err, "Handler", "Submit", "queue event")
	}
	return nil
}

// Process analyzes one event and routes the outcome on the calling
// goroutine. Invalid events are logged and returned as invalid errors.
func (h *Handler) Process(ctx context.Context, ev dock.DockDoorEvent) (analysis.Outcome, error) {
	out, err := h.analyzer.Analyze(ctx, ev)
	if err != nil {
		result := "failed"
		if errors.IsInvalid(err) {
			result = "invalid"
			h.logger.Warn("skipping invalid event", "door_id", ev.DoorID, "kind", ev.Kind, "error", err)
		} else {
			h.logger.Error("analysis failed", "door_id", ev.DoorID, "kind", ev.Kind, "error", err)
		}
		h.countEvent(result)
		if h.core != nil {
			h.core.RecordError("handler", errors.Classify(err).String())
		}
		return out, err
	}
	h.route(ctx, out)
	h.countEvent("processed")
	return out, nil
}

func (h *Handler) countEvent(result string) {
	if h.metrics != nil {
		h.metrics.events.WithLabelValues(result).Inc()
	}
}

func (h *Handler) route(ctx context.Context, out analysis.Outcome) {
	doorID := out.Door.ID
	for _, r := range out.Results {
		switch r := r.(type) {
		case analysis.Log:
			attrs := append([]any{"event_id", out.Event.ID}, r.Attrs...)
			h.logger.Log(ctx, r.Level, r.Message, attrs...)
		case analysis.DbInsert:
			h.sink.Record(ctx, r.Record)
		case analysis.Alert:
			h.sink.Alert(ctx, r.Alert)
		case analysis.Watch:
			if h.scheduler != nil {
				h.scheduler.Schedule(doorID, r)
			}
		case analysis.StateTransition:
			if r.To != out.Previous.State {
				h.logger.Info("door state changed",
					"door_id", doorID, "reason", r.Reason, "event", out.Event.Kind)
			}
		}
		if h.metrics != nil {
			h.metrics.routed.WithLabelValues(string(r.Kind())).Inc()
		}
	}

	if out.Created || snapshotChanged(out.Previous, out.Door) {
		h.sink.SaveDoor(ctx, out.Door)
		if h.metrics != nil {
			h.metrics.saved.Inc()
		}
	}
}

// snapshotChanged ignores the event counters.
func snapshotChanged(prev, next dock.DockDoor) bool {
	return prev.State != next.State ||
		prev.DoorOpen != next.DoorOpen ||
		prev.LgvID != next.LgvID ||
		prev.ShipmentID != next.ShipmentID ||
		prev.FaultCode != next.FaultCode ||
		prev.ConsecutiveAnomalies != next.ConsecutiveAnomalies
}

// Stop cancels the source, then drains the lanes within timeout.
func (h *Handler) Stop(timeout time.Duration) error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = false
	cancel, laneCancel, done, lanes := h.cancel, h.laneCancel, h.done, h.lanes
	h.mu.Unlock()

	deadline := time.Now().Add(timeout)
	cancel()
	select {
	case <-done:
	case <-time.After(timeout):
		laneCancel()
		return errors.WrapTransient(errors.ErrShuttingDown, "Handler", "Stop", "wait for source")
	}

	var failed error
	for _, lane := range lanes {
		if err := lane.Stop(time.Until(deadline)); err != nil && failed == nil {
			failed = errors.WrapTransient(err, "Handler", "Stop", "drain lane")
		}
	}
	laneCancel()
	h.logger.Info("handler stopped")
	return failed
}
