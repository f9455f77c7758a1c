package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/chazwilder/iqx-dockmonitor/analysis"
	"github.com/chazwilder/iqx-dockmonitor/dock"
	"github.com/chazwilder/iqx-dockmonitor/errors"
	"github.com/chazwilder/iqx-dockmonitor/metric"
)

// DefaultInterval is the tick interval used when none is configured.
const DefaultInterval = 10 * time.Second

// Worker re-checks queued conditions on a fixed tick, independent of
// event arrival.
type Worker struct {
	queue      *Queue
	registry   *analysis.Registry
	sink       dock.Sink
	backoff    Backoff
	conditions map[dock.ConditionKind]Condition
	clock      clock.WithTicker
	interval   time.Duration
	logger     *slog.Logger
	metrics    *workerMetrics

	tickMu sync.Mutex

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option configures a Worker.
type Option func(*Worker)

// WithBackoff sets the requeue policy.
func WithBackoff(b Backoff) Option {
	return func(w *Worker) {
		if b != nil {
			w.backoff = b
		}
	}
}

// WithInterval sets the tick interval.
func WithInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithClock sets the time source.
func WithClock(c clock.WithTicker) Option {
	return func(w *Worker) {
		if c != nil {
			w.clock = c
		}
	}
}

// WithCondition adds or replaces a condition.
func WithCondition(c Condition) Option {
	return func(w *Worker) { w.conditions[c.Kind()] = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithMetrics registers worker metrics.
func WithMetrics(r *metric.MetricsRegistry) Option {
	return func(w *Worker) { w.metrics = newWorkerMetrics(r) }
}

// NewWorker creates a worker over the shared door registry. Alerts go to
// sink.
func NewWorker(registry *analysis.Registry, queue *Queue, sink dock.Sink, opts ...Option) *Worker {
	if queue == nil {
		queue = NewQueue()
	}
	w := &Worker{
		queue:      queue,
		registry:   registry,
		sink:       sink,
		backoff:    Fixed{Interval: DefaultBackoffConfig().Interval},
		conditions: DefaultConditions(),
		clock:      clock.RealClock{},
		interval:   DefaultInterval,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "monitor")
	return w
}

// Queue returns the worker's queue.
func (w *Worker) Queue() *Queue { return w.queue }

// Schedule queues a watch produced by a rule for the given door.
func (w *Worker) Schedule(doorID string, watch analysis.Watch) {
	if _, ok := w.conditions[watch.Condition]; !ok {
		w.logger.Warn("watch for unknown condition dropped", "door_id", doorID, "condition", watch.Condition)
		return
	}

	it := NewItem(doorID, watch.Condition, watch.Anchor, watch.After, w.clock.Now())
	if !w.queue.Push(it) {
		return
	}
	w.logger.Debug("watch scheduled", "door_id", doorID, "condition", watch.Condition, "next_check", it.NextCheck)
	if w.metrics != nil {
		w.metrics.scheduled.Inc()
		w.metrics.queueDepth.Set(float64(w.queue.Len()))
	}
}

// SetBackoff swaps the requeue policy. Items already queued keep their
// next check time.
func (w *Worker) SetBackoff(b Backoff) {
	if b == nil {
		return
	}
	w.tickMu.Lock()
	w.backoff = b
	w.tickMu.Unlock()
}

// Tick evaluates every due item once. Ticks never overlap.
func (w *Worker) Tick(ctx context.Context) {
	w.tickMu.Lock()
	defer w.tickMu.Unlock()

	start := w.clock.Now()
	now := start
	for _, it := range w.queue.PopDue(now) {
		if ctx.Err() != nil {
			// Put it back untouched; the next run picks it up.
			w.queue.Push(it)
			continue
		}
		w.check(ctx, it, now)
	}

	if w.metrics != nil {
		w.metrics.queueDepth.Set(float64(w.queue.Len()))
		w.metrics.tick.Observe(w.clock.Since(start).Seconds())
	}
}

func (w *Worker) check(ctx context.Context, it Item, now time.Time) {
	cond, ok := w.conditions[it.Condition]
	if !ok {
		w.logger.Warn("dropping item with unknown condition", "door_id", it.DoorID, "condition", it.Condition)
		return
	}
	label := string(it.Condition)
	if w.metrics != nil {
		w.metrics.checks.WithLabelValues(label).Inc()
	}

	var (
		alert dock.Alert
		holds bool
	)
	found := w.registry.Inspect(it.DoorID, func(d dock.DockDoor) {
		alert, holds = cond.Check(d, it, now)
	})
	if !found || !holds {
		w.logger.Debug("condition resolved", "door_id", it.DoorID, "condition", it.Condition, "attempts", it.Attempts)
		if w.metrics != nil {
			w.metrics.resolved.WithLabelValues(label).Inc()
		}
		return
	}

	w.sink.Alert(ctx, alert)
	if w.metrics != nil {
		w.metrics.alerts.WithLabelValues(label).Inc()
	}

	it.NextCheck = w.backoff.Next(it, now)
	it.Attempts++
	if w.queue.Push(it) && w.metrics != nil {
		w.metrics.requeued.WithLabelValues(label).Inc()
	}
	w.logger.Info("condition unresolved, requeued",
		"door_id", it.DoorID,
		"condition", it.Condition,
		"attempts", it.Attempts,
		"next_check", it.NextCheck)
}

// Start runs the tick loop until Stop or ctx is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return errors.ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true

	ticker := w.clock.NewTicker(w.interval)
	go func() {
		defer close(w.done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				w.Tick(ctx)
			}
		}
	}()

	w.logger.Info("monitoring worker started", "interval", w.interval)
	return nil
}

// Stop ends the tick loop and waits for an in-flight tick to finish.
func (w *Worker) Stop(timeout time.Duration) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	cancel()
	select {
	case <-done:
		w.logger.Info("monitoring worker stopped", "pending", w.queue.Len())
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrShuttingDown, "Worker", "Stop", "wait for tick")
	}
}
