package storage

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/chazwilder/iqx-dockmonitor/dock"
	"github.com/chazwilder/iqx-dockmonitor/errors"
	"github.com/chazwilder/iqx-dockmonitor/metric"
	"github.com/chazwilder/iqx-dockmonitor/pkg/retry"
	"github.com/chazwilder/iqx-dockmonitor/pkg/worker"
)

// AsyncConfig sizes the write pool. EnqueueWait bounds how long a record
// waits for queue space before it is dropped.
type AsyncConfig struct {
	Workers     int           `json:"workers" yaml:"workers"`
	QueueSize   int           `json:"queue_size" yaml:"queue_size"`
	EnqueueWait time.Duration `json:"enqueue_wait" yaml:"enqueue_wait"`
	Retry       retry.Config  `json:"retry" yaml:"retry"`
}

// DefaultAsyncConfig returns the defaults used by the service.
func DefaultAsyncConfig() AsyncConfig {
	return AsyncConfig{Workers: 2, QueueSize: 1024, EnqueueWait: 250 * time.Millisecond, Retry: retry.Sink()}
}

type write struct {
	record *dock.Record
	doorID string
}

// Async queues writes to a Store. Records are written at least once
// unless the queue stays full for longer than EnqueueWait. Door snapshots are coalesced per door: if
// several arrive while one is queued or being written, only the latest
// is written next, and writes for one door never overlap.
type Async struct {
	store    Store
	cfg      AsyncConfig
	pool     *worker.Pool[write]
	logger   *slog.Logger
	metrics  *asyncMetrics
	core     *metric.Metrics
	registry *metric.MetricsRegistry

	mu        sync.Mutex
	pending   map[string]dock.DockDoor
	scheduled map[string]bool
}

// AsyncOption configures Async.
type AsyncOption func(*Async)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) AsyncOption {
	return func(a *Async) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithMetrics registers write metrics and pool metrics.
func WithMetrics(r *metric.MetricsRegistry) AsyncOption {
	return func(a *Async) {
		a.metrics = newAsyncMetrics(r)
		a.registry = r
		if r != nil {
			a.core = r.CoreMetrics()
		}
	}
}

// NewAsync wraps a store.
func NewAsync(store Store, cfg AsyncConfig, opts ...AsyncOption) *Async {
	a := &Async{
		store:     store,
		cfg:       cfg,
		logger:    slog.Default(),
		pending:   make(map[string]dock.DockDoor),
		scheduled: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "storage", "store", NameOf(store))

	var poolOpts []worker.Option[write]
	if a.registry != nil {
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[write](a.registry, "storage_writes"))
	}
	a.pool = worker.NewPool(cfg.Workers, cfg.QueueSize, a.process, poolOpts...)
	return a
}

// Start starts the write workers.
func (a *Async) Start(ctx context.Context) error {
	return a.pool.Start(ctx)
}

// Stop drains queued writes and closes the store.
func (a *Async) Stop(timeout time.Duration) error {
	err := a.pool.Stop(timeout)
	if cerr := a.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Record queues a record, waiting up to EnqueueWait for queue space.
func (a *Async) Record(ctx context.Context, r dock.Record) {
	err := a.pool.Submit(write{record: &r})
	if stderrors.Is(err, worker.ErrQueueFull) && a.cfg.EnqueueWait > 0 {
		waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.EnqueueWait)
		err = a.pool.SubmitWait(waitCtx, write{record: &r})
		cancel()
	}
	if err != nil {
		a.dropped("record", r.DoorID, err)
	}
}

// SaveDoor queues a door snapshot, replacing any not yet written.
func (a *Async) SaveDoor(_ context.Context, d dock.DockDoor) {
	a.mu.Lock()
	a.pending[d.ID] = d
	if a.scheduled[d.ID] {
		a.mu.Unlock()
		return
	}
	a.scheduled[d.ID] = true
	a.mu.Unlock()

	if err := a.pool.Submit(write{doorID: d.ID}); err != nil {
		a.mu.Lock()
		delete(a.pending, d.ID)
		delete(a.scheduled, d.ID)
		a.mu.Unlock()
		a.dropped("door", d.ID, err)
	}
}

// LoadDoors delegates to the wrapped store when it is a DoorLoader.
func (a *Async) LoadDoors(ctx context.Context) ([]dock.DockDoor, error) {
	if l, ok := a.store.(DoorLoader); ok {
		return l.LoadDoors(ctx)
	}
	return nil, nil
}

func (a *Async) process(ctx context.Context, w write) error {
	if w.record != nil {
		r := *w.record
		a.observe("record", a.do(ctx, "record", r.DoorID, func() error {
			return a.store.InsertRecord(ctx, r)
		}))
		return nil
	}

	for {
		a.mu.Lock()
		d, ok := a.pending[w.doorID]
		if !ok {
			delete(a.scheduled, w.doorID)
			a.mu.Unlock()
			return nil
		}
		delete(a.pending, w.doorID)
		a.mu.Unlock()

		a.observe("door", a.do(ctx, "door", d.ID, func() error {
			return a.store.SaveDoor(ctx, d)
		}))
	}
}

func (a *Async) do(ctx context.Context, op, doorID string, fn func() error) error {
	cfg := a.cfg.Retry
	cfg.OnRetry = func(attempt int, err error) {
		a.logger.Debug("retrying write", "op", op, "door_id", doorID, "attempt", attempt, "error", err)
	}
	err := retry.Do(ctx, cfg, fn)
	if err != nil {
		a.logger.Error("write failed", "op", op, "door_id", doorID, "error", err)
		if a.core != nil {
			a.core.RecordError("storage", errors.Classify(err).String())
		}
	}
	return err
}

func (a *Async) observe(op string, err error) {
	if a.metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	a.metrics.writes.WithLabelValues(op, result).Inc()
}

func (a *Async) dropped(op, doorID string, err error) {
	a.logger.Warn("write dropped", "op", op, "door_id", doorID, "error", err)
	if a.metrics != nil {
		a.metrics.dropped.WithLabelValues(op).Inc()
	}
}

type asyncMetrics struct {
	writes  *prometheus.CounterVec
	dropped *prometheus.CounterVec
}

func newAsyncMetrics(registry *metric.MetricsRegistry) *asyncMetrics {
	if registry == nil {
		return nil
	}
	m := &asyncMetrics{
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "storage",
			Name:      "writes_total",
			Help:      "Store writes by operation and result",
		}, []string{"op", "result"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "storage",
			Name:      "dropped_total",
			Help:      "Writes dropped because the queue was full or stopped",
		}, []string{"op"}),
	}
	if err := registry.RegisterCounterVec("storage", "writes_total", m.writes); err != nil {
		return nil
	}
	if err := registry.RegisterCounterVec("storage", "dropped_total", m.dropped); err != nil {
		return nil
	}
	return m
}
