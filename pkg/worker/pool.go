package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/chazwilder/iqx-dockmonitor/metric"
)

var (
	ErrPoolNotStarted     = errors.New("worker: pool not started")
	ErrPoolStopped        = errors.New("worker: pool stopped")
	ErrPoolAlreadyStarted = errors.New("worker: pool already started")
	ErrNilProcessor       = errors.New("worker: nil processor")

	// ErrQueueFull is returned by Submit; the item was not queued.
	ErrQueueFull = errors.New("worker: queue full")
	// ErrStopTimeout means workers were still busy when Stop gave up.
	// Items still queued at that point are discarded.
	ErrStopTimeout = errors.New("worker: stop timed out")
)

// Pool processes work items of type T on a fixed number of goroutines.
// Stop closes the queue and waits for queued items to drain.
type Pool[T any] struct {
	workers   int
	queueSize int
	processor func(context.Context, T) error

	workChan chan T
	stopCh   chan struct{}
	metrics  *Metrics
	wg       sync.WaitGroup

	// sendMu is held for reading while sending so Stop never closes
	// workChan under a blocked sender.
	sendMu  sync.RWMutex
	started bool
	stopped bool

	submitted int64
	processed int64
	failed    int64
	dropped   int64

	metricsRegistry *metric.MetricsRegistry
	metricsName     string
}

// Metrics holds Prometheus metrics for worker pool monitoring
type Metrics struct {
	queueDepth     prometheus.Gauge
	submitted      prometheus.Counter
	processed      prometheus.Counter
	failed         prometheus.Counter
	dropped        prometheus.Counter
	processingTime *prometheus.HistogramVec
}

// Option represents a configuration option for the worker pool
type Option[T any] func(*Pool[T])

// WithMetricsRegistry registers pool metrics under the given pool name
func WithMetricsRegistry[T any](registry *metric.MetricsRegistry, name string) Option[T] {
	return func(p *Pool[T]) {
		p.metricsRegistry = registry
		p.metricsName = name
	}
}

// NewPool creates a new generic worker pool with optional configuration
func NewPool[T any](workers, queueSize int, processor func(context.Context, T) error, opts ...Option[T]) *Pool[T] {
	if workers <= 0 {
		workers = 10
	}
	if queueSize <= 0 {
		queueSize = 1000
	}
	if processor == nil {
		panic(ErrNilProcessor)
	}

	pool := &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		workChan:  make(chan T, queueSize),
		stopCh:    make(chan struct{}),
	}

	for _, opt := range opts {
		opt(pool)
	}

	if pool.metricsRegistry != nil && pool.metricsName != "" {
		pool.initializeMetrics()
	}

	return pool
}

func (p *Pool[T]) initializeMetrics() {
	labels := prometheus.Labels{"pool": p.metricsName}
	opts := func(name, help string) prometheus.Opts {
		return prometheus.Opts{
			Namespace:   metric.Namespace,
			Subsystem:   "worker_pool",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}
	}

	m := &Metrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts(opts("queue_depth", "Current worker pool queue depth"))),
		submitted:  prometheus.NewCounter(prometheus.CounterOpts(opts("submitted_total", "Work items submitted"))),
		processed:  prometheus.NewCounter(prometheus.CounterOpts(opts("processed_total", "Work items processed"))),
		failed:     prometheus.NewCounter(prometheus.CounterOpts(opts("failed_total", "Work items that failed processing"))),
		dropped:    prometheus.NewCounter(prometheus.CounterOpts(opts("dropped_total", "Work items dropped due to full queue"))),
		processingTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "worker_pool",
			Name:        "processing_duration_seconds",
			Help:        "Time spent processing work items",
			ConstLabels: labels,
			Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"status"}),
	}

	component := "worker_pool." + p.metricsName
	errs := []error{
		p.metricsRegistry.RegisterGauge(component, "queue_depth", m.queueDepth),
		p.metricsRegistry.RegisterCounter(component, "submitted_total", m.submitted),
		p.metricsRegistry.RegisterCounter(component, "processed_total", m.processed),
		p.metricsRegistry.RegisterCounter(component, "failed_total", m.failed),
		p.metricsRegistry.RegisterCounter(component, "dropped_total", m.dropped),
		p.metricsRegistry.RegisterHistogramVec(component, "processing_duration_seconds", m.processingTime),
	}
	for _, err := range errs {
		if err != nil {
			// A second pool with the same name keeps working without metrics.
			return
		}
	}
	p.metrics = m
}

func (p *Pool[T]) accepted() {
	atomic.AddInt64(&p.submitted, 1)
	if p.metrics != nil {
		p.metrics.submitted.Inc()
		p.metrics.queueDepth.Set(float64(len(p.workChan)))
	}
}

// Submit enqueues work without blocking. Returns ErrQueueFull when the
// queue is at capacity.
func (p *Pool[T]) Submit(work T) error {
	p.sendMu.RLock()
	defer p.sendMu.RUnlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.workChan <- work:
		p.accepted()
		return nil
	default:
		atomic.AddInt64(&p.dropped, 1)
		if p.metrics != nil {
			p.metrics.dropped.Inc()
		}
		return ErrQueueFull
	}
}

// SubmitWait enqueues work, blocking until there is room or ctx is done.
func (p *Pool[T]) SubmitWait(ctx context.Context, work T) error {
	p.sendMu.RLock()
	defer p.sendMu.RUnlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.workChan <- work:
		p.accepted()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start starts the worker pool
func (p *Pool[T]) Start(ctx context.Context) error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}

	p.started = true
	return nil
}

// Stop closes the queue and waits up to timeout for queued work to drain.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.sendMu.Lock()
	if !p.started || p.stopped {
		p.sendMu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.workChan)
	p.sendMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		close(p.stopCh)
		return ErrStopTimeout
	}
}

// Stats returns current pool statistics
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: len(p.workChan),
		Submitted:  atomic.LoadInt64(&p.submitted),
		Processed:  atomic.LoadInt64(&p.processed),
		Failed:     atomic.LoadInt64(&p.failed),
		Dropped:    atomic.LoadInt64(&p.dropped),
	}
}

// PoolStats represents worker pool statistics
type PoolStats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

func (p *Pool[T]) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case work, ok := <-p.workChan:
			if !ok {
				return
			}

			start := time.Now()
			err := p.processor(ctx, work)
			duration := time.Since(start)

			atomic.AddInt64(&p.processed, 1)
			if err != nil {
				atomic.AddInt64(&p.failed, 1)
			}

			if p.metrics != nil {
				p.metrics.processed.Inc()
				p.metrics.queueDepth.Set(float64(len(p.workChan)))
				status := "success"
				if err != nil {
					p.metrics.failed.Inc()
					status = "error"
				}
				p.metrics.processingTime.WithLabelValues(status).Observe(duration.Seconds())
			}
		}
	}
}
