package alert

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chazwilder/iqx-dockmonitor/dock"
	"github.com/chazwilder/iqx-dockmonitor/metric"
	"github.com/chazwilder/iqx-dockmonitor/pkg/retry"
	"github.com/chazwilder/iqx-dockmonitor/pkg/worker"
)

// Notifier delivers a rendered alert to one external channel.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, n Notification) error
}

// Decision is what Raise did with an alert.
type Decision string

const (
	Dispatched Decision = "dispatched"
	Suppressed Decision = "suppressed"
	// Dropped means no notifier accepted the alert (queue full or
	// manager not running).
	Dropped Decision = "dropped"
)

// Config tunes suppression and dispatch.
type Config struct {
	// DefaultWindow applies to alert types without an override.
	DefaultWindow time.Duration                    `json:"default_window" yaml:"default_window"`
	Windows       map[dock.AlertType]time.Duration `json:"windows" yaml:"windows"`
	Workers       int                              `json:"workers" yaml:"workers"`
	QueueSize     int                              `json:"queue_size" yaml:"queue_size"`
	Retry         retry.Config                     `json:"retry" yaml:"retry"`
}

// DefaultConfig suppresses repeats for 15 minutes.
func DefaultConfig() Config {
	return Config{
		DefaultWindow: 15 * time.Minute,
		Windows:       map[dock.AlertType]time.Duration{},
		Workers:       4,
		QueueSize:     256,
		Retry:         retry.Sink(),
	}
}

// Window returns the suppression window for an alert type.
func (c Config) Window(t dock.AlertType) time.Duration {
	if w, ok := c.Windows[t]; ok && w > 0 {
		return w
	}
	return c.DefaultWindow
}

type delivery struct {
	notifier     Notifier
	notification Notification
}

// Manager formats, de-duplicates and dispatches alerts. Delivery happens
// on a worker pool; Raise never waits on a notifier.
type Manager struct {
	cfgMu      sync.RWMutex
	cfg        Config
	suppressor Suppressor
	notifiers  []Notifier
	pool       *worker.Pool[delivery]
	logger     *slog.Logger
	metrics    *managerMetrics
}

// Option configures a Manager.
type Option func(*managerOptions)

type managerOptions struct {
	logger   *slog.Logger
	registry *metric.MetricsRegistry
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *managerOptions) { o.logger = l }
}

// WithMetrics registers alert metrics and pool metrics.
func WithMetrics(r *metric.MetricsRegistry) Option {
	return func(o *managerOptions) { o.registry = r }
}

// NewManager creates a manager. The suppressor must not be nil.
func NewManager(cfg Config, suppressor Suppressor, notifiers []Notifier, opts ...Option) *Manager {
	o := managerOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if cfg.DefaultWindow <= 0 {
		cfg.DefaultWindow = DefaultConfig().DefaultWindow
	}

	m := &Manager{
		cfg:        cfg,
		suppressor: suppressor,
		notifiers:  notifiers,
		logger:     o.logger.With("component", "alert-manager"),
		metrics:    newManagerMetrics(o.registry),
	}

	var poolOpts []worker.Option[delivery]
	if o.registry != nil {
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[delivery](o.registry, "alert_dispatch"))
	}
	m.pool = worker.NewPool(cfg.Workers, cfg.QueueSize, m.deliver, poolOpts...)
	return m
}

// Start begins dispatching.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.pool.Start(ctx); err != nil {
		return err
	}
	names := make([]string, 0, len(m.notifiers))
	for _, n := range m.notifiers {
		names = append(names, n.Name())
	}
	m.logger.Info("alert manager started", "notifiers", names, "default_window", m.cfg.DefaultWindow)
	return nil
}

// Window returns the suppression window currently applied to t.
func (m *Manager) Window(t dock.AlertType) time.Duration {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.cfg.Window(t)
}

// SetWindows replaces the suppression windows. Entries already held by the
// suppressor keep the window they were stored with.
func (m *Manager) SetWindows(defaultWindow time.Duration, windows map[dock.AlertType]time.Duration) {
	if defaultWindow <= 0 {
		defaultWindow = DefaultConfig().DefaultWindow
	}
	copied := make(map[dock.AlertType]time.Duration, len(windows))
	for k, v := range windows {
		copied[k] = v
	}
	m.cfgMu.Lock()
	m.cfg.DefaultWindow = defaultWindow
	m.cfg.Windows = copied
	m.cfgMu.Unlock()
	m.logger.Info("suppression windows updated", "default_window", defaultWindow, "overrides", len(copied))
}

// Stop drains queued deliveries.
func (m *Manager) Stop(timeout time.Duration) error {
	return m.pool.Stop(timeout)
}

// Raise announces an alert unless the same door and type was announced
// within its window. A failing suppressor lets the alert through.
func (m *Manager) Raise(ctx context.Context, a dock.Alert) Decision {
	if a.Severity == "" {
		a.Severity = a.Type.DefaultSeverity()
	}
	label := string(a.Type)
	if m.metrics != nil {
		m.metrics.raised.WithLabelValues(label).Inc()
	}

	allowed, err := m.suppressor.Allow(ctx, a.SuppressionKey(), m.Window(a.Type))
	if err != nil {
		m.logger.Warn("suppression check failed, dispatching anyway",
			"door_id", a.DoorID, "alert_type", a.Type, "error", err)
		allowed = true
	}
	if !allowed {
		if m.metrics != nil {
			m.metrics.suppressed.WithLabelValues(label).Inc()
		}
		m.logger.Debug("alert suppressed", "door_id", a.DoorID, "alert_type", a.Type)
		return Suppressed
	}

	n := Format(a)
	queued := 0
	for _, notifier := range m.notifiers {
		if err := m.pool.Submit(delivery{notifier: notifier, notification: n}); err != nil {
			m.logger.Error("alert delivery not queued",
				"notifier", notifier.Name(), "door_id", a.DoorID, "alert_type", a.Type, "error", err)
			m.recordFailure(notifier.Name())
			continue
		}
		queued++
	}

	if queued == 0 && len(m.notifiers) > 0 {
		return Dropped
	}
	m.logger.Info("alert raised", "door_id", a.DoorID, "alert_type", a.Type, "severity", a.Severity)
	return Dispatched
}

func (m *Manager) deliver(ctx context.Context, d delivery) error {
	name := d.notifier.Name()
	m.cfgMu.RLock()
	cfg := m.cfg.Retry
	m.cfgMu.RUnlock()
	cfg.OnRetry = func(attempt int, err error) {
		m.logger.Debug("retrying alert delivery", "notifier", name, "attempt", attempt, "error", err)
	}

	err := retry.Do(ctx, cfg, func() error {
		return d.notifier.Notify(ctx, d.notification)
	})
	if err != nil {
		m.logger.Error("alert delivery failed",
			"notifier", name,
			"door_id", d.notification.DoorID,
			"alert_type", d.notification.AlertType,
			"error", err)
		m.recordFailure(name)
		// Delivery is best-effort; the pool does not need the error.
		return nil
	}

	if m.metrics != nil {
		m.metrics.dispatched.WithLabelValues(name).Inc()
	}
	return nil
}

func (m *Manager) recordFailure(notifier string) {
	if m.metrics != nil {
		m.metrics.failed.WithLabelValues(notifier).Inc()
	}
}
