package pipeline

import (
	"context"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/chazwilder/iqx-dockmonitor/analysis"
	"github.com/chazwilder/iqx-dockmonitor/errors"
	"github.com/chazwilder/iqx-dockmonitor/health"
	"github.com/chazwilder/iqx-dockmonitor/metric"
	"github.com/chazwilder/iqx-dockmonitor/storage"
)

// Component is anything the service starts and stops.
type Component interface {
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
}

type namedComponent struct {
	name string
	Component
}

// Service starts components in the order they were added and stops them
// in reverse.
type Service struct {
	components  []namedComponent
	started     int
	stopTimeout time.Duration
	health      *health.Monitor
	core        *metric.Metrics
	logger      *slog.Logger
}

// NewService creates an empty service. A nil monitor disables health
// reporting.
func NewService(stopTimeout time.Duration, monitor *health.Monitor, logger *slog.Logger) *Service {
	if stopTimeout <= 0 {
		stopTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{stopTimeout: stopTimeout, health: monitor, logger: logger.With("component", "service")}
}

// WithMetrics reports each component's lifecycle on the status gauge.
func (s *Service) WithMetrics(r *metric.MetricsRegistry) *Service {
	if r != nil {
		s.core = r.CoreMetrics()
	}
	return s
}

// Add appends a component. Sinks go first and the handler last.
func (s *Service) Add(name string, c Component) *Service {
	s.components = append(s.components, namedComponent{name: name, Component: c})
	return s
}

func (s *Service) report(name string, state health.State, msg string) {
	if s.health != nil {
		s.health.Set(name, state, msg)
	}
}

func (s *Service) status(name string, status int) {
	if s.core != nil {
		s.core.RecordComponentStatus(name, status)
	}
}

// Start starts every component. If one fails, the ones already started
// are stopped and the error is returned.
func (s *Service) Start(ctx context.Context) error {
	for i, c := range s.components {
		s.status(c.name, metric.StatusStarting)
		if err := c.Start(ctx); err != nil {
			s.status(c.name, metric.StatusFailed)
			s.report(c.name, health.Unhealthy, health.Sanitize(err.Error()))
			s.started = i
			_ = s.Stop()
			return errors.Wrap(err, "Service", "Start", "start "+c.name)
		}
		s.status(c.name, metric.StatusRunning)
		s.report(c.name, health.Healthy, "running")
		s.logger.Info("component started", "name", c.name)
	}
	s.started = len(s.components)
	if s.health != nil {
		s.health.SetReady(true)
	}
	return nil
}

// Stop stops started components in reverse order, each within the stop
// timeout, and returns their joined errors.
func (s *Service) Stop() error {
	if s.health != nil {
		s.health.SetReady(false)
	}
	var errs []error
	for i := s.started - 1; i >= 0; i-- {
		c := s.components[i]
		s.status(c.name, metric.StatusStopping)
		if err := c.Stop(s.stopTimeout); err != nil {
			s.status(c.name, metric.StatusFailed)
			s.logger.Error("component stop failed", "name", c.name, "error", err)
			errs = append(errs, errors.Wrap(err, "Service", "Stop", "stop "+c.name))
			s.report(c.name, health.Degraded, "stop failed")
			continue
		}
		s.status(c.name, metric.StatusStopped)
		s.report(c.name, health.Unhealthy, "stopped")
		s.logger.Info("component stopped", "name", c.name)
	}
	s.started = 0
	return stderrors.Join(errs...)
}

// RestoreDoors loads saved snapshots into the registry.
func RestoreDoors(ctx context.Context, loader storage.DoorLoader, registry *analysis.Registry, logger *slog.Logger) (int, error) {
	doors, err := loader.LoadDoors(ctx)
	if err != nil {
		return 0, errors.WrapTransient(err, "pipeline", "RestoreDoors", "load doors")
	}
	n := registry.Restore(doors)
	if logger != nil {
		logger.Info("door state restored", "doors", n)
	}
	return n, nil
}

// RearmWatches schedules the watches the active rules report for every
// tracked door. Run it after RestoreDoors so overdue checks fire on the
// first monitor tick.
func RearmWatches(analyzer *analysis.Analyzer, scheduler Scheduler, logger *slog.Logger) int {
	n := 0
	for _, door := range analyzer.Registry().Snapshot() {
		for _, w := range analyzer.Rearm(door) {
			scheduler.Schedule(door.ID, w)
			n++
		}
	}
	if logger != nil && n > 0 {
		logger.Info("door watches re-armed", "watches", n)
	}
	return n
}
