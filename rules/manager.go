package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chazwilder/iqx-dockmonitor/analysis"
	"github.com/chazwilder/iqx-dockmonitor/errors"
	"github.com/chazwilder/iqx-dockmonitor/metric"
)

// Manager loads the rule document, builds rules through a Factory and keeps
// an analyzer's rule set in sync with the document.
type Manager struct {
	factory  *Factory
	store    Store
	analyzer *analysis.Analyzer
	logger   *slog.Logger
	metrics  *managerMetrics

	mu      sync.Mutex
	configs []RuleConfig
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithAnalyzer makes Reload and AddRule swap the analyzer's rule set.
func WithAnalyzer(a *analysis.Analyzer) ManagerOption {
	return func(m *Manager) { m.analyzer = a }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetrics registers rule manager metrics.
func WithMetrics(r *metric.MetricsRegistry) ManagerOption {
	return func(m *Manager) { m.metrics = newManagerMetrics(r) }
}

// NewManager creates a manager. A nil factory means DefaultFactory.
func NewManager(factory *Factory, store Store, opts ...ManagerOption) *Manager {
	if factory == nil {
		factory = DefaultFactory()
	}
	m := &Manager{
		factory: factory,
		store:   store,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "rule-manager")
	return m
}

// Factory returns the factory rules are built with.
func (m *Manager) Factory() *Factory { return m.factory }

// Load reads the document and builds every enabled rule in order. Any
// failure is a configuration error naming the offending rule; nothing is
// changed in that case.
func (m *Manager) Load(ctx context.Context) ([]analysis.AnalysisRule, error) {
	if m.store == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Manager", "Load", "locate rule document")
	}

	data, err := m.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	configs, err := ParseDocument(data)
	if err != nil {
		return nil, err
	}
	built, err := m.factory.BuildAll(configs)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.configs = configs
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.activeRules.Set(float64(len(built)))
	}
	m.logger.Info("rules loaded", "source", m.store.String(), "declared", len(configs), "enabled", len(built))
	return built, nil
}

// Reload rebuilds the rule set and swaps it into the analyzer. On failure
// the previous set stays active.
func (m *Manager) Reload(ctx context.Context) error {
	built, err := m.Load(ctx)
	if err != nil {
		m.recordReload("error")
		m.logger.Error("rule reload failed, keeping previous rules", "error", err)
		return err
	}
	if m.analyzer != nil {
		m.analyzer.SetRules(built)
	}
	m.recordReload("ok")
	return nil
}

// AddRule validates cfg, appends it to the document and persists it. The
// analyzer picks it up immediately.
func (m *Manager) AddRule(ctx context.Context, cfg RuleConfig) error {
	if _, err := m.factory.Build(cfg); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.configs {
		if existing.Name == cfg.Name {
			return errors.WrapInvalid(fmt.Errorf("%w: rule %q already exists", errors.ErrInvalidConfig, cfg.Name),
				"Manager", "AddRule", "add rule")
		}
	}

	next := make([]RuleConfig, 0, len(m.configs)+1)
	next = append(next, m.configs...)
	next = append(next, cfg)

	built, err := m.factory.BuildAll(next)
	if err != nil {
		return err
	}
	if m.store != nil {
		if err := m.store.Save(ctx, next); err != nil {
			return err
		}
	}

	m.configs = next
	if m.analyzer != nil {
		m.analyzer.SetRules(built)
	}
	if m.metrics != nil {
		m.metrics.activeRules.Set(float64(len(built)))
	}
	m.logger.Info("rule added", "rule", cfg.Name, "kind", cfg.Kind)
	return nil
}

// Configs returns the declared rules from the last successful load.
func (m *Manager) Configs() []RuleConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RuleConfig, len(m.configs))
	copy(out, m.configs)
	return out
}

// Watch reloads on every change reported by the store. It returns
// immediately if the store cannot watch.
func (m *Manager) Watch(ctx context.Context) error {
	w, ok := m.store.(Watcher)
	if !ok {
		return nil
	}
	m.logger.Info("watching rule document", "source", m.store.String())
	return w.Watch(ctx, func() {
		_ = m.Reload(ctx)
	})
}

func (m *Manager) recordReload(result string) {
	if m.metrics != nil {
		m.metrics.reloads.WithLabelValues(result).Inc()
	}
}

// Validate parses a document and builds every rule in it, enabled or not.
func Validate(factory *Factory, data []byte) ([]RuleConfig, error) {
	if factory == nil {
		factory = DefaultFactory()
	}
	configs, err := ParseDocument(data)
	if err != nil {
		return nil, err
	}
	for _, cfg := range configs {
		if _, err := factory.Build(cfg); err != nil {
			return nil, err
		}
	}
	return configs, nil
}
