package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/chazwilder/iqx-dockmonitor/dock"
	"github.com/chazwilder/iqx-dockmonitor/errors"
	"github.com/chazwilder/iqx-dockmonitor/metric"
)

// Outcome is the result of one rule pass over one event.
type Outcome struct {
	Event    dock.DockDoorEvent
	Previous dock.DockDoor
	Door     dock.DockDoor
	Results  []Result
	Created  bool
}

// Changed reports whether the door's state moved during the pass.
func (o Outcome) Changed() bool {
	return o.Previous.State != o.Door.State
}

type ruleSet struct {
	rules []AnalysisRule
}

// Analyzer runs the active rule set against door state, one event at a time
// per door.
type Analyzer struct {
	registry *Registry
	rules    atomic.Pointer[ruleSet]
	logger   *slog.Logger
	metrics  *analyzerMetrics
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Analyzer) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithMetrics registers analyzer metrics. A nil registry disables them.
func WithMetrics(r *metric.MetricsRegistry) Option {
	return func(a *Analyzer) {
		a.metrics = newAnalyzerMetrics(r)
	}
}

// NewAnalyzer creates an analyzer over registry with an initial rule list.
func NewAnalyzer(registry *Registry, rules []AnalysisRule, opts ...Option) *Analyzer {
	a := &Analyzer{
		registry: registry,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "analyzer")
	a.SetRules(rules)
	return a
}

// Registry returns the door registry the analyzer mutates.
func (a *Analyzer) Registry() *Registry {
	return a.registry
}

// SetRules replaces the active rule list. Passes already running finish
// with the list they started with.
func (a *Analyzer) SetRules(rules []AnalysisRule) {
	cp := make([]AnalysisRule, len(rules))
	copy(cp, rules)
	a.rules.Store(&ruleSet{rules: cp})
}

// Rules returns the active rule list.
func (a *Analyzer) Rules() []AnalysisRule {
	return a.rules.Load().rules
}

// Rearm collects the pending watches every active Rearmer reports for
// door. Duplicate conditions keep the first rule's watch.
func (a *Analyzer) Rearm(door dock.DockDoor) []Watch {
	var out []Watch
	seen := make(map[dock.ConditionKind]struct{})
	for _, rule := range a.rules.Load().rules {
		r, ok := rule.(Rearmer)
		if !ok {
			continue
		}
		for _, w := range r.Rearm(door) {
			if _, dup := seen[w.Condition]; dup {
				continue
			}
			seen[w.Condition] = struct{}{}
			out = append(out, w)
		}
	}
	return out
}

// Analyze runs every active rule, in order, against the event's door.
// State transitions are applied to the working snapshot as soon as a rule
// returns them, so later rules see the new state. The door lock is held for
// the whole pass.
func (a *Analyzer) Analyze(ctx context.Context, ev dock.DockDoorEvent) (Outcome, error) {
	if err := ev.Validate(); err != nil {
		return Outcome{}, err
	}
	if err := ctx.Err(); err != nil {
		return Outcome{}, errors.WrapTransient(err, "Analyzer", "Analyze", "check context")
	}

	start := time.Now()
	rules := a.rules.Load().rules
	out := Outcome{Event: ev}

	out.Created = a.registry.With(ev.DoorID, ev.Timestamp, func(door *dock.DockDoor) {
		out.Previous = *door
		working := *door

		for _, rule := range rules {
			for _, r := range a.applyRule(rule, working, ev) {
				if t, ok := r.(StateTransition); ok {
					if !dock.CanTransition(working.State, t.To) {
						out.Results = append(out.Results, a.rejectTransition(rule, working, ev, t))
						continue
					}
					working.Apply(t.To, t.Update, ev.Timestamp)
				}
				out.Results = append(out.Results, r)
			}
		}

		if len(out.Results) == 0 {
			out.Results = append(out.Results, Info("unclassified event",
				"door_id", ev.DoorID, "kind", ev.Kind, "state", working.State))
			if a.metrics != nil {
				a.metrics.unclassified.WithLabelValues(string(ev.Kind), string(working.State)).Inc()
			}
		}

		working.EventCount++
		working.LastEventAt = ev.Timestamp
		*door = working
		out.Door = working
	})

	if a.metrics != nil {
		a.metrics.eventsAnalyzed.WithLabelValues(string(ev.Kind)).Inc()
		for _, r := range out.Results {
			a.metrics.results.WithLabelValues(string(r.Kind())).Inc()
		}
		a.metrics.passDuration.Observe(time.Since(start).Seconds())
		if out.Created {
			a.metrics.doorsTracked.Set(float64(a.registry.Len()))
		}
	}

	return out, nil
}

// applyRule isolates a panicking rule so one bad rule cannot take down the
// pipeline.
func (a *Analyzer) applyRule(rule AnalysisRule, door dock.DockDoor, ev dock.DockDoorEvent) (results []Result) {
	defer func() {
		if p := recover(); p != nil {
			a.logger.Error("rule panicked", "rule", rule.Name(), "door_id", ev.DoorID, "panic", p)
			if a.metrics != nil {
				a.metrics.rulePanics.WithLabelValues(rule.Name()).Inc()
			}
			results = []Result{Log{
				Level:   slog.LevelError,
				Message: "rule panicked",
				Attrs:   []any{"rule", rule.Name(), "panic", fmt.Sprint(p)},
			}}
		}
	}()
	return rule.Apply(door, ev)
}

func (a *Analyzer) rejectTransition(rule AnalysisRule, door dock.DockDoor, ev dock.DockDoorEvent, t StateTransition) Log {
	err := errors.WrapInvalid(
		fmt.Errorf("%w: %s -> %s", errors.ErrIllegalTransition, door.State, t.To),
		"Analyzer", "Analyze", "apply transition from rule "+rule.Name())
	if a.metrics != nil {
		a.metrics.rejectedTransitions.WithLabelValues(rule.Name()).Inc()
	}
	return Log{
		Level:   slog.LevelError,
		Message: "illegal transition rejected",
		Attrs: []any{
			"rule", rule.Name(),
			"door_id", ev.DoorID,
			"event_kind", ev.Kind,
			"from", door.State,
			"to", t.To,
			"error", err,
		},
	}
}
