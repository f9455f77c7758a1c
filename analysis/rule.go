package analysis

import (
	"github.com/chazwilder/iqx-dockmonitor/dock"
)

// AnalysisRule classifies one event against one door snapshot.
//
// Apply must be pure: everything a rule wants to happen is expressed in
// the returned results. A rule that does not handle the event returns nil.
type AnalysisRule interface {
	Name() string
	Apply(door dock.DockDoor, ev dock.DockDoorEvent) []Result
}

// RuleFunc adapts a function to AnalysisRule.
type RuleFunc struct {
	RuleName string
	Fn       func(door dock.DockDoor, ev dock.DockDoorEvent) []Result
}

// Name implements AnalysisRule.
func (f RuleFunc) Name() string { return f.RuleName }

// Apply implements AnalysisRule.
func (f RuleFunc) Apply(door dock.DockDoor, ev dock.DockDoorEvent) []Result {
	return f.Fn(door, ev)
}

// Rearmer is implemented by rules that schedule watches. Rearm returns
// the watches the rule would have pending for a door in its current
// state, so monitoring resumes after state is restored from storage.
type Rearmer interface {
	Rearm(door dock.DockDoor) []Watch
}
