package analysis

import (
	"log/slog"
	"time"

	"github.com/chazwilder/iqx-dockmonitor/dock"
)

// ResultKind tags the variants of Result.
type ResultKind string

const (
	KindStateTransition ResultKind = "state_transition"
	KindAlert           ResultKind = "alert"
	KindLog             ResultKind = "log"
	KindDbInsert        ResultKind = "db_insert"
	KindWatch           ResultKind = "watch"
)

// Result is one outcome of applying a rule. The set of variants is closed:
// StateTransition, Alert, Log, DbInsert and Watch.
type Result interface {
	Kind() ResultKind
}

// StateTransition moves the door to a new state. A transition to the
// current state is an attribute-only update.
type StateTransition struct {
	To     dock.DoorState
	Reason string
	Update dock.Update
}

// Alert asks the alert manager to announce a condition.
type Alert struct {
	dock.Alert
}

// Log is a message for the operator log.
type Log struct {
	Level   slog.Level
	Message string
	Attrs   []any
}

// DbInsert is an analytics record for the persistence sink.
type DbInsert struct {
	Record dock.Record
}

// Watch asks the monitoring queue to re-check a condition once After has
// elapsed from Anchor.
type Watch struct {
	Condition dock.ConditionKind
	After     time.Duration
	Anchor    time.Time
}

func (StateTransition) Kind() ResultKind { return KindStateTransition }
func (Alert) Kind() ResultKind           { return KindAlert }
func (Log) Kind() ResultKind             { return KindLog }
func (DbInsert) Kind() ResultKind        { return KindDbInsert }
func (Watch) Kind() ResultKind           { return KindWatch }

// TransitionTo builds a StateTransition.
func TransitionTo(to dock.DoorState, reason string) StateTransition {
	return StateTransition{To: to, Reason: reason}
}

// With returns a copy carrying the attribute patch.
func (t StateTransition) With(u dock.Update) StateTransition {
	t.Update = u
	return t
}

// Raise wraps a dock alert as a result.
func Raise(a dock.Alert) Alert {
	return Alert{Alert: a}
}

// Info builds an informational log result.
func Info(msg string, attrs ...any) Log {
	return Log{Level: slog.LevelInfo, Message: msg, Attrs: attrs}
}

// Debug builds a debug log result.
func Debug(msg string, attrs ...any) Log {
	return Log{Level: slog.LevelDebug, Message: msg, Attrs: attrs}
}

// Insert wraps a record as a result.
func Insert(r dock.Record) DbInsert {
	return DbInsert{Record: r}
}

// WatchFor builds a Watch result.
func WatchFor(cond dock.ConditionKind, after time.Duration, anchor time.Time) Watch {
	return Watch{Condition: cond, After: after, Anchor: anchor}
}
