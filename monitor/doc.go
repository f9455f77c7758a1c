// Package monitor re-checks door conditions that only time can resolve.
//
// Rules ask for a check by returning an analysis.Watch; the worker turns it
// into an Item keyed by (door, condition) in a heap ordered by next check.
// Each tick pops due items, evaluates them under the same per-door lock the
// analyzer uses, raises alerts through the shared dock.Sink, and requeues
// unresolved items with a Backoff whose next check always moves forward.
package monitor
