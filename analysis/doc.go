// Package analysis holds the per-door registry, the rule capability and the
// analyzer that runs the active rule set against each event.
//
// A rule pass for one door is atomic: the analyzer holds the door's lock
// while every rule runs, applies each StateTransition to the working
// snapshot before the next rule sees it, and stores the final snapshot
// before releasing the lock. Passes for different doors run in parallel.
package analysis
