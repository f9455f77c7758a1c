// Package dock defines the vocabulary shared by every dockwatch component:
// door states, events, the tracked door snapshot, alerts, and persistence
// records.
//
// A DockDoor only changes through DockDoor.Apply, which the analyzer calls
// when a rule emits a state transition. CanTransition is the guard it
// checks first.
package dock
