// Package errors provides the error taxonomy shared by every dockwatch
// component.
//
// Errors fall into three classes:
//
//   - Transient: sink outages, broker disconnects, timeouts. Retried at the
//     collaborator boundary with pkg/retry.
//   - Invalid: malformed events, bad rule parameters, illegal state
//     transitions. Never retried. Events are skipped, rules fail the load.
//   - Fatal: conditions the process cannot run with.
//
// Wrap helpers follow one message shape:
//
//	errors.WrapInvalid(err, "RuleFactory", "Build", "decode parameters")
//	// RuleFactory.Build: decode parameters failed: <cause>
//
// Classification survives wrapping, so callers use errors.Is against the
// sentinels and IsTransient/IsInvalid/IsFatal against the class.
package errors
