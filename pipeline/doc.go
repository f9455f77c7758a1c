// Package pipeline connects event sources to the analyzer and routes
// what the rules produce.
//
// Handler shards events by door id onto single-worker lanes, so events
// for one door are analyzed in arrival order while different doors
// proceed in parallel. Each outcome is routed result by result: logs to
// the logger, records and alerts to the Sink, watches to the monitoring
// Scheduler, and the door snapshot to the Sink when the pass changed it.
//
// Router is the one dock.Sink shared by the Handler and the monitoring
// worker. It sends alerts to the alert manager, writes an alert_history
// record for each of them, and hands records and snapshots to the
// persistence writer.
//
// Service starts the pieces in dependency order and stops them in
// reverse.
package pipeline
