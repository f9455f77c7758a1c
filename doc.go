// Package dockmonitor tracks warehouse dock doors from sensor, LGV and
// shipment events, keeps the operational state of every door, raises
// alerts for situations that need attention and records loading
// analytics.
//
// # Flow
//
// Events arrive from a source (NATS JetStream, Kafka, MQTT, a polled SQL
// table, UDP datagrams or a replay file) and are handled per door in
// order:
//
//	source -> pipeline.Handler -> analysis.Analyzer -> rules
//	                                   |
//	                 results: transitions, alerts, records, watches
//	                                   |
//	          pipeline.Router -> alert.Manager -> notify (log, webhook, nats, kafka, feed)
//	                          -> storage (memory, sql, influx, kv)
//	          monitor.Worker  <- watches, re-checked on a timer
//
// # Packages
//
//   - dock: events, door state machine, alerts and records.
//   - analysis: the analyzer, door registry and rule result types.
//   - rules: built-in rule kinds, the rule factory and the rule manager
//     with hot reload from a file or NATS KV.
//   - monitor: the deferred condition queue and its worker.
//   - alert, alert/notify: suppression windows and notifiers.
//   - pipeline: the event handler, router and component lifecycle.
//   - source, storage: ingestion and persistence backends.
//   - config, metric, health, natsclient, errors: ambient services.
//
// The dockwatch command in cmd/dockwatch wires these together.
package dockmonitor
