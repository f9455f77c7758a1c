// Package storage defines where analytics records and door snapshots go.
//
// A Store is written to synchronously and may be slow or unavailable. The
// pipeline never calls one directly: it goes through Async, which queues
// writes on a worker pool, retries transient failures and coalesces door
// snapshots so the latest state of a door always wins.
//
// Backends live in sub-packages:
//   - sqlstore: PostgreSQL or SQLite tables with versioned migrations
//   - influxstore: InfluxDB points for dashboards
//   - kvstore: NATS KV door snapshots used to restore state on restart
//
// Multi fans writes out to several backends.
package storage
