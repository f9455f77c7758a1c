// Package source adapts event backends to a single Source interface.
//
// A Source decodes raw payloads into dock.DockDoorEvent values and hands
// them to an EmitFunc, in the order the backend delivers them. Payloads
// that fail to decode or validate are logged, counted and skipped; they
// never stop a source.
//
// Backends:
//
//   - Channel: in-process channel, used by tests and embedding callers
//   - Replay: a JSON lines file, for deterministic replays
//   - NATS: a JetStream consumer
//   - Kafka: a consumer group reader
//   - MQTT: a topic subscription
//   - UDP: JSON datagrams from sensor gateways
//   - SQLPoll: an id-cursor poll over a door_events table
//
// Multi runs several sources into the same EmitFunc.
package source
