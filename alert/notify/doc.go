// Package notify holds the alert.Notifier implementations: chat webhook,
// NATS publish, Kafka topic, websocket feed and the operator log.
package notify
