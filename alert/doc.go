// Package alert turns classified alerts into notifications.
//
// Manager.Raise checks the (door, alert type) suppression key, renders the
// alert with Format and queues one delivery per Notifier on a worker pool.
// Deliveries are retried with backoff and then given up on; a lost
// notification never affects the alert_history record the pipeline writes.
// Notifier implementations live in alert/notify.
package alert
