package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/chazwilder/iqx-dockmonitor/alert"
	"github.com/chazwilder/iqx-dockmonitor/errors"
	"github.com/chazwilder/iqx-dockmonitor/pkg/retry"
)

// MessageWriter is satisfied by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka writes notifications to a topic keyed by door id so one door's
// alerts stay on one partition.
type Kafka struct {
	w MessageWriter
}

// NewKafkaWriter builds the writer used by NewKafka.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
}

// NewKafka wraps a writer.
func NewKafka(w MessageWriter) *Kafka {
	return &Kafka{w: w}
}

// Name implements alert.Notifier.
func (k *Kafka) Name() string { return "kafka" }

// Notify implements alert.Notifier.
func (k *Kafka) Notify(ctx context.Context, n alert.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return retry.NonRetryable(err)
	}
	msg := kafka.Message{Key: []byte(n.DoorID), Value: data, Time: time.Now()}
	if err := k.w.WriteMessages(ctx, msg); err != nil {
		return errors.WrapTransient(err, "Kafka", "Notify", "write notification")
	}
	return nil
}

// Close closes the writer.
func (k *Kafka) Close() error {
	return k.w.Close()
}
