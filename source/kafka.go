package source

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/chazwilder/iqx-dockmonitor/errors"
)

// KafkaConfig configures a consumer group reader.
type KafkaConfig struct {
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

// Validate checks required fields.
func (c KafkaConfig) Validate() error {
	if len(c.Brokers) == 0 || c.Topic == "" || c.GroupID == "" {
		return errors.WrapInvalid(fmt.Errorf("%w: kafka source needs brokers, topic and group_id", errors.ErrInvalidConfig),
			"KafkaConfig", "Validate", "check fields")
	}
	return nil
}

// MessageReader is the part of *kafka.Reader the source uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka reads events from a topic. Offsets are committed after each
// message is handled, including skipped ones.
type Kafka struct {
	decoder
	reader     MessageReader
	maxBackoff time.Duration
}

// NewKafka creates a group reader for cfg.
func NewKafka(cfg KafkaConfig, opts ...Option) (*Kafka, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		Topic:       cfg.Topic,
		StartOffset: kafka.FirstOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
	})
	return NewKafkaReader(reader, opts...), nil
}

// NewKafkaReader wraps an existing reader.
func NewKafkaReader(r MessageReader, opts ...Option) *Kafka {
	return &Kafka{decoder: newDecoder("kafka", opts), reader: r, maxBackoff: 10 * time.Second}
}

// Run implements Source. The reader is closed on return.
func (k *Kafka) Run(ctx context.Context, emit EmitFunc) error {
	defer func() {
		if err := k.reader.Close(); err != nil {
			k.logger.Warn("closing kafka reader", "error", err)
		}
	}()

	backoff := time.Second
	for {
		msg, err := k.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || stderrors.Is(err, context.Canceled) {
				return nil
			}
			k.logger.Error("fetch failed", "error", err, "retry_in", backoff)
			select {
			case <-time.After(backoff):
				if backoff < k.maxBackoff {
					backoff *= 2
				}
				continue
			case <-ctx.Done():
				return nil
			}
		}
		backoff = time.Second

		err = k.handle(ctx, msg.Value, emit)
		k.logEmitError(ctx, err)
		if ctx.Err() != nil {
			return nil
		}
		if err := k.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			k.logger.Warn("commit failed", "offset", msg.Offset, "error", err)
		}
	}
}
