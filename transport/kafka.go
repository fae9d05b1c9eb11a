package transport

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig locates the topic backing the input channel.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	// GroupID names the consumer group; engines with the same group split
	// the topic's partitions between them.
	GroupID string
}

func (c KafkaConfig) withDefaults() KafkaConfig {
	if len(c.Brokers) == 0 {
		c.Brokers = []string{"localhost:9092"}
	}
	if c.Topic == "" {
		c.Topic = "flowd.messages"
	}
	if c.GroupID == "" {
		c.GroupID = "flowd-engine"
	}
	return c
}

// Kafka is a topic-backed transport. Kafka has no per-message nak: a
// handler failure ends the consume session without committing, so the
// group replays from the last committed offset once Consume is re-entered.
type Kafka struct {
	config KafkaConfig
	logger *slog.Logger
	writer *kafka.Writer
}

// NewKafka prepares a writer for the topic. Consumers are created per
// Consume call.
func NewKafka(config KafkaConfig, logger *slog.Logger) *Kafka {
	config = config.withDefaults()
	return &Kafka{
		config: config,
		logger: logger.With("component", "kafka-transport"),
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(config.Brokers...),
			Topic:                  config.Topic,
			Balancer:               &kafka.LeastBytes{},
			AllowAutoTopicCreation: true,
		},
	}
}

// Publish appends payload to the topic.
func (k *Kafka) Publish(ctx context.Context, payload []byte) error {
	if err := k.writer.WriteMessages(ctx, kafka.Message{Value: payload}); err != nil {
		return fmt.Errorf("failed to write to topic %s: %w", k.config.Topic, err)
	}
	return nil
}

// Consume reads messages in the consumer group, committing offsets only
// after the handler succeeds.
func (k *Kafka) Consume(ctx context.Context, handler Handler) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  k.config.Brokers,
		GroupID:  k.config.GroupID,
		Topic:    k.config.Topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer func() {
		if err := reader.Close(); err != nil {
			k.logger.Warn("failed to close kafka reader", "error", err)
		}
	}()

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to fetch from topic %s: %w", k.config.Topic, err)
		}
		if err := handler(ctx, msg.Value); err != nil {
			return fmt.Errorf("handler failed at offset %d: %w", msg.Offset, err)
		}
		if err := reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to commit offset %d: %w", msg.Offset, err)
		}
	}
}

// Close flushes and closes the writer.
func (k *Kafka) Close() error {
	if err := k.writer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka writer: %w", err)
	}
	return nil
}
