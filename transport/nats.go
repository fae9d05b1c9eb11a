package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSConfig locates the JetStream stream backing the input channel.
type NATSConfig struct {
	URL     string
	Stream  string
	Subject string
	// Durable names the shared consumer; engines with the same durable
	// split the stream between them.
	Durable string
	// AckWait bounds one advancement. Messages not acked in time are
	// redelivered to another engine.
	AckWait    time.Duration
	MaxDeliver int
	FetchWait  time.Duration
}

func (c NATSConfig) withDefaults() NATSConfig {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.Stream == "" {
		c.Stream = "FLOWD_MESSAGES"
	}
	if c.Subject == "" {
		c.Subject = "flowd.messages"
	}
	if c.Durable == "" {
		c.Durable = "flowd-engine"
	}
	if c.AckWait <= 0 {
		c.AckWait = 60 * time.Second
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = 5
	}
	if c.FetchWait <= 0 {
		c.FetchWait = 5 * time.Second
	}
	return c
}

// NATS is a JetStream-backed transport. The stream is a work queue:
// every message is owned by exactly one engine until acked or its ack
// window lapses.
type NATS struct {
	config NATSConfig
	logger *slog.Logger
	conn   *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream
}

// NewNATS connects and creates the stream if it does not exist yet.
func NewNATS(ctx context.Context, config NATSConfig, logger *slog.Logger) (*NATS, error) {
	config = config.withDefaults()

	conn, err := nats.Connect(config.URL, nats.Name("flowd"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", config.URL, err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to get jetstream context: %w", err)
	}
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      config.Stream,
		Subjects:  []string{config.Subject},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create stream %s: %w", config.Stream, err)
	}

	return &NATS{
		config: config,
		logger: logger.With("component", "nats-transport"),
		conn:   conn,
		js:     js,
		stream: stream,
	}, nil
}

// Publish appends payload to the stream.
func (n *NATS) Publish(ctx context.Context, payload []byte) error {
	if _, err := n.js.Publish(ctx, n.config.Subject, payload); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", n.config.Subject, err)
	}
	return nil
}

// Consume fetches messages one at a time on the durable consumer, acking
// after the handler succeeds and naking on failure.
func (n *NATS) Consume(ctx context.Context, handler Handler) error {
	consumer, err := n.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       n.config.Durable,
		FilterSubject: n.config.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       n.config.AckWait,
		MaxDeliver:    n.config.MaxDeliver,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer %s: %w", n.config.Durable, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msgs, err := consumer.Fetch(1, jetstream.FetchMaxWait(n.config.FetchWait))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			n.logger.Debug("fetch timeout or error", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			n.handle(ctx, msg, handler)
		}
		if err := msgs.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			n.logger.Warn("message fetch error", "error", err)
		}
	}
}

func (n *NATS) handle(ctx context.Context, msg jetstream.Msg, handler Handler) {
	if ctx.Err() != nil {
		if err := msg.Nak(); err != nil {
			n.logger.Warn("failed to nak message during shutdown", "error", err)
		}
		return
	}
	if err := handler(ctx, msg.Data()); err != nil {
		n.logger.Warn("handler failed, message will be redelivered", "error", err)
		if err := msg.Nak(); err != nil {
			n.logger.Warn("failed to nak message", "error", err)
		}
		return
	}
	if err := msg.Ack(); err != nil {
		n.logger.Warn("failed to ack message", "error", err)
	}
}

// Close drains the connection so acks in flight are flushed.
func (n *NATS) Close() error {
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	return nil
}
