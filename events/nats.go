package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/flowd-io/flowd/metrics"
)

// NATSConfig locates the JetStream stream carrying CloudEvents.
type NATSConfig struct {
	URL string
	// Stream holds every event under SubjectPrefix.>; events are addressed
	// by their type, e.g. flowd.events.com.example.order.placed.
	Stream        string
	SubjectPrefix string
	FetchWait     time.Duration
}

func (c NATSConfig) withDefaults() NATSConfig {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.Stream == "" {
		c.Stream = "FLOWD_EVENTS"
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "flowd.events"
	}
	if c.FetchWait <= 0 {
		c.FetchWait = 5 * time.Second
	}
	return c
}

// NATS is a JetStream-backed event bus implementing Sink and Source.
// Every subscriber owns an ephemeral consumer and sees all events, since
// parked listens are local to each engine.
type NATS struct {
	config NATSConfig
	logger *slog.Logger
	conn   *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream
}

// NewNATS connects and creates the event stream if missing.
func NewNATS(ctx context.Context, config NATSConfig, logger *slog.Logger) (*NATS, error) {
	config = config.withDefaults()

	conn, err := nats.Connect(config.URL, nats.Name("flowd-events"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", config.URL, err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to get jetstream context: %w", err)
	}
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     config.Stream,
		Subjects: []string{config.SubjectPrefix + ".>"},
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create stream %s: %w", config.Stream, err)
	}

	return &NATS{
		config: config,
		logger: logger.With("component", "nats-events"),
		conn:   conn,
		js:     js,
		stream: stream,
	}, nil
}

// Emit publishes the event as structured CloudEvents JSON on a subject
// derived from its type.
func (n *NATS) Emit(ctx context.Context, event map[string]any) error {
	ce, err := FromMap(event)
	if err != nil {
		return err
	}
	data, err := json.Marshal(ce)
	if err != nil {
		return fmt.Errorf("encoding event %s: %w", ce.ID(), err)
	}
	subject := n.config.SubjectPrefix + "." + subjectToken(ce.Type())
	if _, err := n.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("failed to publish event to %s: %w", subject, err)
	}
	metrics.EventsEmitted.Inc()
	return nil
}

// Subscribe fetches all events on an ephemeral consumer until ctx ends.
// Undecodable payloads are acked and skipped; handler failures nak for
// redelivery.
func (n *NATS) Subscribe(ctx context.Context, handler Handler) error {
	consumer, err := n.newConsumer(ctx)
	if err != nil {
		return err
	}
	n.fetchLoop(ctx, consumer, handler)
	return nil
}

// Watch streams events on the returned channel until ctx ends. The
// consumer exists when Watch returns, so an event published right after
// the call cannot be missed. The channel is never closed; readers stop
// when their ctx ends.
func (n *NATS) Watch(ctx context.Context) (<-chan map[string]any, error) {
	consumer, err := n.newConsumer(ctx)
	if err != nil {
		return nil, err
	}
	ch := make(chan map[string]any, 16)
	go n.fetchLoop(ctx, consumer, func(ctx context.Context, event map[string]any) error {
		select {
		case ch <- event:
		case <-ctx.Done():
		}
		return nil
	})
	return ch, nil
}

// newConsumer creates the ephemeral consumer every subscriber owns; each
// one sees all events from its creation onward.
func (n *NATS) newConsumer(ctx context.Context) (jetstream.Consumer, error) {
	consumer, err := n.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		FilterSubject:     n.config.SubjectPrefix + ".>",
		AckPolicy:         jetstream.AckExplicitPolicy,
		DeliverPolicy:     jetstream.DeliverNewPolicy,
		InactiveThreshold: time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create event consumer: %w", err)
	}
	return consumer, nil
}

func (n *NATS) fetchLoop(ctx context.Context, consumer jetstream.Consumer, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := consumer.Fetch(1, jetstream.FetchMaxWait(n.config.FetchWait))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			n.logger.Debug("fetch timeout or error", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			n.handle(ctx, msg, handler)
		}
		if err := msgs.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			n.logger.Warn("event fetch error", "error", err)
		}
	}
}

func (n *NATS) handle(ctx context.Context, msg jetstream.Msg, handler Handler) {
	var ce cloudevents.Event
	if err := json.Unmarshal(msg.Data(), &ce); err != nil {
		n.logger.Warn("skipping undecodable event", "subject", msg.Subject(), "error", err)
		if err := msg.Ack(); err != nil {
			n.logger.Warn("failed to ack poison event", "error", err)
		}
		return
	}
	if err := handler(ctx, ToMap(&ce)); err != nil {
		n.logger.Warn("event handler failed, event will be redelivered", "error", err)
		if err := msg.Nak(); err != nil {
			n.logger.Warn("failed to nak event", "error", err)
		}
		return
	}
	if err := msg.Ack(); err != nil {
		n.logger.Warn("failed to ack event", "error", err)
	}
}

// Close drains the connection.
func (n *NATS) Close() error {
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	return nil
}

// subjectToken folds characters NATS subjects reserve into underscores.
func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '*', '>':
			return '_'
		}
		return r
	}, s)
}
