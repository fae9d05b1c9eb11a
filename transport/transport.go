// Package transport moves encoded workflow messages over the engine's
// input channel. Consumers are at-least-once: a handler error leaves the
// message unacknowledged and the broker redelivers it, so advancement
// must stay deterministic under replay.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned when publishing on a closed transport.
var ErrClosed = errors.New("transport closed")

// Handler processes one message. A non-nil error requests redelivery.
type Handler func(ctx context.Context, payload []byte) error

// Producer publishes messages to the input channel.
type Producer interface {
	Publish(ctx context.Context, payload []byte) error
	Close() error
}

// Consumer feeds input-channel messages to a handler, acknowledging each
// one only after the handler returns nil.
type Consumer interface {
	// Consume blocks until ctx is canceled or the transport fails.
	Consume(ctx context.Context, handler Handler) error
	Close() error
}
