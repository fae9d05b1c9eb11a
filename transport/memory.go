package transport

import (
	"context"
	"sync"
	"time"
)

const defaultRedeliverDelay = 50 * time.Millisecond

// Memory is an in-process transport for single-node runs and tests. It
// implements both Producer and Consumer over one buffered queue and
// redelivers messages whose handler failed, after a short pause so a
// persistent failure cannot spin the loop.
type Memory struct {
	ch             chan []byte
	redeliverDelay time.Duration

	mu     sync.RWMutex
	closed bool
}

// NewMemory creates a bus holding at most buffer undelivered messages.
func NewMemory(buffer int) *Memory {
	if buffer <= 0 {
		buffer = 64
	}
	return &Memory{
		ch:             make(chan []byte, buffer),
		redeliverDelay: defaultRedeliverDelay,
	}
}

// Publish enqueues payload, blocking while the buffer is full.
func (m *Memory) Publish(ctx context.Context, payload []byte) error {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	select {
	case m.ch <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume delivers messages until ctx is canceled. Multiple Consume calls
// share the queue; each message goes to exactly one of them.
func (m *Memory) Consume(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case payload := <-m.ch:
			if err := handler(ctx, payload); err != nil {
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(m.redeliverDelay):
				}
				select {
				case m.ch <- payload:
				case <-ctx.Done():
					return nil
				}
			}
		}
	}
}

// Close stops accepting publishes. The queue itself stays open so
// consumers drain remaining messages until their context ends.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
