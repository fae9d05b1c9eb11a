package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/flowd-io/flowd/metrics"
)

// Handler consumes one event envelope.
type Handler func(ctx context.Context, event map[string]any) error

// watchBuffer is the per-watcher channel depth. A full buffer blocks the
// emitter rather than dropping events.
const watchBuffer = 16

// Sink publishes events produced by emit tasks.
type Sink interface {
	Emit(ctx context.Context, event map[string]any) error
}

// Source delivers external events, typically into a Correlator. Subscribe
// blocks until ctx ends.
type Source interface {
	Subscribe(ctx context.Context, handler Handler) error
}

// Memory is an in-process bus implementing both Sink and Source. Emit
// fans out synchronously; handler failures are logged, not propagated,
// matching broker semantics where delivery is decoupled from publish.
type Memory struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[int]Handler
	next int
}

// NewMemory creates an empty bus.
func NewMemory(logger *slog.Logger) *Memory {
	return &Memory{
		logger: logger.With("component", "event-bus"),
		subs:   map[int]Handler{},
	}
}

// Emit delivers the event to every current subscriber.
func (m *Memory) Emit(ctx context.Context, event map[string]any) error {
	metrics.EventsEmitted.Inc()

	m.mu.RLock()
	handlers := make([]Handler, 0, len(m.subs))
	for _, h := range m.subs {
		handlers = append(handlers, h)
	}
	m.mu.RUnlock()

	for _, h := range handlers {
		if err := h(ctx, event); err != nil {
			m.logger.Warn("event handler failed", "type", event[attrType], "error", err)
		}
	}
	return nil
}

// Subscribers reports how many handlers are registered.
func (m *Memory) Subscribers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}

// Subscribe registers handler until ctx ends.
func (m *Memory) Subscribe(ctx context.Context, handler Handler) error {
	m.mu.Lock()
	id := m.next
	m.next++
	m.subs[id] = handler
	m.mu.Unlock()

	<-ctx.Done()

	m.mu.Lock()
	delete(m.subs, id)
	m.mu.Unlock()
	return nil
}

// Watch streams events on the returned channel until ctx ends. The
// subscription is live when Watch returns, so an event emitted right
// after the call cannot be missed. The channel is never closed; readers
// stop when their ctx ends.
func (m *Memory) Watch(ctx context.Context) (<-chan map[string]any, error) {
	ch := make(chan map[string]any, watchBuffer)

	m.mu.Lock()
	id := m.next
	m.next++
	m.subs[id] = func(emitCtx context.Context, event map[string]any) error {
		select {
		case ch <- event:
		case <-ctx.Done():
		case <-emitCtx.Done():
		}
		return nil
	}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}()
	return ch, nil
}
