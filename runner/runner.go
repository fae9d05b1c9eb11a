// Package runner hosts the worker loop that drives durable workflow
// instances: it consumes messages from the input channel, advances each
// one step through the engine and routes the outcome back onto the
// channel, into the outbox, into the correlator or out as a lifecycle
// event. Workers are stateless; any number of them may share a channel.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowd-io/flowd/definition"
	"github.com/flowd-io/flowd/engine"
	"github.com/flowd-io/flowd/events"
	"github.com/flowd-io/flowd/instance"
	"github.com/flowd-io/flowd/metrics"
	"github.com/flowd-io/flowd/outbox"
	"github.com/flowd-io/flowd/transport"
)

// consumeRetryDelay is the pause before re-entering a consume session
// that ended without the context being canceled.
const consumeRetryDelay = time.Second

// Options wires a Worker. Definitions, Engine, Consumer, Producer and
// Outbox are required; Correlator and Events are optional and disable
// event suspension and lifecycle events respectively when absent.
type Options struct {
	Definitions definition.Store
	Engine      *engine.Engine
	Consumer    transport.Consumer
	Producer    transport.Producer
	Outbox      *outbox.Store
	Correlator  *events.Correlator
	Events      events.Sink
	Logger      *slog.Logger
	Clock       func() time.Time
}

// Worker advances workflow instances one step at a time. Each consumed
// message is processed exactly once per acknowledgment; handler errors
// leave the message on the channel for redelivery, so every routing
// decision below must be safe under replay.
type Worker struct {
	defs       definition.Store
	engine     *engine.Engine
	consumer   transport.Consumer
	producer   transport.Producer
	outbox     *outbox.Store
	correlator *events.Correlator
	events     events.Sink
	logger     *slog.Logger
	clock      func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	advanced  atomic.Int64
	suspended atomic.Int64
	completed atomic.Int64
	faulted   atomic.Int64
}

// New validates the wiring and returns a stopped Worker.
func New(opts Options) (*Worker, error) {
	if opts.Definitions == nil {
		return nil, fmt.Errorf("runner: definition store is required")
	}
	if opts.Engine == nil {
		return nil, fmt.Errorf("runner: engine is required")
	}
	if opts.Consumer == nil {
		return nil, fmt.Errorf("runner: consumer is required")
	}
	if opts.Producer == nil {
		return nil, fmt.Errorf("runner: producer is required")
	}
	if opts.Outbox == nil {
		return nil, fmt.Errorf("runner: outbox store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Worker{
		defs:       opts.Definitions,
		engine:     opts.Engine,
		consumer:   opts.Consumer,
		producer:   opts.Producer,
		outbox:     opts.Outbox,
		correlator: opts.Correlator,
		events:     opts.Events,
		logger:     logger.With("component", "runner"),
		clock:      clock,
	}, nil
}

// Start launches the consume loop. It returns an error when the worker
// is already running.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("runner already running")
	}
	subCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true

	w.logger.Info("Starting runner")
	go w.consumeLoop(subCtx)
	return nil
}

// Stop cancels the consume loop and waits for it to drain.
func (w *Worker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	cancel := w.cancel
	done := w.done
	w.mu.Unlock()

	cancel()
	<-done

	w.logger.Info("Runner stopped",
		"advanced", w.advanced.Load(),
		"suspended", w.suspended.Load(),
		"completed", w.completed.Load(),
		"faulted", w.faulted.Load())
	return nil
}

// consumeLoop keeps a consume session open until the context ends.
// Broker sessions can return early (a handler error ends a Kafka
// session, for example); those are retried after a short pause.
func (w *Worker) consumeLoop(ctx context.Context) {
	defer close(w.done)
	for {
		err := w.consumer.Consume(ctx, w.handle)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			w.logger.Error("Consume session failed, retrying", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(consumeRetryDelay):
		}
	}
}

// handle advances one message. A nil return acknowledges the message;
// an error leaves it for redelivery. Poison messages are acknowledged
// and counted rather than redelivered forever.
func (w *Worker) handle(ctx context.Context, payload []byte) error {
	msg, err := instance.DecodeMessage(payload)
	if err != nil {
		metrics.ConsumerMessages.WithLabelValues("decode_error").Inc()
		w.logger.Error("Dropping undecodable message", "error", err)
		return nil
	}

	wf, err := w.defs.Get(ctx, msg.Name, msg.Version)
	if err != nil {
		if errors.Is(err, definition.ErrNotFound) {
			metrics.ConsumerMessages.WithLabelValues("definition_missing").Inc()
			w.logger.Error("Dropping message for unknown workflow",
				"workflow", msg.Name, "version", msg.Version)
			return nil
		}
		metrics.ConsumerMessages.WithLabelValues("error").Inc()
		return fmt.Errorf("loading definition %s/%s: %w", msg.Name, msg.Version, err)
	}

	outcome, err := w.engine.Advance(ctx, wf, msg)
	if err != nil {
		metrics.AdvancementErrors.Inc()
		metrics.ConsumerMessages.WithLabelValues("error").Inc()
		return fmt.Errorf("advancing %s at %s: %w", msg.Name, msg.Position, err)
	}

	if err := w.route(ctx, outcome); err != nil {
		metrics.ConsumerMessages.WithLabelValues("error").Inc()
		return err
	}

	w.advanced.Add(1)
	metrics.Advancements.WithLabelValues(string(outcome.Status)).Inc()
	metrics.ConsumerMessages.WithLabelValues("ok").Inc()
	return nil
}

// route places an advancement outcome where its continuation belongs:
// parked on the correlator, scheduled through the outbox, republished
// immediately, or announced as a terminal lifecycle event.
func (w *Worker) route(ctx context.Context, outcome *engine.Outcome) error {
	if outcome.Status.Terminal() {
		return w.finish(ctx, outcome)
	}

	if outcome.EventWait != nil {
		if w.correlator == nil {
			return fmt.Errorf("cannot park listen continuation: no correlator")
		}
		if err := w.correlator.Park(outcome.Message, outcome.EventWait); err != nil {
			return fmt.Errorf("parking continuation: %w", err)
		}
		w.suspended.Add(1)
		metrics.Suspensions.WithLabelValues("event").Inc()
		return nil
	}

	if outcome.Delay > 0 {
		payload, err := outcome.Message.Encode()
		if err != nil {
			return fmt.Errorf("encoding delayed continuation: %w", err)
		}
		entry, err := outbox.NewEntry(payload, outcome.Delay, w.clock())
		if err != nil {
			return fmt.Errorf("building outbox entry: %w", err)
		}
		if err := w.outbox.Insert(ctx, entry); err != nil {
			return fmt.Errorf("scheduling delayed continuation: %w", err)
		}
		w.suspended.Add(1)
		metrics.Suspensions.WithLabelValues("delay").Inc()
		return nil
	}

	payload, err := outcome.Message.Encode()
	if err != nil {
		return fmt.Errorf("encoding continuation: %w", err)
	}
	if err := w.producer.Publish(ctx, payload); err != nil {
		return fmt.Errorf("publishing continuation: %w", err)
	}
	return nil
}

// finish announces a terminal instance on the event stream so waiting
// clients and listening workflows can observe completion.
func (w *Worker) finish(ctx context.Context, outcome *engine.Outcome) error {
	id := instance.FromMessage(outcome.Message).ID()
	switch outcome.Status {
	case instance.StatusFaulted:
		w.faulted.Add(1)
		w.logger.Info("Instance faulted",
			"instance", id,
			"workflow", outcome.Message.Name,
			"error", outcome.Message.Error)
	default:
		w.completed.Add(1)
		w.logger.Info("Instance completed",
			"instance", id,
			"workflow", outcome.Message.Name)
	}

	if w.events == nil {
		return nil
	}
	event := lifecycleEvent(outcome, id, w.clock())
	if err := w.events.Emit(ctx, event); err != nil {
		return fmt.Errorf("emitting lifecycle event: %w", err)
	}
	return nil
}
