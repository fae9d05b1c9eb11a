package runner

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/flowd-io/flowd/definition"
	"github.com/flowd-io/flowd/engine"
	"github.com/flowd-io/flowd/events"
	"github.com/flowd-io/flowd/instance"
	"github.com/flowd-io/flowd/metrics"
	"github.com/flowd-io/flowd/outbox"
	"github.com/flowd-io/flowd/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOutbox(t *testing.T) *outbox.Store {
	t.Helper()
	db, err := outbox.OpenDatabase(context.Background(), outbox.DriverMemory, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := outbox.NewStore(db)
	require.NoError(t, store.Init(context.Background()))
	return store
}

// harness wires one worker over in-process infrastructure: a memory
// queue, a memory event bus and an in-memory outbox database.
type harness struct {
	defs    *definition.Memory
	queue   *transport.Memory
	bus     *events.Memory
	store   *outbox.Store
	corr    *events.Correlator
	worker  *Worker
	starter *Starter
}

func newHarness(t *testing.T, clock func() time.Time) *harness {
	t.Helper()
	defs := definition.NewMemory()
	queue := transport.NewMemory(64)
	bus := events.NewMemory(testLogger())
	store := testOutbox(t)
	corr := events.NewCorrelator(queue, testLogger())
	eng := engine.New(engine.Options{Events: bus, Logger: testLogger()})

	worker, err := New(Options{
		Definitions: defs,
		Engine:      eng,
		Consumer:    queue,
		Producer:    queue,
		Outbox:      store,
		Correlator:  corr,
		Events:      bus,
		Logger:      testLogger(),
		Clock:       clock,
	})
	require.NoError(t, err)

	return &harness{
		defs:    defs,
		queue:   queue,
		bus:     bus,
		store:   store,
		corr:    corr,
		worker:  worker,
		starter: NewStarter(defs, queue, bus, testLogger()),
	}
}

func (h *harness) put(t *testing.T, doc string) {
	t.Helper()
	_, err := h.defs.Put(context.Background(), []byte(doc))
	require.NoError(t, err)
}

func (h *harness) start(t *testing.T, ctx context.Context) {
	t.Helper()
	require.NoError(t, h.worker.Start(ctx))
	t.Cleanup(func() { _ = h.worker.Stop() })
}

// watch forwards lifecycle events of the given types onto the returned
// channel. It blocks until the subscription is registered so no event
// can slip past.
func (h *harness) watch(t *testing.T, ctx context.Context, types ...string) <-chan map[string]any {
	t.Helper()
	wanted := map[string]bool{}
	for _, typ := range types {
		wanted[typ] = true
	}
	ch := make(chan map[string]any, 8)
	before := h.bus.Subscribers()
	go func() {
		_ = h.bus.Subscribe(ctx, func(_ context.Context, event map[string]any) error {
			if typ, _ := event["type"].(string); wanted[typ] {
				ch <- event
			}
			return nil
		})
	}()
	require.Eventually(t, func() bool { return h.bus.Subscribers() > before },
		time.Second, time.Millisecond)
	return ch
}

func awaitEvent(t *testing.T, ch <-chan map[string]any) map[string]any {
	t.Helper()
	select {
	case event := <-ch:
		return event
	case <-time.After(5 * time.Second):
		t.Fatalf("no lifecycle event within deadline")
		return nil
	}
}

const greeterDoc = `
document:
  dsl: "1.0.0"
  namespace: test
  name: greeter
  version: "0.1.0"
do:
  - greet:
      set:
        greeting: "${ \"hello \" + .name }"
output:
  as: "${ .greeting }"
`

func TestWorkerRunsInstanceToCompletion(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, nil)
	h.put(t, greeterDoc)
	done := h.watch(t, ctx, EventTypeCompleted)

	id, err := h.starter.Start(ctx, "greeter", "", map[string]any{"name": "ada"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	h.start(t, ctx)
	require.Error(t, h.worker.Start(ctx), "second start must be rejected")

	event := awaitEvent(t, done)
	require.Equal(t, id, event["subject"])
	data, ok := event["data"].(map[string]any)
	require.True(t, ok, "event data = %#v", event["data"])
	require.Equal(t, "greeter", data["workflow"])
	require.Equal(t, "0.1.0", data["version"])
	require.Equal(t, "hello ada", data["output"])
}

func TestWorkerSchedulesDelayThroughOutbox(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The worker stamps outbox entries with a clock one minute in the
	// past, so the PT1S pause is already due and the processor releases
	// it on its first poll.
	h := newHarness(t, func() time.Time { return time.Now().Add(-time.Minute) })
	h.put(t, `
document:
  dsl: "1.0.0"
  namespace: test
  name: pause
  version: "0.1.0"
do:
  - hold:
      wait: PT1S
  - after:
      set:
        resumed: true
output:
  as: "${ .resumed }"
`)

	processor := outbox.NewProcessor(h.store, h.queue, outbox.ProcessorConfig{
		PollInterval: 10 * time.Millisecond,
	}, testLogger())
	require.NoError(t, processor.Start(ctx))
	t.Cleanup(func() { _ = processor.Stop() })

	done := h.watch(t, ctx, EventTypeCompleted)
	id, err := h.starter.Start(ctx, "pause", "", nil)
	require.NoError(t, err)
	h.start(t, ctx)

	event := awaitEvent(t, done)
	require.Equal(t, id, event["subject"])
	data := event["data"].(map[string]any)
	require.Equal(t, true, data["output"])
	require.Equal(t, int64(1), h.worker.suspended.Load())
}

func TestWorkerParksAndResumesListen(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, nil)
	h.put(t, `
document:
  dsl: "1.0.0"
  namespace: test
  name: await-payment
  version: "0.1.0"
do:
  - await:
      listen:
        to:
          one:
            with:
              type: com.example.payment.received
            correlate:
              order:
                from: "${ .data.orderId }"
                expect: "${ .orderId }"
  - done:
      set:
        paid: "${ . }"
`)

	done := h.watch(t, ctx, EventTypeCompleted)
	id, err := h.starter.Start(ctx, "await-payment", "", map[string]any{"orderId": "o-1"})
	require.NoError(t, err)
	h.start(t, ctx)

	require.Eventually(t, func() bool { return h.corr.Parked() == 1 },
		5*time.Second, 10*time.Millisecond, "listen was not parked")

	// A non-matching event must leave the parking in place.
	require.NoError(t, h.corr.Offer(ctx, map[string]any{
		"type": "com.example.payment.received",
		"data": map[string]any{"orderId": "other"},
	}))
	require.Equal(t, 1, h.corr.Parked())

	require.NoError(t, h.corr.Offer(ctx, map[string]any{
		"type": "com.example.payment.received",
		"data": map[string]any{"orderId": "o-1", "amount": 5},
	}))

	event := awaitEvent(t, done)
	require.Equal(t, id, event["subject"])
	data := event["data"].(map[string]any)
	output, ok := data["output"].(map[string]any)
	require.True(t, ok, "output = %#v", data["output"])
	paid, ok := output["paid"].(map[string]any)
	require.True(t, ok, "paid = %#v", output["paid"])
	require.Equal(t, "o-1", paid["orderId"])
	require.Equal(t, 0, h.corr.Parked())
}

func TestWorkerEmitsFaultedEvent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, nil)
	h.put(t, `
document:
  dsl: "1.0.0"
  namespace: test
  name: doomed
  version: "0.1.0"
do:
  - boom:
      raise:
        error:
          type: https://serverlessworkflow.io/spec/1.0.0/errors/runtime
          status: 500
          detail: exploded
`)

	done := h.watch(t, ctx, EventTypeFaulted)
	id, err := h.starter.Start(ctx, "doomed", "", nil)
	require.NoError(t, err)
	h.start(t, ctx)

	event := awaitEvent(t, done)
	require.Equal(t, id, event["subject"])
	data := event["data"].(map[string]any)
	fault, ok := data["error"].(map[string]any)
	require.True(t, ok, "error = %#v", data["error"])
	require.Equal(t, 500, fault["status"])
	require.Equal(t, "exploded", fault["detail"])
	require.Equal(t, int64(1), h.worker.faulted.Load())
}

func TestWorkerDropsPoisonMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	decodeBefore := testutil.ToFloat64(metrics.ConsumerMessages.WithLabelValues("decode_error"))
	missingBefore := testutil.ToFloat64(metrics.ConsumerMessages.WithLabelValues("definition_missing"))

	h := newHarness(t, nil)
	h.put(t, greeterDoc)

	// Undecodable payload and a message for a workflow nobody stored.
	require.NoError(t, h.queue.Publish(ctx, []byte("{not json")))
	ghost, err := instance.New("ghost", "1.0.0", nil)
	require.NoError(t, err)
	payload, err := ghost.Message().Encode()
	require.NoError(t, err)
	require.NoError(t, h.queue.Publish(ctx, payload))

	done := h.watch(t, ctx, EventTypeCompleted)
	_, err = h.starter.Start(ctx, "greeter", "", map[string]any{"name": "bob"})
	require.NoError(t, err)
	h.start(t, ctx)

	awaitEvent(t, done)
	require.Eventually(t, func() bool {
		decoded := testutil.ToFloat64(metrics.ConsumerMessages.WithLabelValues("decode_error"))
		missing := testutil.ToFloat64(metrics.ConsumerMessages.WithLabelValues("definition_missing"))
		return decoded >= decodeBefore+1 && missing >= missingBefore+1
	}, 5*time.Second, 10*time.Millisecond, "poison messages were not counted as dropped")
}

func TestStarterAnnouncesStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, nil)
	h.put(t, `
document:
  dsl: "1.0.0"
  namespace: test
  name: rollout
  version: "0.1.0"
do:
  - noop:
      set:
        ok: true
`)
	h.put(t, `
document:
  dsl: "1.0.0"
  namespace: test
  name: rollout
  version: "0.2.0"
do:
  - noop:
      set:
        ok: true
`)

	started := h.watch(t, ctx, EventTypeStarted)
	id, err := h.starter.Start(ctx, "rollout", "", nil)
	require.NoError(t, err)

	event := awaitEvent(t, started)
	require.Equal(t, id, event["subject"])
	data := event["data"].(map[string]any)
	require.Equal(t, "rollout", data["workflow"])
	require.Equal(t, "0.2.0", data["version"], "empty version must resolve to the latest")
}

func TestStarterRejectsUnknownWorkflow(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.starter.Start(context.Background(), "missing", "", nil)
	require.ErrorIs(t, err, definition.ErrNotFound)
}

func TestNewValidatesOptions(t *testing.T) {
	defs := definition.NewMemory()
	queue := transport.NewMemory(1)
	store := testOutbox(t)
	eng := engine.New(engine.Options{Logger: testLogger()})

	base := func() Options {
		return Options{
			Definitions: defs,
			Engine:      eng,
			Consumer:    queue,
			Producer:    queue,
			Outbox:      store,
			Logger:      testLogger(),
		}
	}

	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{"definition", func(o *Options) { o.Definitions = nil }},
		{"engine", func(o *Options) { o.Engine = nil }},
		{"consumer", func(o *Options) { o.Consumer = nil }},
		{"producer", func(o *Options) { o.Producer = nil }},
		{"outbox", func(o *Options) { o.Outbox = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := base()
			tt.mutate(&opts)
			_, err := New(opts)
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.name)
		})
	}

	w, err := New(base())
	require.NoError(t, err)
	require.NotNil(t, w)
}
