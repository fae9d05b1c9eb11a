package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var (
	_ Sink   = (*Memory)(nil)
	_ Source = (*Memory)(nil)
	_ Sink   = (*NATS)(nil)
	_ Source = (*NATS)(nil)
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestMemoryBusFansOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewMemory(quietLogger())

	var (
		mu  sync.Mutex
		got []string
	)
	record := func(name string) Handler {
		return func(_ context.Context, event map[string]any) error {
			mu.Lock()
			got = append(got, name+":"+event["type"].(string))
			mu.Unlock()
			return nil
		}
	}
	go func() { _ = bus.Subscribe(ctx, record("a")) }()
	go func() { _ = bus.Subscribe(ctx, record("b")) }()
	waitFor(t, func() bool { return bus.Subscribers() == 2 })

	if err := bus.Emit(ctx, event("e1", "com.example.ping", nil)); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("deliveries = %v, want both subscribers", got)
	}
}

func TestMemoryBusSwallowsHandlerErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewMemory(quietLogger())
	go func() {
		_ = bus.Subscribe(ctx, func(context.Context, map[string]any) error {
			return errors.New("subscriber bug")
		})
	}()
	waitFor(t, func() bool { return bus.Subscribers() == 1 })

	if err := bus.Emit(ctx, event("e1", "com.example.ping", nil)); err != nil {
		t.Errorf("Emit() error = %v, want nil despite handler failure", err)
	}
}

func TestMemoryBusUnsubscribesOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	bus := NewMemory(quietLogger())

	done := make(chan error, 1)
	go func() {
		done <- bus.Subscribe(ctx, func(context.Context, map[string]any) error { return nil })
	}()
	waitFor(t, func() bool { return bus.Subscribers() == 1 })

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Subscribe did not return on cancel")
	}
	if bus.Subscribers() != 0 {
		t.Fatalf("subscriber leaked after cancel")
	}
}

func TestMemoryBusWatchIsLiveOnReturn(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewMemory(quietLogger())
	ch, err := bus.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	// No waitFor here: the subscription must already be registered.
	if err := bus.Emit(ctx, event("e1", "com.example.ping", nil)); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}

	select {
	case got := <-ch:
		if got["id"] != "e1" {
			t.Errorf("event id = %v, want e1", got["id"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watched event not delivered")
	}

	watchCtx, stop := context.WithCancel(ctx)
	ch2, err := bus.Watch(watchCtx)
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	_ = ch2
	stop()
	waitFor(t, func() bool { return bus.Subscribers() == 1 })
}
