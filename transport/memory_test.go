package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryDeliversInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewMemory(8)
	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, bus.Publish(ctx, []byte(p)))
	}

	var (
		mu  sync.Mutex
		got []string
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = bus.Consume(ctx, func(_ context.Context, payload []byte) error {
			mu.Lock()
			got = append(got, string(payload))
			n := len(got)
			mu.Unlock()
			if n == 3 {
				cancel()
			}
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consume did not finish")
	}
	require.Equal(t, []string{"a", "b", "c"}, got)
}

func TestMemoryRedeliversOnHandlerError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewMemory(8)
	bus.redeliverDelay = time.Millisecond
	require.NoError(t, bus.Publish(ctx, []byte("retry-me")))

	var (
		mu       sync.Mutex
		attempts int
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = bus.Consume(ctx, func(_ context.Context, payload []byte) error {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts == 1 {
				return errors.New("first try fails")
			}
			cancel()
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consume did not finish")
	}
	require.Equal(t, 2, attempts)
}

func TestMemoryPublishAfterClose(t *testing.T) {
	bus := NewMemory(1)
	require.NoError(t, bus.Close())
	err := bus.Publish(context.Background(), []byte("late"))
	require.ErrorIs(t, err, ErrClosed)
}

func TestMemoryConsumeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	bus := NewMemory(1)

	done := make(chan error, 1)
	go func() {
		done <- bus.Consume(ctx, func(context.Context, []byte) error { return nil })
	}()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consume did not stop on cancel")
	}
}
