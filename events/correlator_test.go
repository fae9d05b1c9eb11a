package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/flowd-io/flowd/instance"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type captureRepublisher struct {
	mu       sync.Mutex
	payloads [][]byte
	fail     error
}

func (r *captureRepublisher) Publish(_ context.Context, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.payloads = append(r.payloads, append([]byte(nil), payload...))
	return nil
}

func (r *captureRepublisher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads)
}

func (r *captureRepublisher) last(t *testing.T) *instance.Message {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.payloads) == 0 {
		t.Fatal("nothing republished")
	}
	msg, err := instance.DecodeMessage(r.payloads[len(r.payloads)-1])
	if err != nil {
		t.Fatalf("DecodeMessage() error = %v", err)
	}
	return msg
}

const listenPos = "/do/0/await"

// parkedMessage builds a continuation suspended at a listen position.
func parkedMessage(t *testing.T) *instance.Message {
	t.Helper()
	inst, err := instance.New("orders", "0.1.0", map[string]any{"orderId": "o-1"})
	if err != nil {
		t.Fatalf("instance.New() error = %v", err)
	}
	msg := inst.Message()
	st := instance.NewNodeState()
	st.SetRawInput(map[string]any{"orderId": "o-1"})
	msg.States[listenPos] = st
	msg.Position = listenPos
	return msg
}

func event(id, typ string, data any) map[string]any {
	return map[string]any{
		"id":          id,
		"source":      "/test",
		"type":        typ,
		"specversion": "1.0",
		"data":        data,
	}
}

func TestCorrelatorMatchesWithAttributes(t *testing.T) {
	pub := &captureRepublisher{}
	c := NewCorrelator(pub, quietLogger())

	wait := &Wait{Filters: []*Filter{{With: map[string]any{"type": "com.example.done"}}}, Read: "data"}
	if err := c.Park(parkedMessage(t), wait); err != nil {
		t.Fatalf("Park() error = %v", err)
	}

	if err := c.Offer(context.Background(), event("e1", "com.example.other", nil)); err != nil {
		t.Fatalf("Offer() error = %v", err)
	}
	if c.Parked() != 1 || pub.count() != 0 {
		t.Fatalf("non-matching event resumed the instance")
	}

	payload := map[string]any{"result": "ok"}
	if err := c.Offer(context.Background(), event("e2", "com.example.done", payload)); err != nil {
		t.Fatalf("Offer() error = %v", err)
	}
	if c.Parked() != 0 {
		t.Fatalf("parked = %d, want 0", c.Parked())
	}

	msg := pub.last(t)
	if msg.Position != listenPos {
		t.Errorf("position = %s, want %s", msg.Position, listenPos)
	}
	if msg.Status != "" {
		t.Errorf("status = %s, want non-terminal", msg.Status)
	}
	got := msg.States[listenPos].RawOutputValue()
	if !equalJSON(got, payload) {
		t.Errorf("injected output = %#v, want %#v", got, payload)
	}
}

func TestCorrelatorChecksCorrelation(t *testing.T) {
	pub := &captureRepublisher{}
	c := NewCorrelator(pub, quietLogger())

	wait := &Wait{Filters: []*Filter{{
		With: map[string]any{"type": "com.example.payment"},
		Correlate: map[string]*Correlation{
			"order": {From: "${ .data.orderId }", Expect: "o-1"},
		},
	}}}
	if err := c.Park(parkedMessage(t), wait); err != nil {
		t.Fatalf("Park() error = %v", err)
	}

	wrong := event("e1", "com.example.payment", map[string]any{"orderId": "o-2"})
	if err := c.Offer(context.Background(), wrong); err != nil {
		t.Fatalf("Offer() error = %v", err)
	}
	if c.Parked() != 1 {
		t.Fatalf("event with wrong correlation resumed the instance")
	}

	right := event("e2", "com.example.payment", map[string]any{"orderId": "o-1", "amount": 10})
	if err := c.Offer(context.Background(), right); err != nil {
		t.Fatalf("Offer() error = %v", err)
	}
	if c.Parked() != 0 {
		t.Fatalf("matching correlation did not resume the instance")
	}
}

func TestCorrelatorAllCollectsInFilterOrder(t *testing.T) {
	pub := &captureRepublisher{}
	c := NewCorrelator(pub, quietLogger())

	wait := &Wait{
		All: true,
		Filters: []*Filter{
			{With: map[string]any{"type": "com.example.a"}},
			{With: map[string]any{"type": "com.example.b"}},
		},
	}
	if err := c.Park(parkedMessage(t), wait); err != nil {
		t.Fatalf("Park() error = %v", err)
	}

	// Arrival order b then a; the injected array still follows filter order.
	if err := c.Offer(context.Background(), event("e1", "com.example.b", "B")); err != nil {
		t.Fatalf("Offer() error = %v", err)
	}
	if c.Parked() != 1 {
		t.Fatalf("partial all-wait resumed early")
	}
	if err := c.Offer(context.Background(), event("e2", "com.example.a", "A")); err != nil {
		t.Fatalf("Offer() error = %v", err)
	}
	if c.Parked() != 0 {
		t.Fatalf("completed all-wait did not resume")
	}

	got := pub.last(t).States[listenPos].RawOutputValue()
	if !equalJSON(got, []any{"A", "B"}) {
		t.Errorf("injected output = %#v, want [A B]", got)
	}
}

func TestCorrelatorOneEventSatisfiesOneFilter(t *testing.T) {
	pub := &captureRepublisher{}
	c := NewCorrelator(pub, quietLogger())

	wait := &Wait{
		All: true,
		Filters: []*Filter{
			{With: map[string]any{"type": "com.example.x"}},
			{With: map[string]any{"type": "com.example.x"}},
		},
	}
	if err := c.Park(parkedMessage(t), wait); err != nil {
		t.Fatalf("Park() error = %v", err)
	}

	evt := event("same-id", "com.example.x", 1)
	if err := c.Offer(context.Background(), evt); err != nil {
		t.Fatalf("Offer() error = %v", err)
	}
	// Redelivery of the same event must not satisfy the second filter.
	if err := c.Offer(context.Background(), evt); err != nil {
		t.Fatalf("Offer() error = %v", err)
	}
	if c.Parked() != 1 {
		t.Fatalf("one event satisfied two filters")
	}

	if err := c.Offer(context.Background(), event("other-id", "com.example.x", 2)); err != nil {
		t.Fatalf("Offer() error = %v", err)
	}
	if c.Parked() != 0 {
		t.Fatalf("distinct second event did not complete the wait")
	}
}

func TestCorrelatorEnvelopeRead(t *testing.T) {
	pub := &captureRepublisher{}
	c := NewCorrelator(pub, quietLogger())

	wait := &Wait{Filters: []*Filter{{With: map[string]any{"type": "com.example.done"}}}, Read: "envelope"}
	if err := c.Park(parkedMessage(t), wait); err != nil {
		t.Fatalf("Park() error = %v", err)
	}
	if err := c.Offer(context.Background(), event("e9", "com.example.done", map[string]any{"n": 1})); err != nil {
		t.Fatalf("Offer() error = %v", err)
	}

	got, ok := pub.last(t).States[listenPos].RawOutputValue().(map[string]any)
	if !ok {
		t.Fatalf("envelope read injected %T, want object", got)
	}
	if got["type"] != "com.example.done" || got["id"] != "e9" {
		t.Errorf("envelope = %#v", got)
	}
	if !equalJSON(got["data"], map[string]any{"n": 1}) {
		t.Errorf("envelope data = %#v", got["data"])
	}
}

func TestCorrelatorRetriesAfterRepublishFailure(t *testing.T) {
	pub := &captureRepublisher{fail: errors.New("broker down")}
	c := NewCorrelator(pub, quietLogger())

	wait := &Wait{Filters: []*Filter{{With: map[string]any{"type": "com.example.done"}}}}
	if err := c.Park(parkedMessage(t), wait); err != nil {
		t.Fatalf("Park() error = %v", err)
	}

	err := c.Offer(context.Background(), event("e1", "com.example.done", "v"))
	if err == nil {
		t.Fatal("Offer() returned nil despite republish failure")
	}
	if c.Parked() != 1 {
		t.Fatalf("failed republish dropped the parking")
	}

	// Any later event drives the retry of the already-satisfied wait.
	pub.fail = nil
	if err := c.Offer(context.Background(), event("e2", "com.example.unrelated", nil)); err != nil {
		t.Fatalf("Offer() error = %v", err)
	}
	if c.Parked() != 0 || pub.count() != 1 {
		t.Fatalf("satisfied wait was not republished after recovery")
	}
}

func TestParkRejectsBrokenMessages(t *testing.T) {
	c := NewCorrelator(&captureRepublisher{}, quietLogger())
	wait := &Wait{Filters: []*Filter{{With: map[string]any{"type": "t"}}}}

	msg := parkedMessage(t)
	msg.Position = "/nowhere"
	if err := c.Park(msg, wait); err == nil {
		t.Error("Park() accepted a message whose position has no state")
	}

	if err := c.Park(parkedMessage(t), &Wait{}); err == nil {
		t.Error("Park() accepted a wait without filters")
	}
}
