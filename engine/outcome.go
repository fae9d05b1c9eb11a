package engine

import (
	"time"

	"github.com/flowd-io/flowd/events"
	"github.com/flowd-io/flowd/instance"
)

// Outcome is the result of advancing an instance to its next suspension
// point or terminal state.
type Outcome struct {
	// Message is the continuation to persist and (unless terminal) to
	// schedule for redelivery.
	Message *instance.Message
	// Status is the instance status after this advancement.
	Status instance.Status
	// Delay is how long delivery of Message should be deferred. Zero means
	// deliver immediately. Only meaningful for WAITING outcomes.
	Delay time.Duration
	// EventWait describes the subscription a WAITING listen task needs; the
	// message must not be redelivered until a matching event is injected.
	EventWait *events.Wait
	// Output is the transformed workflow output, set on COMPLETED outcomes.
	Output any
}

// Suspended reports whether the instance still has work pending.
func (o *Outcome) Suspended() bool {
	return !o.Status.Terminal()
}
