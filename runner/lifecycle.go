package runner

import (
	"time"

	"github.com/google/uuid"

	"github.com/flowd-io/flowd/engine"
	"github.com/flowd-io/flowd/instance"
)

// Lifecycle CloudEvent types announced on the event stream. The subject
// of each event is the instance identifier, so clients waiting on one
// instance filter on subject alone.
const (
	EventTypeStarted   = "io.flowd.instance.started"
	EventTypeCompleted = "io.flowd.instance.completed"
	EventTypeFaulted   = "io.flowd.instance.faulted"
	EventTypeCancelled = "io.flowd.instance.cancelled"
)

// lifecycleSource identifies the runner as the event producer.
const lifecycleSource = "/flowd/runner"

// lifecycleEvent renders a terminal outcome as a CloudEvent. Completed
// instances carry the workflow output as data; faulted instances carry
// the fault.
func lifecycleEvent(outcome *engine.Outcome, id string, now time.Time) map[string]any {
	event := map[string]any{
		"specversion":     "1.0",
		"id":              uuid.NewString(),
		"source":          lifecycleSource,
		"subject":         id,
		"time":            now.UTC().Format(time.RFC3339Nano),
		"datacontenttype": "application/json",
	}
	data := map[string]any{
		"workflow": outcome.Message.Name,
		"version":  outcome.Message.Version,
	}
	switch outcome.Status {
	case instance.StatusFaulted:
		event["type"] = EventTypeFaulted
		if outcome.Message.Error != nil {
			data["error"] = outcome.Message.Error.ToMap()
		}
	case instance.StatusCancelled:
		event["type"] = EventTypeCancelled
	default:
		event["type"] = EventTypeCompleted
		data["output"] = outcome.Output
	}
	event["data"] = data
	return event
}

// startedEvent announces a freshly published instance.
func startedEvent(inst *instance.Instance, now time.Time) map[string]any {
	return map[string]any{
		"specversion":     "1.0",
		"id":              uuid.NewString(),
		"source":          lifecycleSource,
		"subject":         inst.ID(),
		"time":            now.UTC().Format(time.RFC3339Nano),
		"datacontenttype": "application/json",
		"type":            EventTypeStarted,
		"data": map[string]any{
			"workflow": inst.Name,
			"version":  inst.Version,
		},
	}
}
