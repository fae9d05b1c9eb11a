// Package instance carries the durable runtime state of a workflow
// instance: per-position node states, the continuation message codec, and
// the instance status lifecycle. Everything here serializes into the
// compact wire form that travels over the broker and the outbox.
package instance

// Status is the lifecycle state of a workflow instance.
type Status string

const (
	// StatusPending marks an instance created but not yet consumed.
	StatusPending Status = "PENDING"
	// StatusRunning marks an instance inside an advancement.
	StatusRunning Status = "RUNNING"
	// StatusWaiting marks an instance suspended on a timer, retry or event.
	StatusWaiting Status = "WAITING"
	// StatusCompleted marks successful termination.
	StatusCompleted Status = "COMPLETED"
	// StatusFaulted marks termination by an uncaught error.
	StatusFaulted Status = "FAULTED"
	// StatusCancelled marks termination by an external cancel.
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether an instance in this status never runs again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFaulted, StatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusWaiting, StatusCompleted, StatusFaulted, StatusCancelled:
		return true
	default:
		return false
	}
}
