// Package outbox persists scheduled and in-flight workflow messages in
// SQL so that timer-driven resumptions survive restarts. Suspended
// continuations are inserted with a due time; a processor claims due
// rows and re-emits their payload to the broker, and a janitor removes
// published rows once they age out.
package outbox

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Status tracks an entry through its lifecycle.
type Status string

const (
	// StatusPending marks rows waiting to be published.
	StatusPending Status = "PENDING"
	// StatusSent marks rows already re-emitted to the broker.
	StatusSent Status = "SENT"
	// StatusFailed marks rows given up on by an operator.
	StatusFailed Status = "FAILED"
)

// Entry is one scheduled message. Payload holds the encoded continuation
// exactly as it will appear on the broker; the outbox never interprets it.
type Entry struct {
	bun.BaseModel `bun:"table:outbox_messages,alias:om"`

	ID           uuid.UUID `bun:"id,pk,type:varchar(36)"`
	Payload      []byte    `bun:"payload,notnull"`
	Status       Status    `bun:"status,notnull,type:varchar(16)"`
	DelayedUntil time.Time `bun:"delayed_until,notnull"`
	AttemptCount int       `bun:"attempt_count,notnull,default:0"`
	LastError    string    `bun:"last_error,nullzero"`
	CreatedAt    time.Time `bun:"created_at,notnull"`
	UpdatedAt    time.Time `bun:"updated_at,notnull"`
}

// NewEntry builds a PENDING entry due at now+delay. IDs are time-ordered
// so equal due times drain in insertion order.
func NewEntry(payload []byte, delay time.Duration, now time.Time) (*Entry, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate entry id: %w", err)
	}
	now = now.UTC()
	return &Entry{
		ID:           id,
		Payload:      payload,
		Status:       StatusPending,
		DelayedUntil: now.Add(delay),
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// markSent records a successful publish.
func (e *Entry) markSent(now time.Time) {
	e.Status = StatusSent
	e.LastError = ""
	e.UpdatedAt = now.UTC()
}

// markAttempt records a failed publish. The row stays PENDING and becomes
// eligible again on the next tick until it runs out of attempts.
func (e *Entry) markAttempt(err error, now time.Time) {
	e.AttemptCount++
	e.LastError = err.Error()
	e.UpdatedAt = now.UTC()
}
