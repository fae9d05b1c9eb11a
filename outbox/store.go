package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
)

// Store reads and writes outbox rows. A Store is bound either to the
// database or, via InTx, to a single transaction; claim queries must run
// inside a transaction so competing processors cannot double-publish.
type Store struct {
	db bun.IDB
}

// NewStore wraps an open database handle.
func NewStore(db *bun.DB) *Store {
	return &Store{db: db}
}

// Init creates the outbox table and its scan index.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.NewCreateTable().
		Model((*Entry)(nil)).
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("failed to create outbox table: %w", err)
	}
	if _, err := s.db.NewCreateIndex().
		Model((*Entry)(nil)).
		IfNotExists().
		Index("idx_outbox_status_due").
		Column("status", "delayed_until").
		Exec(ctx); err != nil {
		return fmt.Errorf("failed to create outbox index: %w", err)
	}
	return nil
}

// InTx runs fn with a Store bound to one transaction. Nested calls reuse
// the transaction already in flight.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx *Store) error) error {
	db, ok := s.db.(*bun.DB)
	if !ok {
		return fn(ctx, s)
	}
	return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return fn(ctx, &Store{db: tx})
	})
}

// Insert persists entries in one batch. Re-inserting an existing id is a
// no-op, so schedulers may retry without duplicating rows.
func (s *Store) Insert(ctx context.Context, entries ...*Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if _, err := s.db.NewInsert().
		Model(&entries).
		Ignore().
		Exec(ctx); err != nil {
		return fmt.Errorf("failed to insert outbox entries: %w", err)
	}
	return nil
}

// Update writes back modified entries by primary key.
func (s *Store) Update(ctx context.Context, entries ...*Entry) error {
	for _, e := range entries {
		if _, err := s.db.NewUpdate().
			Model(e).
			WherePK().
			Exec(ctx); err != nil {
			return fmt.Errorf("failed to update outbox entry %s: %w", e.ID, err)
		}
	}
	return nil
}

// Delete removes entries in one batch.
func (s *Store) Delete(ctx context.Context, entries ...*Entry) error {
	if len(entries) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	if _, err := s.db.NewDelete().
		Model((*Entry)(nil)).
		Where("om.id IN (?)", bun.In(ids)).
		Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete outbox entries: %w", err)
	}
	return nil
}

// FindDue claims up to limit PENDING entries whose due time has passed,
// oldest first. Entries at or past maxAttempts are left alone. On
// Postgres and MySQL rows are locked with SKIP LOCKED so concurrent
// processors divide the backlog; SQLite serializes writers on its own.
func (s *Store) FindDue(ctx context.Context, maxAttempts, limit int, now time.Time) ([]*Entry, error) {
	var entries []*Entry
	q := s.db.NewSelect().
		Model(&entries).
		Where("om.status = ?", StatusPending).
		Where("om.delayed_until <= ?", now.UTC()).
		Where("om.attempt_count < ?", maxAttempts).
		OrderExpr("om.delayed_until ASC, om.id ASC").
		Limit(limit)
	switch s.db.Dialect().Name() {
	case dialect.PG, dialect.MySQL:
		q = q.For("UPDATE SKIP LOCKED")
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to query due outbox entries: %w", err)
	}
	return entries, nil
}

// FindExpired returns up to limit SENT entries last touched before cutoff.
func (s *Store) FindExpired(ctx context.Context, cutoff time.Time, limit int) ([]*Entry, error) {
	var entries []*Entry
	if err := s.db.NewSelect().
		Model(&entries).
		Where("om.status = ?", StatusSent).
		Where("om.updated_at < ?", cutoff.UTC()).
		OrderExpr("om.updated_at ASC").
		Limit(limit).
		Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to query expired outbox entries: %w", err)
	}
	return entries, nil
}

// CountPending reports rows still eligible for processing and rows stuck
// past maxAttempts, for gauges.
func (s *Store) CountPending(ctx context.Context, maxAttempts int) (eligible, stuck int, err error) {
	eligible, err = s.db.NewSelect().
		Model((*Entry)(nil)).
		Where("om.status = ?", StatusPending).
		Where("om.attempt_count < ?", maxAttempts).
		Count(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count pending outbox entries: %w", err)
	}
	stuck, err = s.db.NewSelect().
		Model((*Entry)(nil)).
		Where("om.status = ?", StatusPending).
		Where("om.attempt_count >= ?", maxAttempts).
		Count(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count stuck outbox entries: %w", err)
	}
	return eligible, stuck, nil
}
