package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowd-io/flowd/metrics"
)

// JanitorConfig tunes retention sweeps.
type JanitorConfig struct {
	// SweepInterval is the pause between sweeps.
	SweepInterval time.Duration
	// Retention is how long SENT entries are kept before deletion.
	Retention time.Duration
	// BatchSize caps rows deleted per transaction.
	BatchSize int
}

func (c JanitorConfig) withDefaults() JanitorConfig {
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 256
	}
	return c
}

// Janitor deletes published entries once they age past retention. PENDING
// rows are never touched, whatever their age.
type Janitor struct {
	store  *Store
	config JanitorConfig
	logger *slog.Logger
	now    func() time.Time

	running bool
	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}

	swept atomic.Int64
}

// NewJanitor creates a janitor over the store. Zero config fields get
// defaults.
func NewJanitor(store *Store, config JanitorConfig, logger *slog.Logger) *Janitor {
	return &Janitor{
		store:  store,
		config: config.withDefaults(),
		logger: logger.With("component", "outbox-janitor"),
		now:    time.Now,
	}
}

// Start launches the sweep loop.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return fmt.Errorf("outbox janitor already running")
	}
	j.running = true

	loopCtx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.done = make(chan struct{})
	go j.loop(loopCtx)

	j.logger.Info("outbox janitor started",
		"sweep_interval", j.config.SweepInterval,
		"retention", j.config.Retention)
	return nil
}

// Stop cancels the loop and waits for the in-flight sweep to finish.
func (j *Janitor) Stop() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.running {
		return nil
	}
	j.cancel()
	<-j.done
	j.running = false

	j.logger.Info("outbox janitor stopped", "swept", j.swept.Load())
	return nil
}

func (j *Janitor) loop(ctx context.Context) {
	defer close(j.done)

	ticker := time.NewTicker(j.config.SweepInterval)
	defer ticker.Stop()

	j.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

// sweep deletes expired batches until fewer than a full batch remains.
func (j *Janitor) sweep(ctx context.Context) {
	cutoff := j.now().Add(-j.config.Retention)
	for {
		deleted, err := j.sweepBatch(ctx, cutoff)
		if err != nil {
			if ctx.Err() == nil {
				j.logger.Error("outbox sweep failed", "error", err)
			}
			return
		}
		if deleted > 0 {
			j.swept.Add(int64(deleted))
			metrics.OutboxSwept.Add(float64(deleted))
			j.logger.Debug("outbox entries swept", "count", deleted)
		}
		if deleted < j.config.BatchSize {
			return
		}
	}
}

func (j *Janitor) sweepBatch(ctx context.Context, cutoff time.Time) (int, error) {
	var deleted int
	err := j.store.InTx(ctx, func(ctx context.Context, tx *Store) error {
		entries, err := tx.FindExpired(ctx, cutoff, j.config.BatchSize)
		if err != nil {
			return err
		}
		deleted = len(entries)
		if deleted == 0 {
			return nil
		}
		return tx.Delete(ctx, entries...)
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}
