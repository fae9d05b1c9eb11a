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

// Publisher re-emits a claimed payload to the broker. Implemented by
// transport producers.
type Publisher interface {
	Publish(ctx context.Context, payload []byte) error
}

// ProcessorConfig tunes the publish loop.
type ProcessorConfig struct {
	// PollInterval is the pause between claim rounds.
	PollInterval time.Duration
	// BatchSize caps rows claimed per transaction.
	BatchSize int
	// MaxAttempts is the publish budget per entry. Entries that reach it
	// stay PENDING but are excluded from claims until an operator steps in.
	MaxAttempts int
}

func (c ProcessorConfig) withDefaults() ProcessorConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	return c
}

// Processor drains due outbox entries back onto the broker. Claiming and
// marking happen in one transaction, so a crash between claim and commit
// re-delivers rather than loses; consumers must tolerate duplicates.
type Processor struct {
	store     *Store
	publisher Publisher
	config    ProcessorConfig
	logger    *slog.Logger
	now       func() time.Time

	running bool
	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}

	published atomic.Int64
	failures  atomic.Int64
}

// NewProcessor creates a processor over the store. Zero config fields get
// defaults.
func NewProcessor(store *Store, publisher Publisher, config ProcessorConfig, logger *slog.Logger) *Processor {
	return &Processor{
		store:     store,
		publisher: publisher,
		config:    config.withDefaults(),
		logger:    logger.With("component", "outbox-processor"),
		now:       time.Now,
	}
}

// Start launches the claim loop.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("outbox processor already running")
	}
	p.running = true

	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.loop(loopCtx)

	p.logger.Info("outbox processor started",
		"poll_interval", p.config.PollInterval,
		"batch_size", p.config.BatchSize,
		"max_attempts", p.config.MaxAttempts)
	return nil
}

// Stop cancels the loop and waits for the in-flight round to finish.
func (p *Processor) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return nil
	}
	p.cancel()
	<-p.done
	p.running = false

	p.logger.Info("outbox processor stopped",
		"published", p.published.Load(),
		"failures", p.failures.Load())
	return nil
}

func (p *Processor) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	p.drain(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.drain(ctx)
		}
	}
}

// drain claims batches until the backlog is empty. A round with publish
// failures stops draining so failing entries wait a full poll interval
// before the next attempt.
func (p *Processor) drain(ctx context.Context) {
	for {
		claimed, failed, err := p.processBatch(ctx)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Error("outbox round failed", "error", err)
			}
			return
		}
		if claimed < p.config.BatchSize || failed > 0 {
			break
		}
	}
	p.updateGauges(ctx)
}

// processBatch claims one batch, publishes each payload and writes the
// outcome back, all inside a single transaction.
func (p *Processor) processBatch(ctx context.Context) (claimed, failed int, err error) {
	err = p.store.InTx(ctx, func(ctx context.Context, tx *Store) error {
		entries, err := tx.FindDue(ctx, p.config.MaxAttempts, p.config.BatchSize, p.now())
		if err != nil {
			return err
		}
		claimed = len(entries)
		if claimed == 0 {
			return nil
		}

		for _, e := range entries {
			if err := p.publisher.Publish(ctx, e.Payload); err != nil {
				e.markAttempt(err, p.now())
				failed++
				p.failures.Add(1)
				metrics.OutboxPublishFailures.Inc()
				p.logger.Warn("outbox publish failed",
					"entry_id", e.ID,
					"attempts", e.AttemptCount,
					"error", err)
				continue
			}
			e.markSent(p.now())
			p.published.Add(1)
			metrics.OutboxPublished.Inc()
		}
		return tx.Update(ctx, entries...)
	})
	if err != nil {
		return 0, 0, err
	}
	return claimed, failed, nil
}

func (p *Processor) updateGauges(ctx context.Context) {
	eligible, stuck, err := p.store.CountPending(ctx, p.config.MaxAttempts)
	if err != nil {
		p.logger.Debug("outbox gauge refresh failed", "error", err)
		return
	}
	metrics.OutboxPending.Set(float64(eligible))
	metrics.OutboxStuck.Set(float64(stuck))
	if stuck > 0 {
		p.logger.Warn("outbox entries stuck past max attempts", "count", stuck)
	}
}
