package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/uptrace/bun"

	"github.com/flowd-io/flowd/call"
	"github.com/flowd-io/flowd/config"
	"github.com/flowd-io/flowd/definition"
	"github.com/flowd-io/flowd/engine"
	"github.com/flowd-io/flowd/events"
	"github.com/flowd-io/flowd/outbox"
	"github.com/flowd-io/flowd/secrets"
	"github.com/flowd-io/flowd/transport"
)

// App wires together the infrastructure a command needs: the message
// transport, the definition store, the outbox database, event plumbing
// and the engine itself, all chosen by configuration.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	producer transport.Producer
	consumer transport.Consumer
	defs     definition.Store
	db       *bun.DB
	outbox   *outbox.Store
	sink     events.Sink
	source   events.Source
	engine   *engine.Engine

	closers []func() error
}

// changeNotifier is implemented by every definition store. It announces
// Put and Delete so cached node trees can be invalidated.
type changeNotifier interface {
	OnChange(definition.ChangeFunc)
}

// sourceReader is implemented by stores that keep the raw document, so
// definition get can print the author's original text.
type sourceReader interface {
	Source(name, version string) ([]byte, bool)
}

// eventWatcher hands out a live subscription channel for lifecycle
// events, used by instance start --wait.
type eventWatcher interface {
	Watch(ctx context.Context) (<-chan map[string]any, error)
}

// newApp builds the full stack from configuration. On error everything
// built so far is closed.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}

	for _, build := range []func(context.Context) error{
		a.buildMessaging,
		a.buildEvents,
		a.buildDefinitions,
		a.buildOutbox,
	} {
		if err := build(ctx); err != nil {
			_ = a.Close()
			return nil, err
		}
	}
	a.buildEngine()
	return a, nil
}

func (a *App) buildMessaging(ctx context.Context) error {
	switch a.cfg.Messaging.Type {
	case config.MessagingInMemory:
		mem := transport.NewMemory(0)
		a.producer, a.consumer = mem, mem
		a.closers = append(a.closers, mem.Close)
	case config.MessagingNATS:
		t, err := transport.NewNATS(ctx, transport.NATSConfig{
			URL:     a.cfg.Messaging.URL,
			Subject: a.cfg.Messaging.Subject,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("building nats transport: %w", err)
		}
		a.producer, a.consumer = t, t
		a.closers = append(a.closers, t.Close)
	case config.MessagingKafka:
		t := transport.NewKafka(transport.KafkaConfig{
			Brokers: a.cfg.Messaging.Brokers,
			Topic:   a.cfg.Messaging.Topic,
		}, a.logger)
		a.producer, a.consumer = t, t
		a.closers = append(a.closers, t.Close)
	case config.MessagingRabbit:
		t, err := transport.NewRabbit(transport.RabbitConfig{
			URL:   a.cfg.Messaging.URL,
			Queue: a.cfg.Messaging.Queue,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("building rabbit transport: %w", err)
		}
		a.producer, a.consumer = t, t
		a.closers = append(a.closers, t.Close)
	default:
		return fmt.Errorf("unknown messaging type %q", a.cfg.Messaging.Type)
	}
	return nil
}

// buildEvents picks the event bus. NATS messaging brings a
// JetStream-backed bus every process shares; the other transports get a
// process-local bus, so event correlation and lifecycle announcements
// only reach subscribers inside the same process.
func (a *App) buildEvents(ctx context.Context) error {
	if a.cfg.Messaging.Type == config.MessagingNATS {
		bus, err := events.NewNATS(ctx, events.NATSConfig{URL: a.cfg.Messaging.URL}, a.logger)
		if err != nil {
			return fmt.Errorf("building event bus: %w", err)
		}
		a.sink, a.source = bus, bus
		a.closers = append(a.closers, bus.Close)
		return nil
	}
	bus := events.NewMemory(a.logger)
	a.sink, a.source = bus, bus
	return nil
}

func (a *App) buildDefinitions(ctx context.Context) error {
	store, closeStore, err := openDefinitions(ctx, a.cfg, a.logger)
	if err != nil {
		return err
	}
	a.defs = store
	a.closers = append(a.closers, closeStore)
	return nil
}

// openDefinitions builds just the definition store. The definition
// commands use it directly so managing documents in a directory does
// not require a running broker.
func openDefinitions(ctx context.Context, cfg *config.Config, logger *slog.Logger) (definition.Store, func() error, error) {
	if dir := cfg.Definitions.Dir; dir != "" {
		store, err := definition.NewFile(dir, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("building definition store: %w", err)
		}
		return store, store.Close, nil
	}
	if cfg.Messaging.Type == config.MessagingNATS {
		conn, err := nats.Connect(cfg.Messaging.URL, nats.Name("flowd-definitions"))
		if err != nil {
			return nil, nil, fmt.Errorf("connecting definition store: %w", err)
		}
		js, err := jetstream.New(conn)
		if err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("building definition store: %w", err)
		}
		store, err := definition.NewKV(ctx, js)
		if err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("building definition store: %w", err)
		}
		return store, func() error { conn.Close(); return nil }, nil
	}
	return definition.NewMemory(), func() error { return nil }, nil
}

func (a *App) buildOutbox(ctx context.Context) error {
	driver := outbox.DriverMemory
	switch a.cfg.Database.Type {
	case config.DatabasePostgres:
		driver = outbox.DriverPostgres
	case config.DatabaseMySQL:
		driver = outbox.DriverMySQL
	}
	db, err := outbox.OpenDatabase(ctx, driver, a.cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("opening outbox database: %w", err)
	}
	a.db = db
	a.closers = append(a.closers, db.Close)
	a.outbox = outbox.NewStore(db)
	if err := a.outbox.Init(ctx); err != nil {
		return fmt.Errorf("initializing outbox: %w", err)
	}
	return nil
}

func (a *App) buildEngine() {
	a.engine = engine.New(engine.Options{
		Caller:  call.NewDefaultRegistry(a.sink, a.logger),
		Events:  a.sink,
		Secrets: secrets.FromConfig(a.cfg.Secrets.Values, a.cfg.Secrets.EnvPrefix, a.cfg.Secrets.Dir),
		Runtime: engine.RuntimeInfo{
			Name:     a.cfg.Runtime.Name,
			Version:  a.cfg.Runtime.Version,
			Metadata: a.cfg.Runtime.Metadata,
		},
		MaxRetryDelay:    a.cfg.Retry.MaxDelay.Value(),
		MaxRetryAttempts: a.cfg.Retry.MaxAttempts,
		Logger:           a.logger,
	})
	if n, ok := a.defs.(changeNotifier); ok {
		n.OnChange(a.engine.InvalidateDefinition)
	}
}

// durableDefinitions reports whether posted definitions outlive this
// process. Without a definitions directory or NATS messaging the store
// is process-local memory, which makes the definition commands
// pointless.
func durableDefinitions(cfg *config.Config) bool {
	return cfg.Definitions.Dir != "" || cfg.Messaging.Type == config.MessagingNATS
}

// Close releases resources in reverse construction order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
