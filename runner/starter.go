package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/flowd-io/flowd/definition"
	"github.com/flowd-io/flowd/events"
	"github.com/flowd-io/flowd/instance"
	"github.com/flowd-io/flowd/transport"
)

// Starter launches workflow instances: it resolves the definition,
// builds the initial message and publishes it on the input channel.
// The announced start event lets clients subscribe before the first
// advancement happens.
type Starter struct {
	defs     definition.Store
	producer transport.Producer
	events   events.Sink
	logger   *slog.Logger
	clock    func() time.Time
}

// NewStarter wires a Starter. The sink is optional; without one no
// start events are announced.
func NewStarter(defs definition.Store, producer transport.Producer, sink events.Sink, logger *slog.Logger) *Starter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Starter{
		defs:     defs,
		producer: producer,
		events:   sink,
		logger:   logger.With("component", "starter"),
		clock:    time.Now,
	}
}

// Start creates an instance of the named workflow and schedules its
// first advancement. An empty version resolves to the latest stored
// one. The returned identifier can be used to await completion on the
// event stream.
func (s *Starter) Start(ctx context.Context, name, version string, input any) (string, error) {
	wf, err := s.defs.Get(ctx, name, version)
	if err != nil {
		return "", fmt.Errorf("resolving workflow %s: %w", name, err)
	}

	inst, err := instance.New(wf.Document.Name, wf.Document.Version, input)
	if err != nil {
		return "", err
	}
	payload, err := inst.Message().Encode()
	if err != nil {
		return "", fmt.Errorf("encoding initial message: %w", err)
	}
	if err := s.producer.Publish(ctx, payload); err != nil {
		return "", fmt.Errorf("publishing initial message: %w", err)
	}

	s.logger.Info("Started instance",
		"instance", inst.ID(),
		"workflow", wf.Document.Name,
		"version", wf.Document.Version)

	if s.events != nil {
		if err := s.events.Emit(ctx, startedEvent(inst, s.clock())); err != nil {
			// The instance is already on its way; a missed announcement
			// must not fail the start.
			s.logger.Warn("Failed to announce instance start", "error", err)
		}
	}
	return inst.ID(), nil
}
