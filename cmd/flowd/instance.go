package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/flowd-io/flowd/config"
	"github.com/flowd-io/flowd/events"
	"github.com/flowd-io/flowd/outbox"
	"github.com/flowd-io/flowd/runner"
)

func instanceCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "instance",
		Short: "Start workflow instances",
	}
	cmd.AddCommand(instanceStartCmd(opts))
	return cmd
}

func instanceStartCmd(opts *rootOptions) *cobra.Command {
	var (
		inputJSON string
		wait      bool
		timeout   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "start <name> [version]",
		Short: "Start a workflow instance",
		Long: `Start an instance of a stored workflow. Without a version the
latest stored version runs. The instance id is printed on stdout.

With in-memory messaging the instance runs inside this process and the
command always waits for it to finish. With a broker the command
returns once the initial message is published; --wait subscribes to
lifecycle events and blocks until the instance finishes, which needs
nats messaging.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.setup()
			if err != nil {
				return err
			}

			var input any
			if inputJSON != "" {
				if err := json.Unmarshal([]byte(inputJSON), &input); err != nil {
					return fmt.Errorf("parsing --input: %w", err)
				}
			}
			name, version := nameVersionArgs(args)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			if cfg.Messaging.Type == config.MessagingInMemory {
				return startEmbedded(ctx, cfg, logger, cmd, name, version, input)
			}
			return startRemote(ctx, cfg, logger, cmd, name, version, input, wait)
		},
	}
	cmd.Flags().StringVar(&inputJSON, "input", "", "Workflow input as JSON")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for the instance to finish and print its output")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Give up waiting after this duration (0 waits forever)")
	return cmd
}

// startRemote publishes the initial message to the configured broker
// and leaves advancement to the listen processes.
func startRemote(ctx context.Context, cfg *config.Config, logger *slog.Logger, cmd *cobra.Command, name, version string, input any, wait bool) error {
	if wait && cfg.Messaging.Type != config.MessagingNATS {
		return fmt.Errorf("--wait requires nats or in-memory messaging; lifecycle events are not shared over %s", cfg.Messaging.Type)
	}

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	// Subscribe before starting so a fast instance cannot finish
	// unobserved.
	var lifecycle <-chan map[string]any
	if wait {
		watcher, ok := app.sink.(eventWatcher)
		if !ok {
			return fmt.Errorf("the configured event bus cannot watch lifecycle events")
		}
		lifecycle, err = watcher.Watch(ctx)
		if err != nil {
			return fmt.Errorf("subscribing to lifecycle events: %w", err)
		}
	}

	starter := runner.NewStarter(app.defs, app.producer, app.sink, logger)
	id, err := starter.Start(ctx, name, version, input)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), id)
	if !wait {
		return nil
	}
	return awaitInstance(ctx, cmd, lifecycle, id)
}

// startEmbedded hosts a worker inside this process. With in-memory
// messaging the initial message would die with the process, so the
// command drives the instance itself and always waits.
func startEmbedded(ctx context.Context, cfg *config.Config, logger *slog.Logger, cmd *cobra.Command, name, version string, input any) error {
	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	corr := events.NewCorrelator(app.producer, logger)
	worker, err := runner.New(runner.Options{
		Definitions: app.defs,
		Engine:      app.engine,
		Consumer:    app.consumer,
		Producer:    app.producer,
		Outbox:      app.outbox,
		Correlator:  corr,
		Events:      app.sink,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	processor := outbox.NewProcessor(app.outbox, app.producer, outbox.ProcessorConfig{
		PollInterval: cfg.Outbox.PollInterval.Value(),
		BatchSize:    cfg.Outbox.BatchSize,
		MaxAttempts:  cfg.Outbox.MaxAttempts,
	}, logger)

	// Raised events feed the correlator so listen tasks can match
	// events emitted in process.
	go func() {
		if err := app.source.Subscribe(ctx, corr.Offer); err != nil && ctx.Err() == nil {
			logger.Error("Event subscription ended", "error", err)
		}
	}()

	watcher, ok := app.sink.(eventWatcher)
	if !ok {
		return fmt.Errorf("the configured event bus cannot watch lifecycle events")
	}
	lifecycle, err := watcher.Watch(ctx)
	if err != nil {
		return fmt.Errorf("subscribing to lifecycle events: %w", err)
	}

	if err := worker.Start(ctx); err != nil {
		return err
	}
	defer worker.Stop()
	if err := processor.Start(ctx); err != nil {
		return err
	}
	defer processor.Stop()

	starter := runner.NewStarter(app.defs, app.producer, app.sink, logger)
	id, err := starter.Start(ctx, name, version, input)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), id)
	return awaitInstance(ctx, cmd, lifecycle, id)
}

// awaitInstance blocks until a terminal lifecycle event for the
// instance arrives, printing its output on completion.
func awaitInstance(ctx context.Context, cmd *cobra.Command, lifecycle <-chan map[string]any, id string) error {
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("gave up waiting for instance %s: %w", id, ctx.Err())
		case ev := <-lifecycle:
			if ev["subject"] != id {
				continue
			}
			data, _ := ev["data"].(map[string]any)
			switch ev["type"] {
			case runner.EventTypeCompleted:
				return printOutput(cmd, data)
			case runner.EventTypeFaulted:
				return faultError(data)
			case runner.EventTypeCancelled:
				return fmt.Errorf("instance %s was cancelled", id)
			}
		}
	}
}

func printOutput(cmd *cobra.Command, data map[string]any) error {
	output, ok := data["output"]
	if !ok || output == nil {
		return nil
	}
	out, err := json.MarshalIndent(output, "", "  ")
	if err != nil {
		return fmt.Errorf("rendering output: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

func faultError(data map[string]any) error {
	errData, ok := data["error"].(map[string]any)
	if !ok {
		return fmt.Errorf("instance faulted")
	}
	typ, _ := errData["type"].(string)
	if detail, _ := errData["detail"].(string); detail != "" {
		return fmt.Errorf("instance faulted: %s (%s)", detail, typ)
	}
	return fmt.Errorf("instance faulted: %s", typ)
}
