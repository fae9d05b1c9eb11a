package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/flowd-io/flowd/config"
	"github.com/flowd-io/flowd/definition"
	"github.com/flowd-io/flowd/events"
	"github.com/flowd-io/flowd/outbox"
	"github.com/flowd-io/flowd/runner"
)

func listenCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Run the engine worker",
		Long: `Run the engine: consume workflow messages, advance instances,
publish due outbox entries and serve health and metrics over HTTP.

messaging.consumer.enabled and messaging.producer.enabled split the
roles. A consumer-only process advances instances and trusts another
process to run the outbox; a producer-only process is a dedicated
scheduler.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.setup()
			if err != nil {
				return err
			}
			return runListen(cmd.Context(), cfg, logger)
		},
	}
}

func runListen(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	consume, produce := cfg.Messaging.Consumer.On(), cfg.Messaging.Producer.On()
	if !consume && !produce {
		return fmt.Errorf("both messaging.consumer and messaging.producer are disabled; nothing to run")
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	health := runner.NewHealth(cfg.HTTP.Addr, logger)
	if err := health.Start(ctx); err != nil {
		return err
	}
	defer health.Stop()

	if f, ok := app.defs.(*definition.File); ok && cfg.Definitions.Watch {
		if err := f.Watch(ctx); err != nil {
			return err
		}
	}

	corr := events.NewCorrelator(app.producer, logger)

	if consume {
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
		if err := worker.Start(ctx); err != nil {
			return err
		}
		defer worker.Stop()

		// External events resume parked listen tasks.
		go func() {
			if err := app.source.Subscribe(ctx, corr.Offer); err != nil && ctx.Err() == nil {
				logger.Error("Event subscription ended", "error", err)
			}
		}()
	}

	if produce {
		processor := outbox.NewProcessor(app.outbox, app.producer, outbox.ProcessorConfig{
			PollInterval: cfg.Outbox.PollInterval.Value(),
			BatchSize:    cfg.Outbox.BatchSize,
			MaxAttempts:  cfg.Outbox.MaxAttempts,
		}, logger)
		if err := processor.Start(ctx); err != nil {
			return err
		}
		defer processor.Stop()

		janitor := outbox.NewJanitor(app.outbox, outbox.JanitorConfig{
			Retention: cfg.Outbox.Retention.Value(),
			BatchSize: cfg.Outbox.BatchSize,
		}, logger)
		if err := janitor.Start(ctx); err != nil {
			return err
		}
		defer janitor.Stop()
	}

	logger.Info("Flowd listening",
		"version", Version,
		"messaging", cfg.Messaging.Type,
		"database", cfg.Database.Type,
		"http", health.Addr(),
		"consumer", consume,
		"producer", produce)

	<-ctx.Done()
	logger.Info("Received shutdown signal")
	return nil
}
