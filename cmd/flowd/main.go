// Package main provides the flowd binary entry point.
// Flowd runs Serverless Workflow documents as durable instances whose
// state travels inside the messages on a shared input channel.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/flowd-io/flowd/config"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "flowd"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "flowd",
		Short: "Durable workflow engine",
		Long: `Flowd runs Serverless Workflow documents as durable instances.

Instance state travels inside the messages on the input channel, so any
engine process can pick up any advancement. Timer delays wait in a SQL
outbox and event waits in the correlator; no goroutine sleeps on behalf
of a workflow.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides config")

	cmd.AddCommand(
		definitionCmd(opts),
		instanceCmd(opts),
		listenCmd(opts),
		configCmd(opts),
	)

	// Version command
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

// rootOptions carries the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	logLevel   string
}

// setup loads the layered configuration and installs the process logger.
// The --log-level flag wins over the configured level.
func (o *rootOptions) setup() (*config.Config, *slog.Logger, error) {
	cfg, err := config.NewLoader(newLogger("info")).Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	level := o.logLevel
	if level == "" {
		level = cfg.Log.Level
	}
	logger := newLogger(level)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newLogger(level string) *slog.Logger {
	l := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
