// Package main is the entry point for the framepipe binary. It runs frame
// streams through the analytics graph and serves stages and the DAG engine
// over HTTP.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/polisai/framepipe/pkg/config"
	"github.com/polisai/framepipe/pkg/logging"
	"github.com/polisai/framepipe/pkg/telemetry"
	"github.com/spf13/cobra"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app carries what every subcommand shares once the root has set up.
type app struct {
	configPath string
	logLevel   string

	cfg               *config.Config
	logger            *slog.Logger
	shutdownTelemetry func(context.Context) error
}

func newRootCmd() *cobra.Command {
	a := &app{}
	rootCmd := &cobra.Command{
		Use:   "framepipe",
		Short: "Video analytics graph runner",
		Long: `framepipe runs filter -> detect -> {annotate, sink} over successive frame pairs.

Stages can run in-process, one HTTP call per stage, or be delegated to a
remote DAG engine with a single call.

Example:
  framepipe run ./frames --config framepipe.yaml
  framepipe stage detect 8081 --config framepipe.yaml
  framepipe engine 3233`,
		Version:            version,
		SilenceUsage:       true,
		PersistentPreRunE:  a.setup,
		PersistentPostRunE: a.teardown,
	}

	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringVarP(&a.logLevel, "log-level", "l", "", "Log level override (debug, info, warn, error)")

	rootCmd.AddCommand(
		newRunCmd(a),
		newStageCmd(a),
		newEngineCmd(a),
		newVersionCmd(),
	)
	return rootCmd
}

// setup loads the configuration, installs the logger and starts tracing.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	cfg.Logging.Output = cmd.ErrOrStderr()
	a.cfg = cfg
	a.logger = logging.NewLogger(cfg.Logging)
	slog.SetDefault(a.logger)

	shutdown, err := telemetry.SetupProvider(cmd.Context(), cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	a.shutdownTelemetry = shutdown
	return nil
}

func (a *app) teardown(*cobra.Command, []string) error {
	if a.shutdownTelemetry == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return a.shutdownTelemetry(ctx)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the framepipe version",
		Args:  cobra.NoArgs,
		// The version needs no configuration.
		PersistentPreRunE:  func(*cobra.Command, []string) error { return nil },
		PersistentPostRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "framepipe %s\n", version)
		},
	}
}
