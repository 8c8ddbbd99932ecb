package main

import (
	"fmt"
	"strconv"

	"github.com/polisai/framepipe/pkg/config"
	"github.com/polisai/framepipe/pkg/domain"
	"github.com/polisai/framepipe/pkg/engine/runtime"
	"github.com/polisai/framepipe/pkg/server"
	"github.com/polisai/framepipe/pkg/stages"
	"github.com/spf13/cobra"
)

// listenAddr turns a positional port into a listen address.
func listenAddr(port string) (string, error) {
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return "", &domain.ConfigError{Key: "port", Err: fmt.Errorf("invalid port %q", port)}
	}
	return ":" + port, nil
}

func newStageCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stage <filter|detect|annotate|sink> <port>",
		Short: "Serve one stage over HTTP",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			stage, err := domain.ParseStageName(args[0])
			if err != nil {
				return &domain.ConfigError{Key: "stage", Err: err}
			}
			addr, err := listenAddr(args[1])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			handler, filter, closeStage, err := newStageHandler(ctx, a.cfg, stage, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer func() { _ = closeStage() }()

			if filter != nil && a.configPath != "" {
				loader, err := watchThreshold(a, filter)
				if err != nil {
					return err
				}
				defer func() { _ = loader.Close() }()
			}

			srv, err := server.NewStageServer(server.StageConfig{
				Handler:    handler,
				Credential: a.cfg.Credential,
				Logger:     a.logger.With("stage", stage),
			})
			if err != nil {
				return err
			}
			return server.Serve(ctx, addr, srv.Handler(), a.logger, nil)
		},
	}
}

// watchThreshold reloads the filter threshold whenever the configuration file changes.
func watchThreshold(a *app, filter *stages.Filter) (*config.Loader, error) {
	loader, err := config.NewLoader(a.configPath, a.logger)
	if err != nil {
		return nil, err
	}
	if _, err := loader.Load(); err != nil {
		return nil, err
	}
	loader.Subscribe(func(cfg *config.Config) {
		if err := filter.SetThreshold(cfg.Filter.Threshold); err != nil {
			a.logger.Error("filter threshold not reloaded", "error", err)
			return
		}
		a.logger.Info("filter threshold reloaded", "threshold", cfg.Filter.Threshold)
	})
	if err := loader.Watch(); err != nil {
		return nil, err
	}
	return loader, nil
}

func newEngineCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "engine <port>",
		Short: "Serve the analytics graph as a DAG engine over HTTP",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := listenAddr(args[0])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			runner, closeRunner, err := newEngineRunner(ctx, a.cfg, a.logger, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer func() { _ = closeRunner() }()

			srv, err := server.NewEngineServer(server.EngineConfig{
				DAGs:       map[string]runtime.Runner{a.cfg.Engine.DAG: runner},
				Credential: a.cfg.Credential,
				Logger:     a.logger,
			})
			if err != nil {
				return err
			}
			return server.Serve(ctx, addr, srv.Handler(), a.logger, nil)
		},
	}
}
