package main

import (
	"errors"
	"fmt"

	"github.com/polisai/framepipe/pkg/domain"
	"github.com/polisai/framepipe/pkg/engine"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

func newRunCmd(a *app) *cobra.Command {
	var (
		limit int
		quiet bool
	)
	cmd := &cobra.Command{
		Use:   "run [frame-dir]",
		Short: "Run every frame of a directory against its predecessor",
		Long: `Run walks the frames of a directory in name order. The first frame seeds the
baseline; every following frame runs the graph against the baseline, which
then advances to that frame whatever the outcome.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			dir := cfg.Stream.Dir
			if len(args) == 1 {
				dir = args[0]
			}
			if dir == "" {
				return &domain.ConfigError{Key: "stream.dir", Err: errors.New("frame directory is required")}
			}
			if cmd.Flags().Changed("limit") {
				cfg.Stream.Limit = limit
			}

			ctx := cmd.Context()
			runner, closeRunner, err := newRunner(ctx, cfg, a.logger, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer func() { _ = closeRunner() }()

			source, err := engine.NewDirSource(dir, cfg.Stream.Limit)
			if err != nil {
				return err
			}

			bar := progressbar.NewOptions(max(source.Len()-1, 0),
				progressbar.OptionSetDescription("frames"),
				progressbar.OptionSetWriter(cmd.ErrOrStderr()),
				progressbar.OptionShowCount(),
				progressbar.OptionSetVisibility(!quiet),
			)

			stats, err := engine.NewStream(runner, a.logger).Process(ctx, source, func(frame engine.Frame, run *domain.Run) error {
				a.logger.Info("frame processed",
					"frame", frame.Name,
					"run_id", run.ID,
					"outcome", run.Outcome,
					"elapsed_ms", run.Elapsed.Milliseconds(),
				)
				return bar.Add(1)
			})
			_ = bar.Finish()

			fmt.Fprintf(cmd.ErrOrStderr(), "\nruns=%d completed=%d skipped=%d failed=%d\n",
				stats.Runs, stats.Completed, stats.Skipped, stats.Failed)
			return err
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Process at most this many frames (0 = all)")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Hide the progress bar")
	return cmd
}
