package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/talgya/covidsim/internal/config"
	"github.com/talgya/covidsim/internal/variants"
)

func newEnsembleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ensemble <variants.json> <dir>...",
		Short: "Run every scenario in the given directories as a parallel ensemble",
		Long: `Each JSON or YAML scenario found in the directories runs ensemble.runs
iterations (or [--begin, --end) when given) on a bounded worker pool. Iteration
tables are concatenated in iteration order into the scenario's output files.
The command exits non-zero when any iteration fails.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			begin, _ := cmd.Flags().GetInt("begin")
			end, _ := cmd.Flags().GetInt("end")
			workers, _ := cmd.Flags().GetInt("workers")
			storeRows, _ := cmd.Flags().GetBool("store-rows")

			tab, err := variants.Load(args[0])
			if err != nil {
				return fmt.Errorf("variants: %w", err)
			}

			var files []string
			for _, dir := range args[1:] {
				found, err := scenarioFiles(dir)
				if err != nil {
					return err
				}
				files = append(files, found...)
			}
			if len(files) == 0 {
				return errNoScenarios
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var errs []error
			for _, path := range files {
				sc, err := config.Load(path)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				if err := sc.CheckVariants(tab); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", path, err))
					continue
				}
				rr := runRange{Begin: 0, End: sc.Ensemble.Runs, Workers: workers, StoreRows: storeRows}
				if cmd.Flags().Changed("begin") {
					rr.Begin = begin
				}
				if cmd.Flags().Changed("end") {
					rr.End = end
				}
				if rr.Workers == 0 {
					rr.Workers = sc.Ensemble.Workers
				}

				slog.Info("running scenario file", "path", path, "iterations", rr.End-rr.Begin)
				res, err := runScenario(ctx, sc, tab, rr)
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", path, err))
					continue
				}
				if err := failed(res); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", path, err))
				}
				if ctx.Err() != nil {
					break
				}
			}
			return errors.Join(errs...)
		},
	}
	cmd.Flags().Int("begin", 0, "First iteration (inclusive)")
	cmd.Flags().Int("end", 0, "Last iteration (exclusive; default ensemble.runs)")
	cmd.Flags().Int("workers", 0, "Parallel workers (default ensemble.workers, then GOMAXPROCS)")
	cmd.Flags().Bool("store-rows", false, "Also store model rows in the run index")
	return cmd
}
