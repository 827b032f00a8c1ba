package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <scenario>",
		Short: "Run one iteration of a scenario",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			variantsPath, _ := cmd.Flags().GetString("variants")
			iteration, _ := cmd.Flags().GetInt("iteration")
			steps, _ := cmd.Flags().GetInt("steps")
			storeRows, _ := cmd.Flags().GetBool("store-rows")

			sc, tab, err := loadInputs(args[0], variantsPath)
			if err != nil {
				return err
			}
			if steps > 0 {
				sc.Ensemble.Steps = steps
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			res, err := runScenario(ctx, sc, tab, runRange{
				Begin: iteration, End: iteration + 1, Workers: 1, StoreRows: storeRows,
			})
			if err != nil {
				return err
			}
			return failed(res)
		},
	}
	cmd.Flags().String("variants", "", "Variant descriptor file (default: Standard only)")
	cmd.Flags().Int("iteration", 0, "Iteration index; selects the child random stream")
	cmd.Flags().Int("steps", 0, "Override ensemble.steps")
	cmd.Flags().Bool("store-rows", false, "Also store model rows in the run index")
	return cmd
}

func newResumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <scenario>",
		Short: "Continue an iteration from a checkpoint",
		Long: `Resume restores iteration --iteration at step --step and runs it to
ensemble.steps. The checkpoint is --from (a file or a directory to search), or
looked up in the scenario's run index when --from is omitted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			variantsPath, _ := cmd.Flags().GetString("variants")
			from, _ := cmd.Flags().GetString("from")
			runID, _ := cmd.Flags().GetString("run-id")
			iteration, _ := cmd.Flags().GetInt("iteration")
			step, _ := cmd.Flags().GetInt("step")

			sc, tab, err := loadInputs(args[0], variantsPath)
			if err != nil {
				return err
			}

			if from == "" {
				db, err := openIndex(sc.Output.Database)
				if err != nil {
					return err
				}
				if db == nil {
					return fmt.Errorf("no --from given and the scenario has no output.database")
				}
				ck, err := db.FindCheckpoint(runID, iteration, step)
				db.Close()
				if err != nil {
					return err
				}
				from = ck.Path
			}

			sc.Model.Initialization.LoadFromFile = true
			sc.Model.Initialization.LoadingFilePath = from
			sc.Model.Initialization.StartingStep = step
			sc.Model.Initialization.Iteration = iteration

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			res, err := runScenario(ctx, sc, tab, runRange{Begin: iteration, End: iteration + 1, Workers: 1})
			if err != nil {
				return err
			}
			return failed(res)
		},
	}
	cmd.Flags().String("variants", "", "Variant descriptor file (default: Standard only)")
	cmd.Flags().String("from", "", "Checkpoint file or directory")
	cmd.Flags().String("run-id", "", "Run to take the checkpoint from (default: most recent)")
	cmd.Flags().Int("iteration", 0, "Iteration to resume")
	cmd.Flags().Int("step", 0, "Step the checkpoint was taken at")
	return cmd
}
