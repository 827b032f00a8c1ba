package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/talgya/covidsim/internal/api"
	"github.com/talgya/covidsim/internal/checkpoint"
	"github.com/talgya/covidsim/internal/config"
	"github.com/talgya/covidsim/internal/engine"
	"github.com/talgya/covidsim/internal/ensemble"
	"github.com/talgya/covidsim/internal/entropy"
	"github.com/talgya/covidsim/internal/persistence"
	"github.com/talgya/covidsim/internal/report"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve <scenario>",
		Short: "Run one iteration in real time behind the HTTP API",
		Long: `Serve paces one model at --interval per tick (scaled by --speed) and exposes
its status, reporters, history, and grid over HTTP. Every tick is collected.
POST endpoints need COVIDSIM_ADMIN_KEY; the websocket stream needs
COVIDSIM_STREAM_KEY.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			variantsPath, _ := cmd.Flags().GetString("variants")
			port, _ := cmd.Flags().GetInt("port")
			iteration, _ := cmd.Flags().GetInt("iteration")
			interval, _ := cmd.Flags().GetDuration("interval")
			speed, _ := cmd.Flags().GetFloat64("speed")
			forever, _ := cmd.Flags().GetBool("forever")
			record, _ := cmd.Flags().GetBool("record")

			sc, tab, err := loadInputs(args[0], variantsPath)
			if err != nil {
				return err
			}
			seed := resolveSeed(sc)
			stream := entropy.Children(seed, iteration+1)[iteration]
			m, left, err := ensemble.Build(sc, tab, iteration, stream, sc.Ensemble.Steps, slog.Default())
			if err != nil {
				return err
			}

			db, err := openIndex(sc.Output.Database)
			if err != nil {
				return fmt.Errorf("run index: %w", err)
			}
			if db != nil {
				defer db.Close()
			}
			runID := persistence.NewRunID()

			eng := engine.NewEngine(m)
			eng.Interval = interval
			if !forever {
				eng.MaxSteps = left
			}
			if err := eng.SetSpeed(speed); err != nil {
				return err
			}

			srv := api.NewServer(eng)
			srv.DB = db
			srv.RunID = runID
			srv.Location = sc.Location
			srv.Port = port
			srv.AdminKey = os.Getenv("COVIDSIM_ADMIN_KEY")
			srv.StreamKey = os.Getenv("COVIDSIM_STREAM_KEY")
			srv.CheckpointDir = sc.Output.CheckpointDir
			srv.CheckpointFormat = sc.Output.CheckpointFormat
			if srv.AdminKey == "" {
				slog.Warn("COVIDSIM_ADMIN_KEY not set, admin POST endpoints are disabled")
			}

			opts := engine.RunOptions{
				Storage: engine.Storage{Model: config.StorageEveryTick},
				OnRow:   srv.Observe,
			}
			if record {
				agentPath := ""
				if sc.Output.AgentStorage > 0 {
					agentPath = sc.Output.AgentSaveFile
					opts.Storage.Agent = config.StorageEveryTick
				}
				sink, err := report.NewSink(sc.Output.ModelSaveFile, agentPath, sc.Output.Compress)
				if err != nil {
					return err
				}
				defer func() {
					if err := sink.Close(); err != nil {
						slog.Error("close tables", "error", err)
					}
				}()
				opts.Recorder = sink
			}
			if every := checkpointTicks(sc.Output); every > 0 && sc.Output.CheckpointDir != "" {
				opts.CheckpointEvery = every
				opts.OnCheckpoint = func(m *engine.Model) error {
					return liveCheckpoint(db, runID, sc.Output, m)
				}
			}
			eng.Options = opts

			if db != nil {
				err := db.StartRun(persistence.Run{
					ID: runID, Scenario: sc.Location, Seed: int64(seed), Workers: 1, Steps: sc.Ensemble.Steps,
				})
				if err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv.Start()
			fmt.Printf("API: http://localhost:%d/api/v1/status\n", port)

			runErr := eng.Run(ctx)
			if errors.Is(runErr, context.Canceled) {
				runErr = nil
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				slog.Warn("HTTP shutdown", "error", err)
			}

			eng.View(func(m *engine.Model) {
				slog.Info("final state", "step", m.State.StepNo, "time", engine.SimTime(m.State.StepNo),
					"stages", stageCounts(m))
			})
			if db != nil {
				status := persistence.StatusCompleted
				if runErr != nil {
					status = persistence.StatusFailed
				}
				if err := db.FinishRun(runID, status); err != nil {
					slog.Warn("index run finish", "error", err)
				}
			}
			return runErr
		},
	}
	cmd.Flags().String("variants", "", "Variant descriptor file (default: Standard only)")
	cmd.Flags().Int("port", 8080, "HTTP port")
	cmd.Flags().Int("iteration", 0, "Iteration index; selects the child random stream")
	cmd.Flags().Duration("interval", 100*time.Millisecond, "Wall time per tick at speed 1")
	cmd.Flags().Float64("speed", 1, "Pacing multiplier; 0 starts paused")
	cmd.Flags().Bool("forever", false, "Keep stepping past ensemble.steps")
	cmd.Flags().Bool("record", false, "Also write the scenario's output tables")
	return cmd
}

func liveCheckpoint(db *persistence.DB, runID string, out config.Output, m *engine.Model) error {
	snap, err := m.Snapshot()
	if err != nil {
		return err
	}
	path, size, err := checkpoint.Save(out.CheckpointDir, out.CheckpointFormat, runID, snap)
	if err != nil {
		return err
	}
	slog.Info("checkpoint written", "step", snap.State.StepNo, "path", path, "size", humanize.Bytes(uint64(size)))
	if db == nil {
		return nil
	}
	return db.RecordCheckpoint(persistence.Checkpoint{
		RunID: runID, Iteration: snap.Iteration, Step: snap.State.StepNo, Path: path, Bytes: size,
	})
}
