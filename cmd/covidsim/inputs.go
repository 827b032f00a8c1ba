package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/talgya/covidsim/internal/agents"
	"github.com/talgya/covidsim/internal/config"
	"github.com/talgya/covidsim/internal/engine"
	"github.com/talgya/covidsim/internal/ensemble"
	"github.com/talgya/covidsim/internal/entropy"
	"github.com/talgya/covidsim/internal/persistence"
	"github.com/talgya/covidsim/internal/report"
	"github.com/talgya/covidsim/internal/variants"
)

// loadInputs reads a scenario and its variant table. An empty variantsPath
// runs with the Standard variant alone.
func loadInputs(scenarioPath, variantsPath string) (*config.Scenario, *variants.Table, error) {
	sc, err := config.Load(scenarioPath)
	if err != nil {
		return nil, nil, err
	}
	var tab *variants.Table
	if variantsPath == "" {
		tab, err = variants.NewTable()
	} else {
		tab, err = variants.Load(variantsPath)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("variants: %w", err)
	}
	if err := sc.CheckVariants(tab); err != nil {
		return nil, nil, err
	}
	return sc, tab, nil
}

// scenarioFiles lists the scenario documents in dir, sorted.
func scenarioFiles(dir string) ([]string, error) {
	var files []string
	for _, pattern := range []string{"*.json", "*.yaml", "*.yml"} {
		m, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, err
		}
		files = append(files, m...)
	}
	slices.Sort(files)
	return files, nil
}

// openIndex opens the run index when the scenario names one.
func openIndex(path string) (*persistence.DB, error) {
	if path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return persistence.Open(path)
}

func checkpointTicks(o config.Output) int {
	return int(o.CheckpointEveryDays * engine.TicksPerDay)
}

func resolveSeed(sc *config.Scenario) uint64 {
	if sc.Seed != 0 {
		return sc.Seed
	}
	return entropy.CryptoSeed()
}

// runRange runs iterations [begin, end) of a scenario into its output tables.
type runRange struct {
	Begin, End int
	Workers    int
	StoreRows  bool
}

func runScenario(ctx context.Context, sc *config.Scenario, tab *variants.Table, rr runRange) (ensemble.Result, error) {
	timeout, err := sc.Ensemble.TimeoutDuration()
	if err != nil {
		return ensemble.Result{}, err
	}
	out := sc.Output
	agentPath := ""
	if out.AgentStorage > 0 {
		agentPath = out.AgentSaveFile
	}
	sink, err := report.NewSink(out.ModelSaveFile, agentPath, out.Compress)
	if err != nil {
		return ensemble.Result{}, err
	}

	db, err := openIndex(out.Database)
	if err != nil {
		_ = sink.Close()
		return ensemble.Result{}, fmt.Errorf("run index: %w", err)
	}
	if db != nil {
		defer db.Close()
	}

	seed := resolveSeed(sc)
	runID := persistence.NewRunID()
	slog.Info("scenario loaded",
		"location", sc.Location,
		"description", sc.Description,
		"prepared_by", sc.PreparedBy,
		"date", sc.Date,
		"run", runID,
		"seed", seed,
		"variants", tab.Names(),
	)
	if db != nil {
		if err := db.SaveMeta("last_run", runID); err != nil {
			slog.Warn("save run meta", "error", err)
		}
	}

	r := &ensemble.Runner{Workers: rr.Workers, Timeout: timeout}
	res, err := r.Run(ctx, ensemble.Job{
		RunID:            runID,
		Scenario:         sc,
		Variants:         tab,
		Begin:            rr.Begin,
		End:              rr.End,
		Steps:            sc.Ensemble.Steps,
		Seed:             seed,
		Storage:          engine.StorageFrom(out),
		Sink:             sink,
		CheckpointEvery:  checkpointTicks(out),
		CheckpointDir:    out.CheckpointDir,
		CheckpointFormat: out.CheckpointFormat,
		Index:            db,
		StoreRows:        rr.StoreRows,
	})
	if cerr := sink.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		slog.Info("tables written", "model", sink.ModelPath(), "rows", res.Rows)
	}
	return res, err
}

// failed turns iteration failures into a command error.
func failed(res ensemble.Result) error {
	if len(res.Failed) == 0 {
		return nil
	}
	return fmt.Errorf("%d of %d iterations failed: %w",
		len(res.Failed), len(res.Failed)+len(res.Completed), res.Err())
}

var errNoScenarios = errors.New("no scenario files found")

// stageCounts summarizes a model's population by stage for log lines.
func stageCounts(m *engine.Model) map[string]int {
	out := make(map[string]int, len(agents.Stages))
	for _, a := range m.Agents {
		out[a.Stage.String()]++
	}
	return out
}
