// Package ensemble runs independent replicas of a scenario in parallel, each
// on its own child random stream, and concatenates their tables in iteration
// order.
package ensemble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/talgya/covidsim/internal/checkpoint"
	"github.com/talgya/covidsim/internal/config"
	"github.com/talgya/covidsim/internal/engine"
	"github.com/talgya/covidsim/internal/entropy"
	"github.com/talgya/covidsim/internal/persistence"
	"github.com/talgya/covidsim/internal/report"
	"github.com/talgya/covidsim/internal/variants"
)

// Job describes one ensemble run.
type Job struct {
	RunID    string
	Scenario *config.Scenario
	Variants *variants.Table

	// Iterations [Begin, End) are run. Iteration i always uses the i-th child
	// of the master seed, whatever the range.
	Begin, End int
	Steps      int
	Seed       uint64

	Storage engine.Storage
	Sink    *report.Sink // nil discards tables
	// SpoolDir holds per-iteration scratch tables; empty uses a temp dir.
	SpoolDir string

	// CheckpointEvery is the cadence in ticks; 0 disables checkpoints.
	CheckpointEvery  int
	CheckpointDir    string
	CheckpointFormat string

	// Index, when set, records the run, its iterations, and its checkpoints.
	// StoreRows also copies each completed iteration's model rows into it.
	Index     *persistence.DB
	StoreRows bool
}

// Failure is one iteration that did not complete.
type Failure struct {
	Iteration int
	Err       error
}

func (f Failure) Error() string { return fmt.Sprintf("iteration %d: %v", f.Iteration, f.Err) }

func (f Failure) Unwrap() error { return f.Err }

// Result summarizes an ensemble run. Completed iterations' rows are in the
// sink; failed ones contributed nothing.
type Result struct {
	RunID     string
	Completed []int
	Failed    []Failure
	Rows      int
	Elapsed   time.Duration
}

// Err joins the failures, or returns nil.
func (r Result) Err() error {
	errs := make([]error, len(r.Failed))
	for i, f := range r.Failed {
		errs[i] = f
	}
	return errors.Join(errs...)
}

// Runner is a bounded worker pool.
type Runner struct {
	Workers int           // 0 uses GOMAXPROCS
	Timeout time.Duration // per-iteration wall-clock cap; 0 means none
	Logger  *slog.Logger
}

type outcome struct {
	iteration int
	spool     *report.Spool
	rows      int
	err       error
}

// Run executes the job. The returned error covers setup problems only;
// iteration failures are reported in Result.Failed.
func (r *Runner) Run(ctx context.Context, job Job) (Result, error) {
	res := Result{RunID: job.RunID}
	if job.End <= job.Begin {
		return res, fmt.Errorf("empty iteration range [%d, %d)", job.Begin, job.End)
	}
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("run", job.RunID)

	spoolDir := job.SpoolDir
	if spoolDir == "" {
		dir, err := os.MkdirTemp("", "covidsim-spool-")
		if err != nil {
			return res, err
		}
		defer os.RemoveAll(dir)
		spoolDir = dir
	} else if err := os.MkdirAll(spoolDir, 0o755); err != nil {
		return res, err
	}

	workers := r.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	n := job.End - job.Begin
	if workers > n {
		workers = n
	}

	streams := entropy.Children(job.Seed, job.End)
	// The index records a fingerprint of each child stream, drawn from a
	// separate copy so the models' draws are untouched.
	seeds := make([]uint64, job.End)
	for i, s := range entropy.Children(job.Seed, job.End) {
		seeds[i] = s.Uint64()
	}

	if job.Index != nil {
		err := job.Index.StartRun(persistence.Run{
			ID:       job.RunID,
			Scenario: job.Scenario.Location,
			Seed:     int64(job.Seed),
			Workers:  workers,
			Steps:    job.Steps,
		})
		if err != nil {
			return res, fmt.Errorf("index run: %w", err)
		}
	}

	start := time.Now()
	logger.Info("ensemble started",
		"iterations", n, "workers", workers, "steps", humanize.Comma(int64(job.Steps)))

	jobs := make(chan int)
	results := make(chan outcome, n)

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := range jobs {
				if job.Index != nil {
					if err := job.Index.BeginIteration(job.RunID, i, seeds[i]); err != nil {
						logger.Warn("index iteration", "iteration", i, "error", err)
					}
				}
				sp, rows, err := r.iteration(ctx, job, i, streams[i], spoolDir, logger)
				results <- outcome{iteration: i, spool: sp, rows: rows, err: err}
			}
		}()
	}

	go func() {
		for i := job.Begin; i < job.End; i++ {
			jobs <- i
		}
		close(jobs)
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	// Commit spools in iteration order as they become contiguous.
	pending := make(map[int]outcome)
	next := job.Begin
	for out := range results {
		pending[out.iteration] = out
		for {
			o, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			r.settle(job, o, &res, logger)
			next++
		}
	}

	sort.Ints(res.Completed)
	sort.Slice(res.Failed, func(i, j int) bool { return res.Failed[i].Iteration < res.Failed[j].Iteration })
	res.Elapsed = time.Since(start)

	if job.Index != nil {
		status := persistence.StatusCompleted
		switch {
		case len(res.Completed) == 0:
			status = persistence.StatusFailed
		case len(res.Failed) > 0:
			status = persistence.StatusPartial
		}
		if err := job.Index.FinishRun(job.RunID, status); err != nil {
			logger.Warn("index run finish", "error", err)
		}
	}

	logger.Info("ensemble finished",
		"completed", len(res.Completed),
		"failed", len(res.Failed),
		"rows", humanize.Comma(int64(res.Rows)),
		"elapsed", res.Elapsed.Round(time.Millisecond),
	)
	return res, nil
}

// settle commits or discards one iteration's spool and records the outcome.
func (r *Runner) settle(job Job, o outcome, res *Result, logger *slog.Logger) {
	err := o.err
	if err == nil && o.spool != nil && job.Sink != nil {
		err = job.Sink.Commit(o.spool)
	}
	if err != nil {
		if o.spool != nil {
			if aerr := o.spool.Abort(); aerr != nil {
				logger.Warn("discard spool", "iteration", o.iteration, "error", aerr)
			}
		}
		res.Failed = append(res.Failed, Failure{Iteration: o.iteration, Err: err})
		logger.Error("iteration failed", "iteration", o.iteration, "error", err)
	} else {
		if o.spool != nil && job.Sink == nil {
			_ = o.spool.Abort()
		}
		res.Completed = append(res.Completed, o.iteration)
		res.Rows += o.rows
		logger.Info("iteration finished", "iteration", o.iteration, "rows", o.rows)
	}
	if job.Index != nil {
		if ierr := job.Index.EndIteration(job.RunID, o.iteration, o.rows, err); ierr != nil {
			logger.Warn("index iteration end", "iteration", o.iteration, "error", ierr)
		}
	}
}

// iteration runs one replica into a closed spool. Panics become errors.
func (r *Runner) iteration(ctx context.Context, job Job, i int, stream *entropy.Stream, spoolDir string, logger *slog.Logger) (sp *report.Spool, rows int, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v\n%s", p, debug.Stack())
		}
		if err != nil && sp != nil {
			_ = sp.Abort()
			sp = nil
		}
	}()

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	logger.Info("iteration started", "iteration", i)
	m, steps, err := Build(job.Scenario, job.Variants, i, stream, job.Steps, logger)
	if err != nil {
		return nil, 0, err
	}

	if sp, err = report.NewSpool(spoolDir, i, job.Storage.Agent > 0); err != nil {
		return nil, 0, err
	}

	opts := engine.RunOptions{Storage: job.Storage, Recorder: sp}
	if job.CheckpointEvery > 0 && job.CheckpointDir != "" {
		opts.CheckpointEvery = job.CheckpointEvery
		opts.OnCheckpoint = func(m *engine.Model) error { return saveCheckpoint(job, m, logger) }
	}
	var collected []engine.Row
	if job.Index != nil && job.StoreRows {
		opts.OnRow = func(row engine.Row) { collected = append(collected, row) }
	}
	if err = m.Run(ctx, steps, opts); err != nil {
		return sp, 0, err
	}
	rows = sp.Rows()
	if err = sp.Close(); err != nil {
		return sp, 0, err
	}
	if len(collected) > 0 {
		if err = job.Index.SaveRows(job.RunID, m.Registry().Names(), collected); err != nil {
			return sp, 0, fmt.Errorf("store rows: %w", err)
		}
	}
	return sp, rows, nil
}

// Build creates iteration i's model, fresh from stream or from the scenario's
// reload checkpoint, and returns it with how many of steps are left to run.
func Build(sc *config.Scenario, table *variants.Table, i int, stream *entropy.Stream, steps int, logger *slog.Logger) (*engine.Model, int, error) {
	opts := engine.Options{Iteration: i, Stream: stream, Logger: logger}
	reload := sc.Model.Initialization
	if !reload.LoadFromFile {
		m, err := engine.NewModel(sc, table, opts)
		return m, steps, err
	}

	snap, _, err := checkpoint.Load(reload.LoadingFilePath, i, reload.StartingStep)
	if err != nil {
		return nil, 0, fmt.Errorf("reload: %w", err)
	}
	m, err := engine.Restore(sc, table, snap, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("reload: %w", err)
	}
	return m, max(steps-m.State.StepNo, 0), nil
}

func saveCheckpoint(job Job, m *engine.Model, logger *slog.Logger) error {
	snap, err := m.Snapshot()
	if err != nil {
		return err
	}
	path, size, err := checkpoint.Save(job.CheckpointDir, job.CheckpointFormat, job.RunID, snap)
	if err != nil {
		return err
	}
	logger.Debug("checkpoint written", "iteration", m.Iteration, "step", m.State.StepNo,
		"path", path, "size", humanize.Bytes(uint64(size)))
	if job.Index != nil {
		return job.Index.RecordCheckpoint(persistence.Checkpoint{
			RunID:     job.RunID,
			Iteration: m.Iteration,
			Step:      m.State.StepNo,
			Path:      path,
			Bytes:     size,
		})
	}
	return nil
}
