package engine

import (
	"context"
	"fmt"

	"github.com/talgya/covidsim/internal/config"
)

// Storage decides which ticks reach the model and agent tables.
type Storage struct {
	Model          int
	Agent          int
	ModelIncrement int
	AgentIncrement int
}

// StorageFrom reads the storage policy from a scenario's output section.
func StorageFrom(o config.Output) Storage {
	return Storage{
		Model:          o.ModelStorage,
		Agent:          o.AgentStorage,
		ModelIncrement: o.ModelIncrement,
		AgentIncrement: o.AgentIncrement,
	}
}

// ModelDue reports whether the model row for tick step is stored. Codes 0
// and 1 store every tick; -1 stores nothing.
func (s Storage) ModelDue(step int, final bool) bool {
	switch s.Model {
	case config.StorageNever:
		return false
	case 0, config.StorageEveryTick:
		return true
	}
	return due(s.Model, s.ModelIncrement, step, final)
}

// AgentDue reports whether the agent rows for tick step are stored. Code 0
// stores nothing.
func (s Storage) AgentDue(step int, final bool) bool {
	switch s.Agent {
	case 0, config.StorageNever:
		return false
	case config.StorageEveryTick:
		return true
	}
	return due(s.Agent, s.AgentIncrement, step, final)
}

func due(code, increment, step int, final bool) bool {
	if final {
		return true
	}
	if code == config.StorageIncrement && increment > 0 {
		return step%increment == 0
	}
	return false
}

// Recorder receives collected rows. Implementations stream them to tables.
type Recorder interface {
	RecordModel(m *Model, row Row) error
	RecordAgents(m *Model) error
}

// RunOptions configure Run.
type RunOptions struct {
	Storage  Storage
	Recorder Recorder // nil discards rows

	// CheckpointEvery is the checkpoint cadence in ticks; 0 disables.
	CheckpointEvery int
	OnCheckpoint    func(m *Model) error

	// OnRow sees every stored model row, after the recorder.
	OnRow func(row Row)
}

// Run advances the model by steps ticks. Each tick is collected before it is
// stepped, so the rows cover the ticks the model starts in; the last one is
// always stored when its table is enabled. Run stops at the first error,
// including context cancellation between ticks.
func (m *Model) Run(ctx context.Context, steps int, opts RunOptions) error {
	for i := 0; i < steps; i++ {
		final := i == steps-1
		now := m.State.StepNo

		if opts.Storage.ModelDue(now, final) {
			row := m.Collect()
			if opts.Recorder != nil {
				if err := opts.Recorder.RecordModel(m, row); err != nil {
					return fmt.Errorf("record model row %d: %w", now, err)
				}
			}
			if opts.OnRow != nil {
				opts.OnRow(row)
			}
		}
		if opts.Recorder != nil && opts.Storage.AgentDue(now, final) {
			if err := opts.Recorder.RecordAgents(m); err != nil {
				return fmt.Errorf("record agents %d: %w", now, err)
			}
		}

		if err := m.Step(ctx); err != nil {
			return err
		}

		if opts.CheckpointEvery > 0 && opts.OnCheckpoint != nil && m.State.StepNo%opts.CheckpointEvery == 0 {
			if err := opts.OnCheckpoint(m); err != nil {
				return fmt.Errorf("checkpoint at %d: %w", m.State.StepNo, err)
			}
		}
	}
	return nil
}
