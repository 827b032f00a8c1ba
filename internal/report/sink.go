package report

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/talgya/covidsim/internal/engine"
)

// Sink owns the final model and agent tables of a run. It records a single
// model directly (engine.Recorder) and takes committed spools from an
// ensemble. It is safe for concurrent use.
type Sink struct {
	mu     sync.Mutex
	model  *Table
	agents *Table // nil when agent storage is off
}

// NewSink creates the tables. An empty agentPath disables the agent table.
func NewSink(modelPath, agentPath string, compress bool) (*Sink, error) {
	s := &Sink{}
	var err error
	if s.model, err = Create(modelPath, compress); err != nil {
		return nil, fmt.Errorf("model table: %w", err)
	}
	if agentPath != "" {
		if s.agents, err = Create(agentPath, compress); err != nil {
			_ = s.model.Close()
			return nil, fmt.Errorf("agent table: %w", err)
		}
	}
	return s, nil
}

// ModelPath returns the model table's file.
func (s *Sink) ModelPath() string { return s.model.Path() }

// RecordModel writes one model row.
func (s *Sink) RecordModel(m *engine.Model, row engine.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg := m.Registry()
	if err := s.model.SetHeader(ModelHeader(reg)); err != nil {
		return err
	}
	return s.model.Write(ModelRecord(reg, row))
}

// RecordAgents writes one agent row. It is a no-op without an agent table.
func (s *Sink) RecordAgents(m *engine.Model) error {
	if s.agents == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.agents.SetHeader(AgentHeader(len(m.Agents))); err != nil {
		return err
	}
	return s.agents.Write(AgentRecord(m))
}

// ModelRows returns the number of model rows written so far.
func (s *Sink) ModelRows() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model.Rows()
}

// Commit copies a closed spool into the tables and removes it.
func (s *Sink) Commit(sp *Spool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := copyTable(s.model, sp.modelPath); err != nil {
		return fmt.Errorf("commit iteration %d model rows: %w", sp.Iteration, err)
	}
	if s.agents != nil && sp.agentPath != "" {
		if err := copyTable(s.agents, sp.agentPath); err != nil {
			return fmt.Errorf("commit iteration %d agent rows: %w", sp.Iteration, err)
		}
	}
	return sp.remove()
}

func copyTable(dst *Table, src string) error {
	return readRecords(src, func(rec []string) error {
		if len(rec) > 0 && rec[0] == "Step" {
			return dst.SetHeader(rec)
		}
		return dst.Write(rec)
	})
}

// Close flushes and closes both tables.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.model.Close()
	if s.agents != nil {
		err = errors.Join(err, s.agents.Close())
	}
	return err
}

// Spool holds one iteration's rows in compressed scratch files until the
// iteration finishes. A failed iteration's spool is aborted, so partial rows
// never reach the final tables.
type Spool struct {
	Iteration int

	mu        sync.Mutex
	model     *Table
	agents    *Table
	modelPath string
	agentPath string
	closed    bool
}

// NewSpool creates scratch tables for iteration in dir. withAgents enables
// the agent spool.
func NewSpool(dir string, iteration int, withAgents bool) (*Spool, error) {
	sp := &Spool{
		Iteration: iteration,
		modelPath: filepath.Join(dir, fmt.Sprintf("iter-%d-model.csv.zst", iteration)),
	}
	var err error
	if sp.model, err = Create(sp.modelPath, true); err != nil {
		return nil, err
	}
	if withAgents {
		sp.agentPath = filepath.Join(dir, fmt.Sprintf("iter-%d-agents.csv.zst", iteration))
		if sp.agents, err = Create(sp.agentPath, true); err != nil {
			_ = sp.model.Close()
			_ = os.Remove(sp.modelPath)
			return nil, err
		}
	}
	return sp, nil
}

// RecordModel spools one model row.
func (sp *Spool) RecordModel(m *engine.Model, row engine.Row) error {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	reg := m.Registry()
	if err := sp.model.SetHeader(ModelHeader(reg)); err != nil {
		return err
	}
	return sp.model.Write(ModelRecord(reg, row))
}

// RecordAgents spools one agent row.
func (sp *Spool) RecordAgents(m *engine.Model) error {
	if sp.agents == nil {
		return nil
	}
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if err := sp.agents.SetHeader(AgentHeader(len(m.Agents))); err != nil {
		return err
	}
	return sp.agents.Write(AgentRecord(m))
}

// Rows returns the number of spooled model rows.
func (sp *Spool) Rows() int {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.model.Rows()
}

// Close finishes the scratch files so they can be committed.
func (sp *Spool) Close() error {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if sp.closed {
		return nil
	}
	sp.closed = true
	err := sp.model.Close()
	if sp.agents != nil {
		err = errors.Join(err, sp.agents.Close())
	}
	return err
}

// Abort discards the spooled rows.
func (sp *Spool) Abort() error {
	return errors.Join(sp.Close(), sp.remove())
}

func (sp *Spool) remove() error {
	err := os.Remove(sp.modelPath)
	if sp.agentPath != "" {
		err = errors.Join(err, os.Remove(sp.agentPath))
	}
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
