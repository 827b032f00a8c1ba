package engine

import (
	"errors"
	"fmt"
	"maps"

	"github.com/talgya/covidsim/internal/agents"
	"github.com/talgya/covidsim/internal/config"
	"github.com/talgya/covidsim/internal/entropy"
	"github.com/talgya/covidsim/internal/policy"
	"github.com/talgya/covidsim/internal/variants"
	"github.com/talgya/covidsim/internal/world"
)

// ErrSnapshot is returned when a snapshot does not fit the model it is
// restored into.
var ErrSnapshot = errors.New("snapshot mismatch")

// Snapshot is the complete restorable state of a model between ticks.
type Snapshot struct {
	Iteration int
	State     State
	Policies  policy.Set
	Baseline  policy.Set
	RNG       []byte
	Variants  []string
	Agents    []agents.Agent
	Cells     []world.CellList
	Contacts  map[agents.AgentID][]agents.AgentID

	// Reporter values at the captured tick, for inspection only. Restore
	// ignores them.
	Reporters []string
	Reports   []float64
}

// Snapshot captures the model. The result shares nothing with the model.
// Evaluating the reporters refreshes the census cache, so callers sharing the
// model must hold it exclusively.
func (m *Model) Snapshot() (*Snapshot, error) {
	rng, err := m.rng.MarshalBinary()
	if err != nil {
		return nil, err
	}
	s := &Snapshot{
		Iteration: m.Iteration,
		State:     m.State,
		Policies:  m.Policies,
		Baseline:  m.handler.Baseline(),
		RNG:       rng,
		Variants:  m.variants.Names(),
		Agents:    make([]agents.Agent, len(m.Agents)),
		Cells:     m.Grid.Occupancy(),
		Contacts:  make(map[agents.AgentID][]agents.AgentID, len(m.tracing)),
		Reporters: m.registry.Names(),
		Reports:   m.evaluate(),
	}
	s.State.VariantStarted = maps.Clone(m.State.VariantStarted)
	for i, a := range m.Agents {
		s.Agents[i] = *a
		s.Agents[i].VariantImmune = maps.Clone(a.VariantImmune)
	}
	for id, set := range m.tracing {
		if len(set) > 0 {
			s.Contacts[id] = sortedIDs(set)
		}
	}
	return s, nil
}

// Restore rebuilds a model from a snapshot. The scenario supplies everything
// a snapshot does not carry (value matrix, demographics, movement field, the
// policy schedule); the snapshot wins for every field it does carry. Agents
// carrying a variant the table lacks are rejected.
func Restore(sc *config.Scenario, table *variants.Table, snap *Snapshot, opts Options) (*Model, error) {
	rng, err := entropy.Restore(snap.RNG)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSnapshot, err)
	}
	opts.Stream = rng
	opts.Iteration = snap.Iteration

	m, err := newShell(sc, table, opts)
	if err != nil {
		return nil, err
	}
	for _, name := range snap.Variants {
		if !table.Has(name) {
			return nil, fmt.Errorf("%w: variant %q: %w", ErrSnapshot, name, variants.ErrUnknown)
		}
	}

	m.State = snap.State
	m.State.VariantStarted = maps.Clone(snap.State.VariantStarted)
	m.Policies = snap.Policies
	m.handler.SetBaseline(snap.Baseline)
	m.ingress = ingressSchedule(m.Policies.Ingress)

	m.Agents = make([]*agents.Agent, 0, len(snap.Agents))
	for i := range snap.Agents {
		a := snap.Agents[i]
		if !a.Stage.Valid() {
			return nil, fmt.Errorf("%w: agent %d: %w: %d", ErrSnapshot, a.ID, ErrUnknownStage, a.Stage)
		}
		if !table.Has(a.Variant) {
			return nil, fmt.Errorf("%w: agent %d: %w %q", ErrSnapshot, a.ID, variants.ErrUnknown, a.Variant)
		}
		for name := range a.VariantImmune {
			if !table.Has(name) {
				return nil, fmt.Errorf("%w: agent %d immunity: %w %q", ErrSnapshot, a.ID, variants.ErrUnknown, name)
			}
		}
		if !m.Grid.InBounds(a.Pos) {
			return nil, fmt.Errorf("%w: agent %d at %s outside the grid", ErrSnapshot, a.ID, a.Pos)
		}
		a.VariantImmune = maps.Clone(a.VariantImmune)
		m.Agents = append(m.Agents, &a)
		m.index[a.ID] = &a
	}
	if len(m.index) != len(m.Agents) {
		return nil, fmt.Errorf("%w: duplicate agent ids", ErrSnapshot)
	}
	m.State.NumAgents = len(m.Agents)

	if err := m.loadCells(snap.Cells); err != nil {
		return nil, err
	}

	for id, contacts := range snap.Contacts {
		set := make(map[agents.AgentID]struct{}, len(contacts))
		for _, c := range contacts {
			set[c] = struct{}{}
		}
		m.tracing[id] = set
	}

	next := m.State.NextID
	for _, a := range m.Agents {
		if a.ID >= next {
			next = a.ID + 1
		}
	}
	m.spawner.SetNextID(next)
	m.State.NextID = next

	m.log.Info("model restored",
		"agents", len(m.Agents),
		"step", m.State.StepNo,
		"exposed", m.State.GenerallyInfected,
	)
	return m, nil
}

// loadCells restores grid occupancy. Without captured cells (or when they
// disagree with the agents' positions) agents are placed in creation order.
func (m *Model) loadCells(cells []world.CellList) error {
	if len(cells) > 0 {
		if err := m.Grid.Load(cells); err != nil {
			return fmt.Errorf("%w: %v", ErrSnapshot, err)
		}
		if m.cellsMatchAgents(cells) {
			return nil
		}
		m.log.Warn("captured cells disagree with agent positions, re-placing agents")
		if err := m.Grid.Load(nil); err != nil {
			return err
		}
	}
	for _, a := range m.Agents {
		m.Grid.Place(uint64(a.ID), a.Pos)
	}
	return nil
}

func (m *Model) cellsMatchAgents(cells []world.CellList) bool {
	seen := 0
	for _, cl := range cells {
		for _, id := range cl.IDs {
			a := m.index[agents.AgentID(id)]
			if a == nil || a.Pos != cl.Pos {
				return false
			}
			seen++
		}
	}
	return seen == len(m.Agents)
}
