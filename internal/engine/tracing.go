package engine

import (
	"slices"

	"github.com/talgya/covidsim/internal/agents"
)

// recordContact notes that src met dst while contagious. Only recorded while
// tracing is on.
func (m *Model) recordContact(src, dst *agents.Agent) {
	if !m.State.Tracing {
		return
	}
	set := m.tracing[src.ID]
	if set == nil {
		set = make(map[agents.AgentID]struct{})
		m.tracing[src.ID] = set
	}
	set[dst.ID] = struct{}{}
}

// advanceTracing counts down a detected agent's tracing delay. When it runs
// out, every recorded contact is tested once and the agent's contact set is
// dropped. The counter then latches at -1.
func (m *Model) advanceTracing(a *agents.Agent) {
	if !m.State.Tracing || a.TracingCounter < 0 {
		return
	}
	if a.TracingCounter < a.TracingDelay {
		a.TracingCounter++
		return
	}
	for _, id := range sortedIDs(m.tracing[a.ID]) {
		if c := m.index[id]; c != nil {
			m.traceTest(c)
		}
	}
	delete(m.tracing, a.ID)
	a.TracingCounter = -1
}

// traceTest tests one traced contact, moving infected contacts into a
// detected stage. Traced tests are not billed.
func (m *Model) traceTest(c *agents.Agent) {
	switch c.Stage {
	case agents.StageSusceptible:
		c.TestedTraced = true
	case agents.StageExposed:
		c.TestedTraced = true
		m.detect(c, m.rng.Bernoulli(m.Params.ProbAsymptomatic))
	case agents.StageAsymptomatic:
		c.TestedTraced = true
		m.detect(c, true)
	}
}

func sortedIDs(set map[agents.AgentID]struct{}) []agents.AgentID {
	if len(set) == 0 {
		return nil
	}
	out := make([]agents.AgentID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}
