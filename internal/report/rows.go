package report

import (
	"fmt"
	"strconv"

	"github.com/talgya/covidsim/internal/agents"
	"github.com/talgya/covidsim/internal/engine"
)

// ModelHeader returns the model table columns: Step, Iteration, then every
// other reporter in registry order.
func ModelHeader(reg *engine.Registry) []string {
	out := []string{"Step", "Iteration"}
	for _, name := range reg.Names() {
		if name != "Step" {
			out = append(out, name)
		}
	}
	return out
}

// ModelRecord renders a collected row in ModelHeader order.
func ModelRecord(reg *engine.Registry, row engine.Row) []string {
	out := make([]string, 0, len(row.Values)+1)
	out = append(out, strconv.Itoa(row.Step), strconv.Itoa(row.Iteration))
	step := reg.Index("Step")
	for i, v := range row.Values {
		if i == step {
			continue
		}
		out = append(out, strconv.FormatFloat(v, 'g', -1, 64))
	}
	return out
}

// AgentHeader returns the agent table columns for n agents: Step, Iteration,
// then "Agent i a" for each agent and schema attribute.
func AgentHeader(n int) []string {
	schema := agents.Schema()
	out := make([]string, 0, 2+n*len(schema))
	out = append(out, "Step", "Iteration")
	for i := 0; i < n; i++ {
		for _, attr := range schema {
			out = append(out, fmt.Sprintf("Agent %d %s", i, attr))
		}
	}
	return out
}

// AgentRecord renders every agent of m in creation order.
func AgentRecord(m *engine.Model) []string {
	out := make([]string, 0, 2+len(m.Agents)*len(agents.Schema()))
	out = append(out, strconv.Itoa(m.State.StepNo), strconv.Itoa(m.Iteration))
	for _, a := range m.Agents {
		out = append(out, a.Fields(m.Contacts(a.ID))...)
	}
	return out
}
