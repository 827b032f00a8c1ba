package engine

import (
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/talgya/covidsim/internal/agents"
	"github.com/talgya/covidsim/internal/variants"
)

// Reporter computes one named model observable.
type Reporter struct {
	Name string
	Fn   func(m *Model) float64
	// Volatile reporters measure wall-clock time and differ between
	// otherwise identical runs.
	Volatile bool
}

// Registry is the ordered set of reporters a model table is built from.
type Registry struct {
	reporters []Reporter
	byName    map[string]int
}

// Row is one collected set of reporter values, in registry order.
type Row struct {
	Iteration int       `json:"iteration"`
	Step      int       `json:"step"`
	Values    []float64 `json:"values"`
}

// NewRegistry builds the reporter set for a variant table.
func NewRegistry(table *variants.Table) *Registry {
	r := &Registry{byName: make(map[string]int)}

	r.add("Step", func(m *Model) float64 { return float64(m.State.StepNo) })
	r.add("N", func(m *Model) float64 { return float64(m.State.NumAgents) })
	r.count("Isolated", func(c *census) int { return c.isolated })
	r.count("Vaccinated", func(c *census) int { return c.vaccinated })
	r.add("Vaccines", func(m *Model) float64 { return float64(m.State.VaccineInventory) })
	r.count("V", func(c *census) int { return c.vaccinated })
	r.volatile("Data_Time", func(m *Model) float64 { return m.dataTime.Seconds() })
	r.volatile("Step_Time", func(m *Model) float64 { return m.stepTime.Seconds() })
	r.add("Generally_Infected", func(m *Model) float64 { return float64(m.State.GenerallyInfected) })
	r.add("Fully_Vaccinated", func(m *Model) float64 { return float64(m.State.FullyVaccinatedCount) })
	r.count("Vaccine_1", func(c *census) int { return c.doses[1] })
	r.count("Vaccine_2", func(c *census) int { return c.doses[2] })
	r.count("Vaccine_Willing", func(c *census) int { return c.willing })

	for _, s := range agents.Stages {
		r.count(s.String(), func(c *census) int { return c.stage[s] })
	}

	for _, g := range agents.AgeGroups {
		r.count("Vaccinated "+g.String(), func(c *census) int { return c.age[g].vaccinated })
		r.add("Cumulative_Effectiveness "+g.String(), func(m *Model) float64 {
			safety := m.tally().age[g].safety
			if len(safety) == 0 {
				return 0
			}
			return 1 - stat.Mean(safety, nil)
		})
	}
	for _, g := range agents.AgeGroups {
		r.count("Fully_Vaccinated "+g.String(), func(c *census) int { return c.age[g].fully })
	}
	for _, g := range agents.AgeGroups {
		r.count("Vaccinated_1 "+g.String(), func(c *census) int { return c.age[g].doses[1] })
	}
	for _, g := range agents.AgeGroups {
		r.count("Vaccinated_2 "+g.String(), func(c *census) int { return c.age[g].doses[2] })
	}

	for _, s := range agents.Stages {
		r.count("Vaccinated_"+s.String(), func(c *census) int { return c.vaccinatedStage[s] })
	}

	for _, name := range table.Names() {
		r.count(name+"_Total_Infected", func(c *census) int { return c.variantTotal[name] })
		for _, s := range agents.Stages[1:] {
			r.count(name+s.String(), func(c *census) int { return c.variantStage[name][s] })
		}
	}

	r.add("CumulPrivValue", func(m *Model) float64 {
		return agents.AggregateValue(m.tally().private, m.Params.AlphaPrivate, m.State.NumAgents)
	})
	r.add("CumulPublValue", func(m *Model) float64 {
		return agents.AggregateValue(m.tally().public, m.Params.AlphaPublic, m.State.NumAgents)
	})
	r.add("CumulTestCost", func(m *Model) float64 { return m.State.CumulTestCost })
	r.add("Rt", func(m *Model) float64 { return m.tally().rt(m) })
	r.count("Employed", func(c *census) int { return c.employed })
	r.count("Unemployed", func(c *census) int { return c.unemployed })
	r.count("Tested", func(c *census) int { return c.tested })
	r.count("Traced", func(c *census) int { return c.traced })
	r.add("Cumul_Vaccine_Cost", func(m *Model) float64 { return m.State.CumulVaccineCost })
	r.add("Cumul_Cost", func(m *Model) float64 { return m.State.CumulTestCost + m.State.CumulVaccineCost })

	return r
}

func (r *Registry) add(name string, fn func(*Model) float64) {
	r.byName[name] = len(r.reporters)
	r.reporters = append(r.reporters, Reporter{Name: name, Fn: fn})
}

func (r *Registry) volatile(name string, fn func(*Model) float64) {
	r.add(name, fn)
	r.reporters[len(r.reporters)-1].Volatile = true
}

func (r *Registry) count(name string, fn func(*census) int) {
	r.add(name, func(m *Model) float64 { return float64(fn(m.tally())) })
}

// Names returns reporter names in table order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.reporters))
	for i, rep := range r.reporters {
		out[i] = rep.Name
	}
	return out
}

// Len returns the number of reporters.
func (r *Registry) Len() int { return len(r.reporters) }

// Index returns the column of a reporter, or -1.
func (r *Registry) Index(name string) int {
	if i, ok := r.byName[name]; ok {
		return i
	}
	return -1
}

// Volatile reports whether column i holds a wall-clock measurement.
func (r *Registry) Volatile(i int) bool { return r.reporters[i].Volatile }

// Collect evaluates every reporter against the current state. It does not
// mutate the simulation; only the data collection timer is updated.
func (m *Model) Collect() Row {
	start := time.Now()
	row := Row{
		Iteration: m.Iteration,
		Step:      m.State.StepNo,
		Values:    m.evaluate(),
	}
	m.dataTime = time.Since(start)
	return row
}

func (m *Model) evaluate() []float64 {
	m.census = nil
	values := make([]float64, m.registry.Len())
	for i, rep := range m.registry.reporters {
		values[i] = rep.Fn(m)
	}
	return values
}

// Report evaluates a single reporter by name.
func (m *Model) Report(name string) (float64, bool) {
	i := m.registry.Index(name)
	if i < 0 {
		return 0, false
	}
	m.census = nil
	return m.registry.reporters[i].Fn(m), true
}

type ageCensus struct {
	vaccinated int
	fully      int
	doses      [agents.VaccineDosage + 1]int
	safety     []float64
}

// census is a one-pass tally of the population, shared by all reporters of a
// single collection.
type census struct {
	isolated        int
	vaccinated      int
	willing         int
	employed        int
	unemployed      int
	tested          int
	traced          int
	doses           [agents.VaccineDosage + 1]int
	stage           [agents.StageDeceased + 1]int
	vaccinatedStage [agents.StageDeceased + 1]int
	age             [agents.NumAgeGroups]ageCensus
	variantTotal    map[string]int
	variantStage    map[string]*[agents.StageDeceased + 1]int
	private         float64
	public          float64

	// R(t) inputs
	contacts      int
	probContagion float64
	exposed       []float64
	symptomatic   []float64
	asymptomatic  []float64
}

func (m *Model) tally() *census {
	if m.census != nil {
		return m.census
	}
	c := &census{
		variantTotal: make(map[string]int),
		variantStage: make(map[string]*[agents.StageDeceased + 1]int),
	}
	for _, name := range m.variants.Names() {
		c.variantStage[name] = new([agents.StageDeceased + 1]int)
	}

	for _, a := range m.Agents {
		c.stage[a.Stage]++
		if a.Isolated {
			c.isolated++
		}
		if a.VaccineWillingness {
			c.willing++
		}
		if a.Employed {
			c.employed++
		} else {
			c.unemployed++
		}
		if a.Tested {
			c.tested++
		}
		if a.TestedTraced {
			c.traced++
		}
		if a.VaccineCount <= agents.VaccineDosage {
			c.doses[a.VaccineCount]++
		}

		g := &c.age[a.Age]
		g.safety = append(g.safety, a.SafetyMultiplier)
		if a.Vaccinated {
			c.vaccinated++
			c.vaccinatedStage[a.Stage]++
			g.vaccinated++
		}
		if a.FullyVaccinated {
			g.fully++
		}
		if a.VaccineCount <= agents.VaccineDosage {
			g.doses[a.VaccineCount]++
		}

		if a.Stage != agents.StageSusceptible {
			c.variantTotal[a.Variant]++
		}
		if vs := c.variantStage[a.Variant]; vs != nil {
			vs[a.Stage]++
		}

		c.private += a.CumulPrivateValue
		c.public += a.CumulPublicValue

		switch a.Stage {
		case agents.StageExposed:
			c.exposed = append(c.exposed, float64(a.IncubationTarget))
		case agents.StageSympDetected:
			c.symptomatic = append(c.symptomatic, float64(a.IncubationTarget))
		case agents.StageAsymptomatic:
			c.asymptomatic = append(c.asymptomatic, float64(a.IncubationTarget+a.RecoveryTarget))
		}
		if a.Stage.IsContagious() {
			c.probContagion = a.ProbContagion
		}
		if a.Alive() && a.Stage != agents.StageRecovered {
			c.contacts += m.interactants(a)
		}
	}
	m.census = c
	return c
}

// interactants counts the cellmates a can mix with: those not isolated, or all
// of them when a's own isolation is leaking.
func (m *Model) interactants(a *agents.Agent) int {
	n := 0
	for _, id := range m.Grid.Occupants(a.Pos) {
		o := m.index[agents.AgentID(id)]
		if o == nil || o == a {
			continue
		}
		if !o.Isolated || a.IsolatedButInefficient {
			n++
		}
	}
	return n
}

// rt estimates the effective reproduction number from the mean residence times
// of the populated contagious compartments, at the distancing-adjusted
// contagion of the last contagious agent. It is 0 when none is populated.
func (c *census) rt(m *Model) float64 {
	var times []float64
	for _, xs := range [][]float64{c.exposed, c.symptomatic, c.asymptomatic} {
		if len(xs) > 0 {
			times = append(times, stat.Mean(xs, nil))
		}
	}
	if len(times) == 0 {
		return 0
	}
	return m.Params.Kmob * m.Params.RepscalingEff * c.probContagion *
		float64(c.contacts) * stat.Mean(times, nil)
}
