// Per-agent state machine. One call advances one agent by one tick.
package engine

import (
	"fmt"

	"github.com/talgya/covidsim/internal/agents"
)

// stepAgent runs the per-tick phases for a in order: employment drift, policy
// gates, vaccine uptake, isolation, vaccine protection, the stage transition,
// and movement.
func (m *Model) stepAgent(a *agents.Agent, now int) error {
	m.driftEmployment(a)
	m.applyGates(a, now)
	m.offerVaccine(a, now)
	m.gateIsolation(a, now)
	a.UpdateProtection(now, m.Params.EffectiveWindow,
		m.Policies.Vaccination.Effectiveness/agents.VaccineDosage,
		m.variants.Get(a.Variant).VaccineMult)

	var err error
	switch a.Stage {
	case agents.StageSusceptible:
		m.stepSusceptible(a)
	case agents.StageExposed:
		m.stepExposed(a)
	case agents.StageAsymptomatic:
		m.stepAsymptomatic(a)
	case agents.StageSympDetected:
		m.stepSympDetected(a)
	case agents.StageAsympDetected:
		m.stepAsympDetected(a)
	case agents.StageSevere:
		m.stepSevere(a)
	case agents.StageRecovered:
		m.stepRecovered(a)
	case agents.StageDeceased:
		a.AccrueFlat(&m.values)
	default:
		err = fmt.Errorf("%w: %d", ErrUnknownStage, a.Stage)
	}
	a.AStep++
	return err
}

func (m *Model) driftEmployment(a *agents.Agent) {
	if a.Employed && m.rng.Bernoulli(a.JobLossChance()) {
		a.Employed = false
	}
	if !a.Employed && m.rng.Bernoulli(agents.JobRegainChance()) {
		a.Employed = true
	}
}

// applyGates sets distancing-adjusted contagion and the test chance from the
// windows that contain now.
func (m *Model) applyGates(a *agents.Agent, now int) {
	d := m.Policies.Distancing
	switch {
	case d.Contains(now):
		a.ProbContagion = m.Params.ProbContagionBase * agents.DistancingMultiplier(d.Distance)
		a.InDistancing = true
	case a.InDistancing:
		a.ProbContagion = m.Params.ProbContagionBase
		a.InDistancing = false
	}

	t := m.Policies.Testing
	switch {
	case t.Contains(now):
		a.TestChance = t.Rate
		a.InTesting = true
	case a.InTesting:
		a.TestChance = 0
		a.InTesting = false
	}
}

// gateIsolation decides voluntary isolation once on entering the isolation
// window, and once more (at the after-isolation rate) when it closes.
func (m *Model) gateIsolation(a *agents.Agent, now int) {
	if !a.Stage.CanIsolate() {
		return
	}
	iso := m.Policies.Isolation
	switch {
	case iso.Contains(now):
		if !a.InIsolation {
			a.Isolated = m.rng.Bernoulli(iso.Rate)
			a.InIsolation = true
		}
	case a.InIsolation && iso.Ended(now):
		a.InIsolation = false
		a.Isolated = m.rng.Bernoulli(iso.After)
	}
}

func (m *Model) stepSusceptible(a *agents.Agent) {
	m.offerTest(a)

	cell := m.Grid.Occupants(a.Pos)
	variant, asymptomatic, found := m.scanContacts(a, cell, false)
	a.AccrueContact(&m.values, len(cell))
	if found {
		m.expose(a, variant, asymptomatic)
	}
	if !a.Isolated {
		m.move(a)
	}
}

func (m *Model) stepExposed(a *agents.Agent) {
	a.AccrueContact(&m.values, m.Grid.Count(a.Pos))

	pa := m.Params.ProbAsymptomatic * m.variants.Get(a.Variant).AsymptomaticMult
	if a.Vaccinated {
		pa = 1 - (1-m.Params.ProbAsymptomatic)*a.SafetyMultiplier
	}

	if !(a.Tested || a.TestedTraced) && m.rng.Bernoulli(a.TestChance) {
		a.Tested = true
		m.State.CumulTestCost += m.Params.TestCost
		m.detect(a, m.rng.Bernoulli(pa))
	} else if a.CurrIncubation < a.IncubationTarget {
		a.CurrIncubation++
	} else if m.rng.Bernoulli(pa) {
		a.Stage = agents.StageAsymptomatic
	} else {
		m.detect(a, false)
	}

	// Detection isolates before this check, so a freshly detected agent stays put.
	if (a.Stage == agents.StageExposed || a.Stage == agents.StageAsymptomatic) && !a.Isolated {
		m.move(a)
	}
}

func (m *Model) stepAsymptomatic(a *agents.Agent) {
	a.AccrueContact(&m.values, m.Grid.Count(a.Pos))

	if !(a.Tested || a.TestedTraced) && m.rng.Bernoulli(a.TestChance) {
		a.Tested = true
		m.State.CumulTestCost += m.Params.TestCost
		m.detect(a, true)
	}

	if a.CurrRecovery >= a.RecoveryTarget {
		m.recover(a)
	} else {
		a.CurrRecovery++
	}

	if a.Stage == agents.StageAsymptomatic && !a.Isolated {
		m.move(a)
	}
}

func (m *Model) stepSympDetected(a *agents.Agent) {
	a.Isolated = true
	a.Tested = true

	severe := a.MortalityValue * m.variants.Get(a.Variant).MortalityMult / TicksPerDay
	if a.Vaccinated {
		severe *= a.SafetyMultiplier
	}

	m.advanceTracing(a)
	a.AccrueFlat(&m.values)

	if a.CurrIncubation+a.CurrRecovery < a.IncubationTarget+a.RecoveryTarget {
		a.CurrRecovery++
		if m.rng.Bernoulli(severe) {
			m.becomeSevere(a)
		}
		return
	}
	m.recover(a)
}

func (m *Model) stepAsympDetected(a *agents.Agent) {
	a.Isolated = true

	m.advanceTracing(a)
	a.AccrueFlat(&m.values)

	if a.CurrIncubation+a.CurrRecovery < a.IncubationTarget+a.RecoveryTarget {
		a.CurrRecovery++
		return
	}
	m.recover(a)
}

func (m *Model) stepSevere(a *agents.Agent) {
	a.AccrueFlat(&m.values)

	if a.CurrRecovery >= a.RecoveryTarget {
		m.recover(a)
		return
	}
	if !a.OccupyingBed {
		m.claimBed(a)
	}
	if !a.OccupyingBed && m.rng.Bernoulli(1/float64(a.RecoveryTarget)) {
		a.Stage = agents.StageDeceased
		m.log.Debug("agent died", "agent", a.ID, "variant", a.Variant, "tick", m.State.StepNo)
		return
	}
	a.CurrRecovery++
}

func (m *Model) stepRecovered(a *agents.Agent) {
	cell := m.Grid.Occupants(a.Pos)
	a.AccrueContact(&m.values, len(cell))

	a.CurrRecovery = 0
	a.Isolated = false
	a.IsolatedButInefficient = false

	variant, asymptomatic, found := m.scanContacts(a, cell, true)
	if found {
		m.expose(a, variant, asymptomatic)
	}
	m.move(a)
}

// scanContacts looks for an infection source among a's cellmates. A
// symptomatic source ends the scan; asymptomatic sources are remembered and
// the scan goes on. Every qualifying source records a as a contact. With
// reinfection set, only variants that allow reinfection count.
func (m *Model) scanContacts(a *agents.Agent, cell []uint64, reinfection bool) (variant string, asymptomatic, found bool) {
	for _, id := range cell {
		c := m.index[agents.AgentID(id)]
		if c == nil || c == a {
			continue
		}
		symptomatic := c.Stage.SymptomaticSource()
		if !symptomatic && !c.Stage.AsymptomaticSource() {
			continue
		}
		if a.ImmuneTo(c.Variant) {
			continue
		}
		if reinfection && !m.variants.Get(c.Variant).Reinfection {
			continue
		}
		m.recordContact(c, a)

		// A leaking isolation only marks the agent; expose draws the efficacy.
		if a.Isolated && m.rng.Bernoulli(1-m.Policies.Isolation.Effective) {
			a.IsolatedButInefficient = true
		}
		variant, found = c.Variant, true
		if symptomatic {
			return variant, false, true
		}
		asymptomatic = true
	}
	return variant, asymptomatic, found
}

// expose draws infection from a source carrying variant.
func (m *Model) expose(a *agents.Agent, variant string, asymptomatic bool) {
	p := a.ProbContagion * m.variants.Get(variant).ContagionMult
	if a.Vaccinated {
		p *= a.SafetyMultiplier
	}
	if asymptomatic {
		p *= agents.AsymptomaticSourceFactor
	}

	if a.Isolated {
		if !(m.rng.Bernoulli(p) && !m.rng.Bernoulli(m.Policies.Isolation.Effective)) {
			return
		}
	} else if !m.rng.Bernoulli(p) {
		return
	}

	a.Stage = agents.StageExposed
	a.Variant = variant
	a.CurrIncubation = 0
	a.CurrRecovery = 0
	a.TracingCounter = 0
	m.State.GenerallyInfected++
}

// detect moves an exposed or asymptomatic agent into a detected stage, which
// always isolates.
func (m *Model) detect(a *agents.Agent, asymptomatic bool) {
	if asymptomatic {
		a.Stage = agents.StageAsympDetected
	} else {
		a.Stage = agents.StageSympDetected
	}
	a.Isolated = true
}

func (m *Model) becomeSevere(a *agents.Agent) {
	a.Stage = agents.StageSevere
	a.Isolated = true
	m.claimBed(a)
}

func (m *Model) claimBed(a *agents.Agent) {
	if m.State.BedCount > 0 && !a.OccupyingBed {
		a.OccupyingBed = true
		m.State.BedCount--
	}
}

// recover marks immunity to the carried variant and frees any held bed.
func (m *Model) recover(a *agents.Agent) {
	a.Recover()
	if a.OccupyingBed {
		a.OccupyingBed = false
		m.State.BedCount++
	}
}

// offerTest runs the random test for a susceptible agent.
func (m *Model) offerTest(a *agents.Agent) {
	if !(a.Tested || a.TestedTraced) && m.rng.Bernoulli(a.TestChance) {
		a.Tested = true
		m.State.CumulTestCost += m.Params.TestCost
	}
}

// move walks a to a neighboring cell once its dwell time is used up.
func (m *Model) move(a *agents.Agent) {
	if a.CurrDwelling > 0 {
		a.CurrDwelling--
		return
	}
	var next = a.Pos
	if m.field != nil {
		next = m.field.Step(a.Pos, m.rng)
	} else {
		next = m.Grid.RandomNeighbor(a.Pos, m.rng)
	}
	if next != a.Pos {
		m.Grid.Move(uint64(a.ID), a.Pos, next)
		a.Pos = next
	}
	a.CurrDwelling = m.rng.Poisson(agents.AvgDwell)
}
