package engine

import "github.com/talgya/covidsim/internal/agents"

// countEligible tallies, per age bucket, the agents that could take a dose
// this tick, and points the priority cascade at the oldest non-empty bucket.
func (m *Model) countEligible() {
	m.eligible = [agents.NumAgeGroups]int{}
	for _, a := range m.Agents {
		if a.EligibleForDose() {
			m.eligible[a.Age]++
		}
	}
	m.refreshBucket()
}

// refreshBucket moves the priority cascade to the oldest bucket that still
// has eligible agents, or to the youngest when none do.
func (m *Model) refreshBucket() {
	for g := agents.NumAgeGroups - 1; g >= 0; g-- {
		if m.eligible[g] > 0 {
			m.State.PriorityBucket = agents.AgeGroup(g)
			return
		}
	}
	m.State.PriorityBucket = 0
}

// offerVaccine gives a a chance at a dose when it sits in the priority bucket.
// One offer in ten is a no-show and the dose goes to a random eligible agent
// instead.
func (m *Model) offerVaccine(a *agents.Agent, now int) {
	if !m.State.Vaccinating || m.State.VaccineInventory <= 0 {
		return
	}
	if !a.EligibleForDose() || a.Age != m.State.PriorityBucket {
		return
	}
	n := m.eligible[a.Age]
	if n <= 0 || !m.rng.Bernoulli(1/float64(n)) {
		return
	}

	target := a
	if m.rng.Bernoulli(noShowChance) {
		target = m.randomEligible()
		if target == nil {
			return
		}
	}
	m.administer(target, now)
}

// randomEligible picks uniformly among all agents that could take a dose now.
func (m *Model) randomEligible() *agents.Agent {
	var pool []*agents.Agent
	for _, a := range m.Agents {
		if a.EligibleForDose() {
			pool = append(pool, a)
		}
	}
	if len(pool) == 0 {
		return nil
	}
	return pool[m.rng.IntN(len(pool))]
}

func (m *Model) administer(a *agents.Agent, now int) {
	full := a.Vaccinate(now)
	m.State.VaccineInventory--
	m.State.VaccinatedCount++
	m.State.CumulVaccineCost += m.Policies.Vaccination.CostPerVaccine
	if full {
		m.State.FullyVaccinatedCount++
	}
	if m.eligible[a.Age] > 0 {
		m.eligible[a.Age]--
	}
	m.refreshBucket()
	m.census = nil
}
