package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/talgya/covidsim/internal/agents"
	"github.com/talgya/covidsim/internal/policy"
)

// Step advances the model by one tick: daily vaccine delivery, timed policy
// dispatch, window gates, variant seeding, mass ingress, then every agent in a
// freshly shuffled order. Collection is the caller's job and happens before
// Step (see Run).
func (m *Model) Step(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	now := m.State.StepNo

	if now%TicksPerDay == 0 {
		m.log.Debug("simulating day", "day", now/TicksPerDay, "exposed", m.State.GenerallyInfected)
		if m.State.Vaccinating {
			m.State.VaccineInventory += int(math.Round(m.Policies.Vaccination.DistributionRate))
		}
	}

	ended, started := m.handler.Dispatch(now, &m.Policies)
	for _, p := range ended {
		m.log.Info("policy ended", "type", p.Kind, "tick", now)
	}
	for _, p := range started {
		m.log.Info("policy started", "type", p.Kind, "tick", now, "window", p.Window(TicksPerDay).String())
	}

	m.State.Tracing = m.Policies.Tracing.Contains(now)
	m.State.Vaccinating = m.Policies.Vaccination.Contains(now)

	m.injectVariants(now)
	m.admitIngress(now)

	if m.State.Vaccinating {
		m.countEligible()
	}

	order := make([]*agents.Agent, len(m.Agents))
	copy(order, m.Agents)
	m.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	for _, a := range order {
		if err := m.stepAgent(a, now); err != nil {
			return fmt.Errorf("step %d: agent %d: %w", now, a.ID, err)
		}
	}

	m.State.StepNo++
	m.State.NextID = m.spawner.NextID()
	m.census = nil
	m.stepTime = time.Since(start)
	return nil
}

// injectVariants seeds each variant once, on the first tick after its
// appearance tick, with ⌊N·prop_initial_infected⌋ exposed newcomers.
func (m *Model) injectVariants(now int) {
	for _, v := range m.variants.All() {
		if m.State.VariantStarted[v.Name] || now <= v.AppearanceTick(TicksPerDay) {
			continue
		}
		m.State.VariantStarted[v.Name] = true
		n := int(float64(m.Params.InitialAgents) * m.Params.PropInitialInfected)
		for i := 0; i < n; i++ {
			age, sex := m.spawner.RandomDemographic()
			a := m.spawner.Spawn(age, sex)
			a.Stage = agents.StageExposed
			a.Variant = v.Name
			a.Pos = m.Grid.RandomCell(m.rng)
			m.add(a)
			m.State.GenerallyInfected++
		}
		m.log.Info("variant introduced", "variant", v.Name, "tick", now, "agents", n)
	}
}

// ingressSchedule spaces Count arrivals evenly over the ingress window and
// groups them by tick.
func ingressSchedule(in policy.Ingress) map[int]int {
	out := make(map[int]int)
	if in.Count <= 0 || in.Len() == 0 {
		return out
	}
	step := float64(in.Len()) / float64(in.Count)
	for i := 0; i < in.Count; i++ {
		out[in.Start+int(float64(i)*step)]++
	}
	return out
}

// admitIngress adds the arrivals scheduled for this tick.
func (m *Model) admitIngress(now int) {
	in := m.Policies.Ingress
	n := m.ingress[now]
	if n == 0 || !in.Contains(now) {
		return
	}
	infected := 0
	for i := 0; i < n; i++ {
		age := m.rng.Poisson(in.AgeMean)
		if age > agents.NumAgeGroups-1 {
			age = agents.NumAgeGroups - 1
		}
		sex := agents.Sexes[m.rng.IntN(len(agents.Sexes))]
		a := m.spawner.Spawn(agents.AgeGroup(age), sex)
		if m.rng.Bernoulli(in.PropInfected) {
			a.Stage = agents.StageExposed
			a.Variant = m.Params.InitialVariant
			m.State.GenerallyInfected++
			infected++
		}
		a.Pos = m.Grid.RandomCell(m.rng)
		m.add(a)
	}
	m.log.Debug("mass ingress", "tick", now, "arrivals", n, "infected", infected)
}
