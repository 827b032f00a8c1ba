package engine

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/talgya/covidsim/internal/agents"
	"github.com/talgya/covidsim/internal/config"
	"github.com/talgya/covidsim/internal/entropy"
	"github.com/talgya/covidsim/internal/variants"
)

// quietScenario is a small town with every intervention switched off.
func quietScenario(n int) *config.Scenario {
	sc := config.Default()
	e := &sc.Model.Epidemiology
	e.NumAgents = n
	e.Width = 10
	e.Height = 10
	e.PropInitialInfected = 0

	p := &sc.Model.Policies
	p.Isolation.ProportionIsolated = 0
	p.Isolation.DaysIsolationLasts = 0
	p.Isolation.AfterIsolation = 0
	p.Distancing.DaysDistancingLasts = 0
	p.Testing.DaysTestingLasts = 0
	p.Tracing.DaysTracingLasts = 0
	p.VaccineRollout.DayVaccinationBegin = 10_000
	p.VaccineRollout.DayVaccinationEnd = 10_001
	return sc
}

func build(t *testing.T, sc *config.Scenario, tab *variants.Table, seed uint64) *Model {
	t.Helper()
	if tab == nil {
		var err error
		if tab, err = variants.NewTable(); err != nil {
			t.Fatal(err)
		}
	}
	m, err := NewModel(sc, tab, Options{Stream: entropy.New(seed)})
	if err != nil {
		t.Fatalf("NewModel: %v", err)
	}
	return m
}

func stageCount(m *Model, s agents.Stage) int {
	n := 0
	for _, a := range m.Agents {
		if a.Stage == s {
			n++
		}
	}
	return n
}

func wasInfected(a *agents.Agent) bool {
	if a.Stage != agents.StageSusceptible {
		return true
	}
	for _, immune := range a.VariantImmune {
		if immune {
			return true
		}
	}
	return false
}

// checkInvariants verifies the population-wide properties that must hold
// between ticks.
func checkInvariants(t *testing.T, m *Model, prevDeceased int) int {
	t.Helper()
	total := 0
	for _, s := range agents.Stages {
		total += stageCount(m, s)
	}
	if total != len(m.Agents) || m.State.NumAgents != len(m.Agents) {
		t.Fatalf("step %d: stages sum to %d, %d agents, NumAgents %d",
			m.State.StepNo, total, len(m.Agents), m.State.NumAgents)
	}

	deceased := stageCount(m, agents.StageDeceased)
	if deceased < prevDeceased {
		t.Fatalf("step %d: deceased fell from %d to %d", m.State.StepNo, prevDeceased, deceased)
	}

	occupied, everInfected := 0, 0
	for _, a := range m.Agents {
		if a.OccupyingBed {
			occupied++
		}
		if wasInfected(a) {
			everInfected++
		}
		if a.VaccineCount > agents.VaccineDosage {
			t.Fatalf("agent %d has %d doses", a.ID, a.VaccineCount)
		}
		if a.FullyVaccinated && a.VaccineCount != agents.VaccineDosage {
			t.Fatalf("agent %d fully vaccinated with %d doses", a.ID, a.VaccineCount)
		}
	}
	if b := m.State.BedCount; b < 0 || b > m.State.MaxBeds || b+occupied != m.State.MaxBeds {
		t.Fatalf("step %d: %d free beds, %d occupied, %d total", m.State.StepNo, b, occupied, m.State.MaxBeds)
	}
	if m.State.GenerallyInfected < everInfected {
		t.Fatalf("step %d: generally infected %d < %d ever infected",
			m.State.StepNo, m.State.GenerallyInfected, everInfected)
	}

	cells := 0
	for _, cl := range m.Grid.Occupancy() {
		cells += len(cl.IDs)
	}
	if cells != len(m.Agents) {
		t.Fatalf("step %d: grid holds %d agents, model %d", m.State.StepNo, cells, len(m.Agents))
	}
	return deceased
}

func TestInvariantsUnderFullPolicyMix(t *testing.T) {
	sc := config.Default()
	e := &sc.Model.Epidemiology
	e.NumAgents = 150
	e.Width = 8
	e.Height = 8
	e.PropInitialInfected = 0.1
	e.ProbContagion = 0.3
	e.ProportionBedsPop = 0.02

	p := &sc.Model.Policies
	p.Isolation.DayStartIsolation = 1
	p.Distancing.DayDistancingStart = 1
	p.Testing.DayTestingStart = 0
	p.Testing.ProportionDetected = 5
	p.Tracing.DayTracingStart = 0
	p.VaccineRollout.DayVaccinationBegin = 0
	p.VaccineRollout.DistributionRate = 40
	p.MassIngress = config.MassIngress{
		NewAgentProportion:   0.2,
		NewAgentStart:        1,
		NewAgentLasts:        1,
		NewAgentAgeMean:      4,
		NewAgentPropInfected: 0.5,
	}
	m := build(t, sc, nil, 5)

	deceased := 0
	for i := 0; i < 4*TicksPerDay; i++ {
		deceased = checkInvariants(t, m, deceased)
		if err := m.Step(context.Background()); err != nil {
			t.Fatalf("Step: %v", err)
		}
	}
	checkInvariants(t, m, deceased)

	if got, want := len(m.Agents), 150+30; got != want {
		t.Errorf("population after ingress = %d, want %d", got, want)
	}
	if m.State.VaccinatedCount == 0 {
		t.Error("no doses given during rollout")
	}
}

func TestNullTransmission(t *testing.T) {
	sc := quietScenario(100)
	sc.Model.Epidemiology.ProbContagion = 0
	m := build(t, sc, nil, 1)

	err := m.Run(context.Background(), 10*TicksPerDay, RunOptions{
		Storage: Storage{Model: config.StorageEveryTick},
		OnRow: func(r Row) {
			if v := r.Values[m.registry.Index("SUSCEPTIBLE")]; v != 100 {
				t.Fatalf("step %d: SUSCEPTIBLE = %v", r.Step, v)
			}
			if v := r.Values[m.registry.Index("DECEASED")]; v != 0 {
				t.Fatalf("step %d: DECEASED = %v", r.Step, v)
			}
			if v := r.Values[m.registry.Index("Vaccines")]; v != 0 {
				t.Fatalf("step %d: Vaccines = %v", r.Step, v)
			}
			if v := r.Values[m.registry.Index("Rt")]; v != 0 {
				t.Fatalf("step %d: Rt = %v with nobody infected", r.Step, v)
			}
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if m.State.GenerallyInfected != 0 {
		t.Errorf("generally infected = %d", m.State.GenerallyInfected)
	}
}

func TestSingleSeedLeavesIncubation(t *testing.T) {
	sc := quietScenario(50)
	e := &sc.Model.Epidemiology
	e.PropInitialInfected = 0.02
	e.ProbContagion = 0.5
	e.ProportionAsymptomatic = 0
	e.AvgIncubationTime = 1
	e.AvgRecoveryTime = 1
	m := build(t, sc, nil, 3)

	if got := stageCount(m, agents.StageExposed); got != 1 {
		t.Fatalf("EXPOSED at t=0 = %d, want 1", got)
	}
	var seed *agents.Agent
	for _, a := range m.Agents {
		if a.Stage == agents.StageExposed {
			seed = a
		}
	}
	for i := 0; i <= seed.IncubationTarget; i++ {
		if err := m.Step(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if seed.Stage == agents.StageExposed {
		t.Errorf("seed still incubating after %d ticks (target %d)", seed.IncubationTarget+1, seed.IncubationTarget)
	}
	if seed.Stage == agents.StageAsymptomatic || seed.Stage == agents.StageAsympDetected {
		t.Errorf("seed went asymptomatic with proportion_asymptomatic 0: %s", seed.Stage)
	}
}

func TestSevereWithoutBedsDies(t *testing.T) {
	sc := quietScenario(100)
	sc.Model.Epidemiology.ProportionBedsPop = 0
	sc.Model.Epidemiology.ProbContagion = 0
	m := build(t, sc, nil, 9)

	// Twenty severe patients and no beds.
	maxTarget := 0
	for _, a := range m.Agents[:20] {
		a.Stage = agents.StageSevere
		a.Isolated = true
		maxTarget = max(maxTarget, a.RecoveryTarget)
	}
	for i := 0; i <= maxTarget; i++ {
		if err := m.Step(context.Background()); err != nil {
			t.Fatal(err)
		}
		if m.State.BedCount != 0 {
			t.Fatalf("bed count %d with no beds", m.State.BedCount)
		}
	}
	if stageCount(m, agents.StageDeceased) == 0 {
		t.Error("no severe patient died without a bed")
	}
	if stageCount(m, agents.StageSevere) != 0 {
		t.Error("severe patients outlived their recovery target")
	}
}

func TestSevereHoldsBedsUntilRecovery(t *testing.T) {
	sc := quietScenario(100)
	sc.Model.Epidemiology.ProportionBedsPop = 0.05
	sc.Model.Epidemiology.ProbContagion = 0
	m := build(t, sc, nil, 4)

	for _, a := range m.Agents[:3] {
		m.becomeSevere(a)
	}
	if m.State.BedCount != 2 {
		t.Fatalf("free beds = %d, want 2", m.State.BedCount)
	}
	for _, a := range m.Agents[:3] {
		a.CurrRecovery = a.RecoveryTarget
	}
	if err := m.Step(context.Background()); err != nil {
		t.Fatal(err)
	}
	if m.State.BedCount != 5 || stageCount(m, agents.StageDeceased) != 0 {
		t.Errorf("after recovery: %d free beds, %d deceased", m.State.BedCount, stageCount(m, agents.StageDeceased))
	}
}

func TestVariantIntroduction(t *testing.T) {
	sc := quietScenario(100)
	sc.Model.Epidemiology.PropInitialInfected = 0.05
	sc.Model.Epidemiology.ProbContagion = 0
	alpha := variants.Baseline()
	alpha.Name = "Alpha"
	alpha.Appearance = 30
	alpha.ContagionMult = 3
	tab, err := variants.NewTable(alpha)
	if err != nil {
		t.Fatal(err)
	}
	m := build(t, sc, tab, 12)
	appear := alpha.AppearanceTick(TicksPerDay)

	carriers := func() (n, exposed int) {
		for _, a := range m.Agents {
			if a.Variant == "Alpha" {
				n++
				if a.Stage == agents.StageExposed {
					exposed++
				}
			}
		}
		return n, exposed
	}
	for m.State.StepNo <= appear {
		if n, _ := carriers(); n != 0 {
			t.Fatalf("Alpha carriers at step %d before appearance", m.State.StepNo)
		}
		if err := m.Step(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.Step(context.Background()); err != nil {
		t.Fatal(err)
	}
	n, exposed := carriers()
	if n != 5 || exposed != 5 {
		t.Errorf("after appearance: %d Alpha carriers, %d exposed; want 5 and 5", n, exposed)
	}
	if len(m.Agents) != 105 {
		t.Errorf("population = %d, want 105", len(m.Agents))
	}
	if v, _ := m.Report("Alpha_Total_Infected"); v != 5 {
		t.Errorf("Alpha_Total_Infected = %v", v)
	}
}

func TestFullIsolationBlocksTransmission(t *testing.T) {
	sc := quietScenario(120)
	e := &sc.Model.Epidemiology
	e.Width = 4
	e.Height = 4
	e.PropInitialInfected = 0.1
	e.ProbContagion = 1
	iso := &sc.Model.Policies.Isolation
	iso.ProportionIsolated = 1
	iso.ProbIsolationEffective = 1
	iso.DayStartIsolation = 0
	iso.DaysIsolationLasts = 30
	m := build(t, sc, nil, 21)

	initial := m.State.GenerallyInfected
	for i := 0; i < 3*TicksPerDay; i++ {
		if err := m.Step(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if m.State.GenerallyInfected != initial {
		t.Errorf("generally infected grew from %d to %d under full isolation", initial, m.State.GenerallyInfected)
	}
}

func TestLateVaccinationNeverVaccinates(t *testing.T) {
	sc := quietScenario(80)
	sc.Model.Epidemiology.PropInitialInfected = 0.1
	sc.Model.Policies.VaccineRollout.DayVaccinationBegin = 5
	sc.Model.Policies.VaccineRollout.DayVaccinationEnd = 50
	m := build(t, sc, nil, 2)

	if err := m.Run(context.Background(), 5*TicksPerDay, RunOptions{}); err != nil {
		t.Fatal(err)
	}
	for _, a := range m.Agents {
		if a.Vaccinated || a.VaccineCount > 0 {
			t.Fatalf("agent %d vaccinated before rollout", a.ID)
		}
	}
	if m.State.VaccineInventory != 0 {
		t.Errorf("inventory = %d before rollout", m.State.VaccineInventory)
	}
}

func TestPriorityCascadeStartsWithOldest(t *testing.T) {
	sc := quietScenario(200)
	sc.Model.Policies.VaccineRollout.VaccinationPercent = 1
	m := build(t, sc, nil, 8)

	m.countEligible()
	oldest := agents.AgeGroup(agents.NumAgeGroups - 1)
	for m.eligible[oldest] == 0 {
		oldest--
	}
	if m.State.PriorityBucket != oldest {
		t.Fatalf("cascade at %s, want %s", m.State.PriorityBucket, oldest)
	}

	// Emptying the oldest bucket moves the cascade down to the next
	// populated one.
	for _, a := range m.Agents {
		if a.Age == oldest {
			a.DosageEligible = false
		}
	}
	m.countEligible()
	next := oldest - 1
	for next > 0 && m.eligible[next] == 0 {
		next--
	}
	if m.State.PriorityBucket != next {
		t.Errorf("cascade at %s after emptying %s, want %s", m.State.PriorityBucket, oldest, next)
	}
}

func TestCollectIsIdempotent(t *testing.T) {
	sc := config.Default()
	sc.Model.Epidemiology.NumAgents = 80
	sc.Model.Epidemiology.Width = 6
	sc.Model.Epidemiology.Height = 6
	sc.Model.Epidemiology.PropInitialInfected = 0.2
	m := build(t, sc, nil, 6)
	if err := m.Run(context.Background(), 50, RunOptions{}); err != nil {
		t.Fatal(err)
	}

	a, b := m.Collect(), m.Collect()
	for i := range a.Values {
		if m.registry.Volatile(i) {
			continue
		}
		if a.Values[i] != b.Values[i] {
			t.Errorf("%s: %v then %v", m.registry.Names()[i], a.Values[i], b.Values[i])
		}
	}
}

func TestChildStreamsDiverge(t *testing.T) {
	sc := config.Default()
	sc.Model.Epidemiology.NumAgents = 60
	sc.Model.Epidemiology.Width = 6
	sc.Model.Epidemiology.Height = 6
	sc.Model.Epidemiology.PropInitialInfected = 0.1
	tab, err := variants.NewTable()
	if err != nil {
		t.Fatal(err)
	}

	const k = 4
	streams := entropy.Children(1, k)
	var positions [k][]string
	for i := 0; i < k; i++ {
		m, err := NewModel(sc, tab, Options{Iteration: i, Stream: streams[i]})
		if err != nil {
			t.Fatal(err)
		}
		if err := m.Run(context.Background(), 20, RunOptions{}); err != nil {
			t.Fatal(err)
		}
		for _, a := range m.Agents {
			positions[i] = append(positions[i], a.Pos.String())
		}
	}
	for i := 0; i < k; i++ {
		for j := i + 1; j < k; j++ {
			if slices.Equal(positions[i], positions[j]) {
				t.Errorf("iterations %d and %d share a trajectory", i, j)
			}
		}
	}
}

func TestUnknownStageFailsStep(t *testing.T) {
	m := build(t, quietScenario(10), nil, 1)
	m.Agents[3].Stage = agents.Stage(42)
	err := m.Step(context.Background())
	if !errors.Is(err, ErrUnknownStage) {
		t.Errorf("Step = %v, want ErrUnknownStage", err)
	}
}

func TestStepHonorsCancellation(t *testing.T) {
	m := build(t, quietScenario(10), nil, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.Run(ctx, 5, RunOptions{}); !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v, want context.Canceled", err)
	}
	if m.State.StepNo != 0 {
		t.Errorf("advanced to step %d after cancellation", m.State.StepNo)
	}
}

func TestStorageDue(t *testing.T) {
	tests := []struct {
		name  string
		s     Storage
		step  int
		final bool
		model bool
		agent bool
	}{
		{"every tick", Storage{Model: config.StorageEveryTick, Agent: config.StorageEveryTick}, 7, false, true, true},
		{"agents off", Storage{Model: config.StorageEveryTick}, 7, false, true, false},
		{"never", Storage{Model: config.StorageNever, Agent: config.StorageNever}, 7, true, false, false},
		{"increment hit", Storage{Model: config.StorageIncrement, ModelIncrement: 96}, 192, false, true, false},
		{"increment miss", Storage{Model: config.StorageIncrement, ModelIncrement: 96}, 193, false, false, false},
		{"final only", Storage{Model: config.StorageFinal, Agent: config.StorageFinal}, 5, false, false, false},
		{"final tick", Storage{Model: config.StorageFinal, Agent: config.StorageFinal}, 5, true, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.s.ModelDue(tt.step, tt.final); got != tt.model {
				t.Errorf("ModelDue = %v, want %v", got, tt.model)
			}
			if got := tt.s.AgentDue(tt.step, tt.final); got != tt.agent {
				t.Errorf("AgentDue = %v, want %v", got, tt.agent)
			}
		})
	}
}
