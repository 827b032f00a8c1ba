package engine

import (
	"context"
	"math"
	"testing"

	"gonum.org/v1/gonum/stat"

	"github.com/talgya/covidsim/internal/agents"
)

// pair builds a two-agent model and puts both agents in one cell. The first
// is a susceptible that always catches what it meets; the second is the
// cellmate in the given stage.
func pair(t *testing.T, stage agents.Stage, seed uint64) (*Model, *agents.Agent, *agents.Agent) {
	t.Helper()
	m := build(t, quietScenario(2), nil, seed)
	a, c := m.Agents[0], m.Agents[1]
	if c.Pos != a.Pos {
		m.Grid.Move(uint64(c.ID), c.Pos, a.Pos)
		c.Pos = a.Pos
	}
	c.Stage = stage
	a.ProbContagion = 1
	a.Vaccinated = false
	a.TestChance = 0
	return m, a, c
}

func TestIsolationEfficacyDrawnOnce(t *testing.T) {
	m, a, _ := pair(t, agents.StageSympDetected, 31)
	a.Isolated = true
	m.Policies.Isolation.Effective = 0.5

	const trials = 4000
	exposed := 0
	for i := 0; i < trials; i++ {
		a.Stage = agents.StageSusceptible
		m.stepSusceptible(a)
		if a.Stage == agents.StageExposed {
			exposed++
		}
	}
	// p·(1−e) = 0.5; drawing the efficacy twice would give 0.25.
	rate := float64(exposed) / trials
	if math.Abs(rate-0.5) > 0.05 {
		t.Errorf("isolated exposure rate = %.3f, want about 0.5", rate)
	}
	if !a.IsolatedButInefficient {
		t.Error("leaking isolation never marked")
	}
}

func TestInfectionSources(t *testing.T) {
	tests := []struct {
		stage    agents.Stage
		infects  bool
		minRatio float64
	}{
		{agents.StageSympDetected, true, 0.9},
		{agents.StageAsymptomatic, true, 0.3},
		{agents.StageExposed, false, 0},
		{agents.StageAsympDetected, false, 0},
		{agents.StageSevere, false, 0},
		{agents.StageRecovered, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.stage.String(), func(t *testing.T) {
			m, a, _ := pair(t, tt.stage, 5)
			// Isolated keeps the susceptible in place; zero efficacy lets every contact through.
			m.Policies.Isolation.Effective = 0
			const trials = 300
			exposed := 0
			for i := 0; i < trials; i++ {
				a.Stage = agents.StageSusceptible
				a.Isolated = true
				m.stepSusceptible(a)
				if a.Stage == agents.StageExposed {
					exposed++
				}
			}
			if !tt.infects {
				if exposed != 0 {
					t.Errorf("%s cellmate exposed the susceptible %d times", tt.stage, exposed)
				}
				return
			}
			if ratio := float64(exposed) / trials; ratio < tt.minRatio {
				t.Errorf("%s cellmate exposure ratio %.2f, want at least %.2f", tt.stage, ratio, tt.minRatio)
			}
		})
	}
}

func TestRtUsesDistancedContagion(t *testing.T) {
	sc := quietScenario(100)
	e := &sc.Model.Epidemiology
	e.Width = 3
	e.Height = 3
	e.PropInitialInfected = 0.2
	e.ProbContagion = 0.03
	d := &sc.Model.Policies.Distancing
	d.SocialDistance = 2
	d.DayDistancingStart = 0
	d.DaysDistancingLasts = 30
	m := build(t, sc, nil, 17)

	for i := 0; i < 3; i++ {
		if err := m.Step(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	rt, _ := m.Report("Rt")
	c := m.census

	want := m.Params.ProbContagionBase * agents.DistancingMultiplier(2)
	if math.Abs(c.probContagion-want) > 1e-12 {
		t.Fatalf("census contagion = %v, want distanced %v", c.probContagion, want)
	}
	var times []float64
	for _, xs := range [][]float64{c.exposed, c.symptomatic, c.asymptomatic} {
		if len(xs) > 0 {
			times = append(times, stat.Mean(xs, nil))
		}
	}
	if len(times) == 0 {
		t.Fatal("no contagious agents after three ticks")
	}
	expect := m.Params.Kmob * m.Params.RepscalingEff * want * float64(c.contacts) * stat.Mean(times, nil)
	if rt <= 0 || math.Abs(rt-expect) > 1e-9*expect {
		t.Errorf("Rt = %v, want %v", rt, expect)
	}
}

func TestDetectedExposedSkipsMove(t *testing.T) {
	m := build(t, quietScenario(2), nil, 8)
	a := m.Agents[0]
	a.Stage = agents.StageExposed
	a.CurrIncubation = 0
	a.IncubationTarget = 1000
	a.CurrDwelling = 5
	a.Isolated = false
	a.Tested = false

	a.TestChance = 0
	m.stepExposed(a)
	if a.Stage != agents.StageExposed || a.CurrDwelling != 4 {
		t.Fatalf("untested exposed agent: stage %s, dwelling %d", a.Stage, a.CurrDwelling)
	}

	a.TestChance = 1
	m.stepExposed(a)
	if a.Stage != agents.StageAsympDetected && a.Stage != agents.StageSympDetected {
		t.Fatalf("tested agent in stage %s", a.Stage)
	}
	if !a.Isolated || a.CurrDwelling != 4 {
		t.Errorf("detected agent: isolated %v, dwelling %d; want isolated and no move", a.Isolated, a.CurrDwelling)
	}
}
