package agents

import (
	"math"
	"testing"

	"github.com/talgya/covidsim/internal/entropy"
)

func testParams() SpawnParams {
	p := SpawnParams{
		AvgIncubation:      5 * TicksPerDay,
		AvgRecovery:        10 * TicksPerDay,
		ProportionSevere:   0.1,
		VaccinationPercent: 1,
		ProbContagion:      0.2,
		Variants:           []string{"Standard", "Alpha"},
	}
	p.AgeShare = [NumAgeGroups]float64{0.1, 0.1, 0.1, 0.1, 0.1, 0.1, 0.1, 0.2, 0.1}
	p.SexShare = [2]float64{0.5, 0.5}
	for i := range p.AgeMortality {
		p.AgeMortality[i] = 0.01 * float64(i+1)
	}
	p.SexMortality = [2]float64{1.2, 0.8}
	return p
}

func TestSpawnPopulationShares(t *testing.T) {
	s := NewSpawner(entropy.New(1), testParams())
	pop := s.SpawnPopulation(100)
	if len(pop) != 100 {
		t.Fatalf("spawned %d agents, want 100", len(pop))
	}
	var byAge [NumAgeGroups]int
	seen := map[AgentID]bool{}
	for _, a := range pop {
		byAge[a.Age]++
		if seen[a.ID] {
			t.Fatalf("duplicate id %d", a.ID)
		}
		seen[a.ID] = true
		if a.Stage != StageSusceptible || !a.DosageEligible || a.SafetyMultiplier != 1 {
			t.Fatalf("agent %d not fresh: %+v", a.ID, a)
		}
		if len(a.VariantImmune) != 2 || a.ImmuneTo("Alpha") {
			t.Fatalf("agent %d immunity map = %v", a.ID, a.VariantImmune)
		}
	}
	if byAge[7] != 20 {
		t.Errorf("70-79 bucket has %d agents, want 20", byAge[7])
	}
}

func TestSpawnMortality(t *testing.T) {
	s := NewSpawner(entropy.New(2), testParams())
	a := s.Spawn(AgeGroup(8), SexFemale)
	if want := 0.09 * 0.8; math.Abs(a.MortalityValue-want) > 1e-12 {
		t.Fatalf("mortality = %v, want %v", a.MortalityValue, want)
	}
}

func TestSetNextID(t *testing.T) {
	s := NewSpawner(entropy.New(3), testParams())
	s.SetNextID(500)
	if a := s.Spawn(0, SexMale); a.ID != 500 {
		t.Fatalf("id = %d, want 500", a.ID)
	}
	if s.NextID() != 501 {
		t.Fatalf("next id = %d, want 501", s.NextID())
	}
}

func TestParseRoundTrips(t *testing.T) {
	for _, st := range Stages {
		got, err := ParseStage(st.Label())
		if err != nil || got != st {
			t.Errorf("ParseStage(%q) = %v, %v", st.Label(), got, err)
		}
	}
	for _, ag := range AgeGroups {
		for _, in := range []string{ag.Key(), ag.Label()} {
			got, err := ParseAgeGroup(in)
			if err != nil || got != ag {
				t.Errorf("ParseAgeGroup(%q) = %v, %v", in, got, err)
			}
		}
	}
	for _, sx := range Sexes {
		got, err := ParseSex(sx.Label())
		if err != nil || got != sx {
			t.Errorf("ParseSex(%q) = %v, %v", sx.Label(), got, err)
		}
	}
	if _, err := ParseStage("ZOMBIE"); err == nil {
		t.Error("ParseStage accepted an unknown stage")
	}
}

func TestDistancingMultiplier(t *testing.T) {
	tests := []struct {
		distance float64
		min, max float64
	}{
		{0, 1, 1},
		{1.49, 1, 1},
		{1.5, 0.99, 1},
		{2.0, 0.49, 0.51},
		{3.0, 0, 0.01},
	}
	for _, tt := range tests {
		got := DistancingMultiplier(tt.distance)
		if got < tt.min || got > tt.max {
			t.Errorf("DistancingMultiplier(%v) = %v, want in [%v, %v]", tt.distance, got, tt.min, tt.max)
		}
	}
}

func TestVaccinationSchedule(t *testing.T) {
	a := &Agent{Stage: StageSusceptible, DosageEligible: true, VaccineWillingness: true, SafetyMultiplier: 1}
	const perDose = 0.45

	if a.Vaccinate(10) {
		t.Fatal("first dose reported full vaccination")
	}
	if a.EligibleForDose() {
		t.Fatal("eligible again right after a dose")
	}

	a.UpdateProtection(10+EffectiveWindow/2, EffectiveWindow, perDose, 1)
	if want := 1 - perDose/2; math.Abs(a.SafetyMultiplier-want) > 1e-9 {
		t.Fatalf("mid-ramp safety = %v, want %v", a.SafetyMultiplier, want)
	}

	a.UpdateProtection(10+EffectiveWindow, 0, perDose, 1)
	if !a.DosageEligible || math.Abs(a.SafetyMultiplier-(1-perDose)) > 1e-9 {
		t.Fatalf("after first dose: eligible=%v safety=%v", a.DosageEligible, a.SafetyMultiplier)
	}

	if !a.Vaccinate(10 + 2*EffectiveWindow) {
		t.Fatal("second dose did not complete the schedule")
	}
	a.UpdateProtection(10+3*EffectiveWindow, EffectiveWindow, perDose, 1)
	if a.DosageEligible || !a.FullyVaccinated || a.VaccineCount != VaccineDosage {
		t.Fatalf("fully vaccinated invariant broken: %+v", a)
	}
	if math.Abs(a.SafetyMultiplier-(1-2*perDose)) > 1e-9 {
		t.Fatalf("full protection safety = %v", a.SafetyMultiplier)
	}

	a.UpdateProtection(10+3*EffectiveWindow, EffectiveWindow, perDose, 3)
	if a.SafetyMultiplier != 0 {
		t.Fatalf("safety not clamped at 0: %v", a.SafetyMultiplier)
	}
}

func TestAccrueContact(t *testing.T) {
	var v ValueMatrix
	v.Private[StageSusceptible] = 1
	v.Public[StageSusceptible] = 2

	a := &Agent{Stage: StageSusceptible, Employed: true}
	a.AccrueContact(&v, 3)
	if a.CumulPrivateValue != 2 || a.CumulPublicValue != 4 {
		t.Fatalf("free: priv=%v publ=%v", a.CumulPrivateValue, a.CumulPublicValue)
	}

	iso := &Agent{Stage: StageSusceptible, Employed: true, Isolated: true}
	iso.AccrueContact(&v, 3)
	if math.Abs(iso.CumulPrivateValue-0.6) > 1e-12 || math.Abs(iso.CumulPublicValue-0.04) > 1e-12 {
		t.Fatalf("isolated: priv=%v publ=%v", iso.CumulPrivateValue, iso.CumulPublicValue)
	}

	idle := &Agent{Stage: StageSusceptible}
	idle.AccrueContact(&v, 3)
	if idle.CumulPrivateValue != 0 || idle.CumulPublicValue != -4 {
		t.Fatalf("unemployed: priv=%v publ=%v", idle.CumulPrivateValue, idle.CumulPublicValue)
	}
}

func TestAggregateValue(t *testing.T) {
	if got := AggregateValue(-16, 0.5, 2); got != -2 {
		t.Fatalf("AggregateValue(-16, .5, 2) = %v, want -2", got)
	}
	if got := AggregateValue(5, 1, 0); got != 0 {
		t.Fatalf("empty population = %v, want 0", got)
	}
}
