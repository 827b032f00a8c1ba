// Agent spawning: the initial population from demographic shares, and single
// agents for ingress and variant seeding.
package agents

import (
	"math"

	"github.com/talgya/covidsim/internal/entropy"
	"github.com/talgya/covidsim/internal/variants"
)

// Demographics holds categorical shares and mortality factors.
type Demographics struct {
	AgeShare     [NumAgeGroups]float64
	SexShare     [2]float64 // male, female
	AgeMortality [NumAgeGroups]float64
	SexMortality [2]float64
}

// SpawnParams are the disease and behavior parameters every new agent draws from.
type SpawnParams struct {
	Demographics

	AvgIncubation      float64 // ticks
	AvgRecovery        float64 // ticks
	ProportionSevere   float64
	VaccinationPercent float64
	ProbContagion      float64
	Variants           []string // every known variant, for the immunity map
}

// Spawner creates agents for the simulation.
type Spawner struct {
	rng    *entropy.Stream
	params SpawnParams
	nextID AgentID
}

// NewSpawner creates a spawner drawing from the model's stream.
func NewSpawner(rng *entropy.Stream, params SpawnParams) *Spawner {
	return &Spawner{rng: rng, params: params}
}

// SetNextID sets the next agent ID to be issued (used when restoring a checkpoint).
func (s *Spawner) SetNextID(id AgentID) {
	s.nextID = id
}

// NextID returns the id the next spawned agent will get.
func (s *Spawner) NextID() AgentID { return s.nextID }

// SetRand swaps the stream, e.g. after a checkpoint restore.
func (s *Spawner) SetRand(rng *entropy.Stream) { s.rng = rng }

// SetProbContagion updates the contagion assigned to new agents.
func (s *Spawner) SetProbContagion(p float64) { s.params.ProbContagion = p }

// SpawnPopulation creates round(n·age share·sex share) agents for every
// age bucket and sex, oldest bucket last.
func (s *Spawner) SpawnPopulation(n int) []*Agent {
	out := make([]*Agent, 0, n)
	for _, age := range AgeGroups {
		for si, sex := range Sexes {
			count := int(math.Round(float64(n) * s.params.AgeShare[age] * s.params.SexShare[si]))
			for i := 0; i < count; i++ {
				out = append(out, s.Spawn(age, sex))
			}
		}
	}
	return out
}

// RandomDemographic picks a uniform age bucket and sex.
func (s *Spawner) RandomDemographic() (AgeGroup, Sex) {
	age := AgeGroup(s.rng.IntN(NumAgeGroups))
	sex := Sexes[s.rng.IntN(len(Sexes))]
	return age, sex
}

// Spawn creates one susceptible agent. The caller places it on the grid.
func (s *Spawner) Spawn(age AgeGroup, sex Sex) *Agent {
	id := s.nextID
	s.nextID++

	p := &s.params
	incubation := s.rng.Poisson(math.Round(p.AvgIncubation))
	dwelling := s.rng.Poisson(AvgDwell)
	recovery := s.rng.Poisson(p.AvgRecovery)

	severity := 0.0
	if recovery > 0 {
		severity = p.ProportionSevere / (TicksPerDay * float64(recovery))
	}

	immune := make(map[string]bool, len(p.Variants))
	for _, v := range p.Variants {
		immune[v] = false
	}

	return &Agent{
		ID:                 id,
		Stage:              StageSusceptible,
		Age:                age,
		Sex:                sex,
		VaccineWillingness: s.rng.Bernoulli(p.VaccinationPercent),
		IncubationTarget:   incubation,
		DwellingTarget:     dwelling,
		RecoveryTarget:     recovery,
		ProbContagion:      p.ProbContagion,
		MortalityValue:     p.AgeMortality[age] * p.SexMortality[sexIndex(sex)],
		SeverityValue:      severity,
		Employed:           true,
		TracingDelay:       TracingDelay,
		SafetyMultiplier:   1,
		DosageEligible:     true,
		Variant:            variants.Standard,
		VariantImmune:      immune,
	}
}

func sexIndex(s Sex) int {
	if s == SexFemale {
		return 1
	}
	return 0
}
