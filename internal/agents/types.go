// Package agents provides the agent data model: demographics, disease stage,
// vaccination state, economic accrual, and population spawning.
package agents

import (
	"fmt"
	"strings"

	"github.com/talgya/covidsim/internal/world"
)

// AgentID is a unique identifier for an agent.
type AgentID uint64

// Stage is an agent's disease state.
type Stage uint8

const (
	StageSusceptible   Stage = iota + 1 // Never infected, or immune-free after recovery
	StageExposed                        // Incubating
	StageAsymptomatic                   // Infectious, undetected, no symptoms
	StageSympDetected                   // Symptomatic and detected; isolated
	StageAsympDetected                  // Asymptomatic but detected by a test; isolated
	StageSevere                         // Needs a hospital bed
	StageRecovered                      // Immune to the variant it carried
	StageDeceased                       // Terminal
)

// Stages lists every stage in enum order.
var Stages = [8]Stage{
	StageSusceptible, StageExposed, StageAsymptomatic, StageSympDetected,
	StageAsympDetected, StageSevere, StageRecovered, StageDeceased,
}

var stageNames = [...]string{
	StageSusceptible:   "SUSCEPTIBLE",
	StageExposed:       "EXPOSED",
	StageAsymptomatic:  "ASYMPTOMATIC",
	StageSympDetected:  "SYMPDETECTED",
	StageAsympDetected: "ASYMPDETECTED",
	StageSevere:        "SEVERE",
	StageRecovered:     "RECOVERED",
	StageDeceased:      "DECEASED",
}

func (s Stage) String() string {
	if s >= StageSusceptible && s <= StageDeceased {
		return stageNames[s]
	}
	return fmt.Sprintf("Stage(%d)", uint8(s))
}

// Label renders the stage the way output tables do, e.g. "Stage.EXPOSED".
func (s Stage) Label() string { return "Stage." + s.String() }

// Valid reports whether s is one of the eight known stages.
func (s Stage) Valid() bool { return s >= StageSusceptible && s <= StageDeceased }

// ParseStage accepts "EXPOSED" or "Stage.EXPOSED".
func ParseStage(v string) (Stage, error) {
	v = strings.TrimPrefix(v, "Stage.")
	for _, s := range Stages {
		if stageNames[s] == v {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown stage %q", v)
}

// AgeGroup is a decadal age bucket, 0–9 through 80+.
type AgeGroup uint8

// NumAgeGroups is the number of age buckets.
const NumAgeGroups = 9

// AgeGroups lists every bucket youngest first.
var AgeGroups = [NumAgeGroups]AgeGroup{0, 1, 2, 3, 4, 5, 6, 7, 8}

var ageKeys = [NumAgeGroups]string{
	"00-09", "10-19", "20-29", "30-39", "40-49", "50-59", "60-69", "70-79", "80+",
}

var ageEnum = [NumAgeGroups]string{
	"C00to09", "C10to19", "C20to29", "C30to39", "C40to49", "C50to59", "C60to69", "C70to79", "C80toXX",
}

// Key is the configuration key for the bucket, e.g. "20-29".
func (a AgeGroup) Key() string {
	if int(a) < NumAgeGroups {
		return ageKeys[a]
	}
	return fmt.Sprintf("AgeGroup(%d)", uint8(a))
}

// String returns the enum name, e.g. "C20to29".
func (a AgeGroup) String() string {
	if int(a) < NumAgeGroups {
		return ageEnum[a]
	}
	return fmt.Sprintf("AgeGroup(%d)", uint8(a))
}

// Label renders the bucket the way output tables do, e.g. "AgeGroup.C20to29".
func (a AgeGroup) Label() string { return "AgeGroup." + a.String() }

// ParseAgeGroup accepts a config key ("80+"), an enum name ("C80toXX"), or a label.
func ParseAgeGroup(v string) (AgeGroup, error) {
	v = strings.TrimPrefix(v, "AgeGroup.")
	for i := range ageKeys {
		if ageKeys[i] == v || ageEnum[i] == v {
			return AgeGroup(i), nil
		}
	}
	return 0, fmt.Errorf("unknown age group %q", v)
}

// Sex represents biological sex for demographic simulation.
type Sex uint8

const (
	SexMale   Sex = 1
	SexFemale Sex = 2
)

// Sexes lists both values.
var Sexes = [2]Sex{SexMale, SexFemale}

func (s Sex) String() string {
	switch s {
	case SexMale:
		return "MALE"
	case SexFemale:
		return "FEMALE"
	}
	return fmt.Sprintf("Sex(%d)", uint8(s))
}

// Key is the configuration key, "male" or "female".
func (s Sex) Key() string { return strings.ToLower(s.String()) }

// Label renders the sex the way output tables do, e.g. "SexGroup.MALE".
func (s Sex) Label() string { return "SexGroup." + s.String() }

// ParseSex accepts "male", "MALE", or "SexGroup.MALE".
func ParseSex(v string) (Sex, error) {
	switch strings.ToUpper(strings.TrimPrefix(v, "SexGroup.")) {
	case "MALE":
		return SexMale, nil
	case "FEMALE":
		return SexFemale, nil
	}
	return 0, fmt.Errorf("unknown sex %q", v)
}

// Agent is one person in the simulated population. Field order follows the
// checkpoint row schema.
type Agent struct {
	ID                 AgentID  `json:"unique_id"`
	Stage              Stage    `json:"stage"`
	Age                AgeGroup `json:"age_group"`
	Sex                Sex      `json:"sex_group"`
	VaccineWillingness bool     `json:"vaccine_willingness"`

	// Timers, in ticks
	IncubationTarget int `json:"incubation_time"`
	DwellingTarget   int `json:"dwelling_time"`
	RecoveryTarget   int `json:"recovery_time"`

	// Risk
	ProbContagion  float64 `json:"prob_contagion"`
	MortalityValue float64 `json:"mortality_value"` // age × sex mortality factor
	SeverityValue  float64 `json:"severity_value"`

	// Counters
	CurrDwelling     int `json:"curr_dwelling"`
	CurrIncubation   int `json:"curr_incubation"`
	CurrRecovery     int `json:"curr_recovery"`
	CurrAsymptomatic int `json:"curr_asymptomatic"`

	// Behavior
	Isolated               bool    `json:"isolated"`
	IsolatedButInefficient bool    `json:"isolated_but_inefficient"`
	TestChance             float64 `json:"test_chance"`
	InIsolation            bool    `json:"in_isolation"`
	InDistancing           bool    `json:"in_distancing"`
	InTesting              bool    `json:"in_testing"`
	AStep                  int     `json:"astep"`
	Tested                 bool    `json:"tested"`
	OccupyingBed           bool    `json:"occupying_bed"`

	// Economic
	CumulPrivateValue float64 `json:"cumul_private_value"`
	CumulPublicValue  float64 `json:"cumul_public_value"`
	Employed          bool    `json:"employed"`

	// Tracing; the contact set itself lives in the model's tracing graph.
	TestedTraced   bool `json:"tested_traced"`
	TracingDelay   int  `json:"tracing_delay"`
	TracingCounter int  `json:"tracing_counter"`

	// Vaccination
	Vaccinated           bool    `json:"vaccinated"`
	SafetyMultiplier     float64 `json:"safetymultiplier"` // 1.0 = no protection
	CurrentEffectiveness float64 `json:"current_effectiveness"`
	VaccinationDay       int     `json:"vaccination_day"` // tick of the latest dose
	VaccineCount         int     `json:"vaccine_count"`
	DosageEligible       bool    `json:"dosage_eligible"`
	FullyVaccinated      bool    `json:"fully_vaccinated"`

	// Variant
	Variant       string          `json:"variant"`
	VariantImmune map[string]bool `json:"variant_immune"`

	Pos world.Coord `json:"pos"`
}

// Alive reports whether the agent has not died.
func (a *Agent) Alive() bool { return a.Stage != StageDeceased }

// ImmuneTo reports whether the agent recovered from variant v.
func (a *Agent) ImmuneTo(v string) bool { return a.VariantImmune[v] }

// Recover moves the agent to RECOVERED and marks immunity to its variant.
func (a *Agent) Recover() {
	a.Stage = StageRecovered
	if a.VariantImmune == nil {
		a.VariantImmune = make(map[string]bool)
	}
	a.VariantImmune[a.Variant] = true
}
