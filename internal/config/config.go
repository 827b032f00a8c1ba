// Package config loads scenario documents (JSON or YAML), validates them
// against the embedded schema, and checks the semantic rules a model relies on.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/talgya/covidsim/internal/policy"
	"github.com/talgya/covidsim/internal/world"
)

// Scenario is one simulation configuration.
type Scenario struct {
	Location    string `yaml:"location" json:"location"`
	Description string `yaml:"description" json:"description"`
	PreparedBy  string `yaml:"prepared-by" json:"prepared-by"`
	Date        string `yaml:"date" json:"date"`
	Seed        uint64 `yaml:"seed" json:"seed"` // 0 draws a seed from crypto/rand

	Model    Model    `yaml:"model" json:"model"`
	Movement Movement `yaml:"movement" json:"movement"`
	Output   Output   `yaml:"output" json:"output"`
	Ensemble Ensemble `yaml:"ensemble" json:"ensemble"`
}

// Model groups the epidemiological inputs.
type Model struct {
	Mortalities    Demography     `yaml:"mortalities" json:"mortalities"`
	Distributions  Demography     `yaml:"distributions" json:"distributions"`
	Value          Value          `yaml:"value" json:"value"`
	Epidemiology   Epidemiology   `yaml:"epidemiology" json:"epidemiology"`
	Policies       Policies       `yaml:"policies" json:"policies"`
	Initialization Initialization `yaml:"initialization" json:"initialization"`
}

// Demography maps age keys ("00-09".."80+") and sex keys ("male", "female")
// to shares or mortality factors.
type Demography struct {
	Age map[string]float64 `yaml:"age" json:"age"`
	Sex map[string]float64 `yaml:"sex" json:"sex"`
}

// Value is the stage value matrix plus cost and aggregation exponents.
type Value struct {
	Private      map[string]float64 `yaml:"private" json:"private"`
	Public       map[string]float64 `yaml:"public" json:"public"`
	TestCost     float64            `yaml:"test_cost" json:"test_cost"`
	AlphaPrivate float64            `yaml:"alpha_private" json:"alpha_private"`
	AlphaPublic  float64            `yaml:"alpha_public" json:"alpha_public"`
}

// Epidemiology holds population and disease parameters. Times are in days.
type Epidemiology struct {
	NumAgents              int     `yaml:"num_agents" json:"num_agents"`
	Width                  int     `yaml:"width" json:"width"`
	Height                 int     `yaml:"height" json:"height"`
	Repscaling             float64 `yaml:"repscaling" json:"repscaling"`
	Kmob                   float64 `yaml:"kmob" json:"kmob"`
	RateInbound            float64 `yaml:"rate_inbound" json:"rate_inbound"`
	PropInitialInfected    float64 `yaml:"prop_initial_infected" json:"prop_initial_infected"`
	AvgIncubationTime      float64 `yaml:"avg_incubation_time" json:"avg_incubation_time"`
	AvgRecoveryTime        float64 `yaml:"avg_recovery_time" json:"avg_recovery_time"`
	ProportionAsymptomatic float64 `yaml:"proportion_asymptomatic" json:"proportion_asymptomatic"`
	ProportionSevere       float64 `yaml:"proportion_severe" json:"proportion_severe"`
	ProbContagion          float64 `yaml:"prob_contagion" json:"prob_contagion"`
	ProportionBedsPop      float64 `yaml:"proportion_beds_pop" json:"proportion_beds_pop"`
	InitialVariant         string  `yaml:"initial_variant,omitempty" json:"initial_variant,omitempty"`
	Torus                  *bool   `yaml:"torus,omitempty" json:"torus,omitempty"`
}

// Wraps reports whether the grid is toroidal (the default).
func (e Epidemiology) Wraps() bool { return e.Torus == nil || *e.Torus }

// Policies holds each intervention's scenario-level settings. Days throughout.
type Policies struct {
	Isolation      Isolation      `yaml:"isolation" json:"isolation"`
	Distancing     Distancing     `yaml:"distancing" json:"distancing"`
	Testing        Testing        `yaml:"testing" json:"testing"`
	Tracing        Tracing        `yaml:"tracing" json:"tracing"`
	MassIngress    MassIngress    `yaml:"massingress" json:"massingress"`
	VaccineRollout VaccineRollout `yaml:"vaccine_rollout" json:"vaccine_rollout"`
	Schedule       []policy.Timed `yaml:"schedule,omitempty" json:"schedule,omitempty"`
}

type Isolation struct {
	ProportionIsolated     float64 `yaml:"proportion_isolated" json:"proportion_isolated"`
	DayStartIsolation      float64 `yaml:"day_start_isolation" json:"day_start_isolation"`
	DaysIsolationLasts     float64 `yaml:"days_isolation_lasts" json:"days_isolation_lasts"`
	AfterIsolation         float64 `yaml:"after_isolation" json:"after_isolation"`
	ProbIsolationEffective float64 `yaml:"prob_isolation_effective" json:"prob_isolation_effective"`
}

type Distancing struct {
	SocialDistance      float64 `yaml:"social_distance" json:"social_distance"`
	DayDistancingStart  float64 `yaml:"day_distancing_start" json:"day_distancing_start"`
	DaysDistancingLasts float64 `yaml:"days_distancing_lasts" json:"days_distancing_lasts"`
}

type Testing struct {
	ProportionDetected float64 `yaml:"proportion_detected" json:"proportion_detected"`
	DayTestingStart    float64 `yaml:"day_testing_start" json:"day_testing_start"`
	DaysTestingLasts   float64 `yaml:"days_testing_lasts" json:"days_testing_lasts"`
}

type Tracing struct {
	DayTracingStart  float64 `yaml:"day_tracing_start" json:"day_tracing_start"`
	DaysTracingLasts float64 `yaml:"days_tracing_lasts" json:"days_tracing_lasts"`
}

type MassIngress struct {
	NewAgentProportion   float64 `yaml:"new_agent_proportion" json:"new_agent_proportion"`
	NewAgentStart        float64 `yaml:"new_agent_start" json:"new_agent_start"`
	NewAgentLasts        float64 `yaml:"new_agent_lasts" json:"new_agent_lasts"`
	NewAgentAgeMean      float64 `yaml:"new_agent_age_mean" json:"new_agent_age_mean"`
	NewAgentPropInfected float64 `yaml:"new_agent_prop_infected" json:"new_agent_prop_infected"`
}

type VaccineRollout struct {
	DayVaccinationBegin float64 `yaml:"day_vaccination_begin" json:"day_vaccination_begin"`
	DayVaccinationEnd   float64 `yaml:"day_vaccination_end" json:"day_vaccination_end"`
	EffectivePeriod     float64 `yaml:"effective_period" json:"effective_period"` // days for a dose to take full effect
	Effectiveness       float64 `yaml:"effectiveness" json:"effectiveness"`
	DistributionRate    float64 `yaml:"distribution_rate" json:"distribution_rate"`
	CostPerVaccine      float64 `yaml:"cost_per_vaccine" json:"cost_per_vaccine"`
	VaccinationPercent  float64 `yaml:"vaccination_percent" json:"vaccination_percent"`
}

// Initialization selects a checkpoint to resume from.
type Initialization struct {
	LoadFromFile    bool   `yaml:"load_from_file" json:"load_from_file"`
	LoadingFilePath string `yaml:"loading_file_path" json:"loading_file_path"`
	StartingStep    int    `yaml:"starting_step" json:"starting_step"`
	Iteration       int    `yaml:"iteration" json:"iteration"`
}

// Movement selects the walk model.
type Movement struct {
	Mode       string            `yaml:"mode,omitempty" json:"mode,omitempty"` // "moore" (default) or "field"
	Attractors []world.Attractor `yaml:"attractors,omitempty" json:"attractors,omitempty"`
	Noise      world.NoiseConfig `yaml:"noise_attractors,omitempty" json:"noise_attractors,omitempty"`
}

// FieldWalk reports whether agents follow the attraction field.
func (m Movement) FieldWalk() bool { return m.Mode == "field" }

// Storage policies for the model and agent tables.
const (
	StorageNever     = -1 // model table only
	StorageEveryTick = 1
	StorageIncrement = 2
	StorageFinal     = 3
)

// Output controls tables, checkpoints, and the run index.
type Output struct {
	AgentStorage        int     `yaml:"agent_storage" json:"agent_storage"`
	ModelStorage        int     `yaml:"model_storage" json:"model_storage"`
	AgentIncrement      int     `yaml:"agent_increment" json:"agent_increment"`
	ModelIncrement      int     `yaml:"model_increment" json:"model_increment"`
	ModelSaveFile       string  `yaml:"model_save_file" json:"model_save_file"`
	AgentSaveFile       string  `yaml:"agent_save_file" json:"agent_save_file"`
	Compress            bool    `yaml:"compress" json:"compress"`
	CheckpointEveryDays float64 `yaml:"checkpoint_every_days" json:"checkpoint_every_days"`
	CheckpointDir       string  `yaml:"checkpoint_dir" json:"checkpoint_dir"`
	CheckpointFormat    string  `yaml:"checkpoint_format,omitempty" json:"checkpoint_format,omitempty"` // "binary" (default) or "csv"
	Database            string  `yaml:"database" json:"database"`
}

// Ensemble sizes the replication run.
type Ensemble struct {
	Runs    int    `yaml:"runs" json:"runs"`
	Steps   int    `yaml:"steps" json:"steps"` // ticks per run
	Workers int    `yaml:"workers,omitempty" json:"workers,omitempty"`
	Timeout string `yaml:"timeout,omitempty" json:"timeout,omitempty"` // per-iteration wall-clock cap, e.g. "30m"
}

// TimeoutDuration parses Timeout; an empty value means no cap.
func (e Ensemble) TimeoutDuration() (time.Duration, error) {
	if strings.TrimSpace(e.Timeout) == "" {
		return 0, nil
	}
	return time.ParseDuration(e.Timeout)
}

// Load reads a scenario file, validates it against the schema, decodes it,
// and checks semantic rules.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	sc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sc, nil
}

// Parse decodes and validates a scenario document.
func Parse(data []byte) (*Scenario, error) {
	if err := validateSchema(data); err != nil {
		return nil, err
	}
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrInvalid, err)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Marshal renders the scenario as YAML.
func (s *Scenario) Marshal() ([]byte, error) {
	return yaml.Marshal(s)
}
