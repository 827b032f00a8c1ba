// Model ties the population, grid, variants and policies together and owns the
// single random stream every draw in a run comes from.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/talgya/covidsim/internal/agents"
	"github.com/talgya/covidsim/internal/config"
	"github.com/talgya/covidsim/internal/entropy"
	"github.com/talgya/covidsim/internal/policy"
	"github.com/talgya/covidsim/internal/variants"
	"github.com/talgya/covidsim/internal/world"
)

// TicksPerDay is the number of 15-minute ticks in a simulated day.
const TicksPerDay = agents.TicksPerDay

// noShowChance is the chance an offered dose goes to someone else instead.
const noShowChance = 0.1

// ErrUnknownStage is returned when an agent carries a stage the state machine
// does not handle. It is fatal to the model that hit it.
var ErrUnknownStage = errors.New("unknown stage")

// State holds the scalar model fields a checkpoint header carries.
type State struct {
	StepNo               int             `json:"stepno"`
	NumAgents            int             `json:"num_agents"`
	VaccineInventory     int             `json:"vaccine_count"`
	VaccinatedCount      int             `json:"vaccinated_count"`
	FullyVaccinatedCount int             `json:"fully_vaccinated_count"`
	GenerallyInfected    int             `json:"generally_infected"`
	CumulTestCost        float64         `json:"cumul_test_cost"`
	CumulVaccineCost     float64         `json:"cumul_vaccine_cost"`
	BedCount             int             `json:"bed_count"`
	MaxBeds              int             `json:"max_bed_available"`
	Tracing              bool            `json:"tracing_now"`
	Vaccinating          bool            `json:"vaccination_now"`
	PriorityBucket       agents.AgeGroup `json:"vaccination_stage"`
	NextID               agents.AgentID  `json:"next_id"`
	VariantStarted       map[string]bool `json:"variant_start"`
}

// Params are the scenario values a model derives once, in ticks.
type Params struct {
	InitialAgents       int
	Kmob                float64
	RepscalingEff       float64
	ProbContagionBase   float64
	ProbAsymptomatic    float64
	PropInitialInfected float64
	InitialVariant      string
	TestCost            float64
	AlphaPrivate        float64
	AlphaPublic         float64
	EffectiveWindow     int
	FieldWalk           bool
}

// Options tune model construction.
type Options struct {
	Iteration int
	Stream    *entropy.Stream // overrides the scenario seed
	Logger    *slog.Logger
}

// Model is one simulation replica. It is not safe for concurrent use.
type Model struct {
	Iteration int
	State     State
	Params    Params
	Policies  policy.Set

	Agents []*agents.Agent
	index  map[agents.AgentID]*agents.Agent
	Grid   *world.Grid
	field  *world.Field

	rng      *entropy.Stream
	spawner  *agents.Spawner
	variants *variants.Table
	handler  *policy.Handler
	values   agents.ValueMatrix
	ingress  map[int]int
	tracing  map[agents.AgentID]map[agents.AgentID]struct{}
	registry *Registry
	eligible [agents.NumAgeGroups]int
	census   *census
	log      *slog.Logger

	dataTime time.Duration
	stepTime time.Duration
}

// NewModel builds a model from a validated scenario: spawns the population,
// places it uniformly, and seeds the initial infections.
func NewModel(sc *config.Scenario, table *variants.Table, opts Options) (*Model, error) {
	m, err := newShell(sc, table, opts)
	if err != nil {
		return nil, err
	}

	pop := m.spawner.SpawnPopulation(sc.Model.Epidemiology.NumAgents)
	for _, a := range pop {
		a.Pos = m.Grid.RandomCell(m.rng)
		m.add(a)
	}
	m.seedInfections()
	m.State.NextID = m.spawner.NextID()

	m.log.Info("model ready",
		"agents", len(m.Agents),
		"grid", fmt.Sprintf("%dx%d", m.Grid.Width, m.Grid.Height),
		"exposed", m.State.GenerallyInfected,
		"beds", m.State.MaxBeds,
		"variants", table.Len(),
	)
	return m, nil
}

// newShell derives parameters and builds everything but the population.
func newShell(sc *config.Scenario, table *variants.Table, opts Options) (*Model, error) {
	if err := sc.CheckVariants(table); err != nil {
		return nil, err
	}
	values, err := sc.Model.Value.Matrix()
	if err != nil {
		return nil, fmt.Errorf("%w: value: %v", config.ErrInvalid, err)
	}
	demo, err := demographics(sc)
	if err != nil {
		return nil, err
	}
	handler, err := policy.NewHandler(sc.Model.Policies.Schedule, TicksPerDay)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}

	rng := opts.Stream
	if rng == nil {
		seed := sc.Seed
		if seed == 0 {
			seed = entropy.CryptoSeed()
		}
		rng = entropy.New(seed)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := sc.Model.Epidemiology
	params := deriveParams(sc)

	m := &Model{
		Iteration: opts.Iteration,
		Params:    params,
		Policies:  policySet(sc),
		index:     make(map[agents.AgentID]*agents.Agent, e.NumAgents),
		Grid:      world.NewGrid(e.Width, e.Height, e.Wraps()),
		rng:       rng,
		variants:  table,
		handler:   handler,
		values:    values,
		tracing:   make(map[agents.AgentID]map[agents.AgentID]struct{}),
		log:       logger.With("iteration", opts.Iteration),
	}
	handler.ApplyDefaults(&m.Policies)

	if params.FieldWalk {
		attractors := append([]world.Attractor(nil), sc.Movement.Attractors...)
		attractors = append(attractors, world.NoiseAttractors(m.Grid, sc.Movement.Noise)...)
		m.field = world.NewField(m.Grid, attractors)
	}

	m.spawner = agents.NewSpawner(rng, agents.SpawnParams{
		Demographics:       demo,
		AvgIncubation:      e.AvgIncubationTime * TicksPerDay,
		AvgRecovery:        e.AvgRecoveryTime * TicksPerDay,
		ProportionSevere:   e.ProportionSevere,
		VaccinationPercent: sc.Model.Policies.VaccineRollout.VaccinationPercent,
		ProbContagion:      params.ProbContagionBase,
		Variants:           table.Names(),
	})

	maxBeds := int(math.Floor(float64(e.NumAgents) * e.ProportionBedsPop))
	m.State = State{
		MaxBeds:        maxBeds,
		BedCount:       maxBeds,
		PriorityBucket: agents.AgeGroup(agents.NumAgeGroups - 1),
		VariantStarted: map[string]bool{variants.Standard: true},
	}
	for _, name := range table.Names() {
		if _, ok := m.State.VariantStarted[name]; !ok {
			m.State.VariantStarted[name] = false
		}
	}
	m.ingress = ingressSchedule(m.Policies.Ingress)
	m.registry = NewRegistry(table)
	return m, nil
}

func deriveParams(sc *config.Scenario) Params {
	e := sc.Model.Epidemiology
	rep := 1.0
	if e.Repscaling > 2 {
		rep = math.Log(e.Repscaling) / math.Log(1.96587)
	}
	window := agents.EffectiveWindow
	if d := sc.Model.Policies.VaccineRollout.EffectivePeriod; d > 0 {
		window = int(math.Round(d * TicksPerDay))
	}
	initial := e.InitialVariant
	if initial == "" {
		initial = variants.Standard
	}
	return Params{
		InitialAgents:       e.NumAgents,
		Kmob:                e.Kmob,
		RepscalingEff:       rep,
		ProbContagionBase:   e.ProbContagion / rep,
		ProbAsymptomatic:    e.ProportionAsymptomatic,
		PropInitialInfected: e.PropInitialInfected,
		InitialVariant:      initial,
		TestCost:            sc.Model.Value.TestCost,
		AlphaPrivate:        sc.Model.Value.AlphaPrivate,
		AlphaPublic:         sc.Model.Value.AlphaPublic,
		EffectiveWindow:     window,
		FieldWalk:           sc.Movement.FieldWalk(),
	}
}

// policySet converts the scenario's day-based policy settings into tick windows.
func policySet(sc *config.Scenario) policy.Set {
	p := sc.Model.Policies
	n := sc.Model.Epidemiology.NumAgents

	testing := policy.Testing{Window: policy.Days(p.Testing.DayTestingStart, p.Testing.DaysTestingLasts, TicksPerDay)}
	if l := testing.Len(); l > 0 {
		testing.Rate = p.Testing.ProportionDetected / float64(l)
	}

	return policy.Set{
		Isolation: policy.Isolation{
			Window:    policy.Days(p.Isolation.DayStartIsolation, p.Isolation.DaysIsolationLasts, TicksPerDay),
			Rate:      p.Isolation.ProportionIsolated,
			After:     p.Isolation.AfterIsolation,
			Effective: p.Isolation.ProbIsolationEffective,
		},
		Distancing: policy.Distancing{
			Window:   policy.Days(p.Distancing.DayDistancingStart, p.Distancing.DaysDistancingLasts, TicksPerDay),
			Distance: p.Distancing.SocialDistance,
		},
		Testing: testing,
		Tracing: policy.Tracing{
			Window: policy.Days(p.Tracing.DayTracingStart, p.Tracing.DaysTracingLasts, TicksPerDay),
		},
		Vaccination: policy.Vaccination{
			Window:           policy.Span(p.VaccineRollout.DayVaccinationBegin, p.VaccineRollout.DayVaccinationEnd, TicksPerDay),
			Effectiveness:    p.VaccineRollout.Effectiveness,
			DistributionRate: p.VaccineRollout.DistributionRate,
			CostPerVaccine:   p.VaccineRollout.CostPerVaccine,
		},
		Ingress: policy.Ingress{
			Window:       policy.Days(p.MassIngress.NewAgentStart, p.MassIngress.NewAgentLasts, TicksPerDay),
			Count:        int(p.MassIngress.NewAgentProportion * float64(n)),
			AgeMean:      p.MassIngress.NewAgentAgeMean,
			PropInfected: p.MassIngress.NewAgentPropInfected,
		},
	}
}

func demographics(sc *config.Scenario) (agents.Demographics, error) {
	var d agents.Demographics
	var err error
	if d.AgeShare, err = sc.Model.Distributions.AgeShares(); err != nil {
		return d, fmt.Errorf("%w: distributions: %v", config.ErrInvalid, err)
	}
	if d.SexShare, err = sc.Model.Distributions.SexShares(); err != nil {
		return d, fmt.Errorf("%w: distributions: %v", config.ErrInvalid, err)
	}
	if d.AgeMortality, err = sc.Model.Mortalities.AgeFactors(); err != nil {
		return d, fmt.Errorf("%w: mortalities: %v", config.ErrInvalid, err)
	}
	if d.SexMortality, err = sc.Model.Mortalities.SexFactors(); err != nil {
		return d, fmt.Errorf("%w: mortalities: %v", config.ErrInvalid, err)
	}
	return d, nil
}

// add registers an agent with the schedule and places it on the grid at a.Pos.
func (m *Model) add(a *agents.Agent) {
	m.Agents = append(m.Agents, a)
	m.index[a.ID] = a
	m.Grid.Place(uint64(a.ID), a.Pos)
	m.State.NumAgents = len(m.Agents)
	m.census = nil
}

// seedInfections exposes ⌊N·prop_initial_infected⌋ distinct agents, chosen
// uniformly, to the initial variant.
func (m *Model) seedInfections() {
	k := int(float64(m.Params.InitialAgents) * m.Params.PropInitialInfected)
	if k > len(m.Agents) {
		k = len(m.Agents)
	}
	perm := make([]int, len(m.Agents))
	for i := range perm {
		perm[i] = i
	}
	for i := 0; i < k; i++ {
		j := i + m.rng.IntN(len(perm)-i)
		perm[i], perm[j] = perm[j], perm[i]
		a := m.Agents[perm[i]]
		a.Stage = agents.StageExposed
		a.Variant = m.Params.InitialVariant
		m.State.GenerallyInfected++
	}
}

// Agent looks an agent up by id.
func (m *Model) Agent(id agents.AgentID) (*agents.Agent, bool) {
	a, ok := m.index[id]
	return a, ok
}

// Variants returns the model's variant table.
func (m *Model) Variants() *variants.Table { return m.variants }

// Registry returns the model's reporter registry.
func (m *Model) Registry() *Registry { return m.registry }

// Contacts returns the agents a recorded while contagious, in id order.
func (m *Model) Contacts(id agents.AgentID) []agents.AgentID {
	return sortedIDs(m.tracing[id])
}

// Day returns the current simulated day.
func (m *Model) Day() int { return m.State.StepNo / TicksPerDay }
