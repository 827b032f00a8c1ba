package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/talgya/covidsim/internal/agents"
	"github.com/talgya/covidsim/internal/policy"
	"github.com/talgya/covidsim/internal/variants"
)

// ErrInvalid marks every configuration error.
var ErrInvalid = errors.New("invalid configuration")

//go:embed scenario.schema.json
var schemaSource string

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = jsonschema.CompileString("scenario.schema.json", schemaSource)
	})
	return schema, schemaErr
}

// validateSchema checks the raw document structure. YAML input is normalized
// through JSON so the validator only ever sees JSON value types.
func validateSchema(data []byte) error {
	s, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile scenario schema: %w", err)
	}
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// ValidateDocument runs only the schema layer, for tooling.
func ValidateDocument(data []byte) error { return validateSchema(data) }

const shareTolerance = 1e-6

// Validate checks the semantic rules the schema cannot express.
func (s *Scenario) Validate() error {
	var errs []string
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if _, err := s.Model.Distributions.AgeShares(); err != nil {
		bad("distributions: %v", err)
	}
	if _, err := s.Model.Distributions.SexShares(); err != nil {
		bad("distributions: %v", err)
	}
	if _, err := s.Model.Mortalities.ageVector(); err != nil {
		bad("mortalities: %v", err)
	}
	if _, err := s.Model.Mortalities.sexVector(); err != nil {
		bad("mortalities: %v", err)
	}
	if _, err := s.Model.Value.Matrix(); err != nil {
		bad("value: %v", err)
	}

	e := s.Model.Epidemiology
	if e.NumAgents <= 0 || e.Width <= 0 || e.Height <= 0 {
		bad("epidemiology: num_agents, width and height must be positive")
	}

	p := s.Model.Policies
	for name, d := range map[string]float64{
		"days_isolation_lasts":  p.Isolation.DaysIsolationLasts,
		"days_distancing_lasts": p.Distancing.DaysDistancingLasts,
		"days_testing_lasts":    p.Testing.DaysTestingLasts,
		"days_tracing_lasts":    p.Tracing.DaysTracingLasts,
		"new_agent_lasts":       p.MassIngress.NewAgentLasts,
	} {
		if d < 0 {
			bad("policies: negative duration %s", name)
		}
	}
	if p.VaccineRollout.DayVaccinationEnd < p.VaccineRollout.DayVaccinationBegin {
		bad("policies: vaccination ends before it begins")
	}
	if _, err := policy.NewHandler(p.Schedule, agents.TicksPerDay); err != nil {
		bad("policies.schedule: %v", err)
	}

	o := s.Output
	if o.ModelStorage < StorageNever || o.ModelStorage > StorageFinal {
		bad("output: model_storage %d out of range", o.ModelStorage)
	}
	if o.AgentStorage < 0 || o.AgentStorage > StorageFinal {
		bad("output: agent_storage %d out of range", o.AgentStorage)
	}
	if o.ModelStorage == StorageIncrement && o.ModelIncrement <= 0 {
		bad("output: model_increment must be positive")
	}
	if o.AgentStorage == StorageIncrement && o.AgentIncrement <= 0 {
		bad("output: agent_increment must be positive")
	}
	switch o.CheckpointFormat {
	case "", "binary", "csv":
	default:
		bad("output: unknown checkpoint_format %q", o.CheckpointFormat)
	}

	if s.Ensemble.Runs <= 0 || s.Ensemble.Steps <= 0 {
		bad("ensemble: runs and steps must be positive")
	}
	if _, err := s.Ensemble.TimeoutDuration(); err != nil {
		bad("ensemble: timeout: %v", err)
	}

	switch s.Movement.Mode {
	case "", "moore", "field":
	default:
		bad("movement: unknown mode %q", s.Movement.Mode)
	}

	if s.Model.Initialization.LoadFromFile && s.Model.Initialization.LoadingFilePath == "" {
		bad("initialization: load_from_file set without loading_file_path")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(errs, "; "))
	}
	return nil
}

// CheckVariants verifies every variant the scenario names is in the table.
func (s *Scenario) CheckVariants(t *variants.Table) error {
	if v := s.Model.Epidemiology.InitialVariant; v != "" && !t.Has(v) {
		return fmt.Errorf("%w: initial_variant: %w", ErrInvalid, fmt.Errorf("%w %q", variants.ErrUnknown, v))
	}
	return nil
}

// AgeShares returns age shares youngest first; they must sum to 1.
func (d Demography) AgeShares() ([agents.NumAgeGroups]float64, error) {
	v, err := d.ageVector()
	if err != nil {
		return v, err
	}
	return v, checkSum("age", v[:])
}

// SexShares returns the male and female shares; they must sum to 1.
func (d Demography) SexShares() ([2]float64, error) {
	v, err := d.sexVector()
	if err != nil {
		return v, err
	}
	return v, checkSum("sex", v[:])
}

// AgeFactors returns per-bucket mortality factors.
func (d Demography) AgeFactors() ([agents.NumAgeGroups]float64, error) { return d.ageVector() }

// SexFactors returns male and female mortality factors.
func (d Demography) SexFactors() ([2]float64, error) { return d.sexVector() }

func (d Demography) ageVector() ([agents.NumAgeGroups]float64, error) {
	var v [agents.NumAgeGroups]float64
	for _, g := range agents.AgeGroups {
		x, ok := d.Age[g.Key()]
		if !ok {
			return v, fmt.Errorf("missing age key %q", g.Key())
		}
		v[g] = x
	}
	return v, nil
}

func (d Demography) sexVector() ([2]float64, error) {
	var v [2]float64
	for i, sx := range agents.Sexes {
		x, ok := d.Sex[sx.Key()]
		if !ok {
			return v, fmt.Errorf("missing sex key %q", sx.Key())
		}
		v[i] = x
	}
	return v, nil
}

func checkSum(name string, v []float64) error {
	sum := 0.0
	for _, x := range v {
		if x < 0 {
			return fmt.Errorf("%s share is negative", name)
		}
		sum += x
	}
	if math.Abs(sum-1) > shareTolerance {
		return fmt.Errorf("%s shares sum to %.6f, not 1", name, sum)
	}
	return nil
}

// Matrix converts the value section into a stage-indexed matrix.
func (v Value) Matrix() (agents.ValueMatrix, error) {
	var m agents.ValueMatrix
	for _, st := range agents.Stages {
		key := strings.ToLower(st.String())
		priv, ok := v.Private[key]
		if !ok {
			return m, fmt.Errorf("missing private value for %q", key)
		}
		publ, ok := v.Public[key]
		if !ok {
			return m, fmt.Errorf("missing public value for %q", key)
		}
		m.Private[st] = priv
		m.Public[st] = publ
	}
	return m, nil
}
