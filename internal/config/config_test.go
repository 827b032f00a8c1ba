package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/talgya/covidsim/internal/policy"
	"github.com/talgya/covidsim/internal/variants"
)

func TestDefaultRoundTripsThroughYAML(t *testing.T) {
	data, err := Default().Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	sc, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse(Default): %v", err)
	}
	if sc.Model.Epidemiology.NumAgents != 1000 || sc.Ensemble.Runs != 4 {
		t.Errorf("decoded %+v", sc.Model.Epidemiology)
	}
	if got := sc.Model.Distributions.Age["80+"]; got != 0.04 {
		t.Errorf(`distributions.age."80+" = %v`, got)
	}
}

func TestLoadJSON(t *testing.T) {
	raw, err := json.Marshal(Default())
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "scenario.json")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}
	sc, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if sc.Location != "Baseline town" || sc.Model.Policies.Isolation.DayStartIsolation != 14 {
		t.Errorf("decoded %q / %v", sc.Location, sc.Model.Policies.Isolation)
	}
	if !sc.Model.Epidemiology.Wraps() {
		t.Error("torus should default to true")
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Scenario)
		want   string
	}{
		{"age shares", func(s *Scenario) { s.Model.Distributions.Age["80+"] = 0.5 }, "distributions"},
		{"missing age key", func(s *Scenario) { delete(s.Model.Mortalities.Age, "00-09") }, "mortalities"},
		{"negative duration", func(s *Scenario) { s.Model.Policies.Testing.DaysTestingLasts = -1 }, "days_testing_lasts"},
		{"vaccination order", func(s *Scenario) { s.Model.Policies.VaccineRollout.DayVaccinationEnd = 10 }, "vaccination ends"},
		{"model storage", func(s *Scenario) { s.Output.ModelStorage = 7 }, "model_storage"},
		{"agent storage", func(s *Scenario) { s.Output.AgentStorage = -1 }, "agent_storage"},
		{"increment", func(s *Scenario) {
			s.Output.ModelStorage = StorageIncrement
			s.Output.ModelIncrement = 0
		}, "model_increment"},
		{"checkpoint format", func(s *Scenario) { s.Output.CheckpointFormat = "xml" }, "checkpoint_format"},
		{"timeout", func(s *Scenario) { s.Ensemble.Timeout = "soon" }, "timeout"},
		{"reload path", func(s *Scenario) { s.Model.Initialization.LoadFromFile = true }, "loading_file_path"},
		{"two defaults", func(s *Scenario) {
			s.Model.Policies.Schedule = []policy.Timed{
				{Kind: policy.KindTesting, Default: true, Spec: map[string]float64{"rate": 0.1}},
				{Kind: policy.KindTesting, Default: true, Spec: map[string]float64{"rate": 0.2}},
			}
		}, "schedule"},
		{"overlap", func(s *Scenario) {
			s.Model.Policies.Schedule = []policy.Timed{
				{Kind: policy.KindIsolation, Start: 10, Duration: 10},
				{Kind: policy.KindIsolation, Start: 15, Duration: 10},
			}
		}, "schedule"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := Default()
			tt.mutate(sc)
			err := sc.Validate()
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("Validate() = %v, want ErrInvalid", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestSchemaRejectsStructure(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not an object", `[1, 2]`},
		{"missing model", `{"output": {}, "ensemble": {"runs": 1, "steps": 1}}`},
		{"bad mode", `{"model": {}, "output": {}, "ensemble": {"runs": 1, "steps": 1}, "movement": {"mode": "teleport"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateDocument([]byte(tt.doc)); !errors.Is(err, ErrInvalid) {
				t.Errorf("ValidateDocument = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestCheckVariants(t *testing.T) {
	tab, err := variants.NewTable(variants.Variant{Name: "Delta", ContagionMult: 2, VaccineMult: 1, AsymptomaticMult: 1, MortalityMult: 1})
	if err != nil {
		t.Fatal(err)
	}
	sc := Default()
	sc.Model.Epidemiology.InitialVariant = "Delta"
	if err := sc.CheckVariants(tab); err != nil {
		t.Errorf("known variant rejected: %v", err)
	}
	sc.Model.Epidemiology.InitialVariant = "Omicron"
	err = sc.CheckVariants(tab)
	if !errors.Is(err, ErrInvalid) || !errors.Is(err, variants.ErrUnknown) {
		t.Errorf("CheckVariants = %v, want ErrInvalid wrapping ErrUnknown", err)
	}
}

func TestTimeoutDuration(t *testing.T) {
	e := Ensemble{Timeout: "90s"}
	d, err := e.TimeoutDuration()
	if err != nil || d.Seconds() != 90 {
		t.Errorf("TimeoutDuration = %v, %v", d, err)
	}
	if d, err := (Ensemble{}).TimeoutDuration(); err != nil || d != 0 {
		t.Errorf("empty timeout = %v, %v", d, err)
	}
}
