package variants

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const descriptorJSON = `{
  "variant": {
    "Standard": {"Name": "Standard", "Appearance": 0, "Contagtion_Multiplier": 1,
      "Vaccine_Multiplier": 1, "Asymtpomatic_Multiplier": 1, "Mortality_Multiplier": 1, "Reinfection": false},
    "Delta": {"Name": "Delta", "Appearance": 45, "Contagion_Multiplier": 2.5,
      "Vaccine_Multiplier": 1.3, "Asymptomatic_Multiplier": 0.8, "Mortality_Multiplier": 1.5, "Reinfection": true},
    "Alpha": {"Name": "Alpha", "Appearance": 30, "Contagtion_Multiplier": 3.0,
      "Vaccine_Multiplier": 1, "Asymtpomatic_Multiplier": 1, "Mortality_Multiplier": 1, "Reinfection": false}
  }
}`

func TestParseKeepsOrderAndSpellings(t *testing.T) {
	tab, err := Parse([]byte(descriptorJSON))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	names := tab.Names()
	want := []string{"Standard", "Delta", "Alpha"}
	if len(names) != len(want) {
		t.Fatalf("names = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("names = %v, want %v", names, want)
		}
	}

	delta := tab.Get("Delta")
	if delta.ContagionMult != 2.5 || delta.AsymptomaticMult != 0.8 || !delta.Reinfection {
		t.Errorf("corrected spellings not read: %+v", delta)
	}
	alpha := tab.Get("Alpha")
	if alpha.ContagionMult != 3.0 || alpha.AppearanceTick(96) != 30*96 {
		t.Errorf("historical spellings not read: %+v", alpha)
	}
}

func TestStandardAlwaysPresent(t *testing.T) {
	tab, err := Parse([]byte("variant:\n  Alpha:\n    Appearance: 3\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if tab.Names()[0] != Standard {
		t.Fatalf("first variant = %q, want Standard", tab.Names()[0])
	}
	if a := tab.Get("Alpha"); a.Name != "Alpha" || a.ContagionMult != 1 {
		t.Fatalf("defaults not applied from key: %+v", a)
	}
}

func TestLookupUnknown(t *testing.T) {
	tab, _ := NewTable()
	if _, err := tab.Lookup("Omicron"); !errors.Is(err, ErrUnknown) {
		t.Fatalf("Lookup error = %v, want ErrUnknown", err)
	}
	if tab.Get("Omicron").Name != Standard {
		t.Fatal("Get did not fall back to Standard")
	}
}

func TestRejectsBadTables(t *testing.T) {
	tests := []struct {
		name string
		vs   []Variant
	}{
		{"duplicate", []Variant{{Name: "A"}, {Name: "A"}}},
		{"negative appearance", []Variant{{Name: "A", Appearance: -1}}},
		{"negative multiplier", []Variant{{Name: "A", MortalityMult: -0.5}}},
		{"empty name", []Variant{{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewTable(tt.vs...); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "variants.json")
	if err := os.WriteFile(path, []byte(descriptorJSON), 0o644); err != nil {
		t.Fatal(err)
	}
	tab, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if tab.Len() != 3 {
		t.Fatalf("Len = %d, want 3", tab.Len())
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("loading a missing file succeeded")
	}
}
