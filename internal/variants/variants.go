// Package variants loads and holds the table of virus variants a model runs with.
package variants

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Standard is the baseline variant every table contains.
const Standard = "Standard"

// ErrUnknown is returned when a variant name is not in the table.
var ErrUnknown = errors.New("unknown variant")

// Variant describes one strain's multipliers and when it appears.
type Variant struct {
	Name             string  `json:"name"`
	Appearance       float64 `json:"appearance"` // day the variant is seeded
	ContagionMult    float64 `json:"contagion_multiplier"`
	VaccineMult      float64 `json:"vaccine_multiplier"`
	AsymptomaticMult float64 `json:"asymptomatic_multiplier"`
	MortalityMult    float64 `json:"mortality_multiplier"`
	Reinfection      bool    `json:"reinfection"`
}

// Baseline returns the Standard variant with neutral multipliers.
func Baseline() Variant {
	return Variant{
		Name:             Standard,
		ContagionMult:    1,
		VaccineMult:      1,
		AsymptomaticMult: 1,
		MortalityMult:    1,
	}
}

// AppearanceTick converts the appearance day to a tick.
func (v Variant) AppearanceTick(ticksPerDay int) int {
	return int(v.Appearance * float64(ticksPerDay))
}

// Table is an ordered, read-only set of variants.
type Table struct {
	order  []string
	byName map[string]Variant
}

// NewTable builds a table in the given order. Standard is prepended with neutral
// multipliers when absent.
func NewTable(vs ...Variant) (*Table, error) {
	t := &Table{byName: make(map[string]Variant, len(vs)+1)}
	hasStandard := false
	for _, v := range vs {
		if v.Name == Standard {
			hasStandard = true
		}
	}
	if !hasStandard {
		t.add(Baseline())
	}
	for _, v := range vs {
		if err := v.validate(); err != nil {
			return nil, err
		}
		if _, dup := t.byName[v.Name]; dup {
			return nil, fmt.Errorf("variant %q listed twice", v.Name)
		}
		t.add(v)
	}
	return t, nil
}

func (t *Table) add(v Variant) {
	t.order = append(t.order, v.Name)
	t.byName[v.Name] = v
}

func (v Variant) validate() error {
	if v.Name == "" {
		return errors.New("variant with empty name")
	}
	if v.Appearance < 0 {
		return fmt.Errorf("variant %q: negative appearance day", v.Name)
	}
	for field, x := range map[string]float64{
		"contagion":    v.ContagionMult,
		"vaccine":      v.VaccineMult,
		"asymptomatic": v.AsymptomaticMult,
		"mortality":    v.MortalityMult,
	} {
		if x < 0 {
			return fmt.Errorf("variant %q: negative %s multiplier", v.Name, field)
		}
	}
	return nil
}

// Lookup returns the named variant.
func (t *Table) Lookup(name string) (Variant, error) {
	v, ok := t.byName[name]
	if !ok {
		return Variant{}, fmt.Errorf("%w: %q", ErrUnknown, name)
	}
	return v, nil
}

// Get returns the named variant, falling back to Standard.
func (t *Table) Get(name string) Variant {
	if v, ok := t.byName[name]; ok {
		return v
	}
	return t.byName[Standard]
}

// Has reports whether name is in the table.
func (t *Table) Has(name string) bool {
	_, ok := t.byName[name]
	return ok
}

// Names returns variant names in table order.
func (t *Table) Names() []string {
	return append([]string(nil), t.order...)
}

// All returns the variants in table order.
func (t *Table) All() []Variant {
	out := make([]Variant, len(t.order))
	for i, n := range t.order {
		out[i] = t.byName[n]
	}
	return out
}

// Len returns the number of variants.
func (t *Table) Len() int { return len(t.order) }

// descriptor accepts both the historical key spellings and corrected ones.
type descriptor struct {
	Name        string   `yaml:"Name"`
	Appearance  float64  `yaml:"Appearance"`
	Contagion   *float64 `yaml:"Contagtion_Multiplier"`
	Contagion2  *float64 `yaml:"Contagion_Multiplier"`
	Vaccine     *float64 `yaml:"Vaccine_Multiplier"`
	Asym        *float64 `yaml:"Asymtpomatic_Multiplier"`
	Asym2       *float64 `yaml:"Asymptomatic_Multiplier"`
	Mortality   *float64 `yaml:"Mortality_Multiplier"`
	Reinfection bool     `yaml:"Reinfection"`
}

func (d descriptor) variant(key string) Variant {
	v := Baseline()
	v.Name = d.Name
	if v.Name == "" {
		v.Name = key
	}
	v.Appearance = d.Appearance
	v.Reinfection = d.Reinfection
	pick := func(dst *float64, ps ...*float64) {
		for _, p := range ps {
			if p != nil {
				*dst = *p
				return
			}
		}
	}
	pick(&v.ContagionMult, d.Contagion, d.Contagion2)
	pick(&v.VaccineMult, d.Vaccine)
	pick(&v.AsymptomaticMult, d.Asym, d.Asym2)
	pick(&v.MortalityMult, d.Mortality)
	return v
}

// Parse decodes a variant descriptor document (JSON or YAML) of the form
// {"variant": {"<name>": {...}}}, keeping document order.
func Parse(data []byte) (*Table, error) {
	var doc struct {
		Variant yaml.Node `yaml:"variant"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse variants: %w", err)
	}
	if doc.Variant.Kind == 0 {
		return NewTable()
	}
	if doc.Variant.Kind != yaml.MappingNode {
		return nil, errors.New(`parse variants: "variant" must be a mapping`)
	}

	var vs []Variant
	content := doc.Variant.Content
	for i := 0; i+1 < len(content); i += 2 {
		key := content[i].Value
		var d descriptor
		if err := content[i+1].Decode(&d); err != nil {
			return nil, fmt.Errorf("parse variant %q: %w", key, err)
		}
		vs = append(vs, d.variant(key))
	}
	return NewTable(vs...)
}

// Load reads a variant descriptor file.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read variants: %w", err)
	}
	return Parse(data)
}
