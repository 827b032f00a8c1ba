package agents

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/talgya/covidsim/internal/world"
)

// ContactsField is the schema column whose value lives in the model's tracing
// graph rather than on the agent.
const ContactsField = "contacts"

type field struct {
	name   string
	format func(a *Agent) string
	parse  func(a *Agent, v string) error
}

// schema is the fixed agent row layout shared by agent tables and CSV
// checkpoints. Order is part of the format.
var schema = []field{
	{"unique_id", func(a *Agent) string { return strconv.FormatUint(uint64(a.ID), 10) }, func(a *Agent, v string) error {
		n, err := strconv.ParseUint(v, 10, 64)
		a.ID = AgentID(n)
		return err
	}},
	{"stage", func(a *Agent) string { return a.Stage.Label() }, func(a *Agent, v string) (err error) {
		a.Stage, err = ParseStage(v)
		return err
	}},
	{"age_group", func(a *Agent) string { return a.Age.Label() }, func(a *Agent, v string) (err error) {
		a.Age, err = ParseAgeGroup(v)
		return err
	}},
	{"sex_group", func(a *Agent) string { return a.Sex.Label() }, func(a *Agent, v string) (err error) {
		a.Sex, err = ParseSex(v)
		return err
	}},
	boolField("vaccine_willingness", func(a *Agent) *bool { return &a.VaccineWillingness }),
	intField("incubation_time", func(a *Agent) *int { return &a.IncubationTarget }),
	intField("dwelling_time", func(a *Agent) *int { return &a.DwellingTarget }),
	intField("recovery_time", func(a *Agent) *int { return &a.RecoveryTarget }),
	floatField("prob_contagion", func(a *Agent) *float64 { return &a.ProbContagion }),
	floatField("mortality_value", func(a *Agent) *float64 { return &a.MortalityValue }),
	floatField("severity_value", func(a *Agent) *float64 { return &a.SeverityValue }),
	intField("curr_dwelling", func(a *Agent) *int { return &a.CurrDwelling }),
	intField("curr_incubation", func(a *Agent) *int { return &a.CurrIncubation }),
	intField("curr_recovery", func(a *Agent) *int { return &a.CurrRecovery }),
	intField("curr_asymptomatic", func(a *Agent) *int { return &a.CurrAsymptomatic }),
	boolField("isolated", func(a *Agent) *bool { return &a.Isolated }),
	boolField("isolated_but_inefficient", func(a *Agent) *bool { return &a.IsolatedButInefficient }),
	floatField("test_chance", func(a *Agent) *float64 { return &a.TestChance }),
	boolField("in_isolation", func(a *Agent) *bool { return &a.InIsolation }),
	boolField("in_distancing", func(a *Agent) *bool { return &a.InDistancing }),
	boolField("in_testing", func(a *Agent) *bool { return &a.InTesting }),
	intField("astep", func(a *Agent) *int { return &a.AStep }),
	boolField("tested", func(a *Agent) *bool { return &a.Tested }),
	boolField("occupying_bed", func(a *Agent) *bool { return &a.OccupyingBed }),
	floatField("cumul_private_value", func(a *Agent) *float64 { return &a.CumulPrivateValue }),
	floatField("cumul_public_value", func(a *Agent) *float64 { return &a.CumulPublicValue }),
	boolField("employed", func(a *Agent) *bool { return &a.Employed }),
	boolField("tested_traced", func(a *Agent) *bool { return &a.TestedTraced }),
	{ContactsField, nil, nil},
	intField("tracing_delay", func(a *Agent) *int { return &a.TracingDelay }),
	intField("tracing_counter", func(a *Agent) *int { return &a.TracingCounter }),
	boolField("vaccinated", func(a *Agent) *bool { return &a.Vaccinated }),
	floatField("safetymultiplier", func(a *Agent) *float64 { return &a.SafetyMultiplier }),
	floatField("current_effectiveness", func(a *Agent) *float64 { return &a.CurrentEffectiveness }),
	intField("vaccination_day", func(a *Agent) *int { return &a.VaccinationDay }),
	intField("vaccine_count", func(a *Agent) *int { return &a.VaccineCount }),
	boolField("dosage_eligible", func(a *Agent) *bool { return &a.DosageEligible }),
	boolField("fully_vaccinated", func(a *Agent) *bool { return &a.FullyVaccinated }),
	{"variant", func(a *Agent) string { return a.Variant }, func(a *Agent, v string) error {
		a.Variant = v
		return nil
	}},
	{"variant_immune", func(a *Agent) string { return FormatImmunity(a.VariantImmune) }, func(a *Agent, v string) (err error) {
		a.VariantImmune, err = ParseImmunity(v)
		return err
	}},
	{"pos", func(a *Agent) string { return a.Pos.String() }, func(a *Agent, v string) (err error) {
		a.Pos, err = world.ParseCoord(v)
		return err
	}},
}

func boolField(name string, ptr func(*Agent) *bool) field {
	return field{
		name:   name,
		format: func(a *Agent) string { return formatBool(*ptr(a)) },
		parse: func(a *Agent, v string) (err error) {
			*ptr(a), err = strconv.ParseBool(v)
			return err
		},
	}
}

func intField(name string, ptr func(*Agent) *int) field {
	return field{
		name:   name,
		format: func(a *Agent) string { return strconv.Itoa(*ptr(a)) },
		parse: func(a *Agent, v string) (err error) {
			*ptr(a), err = strconv.Atoi(v)
			return err
		},
	}
}

func floatField(name string, ptr func(*Agent) *float64) field {
	return field{
		name:   name,
		format: func(a *Agent) string { return strconv.FormatFloat(*ptr(a), 'g', -1, 64) },
		parse: func(a *Agent, v string) (err error) {
			*ptr(a), err = strconv.ParseFloat(v, 64)
			return err
		},
	}
}

func formatBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

// Schema returns the agent attribute names in row order.
func Schema() []string {
	out := make([]string, len(schema))
	for i, f := range schema {
		out[i] = f.name
	}
	return out
}

// Fields renders a in schema order. contacts is the agent's entry in the
// tracing graph.
func (a *Agent) Fields(contacts []AgentID) []string {
	out := make([]string, len(schema))
	for i, f := range schema {
		if f.name == ContactsField {
			out[i] = FormatContacts(contacts)
			continue
		}
		out[i] = f.format(a)
	}
	return out
}

// ParseFields rebuilds an agent from values in schema order and returns the
// contacts column separately.
func ParseFields(values []string) (*Agent, []AgentID, error) {
	if len(values) != len(schema) {
		return nil, nil, fmt.Errorf("agent row has %d fields, schema has %d", len(values), len(schema))
	}
	a := &Agent{}
	var contacts []AgentID
	for i, f := range schema {
		if f.name == ContactsField {
			c, err := ParseContacts(values[i])
			if err != nil {
				return nil, nil, fmt.Errorf("%s: %w", f.name, err)
			}
			contacts = c
			continue
		}
		if err := f.parse(a, values[i]); err != nil {
			return nil, nil, fmt.Errorf("%s: %w", f.name, err)
		}
	}
	return a, contacts, nil
}

// FormatImmunity renders the immunity map as "{'Alpha': False, 'Standard': True}",
// keys sorted.
func FormatImmunity(m map[string]bool) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "'%s': %s", k, formatBool(m[k]))
	}
	b.WriteByte('}')
	return b.String()
}

// ParseImmunity parses the FormatImmunity form.
func ParseImmunity(s string) (map[string]bool, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") || !strings.HasSuffix(s, "}") {
		return nil, fmt.Errorf("immunity %q is not a mapping", s)
	}
	out := make(map[string]bool)
	body := strings.TrimSpace(s[1 : len(s)-1])
	if body == "" {
		return out, nil
	}
	for _, pair := range strings.Split(body, ",") {
		k, v, ok := strings.Cut(pair, ":")
		if !ok {
			return nil, fmt.Errorf("immunity entry %q has no value", pair)
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("immunity entry %q: %w", pair, err)
		}
		out[strings.Trim(strings.TrimSpace(k), `'"`)] = b
	}
	return out, nil
}

// FormatContacts renders a contact set as "{3, 17}".
func FormatContacts(ids []AgentID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatUint(uint64(id), 10)
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// ParseContacts parses the FormatContacts form. "set()" is accepted as empty.
func ParseContacts(s string) ([]AgentID, error) {
	s = strings.TrimSpace(s)
	if s == "set()" || s == "{}" || s == "" {
		return nil, nil
	}
	if !strings.HasPrefix(s, "{") || !strings.HasSuffix(s, "}") {
		return nil, fmt.Errorf("contacts %q is not a set", s)
	}
	var out []AgentID
	for _, p := range strings.Split(s[1:len(s)-1], ",") {
		n, err := strconv.ParseUint(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("contacts %q: %w", s, err)
		}
		out = append(out, AgentID(n))
	}
	return out, nil
}
