package checkpoint

import (
	"encoding/base64"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/talgya/covidsim/internal/agents"
	"github.com/talgya/covidsim/internal/engine"
)

// Model columns beyond the scalar state.
const (
	colVersion  = "Model.version"
	colRunID    = "Model.run_id"
	colPolicies = "Model.policies"
	colBaseline = "Model.baseline"
	colRNG      = "Model.rng"
	colVariants = "Model.variants"
	colCells    = "Model.cells"
)

// WriteCSV stores snap at path as a header row and one value row: Step,
// Iteration, the model reporters, the Model.<field> columns, then "Agent i a"
// for every agent i and attribute a.
func WriteCSV(path, runID string, snap *engine.Snapshot) (int64, error) {
	header, row, err := csvRecord(runID, snap)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, err
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, err
	}
	w := csv.NewWriter(f)
	_ = w.Write(header)
	_ = w.Write(row)
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return 0, err
	}
	if err := f.Close(); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp, path); err != nil {
		return 0, err
	}
	st, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

func csvRecord(runID string, snap *engine.Snapshot) (header, row []string, err error) {
	add := func(name, value string) {
		header = append(header, name)
		row = append(row, value)
	}
	addJSON := func(name string, v any) {
		if err != nil {
			return
		}
		var b []byte
		if b, err = json.Marshal(v); err == nil {
			add(name, string(b))
		}
	}

	add("Step", strconv.Itoa(snap.State.StepNo))
	add("Iteration", strconv.Itoa(snap.Iteration))
	for i, name := range snap.Reporters {
		add(name, strconv.FormatFloat(snap.Reports[i], 'g', -1, 64))
	}
	add(colVersion, strconv.Itoa(Version))
	add(colRunID, runID)

	state, err := json.Marshal(snap.State)
	if err != nil {
		return nil, nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(state, &fields); err != nil {
		return nil, nil, err
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		add("Model."+k, string(fields[k]))
	}

	addJSON(colPolicies, snap.Policies)
	addJSON(colBaseline, snap.Baseline)
	add(colRNG, base64.StdEncoding.EncodeToString(snap.RNG))
	addJSON(colVariants, snap.Variants)
	addJSON(colCells, snap.Cells)
	if err != nil {
		return nil, nil, err
	}

	schema := agents.Schema()
	for i := range snap.Agents {
		a := &snap.Agents[i]
		values := a.Fields(snap.Contacts[a.ID])
		for j, attr := range schema {
			add(fmt.Sprintf("Agent %d %s", i, attr), values[j])
		}
	}
	return header, row, nil
}

// ReadCSV loads a CSV checkpoint.
func ReadCSV(path string) (*engine.Snapshot, Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return nil, h, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, h, fmt.Errorf("read %s: %w", path, err)
	}
	if len(records) < 2 || len(records[0]) != len(records[1]) {
		return nil, h, fmt.Errorf("%s: want a header row and one value row of equal width", path)
	}
	return parseRecord(records[0], records[1])
}

func parseRecord(header, row []string) (*engine.Snapshot, Header, error) {
	h := Header{Version: -1}
	cols := make(map[string]string, len(header))
	type agentCol struct {
		index int
		attr  string
		value string
	}
	var (
		agentCols []agentCol
		reporters []string
	)
	maxAgent := -1
	for i, name := range header {
		if rest, ok := strings.CutPrefix(name, "Agent "); ok {
			idx, attr, ok := strings.Cut(rest, " ")
			n, err := strconv.Atoi(idx)
			if !ok || err != nil {
				return nil, h, fmt.Errorf("bad agent column %q", name)
			}
			agentCols = append(agentCols, agentCol{n, attr, row[i]})
			maxAgent = max(maxAgent, n)
			continue
		}
		cols[name] = row[i]
		if name != "Step" && name != "Iteration" && !strings.HasPrefix(name, "Model.") {
			reporters = append(reporters, name)
		}
	}

	var err error
	if h.Version, err = strconv.Atoi(cols[colVersion]); err != nil {
		return nil, h, fmt.Errorf("%w: missing or bad %s", ErrVersion, colVersion)
	}
	if h.Version != Version {
		return nil, h, fmt.Errorf("%w: version %d, want %d", ErrVersion, h.Version, Version)
	}
	h.RunID = cols[colRunID]
	if h.Step, err = strconv.Atoi(cols["Step"]); err != nil {
		return nil, h, fmt.Errorf("bad Step column: %w", err)
	}
	if h.Iteration, err = strconv.Atoi(cols["Iteration"]); err != nil {
		return nil, h, fmt.Errorf("bad Iteration column: %w", err)
	}

	snap := &engine.Snapshot{Iteration: h.Iteration, Reporters: reporters}
	snap.Reports = make([]float64, len(reporters))
	for i, name := range reporters {
		if snap.Reports[i], err = strconv.ParseFloat(cols[name], 64); err != nil {
			return nil, h, fmt.Errorf("reporter %s: %w", name, err)
		}
	}

	state := make(map[string]json.RawMessage)
	for name, v := range cols {
		k, ok := strings.CutPrefix(name, "Model.")
		if !ok || isExtra(name) {
			continue
		}
		state[k] = json.RawMessage(v)
	}
	b, err := json.Marshal(state)
	if err != nil {
		return nil, h, err
	}
	if err := json.Unmarshal(b, &snap.State); err != nil {
		return nil, h, fmt.Errorf("model state: %w", err)
	}
	if snap.State.StepNo != h.Step {
		return nil, h, fmt.Errorf("%w: Step column %d, Model.stepno %d", ErrMismatch, h.Step, snap.State.StepNo)
	}

	for _, c := range []struct {
		col string
		dst any
	}{
		{colPolicies, &snap.Policies},
		{colBaseline, &snap.Baseline},
		{colVariants, &snap.Variants},
		{colCells, &snap.Cells},
	} {
		v, ok := cols[c.col]
		if !ok || v == "" {
			continue
		}
		if err := json.Unmarshal([]byte(v), c.dst); err != nil {
			return nil, h, fmt.Errorf("%s: %w", c.col, err)
		}
	}
	if snap.RNG, err = base64.StdEncoding.DecodeString(cols[colRNG]); err != nil {
		return nil, h, fmt.Errorf("%s: %w", colRNG, err)
	}

	schema := agents.Schema()
	pos := make(map[string]int, len(schema))
	for i, name := range schema {
		pos[name] = i
	}
	rows := make([][]string, maxAgent+1)
	for i := range rows {
		rows[i] = make([]string, len(schema))
	}
	for _, c := range agentCols {
		j, ok := pos[c.attr]
		if !ok {
			return nil, h, fmt.Errorf("agent %d: unknown attribute %q", c.index, c.attr)
		}
		rows[c.index][j] = c.value
	}

	snap.Agents = make([]agents.Agent, len(rows))
	snap.Contacts = make(map[agents.AgentID][]agents.AgentID)
	for i, values := range rows {
		a, contacts, err := agents.ParseFields(values)
		if err != nil {
			return nil, h, fmt.Errorf("agent %d: %w", i, err)
		}
		snap.Agents[i] = *a
		if len(contacts) > 0 {
			snap.Contacts[a.ID] = contacts
		}
	}
	return snap, h, nil
}

func isExtra(name string) bool {
	switch name {
	case colVersion, colRunID, colPolicies, colBaseline, colRNG, colVariants, colCells:
		return true
	}
	return false
}
