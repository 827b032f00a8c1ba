package policy

import (
	"errors"
	"fmt"
	"sort"
)

// Kind names a policy family a timed override can target.
type Kind string

const (
	KindIsolation   Kind = "isolation"
	KindDistancing  Kind = "distancing"
	KindTesting     Kind = "testing"
	KindTracing     Kind = "tracing"
	KindVaccination Kind = "vaccination"
)

// ErrConflict is returned for duplicate defaults or overlapping overrides.
var ErrConflict = errors.New("policy conflict")

// Timed is one scheduled override. Start and Duration are in days.
type Timed struct {
	Kind     Kind               `yaml:"policy_type" json:"policy_type"`
	Default  bool               `yaml:"is_default" json:"is_default"`
	Start    float64            `yaml:"start_time" json:"start_time"`
	Duration float64            `yaml:"duration" json:"duration"`
	Spec     map[string]float64 `yaml:"spec" json:"spec"`
}

// Window returns the override's tick window.
func (p Timed) Window(ticksPerDay int) Window {
	return Days(p.Start, p.Duration, ticksPerDay)
}

func (p Timed) validate() error {
	switch p.Kind {
	case KindIsolation, KindDistancing, KindTesting, KindTracing, KindVaccination:
	default:
		return fmt.Errorf("unknown policy type %q", p.Kind)
	}
	if p.Start < 0 || p.Duration < 0 {
		return fmt.Errorf("%s policy: negative start or duration", p.Kind)
	}
	return nil
}

// Handler applies defaults at init and dispatches timed overrides by tick.
type Handler struct {
	policies    []Timed
	ticksPerDay int
	baseline    Set
}

// NewHandler validates a schedule. Two defaults of the same kind, or two
// overrides of the same kind whose windows overlap, are rejected.
func NewHandler(policies []Timed, ticksPerDay int) (*Handler, error) {
	h := &Handler{ticksPerDay: ticksPerDay}
	for _, p := range policies {
		if err := p.validate(); err != nil {
			return nil, err
		}
		h.policies = append(h.policies, p)
	}
	if err := h.checkUniqueDefaults(); err != nil {
		return nil, err
	}
	if err := h.checkOverlaps(); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *Handler) checkUniqueDefaults() error {
	seen := map[Kind]bool{}
	for _, p := range h.policies {
		if !p.Default {
			continue
		}
		if seen[p.Kind] {
			return fmt.Errorf("%w: two default %s policies", ErrConflict, p.Kind)
		}
		seen[p.Kind] = true
	}
	return nil
}

func (h *Handler) checkOverlaps() error {
	for i, p := range h.policies {
		if p.Default {
			continue
		}
		pw := p.Window(h.ticksPerDay)
		for j, m := range h.policies {
			if i == j || m.Default || m.Kind != p.Kind {
				continue
			}
			mw := m.Window(h.ticksPerDay)
			if pw.Start == mw.Start || (pw.Start > mw.Start && pw.Start < mw.End) {
				return fmt.Errorf("%w: %s policies %s and %s overlap", ErrConflict, p.Kind, pw, mw)
			}
		}
	}
	return nil
}

// Len returns the number of scheduled policies, defaults included.
func (h *Handler) Len() int { return len(h.policies) }

// ApplyDefaults applies every default policy to s and remembers the result as
// the state overrides revert to.
func (h *Handler) ApplyDefaults(s *Set) {
	for _, p := range h.policies {
		if p.Default {
			h.apply(p, s)
		}
	}
	h.baseline = *s
}

// SetBaseline replaces the state overrides revert to, e.g. after a restore.
func (h *Handler) SetBaseline(s Set) { h.baseline = s }

// Baseline returns the state overrides revert to.
func (h *Handler) Baseline() Set { return h.baseline }

// Dispatch reverts overrides whose window ends at tick, then applies those
// starting at tick, in schedule order. It returns the policies it touched.
func (h *Handler) Dispatch(tick int, s *Set) (ended, started []Timed) {
	for _, p := range h.policies {
		if !p.Default && p.Window(h.ticksPerDay).End == tick {
			h.revert(p.Kind, s)
			ended = append(ended, p)
		}
	}
	for _, p := range h.policies {
		if !p.Default && p.Window(h.ticksPerDay).Start == tick {
			h.apply(p, s)
			started = append(started, p)
		}
	}
	return ended, started
}

// Active returns the non-default overrides whose window contains tick.
func (h *Handler) Active(tick int) []Timed {
	var out []Timed
	for _, p := range h.policies {
		if !p.Default && p.Window(h.ticksPerDay).Contains(tick) {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

func (h *Handler) revert(k Kind, s *Set) {
	switch k {
	case KindIsolation:
		s.Isolation = h.baseline.Isolation
	case KindDistancing:
		s.Distancing = h.baseline.Distancing
	case KindTesting:
		s.Testing = h.baseline.Testing
	case KindTracing:
		s.Tracing = h.baseline.Tracing
	case KindVaccination:
		s.Vaccination = h.baseline.Vaccination
	}
}

func (h *Handler) apply(p Timed, s *Set) {
	w := p.Window(h.ticksPerDay)
	set := func(dst *float64, key string) {
		if v, ok := p.Spec[key]; ok {
			*dst = v
		}
	}
	switch p.Kind {
	case KindIsolation:
		s.Isolation.Window = w
		set(&s.Isolation.Rate, "isolation_rate")
		set(&s.Isolation.Rate, "proportion_isolated")
		set(&s.Isolation.After, "after_isolation")
		set(&s.Isolation.Effective, "prob_isolation_effective")
	case KindDistancing:
		s.Distancing.Window = w
		set(&s.Distancing.Distance, "social_distance")
	case KindTesting:
		s.Testing.Window = w
		if v, ok := p.Spec["proportion_detected"]; ok {
			s.Testing.Rate = 0
			if n := w.Len(); n > 0 {
				s.Testing.Rate = v / float64(n)
			}
		}
	case KindTracing:
		s.Tracing.Window = w
	case KindVaccination:
		s.Vaccination.Window = w
		set(&s.Vaccination.Effectiveness, "effectiveness")
		set(&s.Vaccination.DistributionRate, "distribution_rate")
		set(&s.Vaccination.CostPerVaccine, "cost_per_vaccine")
	}
}
