// Package policy holds intervention windows and intensities, and the handler
// that switches timed policy overrides on and off during a run.
package policy

import (
	"fmt"
	"math"
)

// Window is a half-open tick interval [Start, End).
type Window struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Days builds a window from a start day and a duration in days.
func Days(startDay, durationDays float64, ticksPerDay int) Window {
	start := int(math.Round(startDay * float64(ticksPerDay)))
	return Window{Start: start, End: start + int(math.Round(durationDays*float64(ticksPerDay)))}
}

// Span builds a window from a start day and an end day.
func Span(startDay, endDay float64, ticksPerDay int) Window {
	return Window{
		Start: int(math.Round(startDay * float64(ticksPerDay))),
		End:   int(math.Round(endDay * float64(ticksPerDay))),
	}
}

// Contains reports whether tick t lies in the window.
func (w Window) Contains(t int) bool { return t >= w.Start && t < w.End }

// Ended reports whether the window closed at or before t.
func (w Window) Ended(t int) bool { return t >= w.End }

// Len returns the window length in ticks, never negative.
func (w Window) Len() int {
	if w.End < w.Start {
		return 0
	}
	return w.End - w.Start
}

func (w Window) String() string { return fmt.Sprintf("[%d, %d)", w.Start, w.End) }

// Isolation is voluntary self-isolation.
type Isolation struct {
	Window
	Rate      float64 `json:"rate"`      // share isolating inside the window
	After     float64 `json:"after"`     // share still isolating once it closes
	Effective float64 `json:"effective"` // chance an isolated agent is actually shielded
}

// Distancing is physical distancing, in meters.
type Distancing struct {
	Window
	Distance float64 `json:"distance"`
}

// Testing is random testing at a per-tick detection rate.
type Testing struct {
	Window
	Rate float64 `json:"rate"`
}

// Tracing is contact tracing of detected cases.
type Tracing struct {
	Window
}

// Vaccination is the vaccine rollout.
type Vaccination struct {
	Window
	Effectiveness    float64 `json:"effectiveness"`     // after the full schedule
	DistributionRate float64 `json:"distribution_rate"` // doses delivered per day
	CostPerVaccine   float64 `json:"cost_per_vaccine"`
}

// Ingress is a mass arrival of new agents.
type Ingress struct {
	Window
	Count        int     `json:"count"`
	AgeMean      float64 `json:"age_mean"` // age bucket index
	PropInfected float64 `json:"prop_infected"`
}

// Set is the complete policy state of a model.
type Set struct {
	Isolation   Isolation   `json:"isolation"`
	Distancing  Distancing  `json:"distancing"`
	Testing     Testing     `json:"testing"`
	Tracing     Tracing     `json:"tracing"`
	Vaccination Vaccination `json:"vaccination"`
	Ingress     Ingress     `json:"ingress"`
}
