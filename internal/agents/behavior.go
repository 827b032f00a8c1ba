package agents

import "math"

// Timing and dosing constants shared by the agent and model layers.
const (
	TicksPerDay   = 96 // 15-minute ticks
	AvgDwell      = 4  // mean ticks spent in a cell before moving
	VaccineDosage = 2  // doses for full vaccination
	TracingDelay  = 2 * TicksPerDay

	// EffectiveWindow is the default time a dose takes to reach full effect.
	EffectiveWindow = 14 * TicksPerDay
)

// Employment drift, per day.
const (
	jobLossRate     = 0.00018
	jobLossIsolated = 32 * jobLossRate
	jobLossFree     = 8 * jobLossRate
	jobRegainRate   = 0.000018
)

// AsymptomaticSourceFactor scales contagion when only asymptomatic cellmates
// were found.
const AsymptomaticSourceFactor = 0.42

// JobLossChance is the per-tick chance an employed agent loses its job.
func (a *Agent) JobLossChance() float64 {
	if a.Isolated {
		return jobLossIsolated / TicksPerDay
	}
	return jobLossFree / TicksPerDay
}

// JobRegainChance is the per-tick chance an unemployed agent is rehired.
func JobRegainChance() float64 { return jobRegainRate / TicksPerDay }

// DistancingMultiplier is the contagion factor for a social distance in
// meters: 1 below 1.5 m, then a sigmoid falloff sharpened by k = 10.
func DistancingMultiplier(distance float64) float64 {
	if distance < 1.5 {
		return 1
	}
	const k = 10.0
	return 1 - 1/(1+math.Exp(k*(-(distance-1.5)+0.5)))
}

// IsContagious reports whether the stage can transmit, for contact and R(t)
// accounting.
func (s Stage) IsContagious() bool {
	return s == StageExposed || s == StageAsymptomatic || s == StageSympDetected
}

// SymptomaticSource reports whether a cellmate in this stage infects at full
// strength and ends the contact scan. Severe agents are hospitalised and do
// not transmit.
func (s Stage) SymptomaticSource() bool {
	return s == StageSympDetected
}

// AsymptomaticSource reports whether a cellmate in this stage infects at the
// reduced asymptomatic strength.
func (s Stage) AsymptomaticSource() bool {
	return s == StageAsymptomatic
}

// CanIsolate reports whether an agent in this stage isolates voluntarily.
func (s Stage) CanIsolate() bool {
	return s == StageSusceptible || s == StageExposed || s == StageAsymptomatic
}

// VaccineEligible reports whether an agent in this stage may receive a dose.
func (s Stage) VaccineEligible() bool { return s.CanIsolate() }

// EligibleForDose reports whether a can take the next dose right now, not
// counting the priority cascade or the chance draw.
func (a *Agent) EligibleForDose() bool {
	return a.Stage.VaccineEligible() &&
		a.DosageEligible &&
		a.VaccineWillingness &&
		!a.FullyVaccinated &&
		a.VaccineCount < VaccineDosage
}

// Vaccinate administers one dose at tick now. It reports whether the dose
// completed the schedule.
func (a *Agent) Vaccinate(now int) bool {
	a.Vaccinated = true
	a.VaccinationDay = now
	a.VaccineCount++
	a.DosageEligible = false
	if a.VaccineCount >= VaccineDosage && !a.FullyVaccinated {
		a.FullyVaccinated = true
		return true
	}
	return false
}

// UpdateProtection refreshes the safety multiplier at tick now. window is the
// ramp length in ticks, perDose the effectiveness of one dose, and variantMult
// the carried variant's vaccine multiplier.
func (a *Agent) UpdateProtection(now, window int, perDose, variantMult float64) {
	if !a.Vaccinated {
		return
	}
	if window <= 0 {
		window = EffectiveWindow
	}
	elapsed := now - a.VaccinationDay
	if elapsed < window {
		a.SafetyMultiplier = clamp01(1 - perDose*float64(elapsed)/float64(window) - a.CurrentEffectiveness)
		return
	}
	a.CurrentEffectiveness = perDose * float64(a.VaccineCount)
	a.SafetyMultiplier = clamp01(1 - a.CurrentEffectiveness*variantMult)
	a.DosageEligible = a.VaccineCount < VaccineDosage
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
