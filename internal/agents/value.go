package agents

import "math"

// StageValues maps each stage to a per-tick economic value.
type StageValues [StageDeceased + 1]float64

// ValueMatrix holds private and public stage values.
type ValueMatrix struct {
	Private StageValues
	Public  StageValues
}

// Isolation dividers applied to contact value while isolated and employed.
const (
	isolatedPrivateDivider = 0.3
	isolatedPublicDivider  = 0.01
)

// AccrueContact adds the value generated by mixing with cellmates (including
// the agent itself). Unemployed agents draw down public value instead.
func (a *Agent) AccrueContact(v *ValueMatrix, cellmates int) {
	if !a.Employed {
		a.CumulPublicValue -= 2 * v.Public[a.Stage]
		return
	}
	priv, publ := 1.0, 1.0
	if a.Isolated {
		priv, publ = isolatedPrivateDivider, isolatedPublicDivider
	}
	others := float64(cellmates - 1)
	a.CumulPrivateValue += others * v.Private[a.Stage] * priv
	a.CumulPublicValue += others * v.Public[a.Stage] * publ
}

// AccrueFlat adds the stage's value once, for stages that do not mix.
func (a *Agent) AccrueFlat(v *ValueMatrix) {
	a.CumulPrivateValue += v.Private[a.Stage]
	a.CumulPublicValue += v.Public[a.Stage]
}

// AggregateValue returns sign(sum)·|sum|^alpha / n, or 0 for an empty population.
func AggregateValue(sum, alpha float64, n int) float64 {
	if n == 0 {
		return 0
	}
	sign := 1.0
	if sum < 0 {
		sign = -1
	}
	return sign * math.Pow(math.Abs(sum), alpha) / float64(n)
}
