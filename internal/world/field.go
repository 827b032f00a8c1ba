package world

import "math"

// Attractor pulls walkers toward Pos with strength Magnitude.
type Attractor struct {
	Pos       Coord   `json:"pos"`
	Magnitude float64 `json:"magnitude"`
}

// Stencil is the 9-move set a field walker samples from: index 0 is staying
// put, indexes 1..8 walk the compass counterclockwise starting east.
var Stencil = [9]Coord{
	{0, 0},
	{1, 0}, {1, 1}, {0, 1}, {-1, 1},
	{-1, 0}, {-1, -1}, {0, -1}, {1, -1},
}

// Sampler draws an index from a weight vector.
type Sampler interface {
	Categorical(w []float64) int
}

// Field holds a precomputed move distribution for every cell.
type Field struct {
	grid    *Grid
	weights [][9]float64
}

// NewField precomputes per-cell stencil distributions from attractors.
//
// Every attractor at shortest offset d from a cell adds m·d/|d|³ to the local
// vector and m/|d|² to the stay weight s (an attractor on the cell adds m to s).
// The self probability is s/(1+s); the remaining mass is split between the two
// compass neighbors bracketing the vector angle, by angular proximity.
func NewField(g *Grid, attractors []Attractor) *Field {
	f := &Field{grid: g, weights: make([][9]float64, g.Cells())}
	for y := 0; y < g.Height; y++ {
		for x := 0; x < g.Width; x++ {
			c := Coord{X: x, Y: y}
			f.weights[g.index(c)] = cellWeights(g, c, attractors)
		}
	}
	return f
}

func cellWeights(g *Grid, c Coord, attractors []Attractor) [9]float64 {
	var vx, vy, stay float64
	for _, a := range attractors {
		dx, dy := g.Delta(c, a.Pos)
		if dx == 0 && dy == 0 {
			stay += a.Magnitude
			continue
		}
		r2 := float64(dx*dx + dy*dy)
		r := math.Sqrt(r2)
		vx += a.Magnitude * float64(dx) / (r2 * r)
		vy += a.Magnitude * float64(dy) / (r2 * r)
		stay += a.Magnitude / r2
	}
	if stay < 0 {
		stay = 0
	}

	var w [9]float64
	w[0] = stay / (1 + stay)
	move := 1 - w[0]

	if vx == 0 && vy == 0 {
		for k := 1; k < 9; k++ {
			w[k] = move / 8
		}
	} else {
		theta := math.Atan2(vy, vx)
		if theta < 0 {
			theta += 2 * math.Pi
		}
		sector := theta / (math.Pi / 4)
		k := int(sector) % 8
		frac := sector - math.Floor(sector)
		w[1+k] += move * (1 - frac)
		w[1+(k+1)%8] += move * frac
	}

	// Moves off a bounded grid fold back into staying put.
	for k := 1; k < 9; k++ {
		if _, ok := g.Wrap(Coord{X: c.X + Stencil[k].X, Y: c.Y + Stencil[k].Y}); !ok {
			w[0] += w[k]
			w[k] = 0
		}
	}
	return w
}

// Weights returns the stencil distribution at c.
func (f *Field) Weights(c Coord) [9]float64 {
	return f.weights[f.grid.index(c)]
}

// Step samples a destination for a walker at c.
func (f *Field) Step(c Coord, s Sampler) Coord {
	w := f.weights[f.grid.index(c)]
	k := s.Categorical(w[:])
	if k <= 0 {
		return c
	}
	next, ok := f.grid.Wrap(Coord{X: c.X + Stencil[k].X, Y: c.Y + Stencil[k].Y})
	if !ok {
		return c
	}
	return next
}
