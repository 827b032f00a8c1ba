// Package world provides the square lattice agents live on, Moore-neighborhood
// lookups, and the optional attraction field that biases movement.
package world

import "fmt"

// Coord is a cell position. X runs along the width, Y along the height.
type Coord struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// String renders a coordinate as a 2-tuple, e.g. "(3, 7)".
func (c Coord) String() string {
	return fmt.Sprintf("(%d, %d)", c.X, c.Y)
}

// ParseCoord parses the 2-tuple form produced by String.
func ParseCoord(s string) (Coord, error) {
	var c Coord
	if _, err := fmt.Sscanf(s, "(%d, %d)", &c.X, &c.Y); err != nil {
		return Coord{}, fmt.Errorf("parse coord %q: %w", s, err)
	}
	return c, nil
}

// MooreOffsets lists the eight neighbor offsets in scan order (column-major,
// matching the order cells are visited when x and y each run -1..1).
var MooreOffsets = [8]Coord{
	{-1, -1}, {-1, 0}, {-1, 1},
	{0, -1}, {0, 1},
	{1, -1}, {1, 0}, {1, 1},
}

// Rand is the subset of a random stream the grid needs.
type Rand interface {
	IntN(n int) int
}

// Grid is a width×height lattice of cells, each holding agent ids.
// There is no cell capacity limit.
type Grid struct {
	Width  int
	Height int
	Torus  bool

	cells [][]uint64
}

// NewGrid creates an empty grid. Torus enables wrap-around edges.
func NewGrid(width, height int, torus bool) *Grid {
	return &Grid{
		Width:  width,
		Height: height,
		Torus:  torus,
		cells:  make([][]uint64, width*height),
	}
}

// InBounds reports whether c lies inside the lattice without wrapping.
func (g *Grid) InBounds(c Coord) bool {
	return c.X >= 0 && c.X < g.Width && c.Y >= 0 && c.Y < g.Height
}

// Wrap maps c onto the lattice. On a non-toroidal grid an out-of-bounds
// coordinate is rejected.
func (g *Grid) Wrap(c Coord) (Coord, bool) {
	if g.Torus {
		return Coord{X: mod(c.X, g.Width), Y: mod(c.Y, g.Height)}, true
	}
	return c, g.InBounds(c)
}

func (g *Grid) index(c Coord) int {
	return c.Y*g.Width + c.X
}

// Place inserts an agent id at c.
func (g *Grid) Place(id uint64, c Coord) {
	i := g.index(c)
	g.cells[i] = append(g.cells[i], id)
}

// Remove deletes an agent id from c, preserving the order of the others.
func (g *Grid) Remove(id uint64, c Coord) bool {
	i := g.index(c)
	cell := g.cells[i]
	for j, v := range cell {
		if v == id {
			g.cells[i] = append(cell[:j], cell[j+1:]...)
			return true
		}
	}
	return false
}

// Move relocates an agent id from one cell to another.
func (g *Grid) Move(id uint64, from, to Coord) {
	g.Remove(id, from)
	g.Place(id, to)
}

// Occupants returns the ids at c. The slice is owned by the grid and is only
// valid until the next mutation.
func (g *Grid) Occupants(c Coord) []uint64 {
	return g.cells[g.index(c)]
}

// Count returns the number of agents at c.
func (g *Grid) Count(c Coord) int {
	return len(g.cells[g.index(c)])
}

// MooreNeighbors returns up to eight neighbor coordinates of c, plus c itself
// when includeCenter is set.
func (g *Grid) MooreNeighbors(c Coord, includeCenter bool) []Coord {
	out := make([]Coord, 0, 9)
	for i, off := range MooreOffsets {
		if includeCenter && i == 4 {
			out = append(out, c)
		}
		if n, ok := g.Wrap(Coord{X: c.X + off.X, Y: c.Y + off.Y}); ok {
			out = append(out, n)
		}
	}
	return out
}

// RandomNeighbor picks a uniform Moore neighbor of c (never c itself).
func (g *Grid) RandomNeighbor(c Coord, r Rand) Coord {
	n := g.MooreNeighbors(c, false)
	if len(n) == 0 {
		return c
	}
	return n[r.IntN(len(n))]
}

// RandomCell picks a uniform cell.
func (g *Grid) RandomCell(r Rand) Coord {
	return Coord{X: r.IntN(g.Width), Y: r.IntN(g.Height)}
}

// Delta returns the shortest signed offset from a to b, honoring wrap.
func (g *Grid) Delta(a, b Coord) (dx, dy int) {
	dx, dy = b.X-a.X, b.Y-a.Y
	if g.Torus {
		dx = shortest(dx, g.Width)
		dy = shortest(dy, g.Height)
	}
	return dx, dy
}

// Cells returns the number of cells in the lattice.
func (g *Grid) Cells() int {
	return g.Width * g.Height
}

func mod(a, n int) int {
	a %= n
	if a < 0 {
		a += n
	}
	return a
}

func shortest(d, n int) int {
	d = mod(d, n)
	if d > n/2 {
		d -= n
	}
	return d
}

// CellList is the ordered occupant list of one cell.
type CellList struct {
	Pos Coord    `json:"pos"`
	IDs []uint64 `json:"ids"`
}

// Occupancy returns every non-empty cell in index order with a copy of its
// occupant list. Occupant order matters for replay, so checkpoints keep it.
func (g *Grid) Occupancy() []CellList {
	var out []CellList
	for i, cell := range g.cells {
		if len(cell) == 0 {
			continue
		}
		out = append(out, CellList{
			Pos: Coord{X: i % g.Width, Y: i / g.Width},
			IDs: append([]uint64(nil), cell...),
		})
	}
	return out
}

// Load replaces the grid contents with a captured occupancy.
func (g *Grid) Load(cells []CellList) error {
	for i := range g.cells {
		g.cells[i] = nil
	}
	for _, cl := range cells {
		if !g.InBounds(cl.Pos) {
			return fmt.Errorf("cell %s outside %dx%d grid", cl.Pos, g.Width, g.Height)
		}
		i := g.index(cl.Pos)
		g.cells[i] = append(g.cells[i], cl.IDs...)
	}
	return nil
}
