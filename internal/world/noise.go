package world

import (
	"sort"

	opensimplex "github.com/ojrac/opensimplex-go"
)

// NoiseConfig controls attractor generation from layered simplex noise.
type NoiseConfig struct {
	Count       int     `yaml:"count" json:"count"`
	Seed        int64   `yaml:"seed" json:"seed"`
	Octaves     int     `yaml:"octaves" json:"octaves"`
	Frequency   float64 `yaml:"frequency" json:"frequency"`
	Persistence float64 `yaml:"persistence" json:"persistence"`
}

// DefaultNoiseConfig returns settings that give a handful of broad hotspots.
func DefaultNoiseConfig() NoiseConfig {
	return NoiseConfig{
		Count:       5,
		Octaves:     4,
		Frequency:   0.08,
		Persistence: 0.5,
	}
}

// NoiseAttractors samples noise over every cell and returns the Count highest
// cells as attractors, each weighted by its noise value.
func NoiseAttractors(g *Grid, cfg NoiseConfig) []Attractor {
	if cfg.Count <= 0 {
		return nil
	}
	if cfg.Octaves <= 0 {
		cfg.Octaves = 1
	}
	noise := opensimplex.NewNormalized(cfg.Seed)

	all := make([]Attractor, 0, g.Cells())
	for y := 0; y < g.Height; y++ {
		for x := 0; x < g.Width; x++ {
			v := octaveNoise(noise, float64(x), float64(y), cfg.Octaves, cfg.Frequency, cfg.Persistence)
			all = append(all, Attractor{Pos: Coord{X: x, Y: y}, Magnitude: v})
		}
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Magnitude > all[j].Magnitude
	})
	if cfg.Count < len(all) {
		all = all[:cfg.Count]
	}
	return all
}

// octaveNoise layers several noise frequencies into one normalized value.
func octaveNoise(noise opensimplex.Noise, x, y float64, octaves int, frequency, persistence float64) float64 {
	total := 0.0
	amplitude := 1.0
	maxVal := 0.0

	for i := 0; i < octaves; i++ {
		total += noise.Eval2(x*frequency, y*frequency) * amplitude
		maxVal += amplitude
		amplitude *= persistence
		frequency *= 2
	}

	return total / maxVal
}
