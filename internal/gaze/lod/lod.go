// Package lod maps the distance between the gaze point and a screen point
// to a level-of-detail scalar in [0,1] (0 = foveal, full detail) and derives
// render budgets from it.
package lod

import (
	"math"

	"github.com/banshee-data/foveate/internal/config"
)

// Ramp edges as multiples of the foveal radius.
const (
	innerEdge = 0.3
	outerEdge = 2.5
)

// Point is a normalized screen position in [0,1]².
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Clamp limits p to the unit square.
func (p Point) Clamp() Point {
	return Point{X: clamp01(p.X), Y: clamp01(p.Y)}
}

// Dist returns the euclidean distance between p and q.
func (p Point) Dist(q Point) float64 {
	return math.Hypot(p.X-q.X, p.Y-q.Y)
}

// Smoothstep is the cubic Hermite ramp from 0 at e0 to 1 at e1. With
// e1 <= e0 it is a step that is still 0 at e0.
func Smoothstep(e0, e1, x float64) float64 {
	if x <= e0 {
		return 0
	}
	if e1 <= e0 {
		return 1
	}
	t := clamp01((x - e0) / (e1 - e0))
	return t * t * (3 - 2*t)
}

// Mapper converts gaze distance to LOD. It holds no state.
type Mapper struct {
	FovealRadius float64
}

// NewMapper returns a mapper with the given foveal radius.
func NewMapper(radius float64) Mapper {
	return Mapper{FovealRadius: radius}
}

// MapperFromTuning builds a Mapper from a loaded TuningConfig.
func MapperFromTuning(cfg *config.TuningConfig) Mapper {
	return NewMapper(cfg.GetFovealRadius())
}

// AtDistance returns the LOD for a point d away from the gaze.
func (m Mapper) AtDistance(d float64) float64 {
	r := m.FovealRadius
	return clamp01(Smoothstep(r*innerEdge, r*outerEdge, d))
}

// At returns the LOD of point given the current gaze.
func (m Mapper) At(gaze, point Point) float64 {
	return m.AtDistance(gaze.Dist(point))
}

// Budget bounds the per-pixel work the renderer may spend.
type Budget struct {
	MinSteps   int
	MaxSteps   int
	MaxOctaves int
}

// RenderBudget is the concrete work allowance for one LOD value.
type RenderBudget struct {
	Steps   int `json:"steps"`
	Octaves int `json:"octaves"`
}

// BudgetFromTuning builds a Budget from a loaded TuningConfig.
func BudgetFromTuning(cfg *config.TuningConfig) Budget {
	return Budget{
		MinSteps:   cfg.GetMinStepCount(),
		MaxSteps:   cfg.GetMaxStepCount(),
		MaxOctaves: cfg.GetMaxDetailOctaves(),
	}
}

// For interpolates linearly from full detail at lod 0 to the minimum at
// lod 1. At least one octave is always granted.
func (b Budget) For(lod float64) RenderBudget {
	lod = clamp01(lod)
	steps := float64(b.MaxSteps) + (float64(b.MinSteps)-float64(b.MaxSteps))*lod
	octaves := math.Round(float64(b.MaxOctaves) * (1 - lod))
	if octaves < 1 {
		octaves = 1
	}
	return RenderBudget{
		Steps:   int(math.Round(steps)),
		Octaves: int(octaves),
	}
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
