package lod

import (
	"fmt"
	"sort"
)

// Scene describes one renderer workload driven by the LOD signal. The set
// is closed; Scenes returns every variant.
type Scene interface {
	Name() string
	Description() string
	// ShaderSource names the shader program the renderer loads.
	ShaderSource() string
	// StepBudget returns the render budget of a pixel at the given LOD.
	StepBudget(lod float64) RenderBudget
	// ResolutionScale returns the fraction of native resolution to render at.
	ResolutionScale(lod float64) float64

	scene()
}

// Raymarch is a signed-distance-field scene whose cost is dominated by
// march steps.
type Raymarch struct{ Budget Budget }

func (Raymarch) Name() string        { return "raymarch" }
func (Raymarch) Description() string { return "SDF raymarcher, march steps follow LOD" }
func (Raymarch) ShaderSource() string {
	return "shaders/raymarch.frag"
}
func (s Raymarch) StepBudget(lod float64) RenderBudget { return s.Budget.For(lod) }
func (Raymarch) ResolutionScale(float64) float64       { return 1 }
func (Raymarch) scene()                                {}

// Fractal is an escape-time fractal; iterations follow the step budget and
// the periphery is rendered at reduced resolution.
type Fractal struct{ Budget Budget }

func (Fractal) Name() string { return "fractal" }
func (Fractal) Description() string {
	return "Escape-time fractal, iterations and resolution follow LOD"
}
func (Fractal) ShaderSource() string {
	return "shaders/fractal.frag"
}
func (s Fractal) StepBudget(lod float64) RenderBudget {
	b := s.Budget.For(lod)
	b.Octaves = 1
	return b
}
func (Fractal) ResolutionScale(lod float64) float64 { return 1 - 0.5*clamp01(lod) }
func (Fractal) scene()                              {}

// Terrain is a noise heightfield where LOD controls detail octaves.
type Terrain struct{ Budget Budget }

func (Terrain) Name() string        { return "terrain" }
func (Terrain) Description() string { return "Noise terrain, detail octaves follow LOD" }
func (Terrain) ShaderSource() string {
	return "shaders/terrain.frag"
}
func (s Terrain) StepBudget(lod float64) RenderBudget { return s.Budget.For(lod) }
func (Terrain) ResolutionScale(lod float64) float64 {
	if lod >= 1 {
		return 0.75
	}
	return 1
}
func (Terrain) scene() {}

// Scenes returns every scene variant with budget b, sorted by name.
func Scenes(b Budget) []Scene {
	out := []Scene{Fractal{b}, Raymarch{b}, Terrain{b}}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// SceneByName returns the scene called name.
func SceneByName(b Budget, name string) (Scene, error) {
	for _, s := range Scenes(b) {
		if s.Name() == name {
			return s, nil
		}
	}
	return nil, fmt.Errorf("unknown scene %q", name)
}
