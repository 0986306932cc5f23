package runtime

import (
	"context"
	"time"

	"github.com/banshee-data/foveate/internal/config"
	"github.com/banshee-data/foveate/internal/gaze/lod"
	"github.com/banshee-data/foveate/internal/timeutil"
)

// RenderInput is everything the renderer receives per refresh: the gaze
// point and the mapping that turns a shaded point into a LOD value.
type RenderInput struct {
	Seq      uint64    `json:"seq"`
	At       time.Time `json:"at"`
	Gaze     lod.Point `json:"gaze"`
	Tracking bool      `json:"tracking"`

	FovealRadius float64 `json:"foveal_radius"`
	// CenterLOD is the LOD of the screen centre, for renderers that take a
	// single scalar rather than shading per pixel.
	CenterLOD float64          `json:"center_lod"`
	Fovea     lod.RenderBudget `json:"fovea"`
	Periphery lod.RenderBudget `json:"periphery"`
}

// LODAt returns the LOD of point p for this refresh.
func (in RenderInput) LODAt(p lod.Point) float64 {
	return lod.NewMapper(in.FovealRadius).At(in.Gaze, p)
}

// Renderer consumes render inputs. Render must not block for long; the
// refresh loop calls it on every tick.
type Renderer interface {
	Render(in RenderInput)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(RenderInput)

func (f RendererFunc) Render(in RenderInput) { f(in) }

// Renderers feeds every input to each renderer in order. Nil entries are
// skipped.
type Renderers []Renderer

func (rs Renderers) Render(in RenderInput) {
	for _, r := range rs {
		if r != nil {
			r.Render(in)
		}
	}
}

// SnapshotSource is the read side of the estimator.
type SnapshotSource interface {
	Latest() *Snapshot
}

// RefreshConfig holds the consumer loop parameters.
type RefreshConfig struct {
	Interval time.Duration
	Mapper   lod.Mapper
	Budget   lod.Budget
}

// RefreshConfigFromTuning builds a RefreshConfig from a loaded TuningConfig.
func RefreshConfigFromTuning(cfg *config.TuningConfig) RefreshConfig {
	return RefreshConfig{
		Interval: cfg.GetRefreshInterval(),
		Mapper:   lod.MapperFromTuning(cfg),
		Budget:   lod.BudgetFromTuning(cfg),
	}
}

// RefreshLoop is the LOD consumption activity. It only ever reads the
// latest snapshot, so a slow estimator shows up as a repeated Seq rather
// than a stalled renderer.
type RefreshLoop struct {
	cfg      RefreshConfig
	source   SnapshotSource
	renderer Renderer
	clock    timeutil.Clock
}

// NewRefreshLoop creates a refresh loop. A nil clock uses the real clock.
func NewRefreshLoop(cfg RefreshConfig, source SnapshotSource, renderer Renderer, clock timeutil.Clock) *RefreshLoop {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &RefreshLoop{cfg: cfg, source: source, renderer: renderer, clock: clock}
}

// Input derives the render input from the latest snapshot.
func (r *RefreshLoop) Input() RenderInput {
	snap := r.source.Latest()
	return Frame(snap, r.cfg.Mapper, r.cfg.Budget)
}

// Frame converts a snapshot into a render input.
func Frame(snap *Snapshot, m lod.Mapper, b lod.Budget) RenderInput {
	return RenderInput{
		Seq:          snap.Seq,
		At:           snap.At,
		Gaze:         snap.Gaze,
		Tracking:     snap.Tracking,
		FovealRadius: m.FovealRadius,
		CenterLOD:    m.At(snap.Gaze, lod.Point{X: 0.5, Y: 0.5}),
		Fovea:        b.For(0),
		Periphery:    b.For(1),
	}
}

// Run renders once per interval until ctx is done.
func (r *RefreshLoop) Run(ctx context.Context) error {
	interval := r.cfg.Interval
	if interval <= 0 {
		interval = 16 * time.Millisecond
	}
	ticker := r.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			r.renderer.Render(r.Input())
		}
	}
}
