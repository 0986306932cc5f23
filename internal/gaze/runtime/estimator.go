// Package runtime runs the two periodic activities of the tracker: the
// estimator, which turns landmark frames into a smoothed gaze point at a
// fixed cadence, and the refresh loop, which hands the latest point to the
// renderer once per display refresh. They share nothing but an atomically
// swapped snapshot.
package runtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/foveate/internal/config"
	"github.com/banshee-data/foveate/internal/gaze/calibration"
	"github.com/banshee-data/foveate/internal/gaze/features"
	"github.com/banshee-data/foveate/internal/gaze/landmarks"
	"github.com/banshee-data/foveate/internal/gaze/lod"
	"github.com/banshee-data/foveate/internal/gaze/pose"
	"github.com/banshee-data/foveate/internal/gaze/ridge"
	"github.com/banshee-data/foveate/internal/gaze/smoothing"
	"github.com/banshee-data/foveate/internal/ingest"
	"github.com/banshee-data/foveate/internal/monitoring"
	"github.com/banshee-data/foveate/internal/timeutil"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Outcome classifies what one estimator step did with its frame.
type Outcome string

const (
	OutcomePredicted  Outcome = "predicted"
	OutcomeNoFace     Outcome = "no_face"
	OutcomeTooShort   Outcome = "too_short"
	OutcomeDegenerate Outcome = "degenerate"
	OutcomeBlink      Outcome = "blink"
	OutcomeUntrained  Outcome = "untrained"
	OutcomeMismatch   Outcome = "feature_mismatch"
)

// Snapshot is the published gaze state. Snapshots are never mutated after
// publication.
type Snapshot struct {
	SessionID uuid.UUID  `json:"session_id"`
	Seq       uint64     `json:"seq"`
	At        time.Time  `json:"at"`
	Gaze      lod.Point  `json:"gaze"`     // smoothed, normalized, clamped
	Raw       [2]float64 `json:"raw"`      // unsmoothed prediction, pixels
	Tracking  bool       `json:"tracking"` // false while no prediction is possible
}

// Stats counts estimator outcomes since start.
type Stats struct {
	Frames     uint64 `json:"frames"`
	Predicted  uint64 `json:"predicted"`
	NoFace     uint64 `json:"no_face"`
	TooShort   uint64 `json:"too_short"`
	Degenerate uint64 `json:"degenerate"`
	Blinks     uint64 `json:"blinks"`
	Untrained  uint64 `json:"untrained"`
	Mismatch   uint64 `json:"feature_mismatch"`
}

// Config holds the estimator parameters.
type Config struct {
	Interval  time.Duration
	Viewport  calibration.Viewport
	Features  features.Config
	Smoothing smoothing.Config
}

// DefaultConfig returns the stock estimator configuration.
func DefaultConfig() Config {
	return Config{
		Interval:  33 * time.Millisecond,
		Viewport:  calibration.Viewport{Width: 1920, Height: 1080},
		Features:  features.DefaultConfig(),
		Smoothing: smoothing.DefaultConfig(),
	}
}

// ConfigFromTuning builds a Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		Interval:  cfg.GetEstimationInterval(),
		Viewport:  calibration.Viewport{Width: cfg.GetViewportWidth(), Height: cfg.GetViewportHeight()},
		Features:  features.ConfigFromTuning(cfg),
		Smoothing: smoothing.ConfigFromTuning(cfg),
	}
}

// Estimator is the gaze-estimation activity and the sole writer of the
// gaze snapshot.
type Estimator struct {
	cfg    Config
	source ingest.Source
	clock  timeutil.Clock

	// mu guards the session-scoped filters, which Step and Sample share.
	mu        sync.Mutex
	extractor *features.Extractor
	smoother  *smoothing.Smoother
	viewport  calibration.Viewport
	session   uuid.UUID
	seq       uint64

	model  atomic.Pointer[ridge.Model]
	latest atomic.Pointer[Snapshot]
	paused atomic.Bool

	frames, predicted, noFace, tooShort atomic.Uint64
	degenerate, blinks, untrained       atomic.Uint64
	mismatch                            atomic.Uint64

	warnLimit *rate.Limiter
}

// NewEstimator creates an estimator reading from source. A nil clock uses
// the real clock and an empty viewport the default one.
func NewEstimator(cfg Config, source ingest.Source, clock timeutil.Clock) *Estimator {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if !usableViewport(cfg.Viewport) {
		cfg.Viewport = DefaultConfig().Viewport
	}
	e := &Estimator{
		cfg:       cfg,
		source:    source,
		clock:     clock,
		extractor: features.NewExtractor(cfg.Features),
		smoother:  smoothing.NewSmoother(cfg.Smoothing),
		viewport:  cfg.Viewport,
		warnLimit: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
	e.ResetSession()
	return e
}

// Latest returns the most recent snapshot. It never returns nil.
func (e *Estimator) Latest() *Snapshot {
	return e.latest.Load()
}

// SetModel atomically replaces the regression model; nil disables prediction.
func (e *Estimator) SetModel(m *ridge.Model) {
	e.model.Store(m)
}

// Model returns the active model, or nil.
func (e *Estimator) Model() *ridge.Model {
	return e.model.Load()
}

// Pause stops Run from stepping until Resume. Calibration pauses the
// estimator and drives polling through Sample itself.
func (e *Estimator) Pause() { e.paused.Store(true) }

// Resume restarts free-running estimation.
func (e *Estimator) Resume() { e.paused.Store(false) }

// Paused reports whether Run is currently skipping ticks.
func (e *Estimator) Paused() bool { return e.paused.Load() }

func (e *Estimator) Config() Config { return e.cfg }

func usableViewport(vp calibration.Viewport) bool {
	return vp.Width > 0 && vp.Height > 0
}

// SetViewport changes the screen size predictions are normalized against.
// A viewport without area is ignored.
func (e *Estimator) SetViewport(vp calibration.Viewport) {
	if !usableViewport(vp) {
		return
	}
	e.mu.Lock()
	e.viewport = vp
	e.mu.Unlock()
}

// Viewport returns the current normalization viewport.
func (e *Estimator) Viewport() calibration.Viewport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.viewport
}

// SetSmoothing changes the measurement noise of the gaze smoother.
func (e *Estimator) SetSmoothing(r float64) {
	e.mu.Lock()
	e.smoother.SetMeasurementNoise(r)
	e.mu.Unlock()
}

// ResetSession clears the smoother and blink history and starts a new
// session id, so nothing from a previous user leaks into the next one.
func (e *Estimator) ResetSession() uuid.UUID {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.extractor.Reset()
	e.smoother.Reset()
	e.session = uuid.New()
	e.seq = 0
	e.latest.Store(&Snapshot{
		SessionID: e.session,
		At:        e.clock.Now(),
		Gaze:      lod.Point{X: 0.5, Y: 0.5},
	})
	return e.session
}

// Stats returns the outcome counters.
func (e *Estimator) Stats() Stats {
	return Stats{
		Frames:     e.frames.Load(),
		Predicted:  e.predicted.Load(),
		NoFace:     e.noFace.Load(),
		TooShort:   e.tooShort.Load(),
		Degenerate: e.degenerate.Load(),
		Blinks:     e.blinks.Load(),
		Untrained:  e.untrained.Load(),
		Mismatch:   e.mismatch.Load(),
	}
}

// Sample polls the source once for calibration. It reports false for
// frames without usable features and for blinks.
func (e *Estimator) Sample() ([]float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	obs, outcome := e.observe(e.source.Latest())
	if outcome != "" {
		return nil, false
	}
	return obs.Features, true
}

// observe extracts features and classifies unusable frames. The caller
// holds mu. An empty outcome means obs is usable.
func (e *Estimator) observe(f *landmarks.Frame) (features.Observation, Outcome) {
	e.frames.Add(1)
	obs, err := e.extractor.Extract(f)
	switch {
	case err == nil:
	case errors.Is(err, landmarks.ErrNoFace):
		e.noFace.Add(1)
		return obs, OutcomeNoFace
	case errors.Is(err, landmarks.ErrFrameTooShort):
		e.tooShort.Add(1)
		e.warn("estimator: %v", err)
		return obs, OutcomeTooShort
	case errors.Is(err, pose.ErrDegenerateFrame), errors.Is(err, landmarks.ErrNonFinite):
		e.degenerate.Add(1)
		return obs, OutcomeDegenerate
	default:
		e.degenerate.Add(1)
		e.warn("estimator: unexpected extraction error: %v", err)
		return obs, OutcomeDegenerate
	}
	if obs.Blink {
		e.blinks.Add(1)
		return obs, OutcomeBlink
	}
	return obs, ""
}

// Step runs one estimation cycle: extract, predict, smooth, normalize,
// clamp and publish. Frames that yield no prediction leave the smoothed
// gaze where it was.
func (e *Estimator) Step() Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stepLocked()
}

// stepUnlessPaused checks the pause flag under mu, so no step publishes
// after a Pause followed by ResetSession.
func (e *Estimator) stepUnlessPaused() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.paused.Load() {
		e.stepLocked()
	}
}

func (e *Estimator) stepLocked() Outcome {
	obs, outcome := e.observe(e.source.Latest())
	if outcome != "" {
		if outcome != OutcomeBlink {
			e.publishLocked(e.latest.Load().Gaze, e.latest.Load().Raw, false)
		}
		return outcome
	}

	model := e.model.Load()
	if model == nil || !model.Trained() {
		e.untrained.Add(1)
		return OutcomeUntrained
	}
	x, y, err := model.Predict(obs.Features)
	if err != nil {
		e.mismatch.Add(1)
		e.warn("estimator: %v", err)
		return OutcomeMismatch
	}

	sx, sy := e.smoother.Update(x, y)
	gaze := lod.Point{X: sx / e.viewport.Width, Y: sy / e.viewport.Height}.Clamp()
	e.predicted.Add(1)
	e.publishLocked(gaze, [2]float64{x, y}, true)
	return OutcomePredicted
}

func (e *Estimator) publishLocked(gaze lod.Point, raw [2]float64, tracking bool) {
	e.seq++
	e.latest.Store(&Snapshot{
		SessionID: e.session,
		Seq:       e.seq,
		At:        e.clock.Now(),
		Gaze:      gaze,
		Raw:       raw,
		Tracking:  tracking,
	})
}

func (e *Estimator) warn(format string, v ...interface{}) {
	if e.warnLimit.Allow() {
		monitoring.Warnf(format, v...)
	}
}

// Run steps at the configured interval until ctx is done. Ticks that
// arrive while paused are dropped.
func (e *Estimator) Run(ctx context.Context) error {
	interval := e.cfg.Interval
	if interval <= 0 {
		interval = DefaultConfig().Interval
	}
	ticker := e.clock.NewTicker(interval)
	defer ticker.Stop()

	monitoring.Logf("estimator: running every %v", interval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			e.stepUnlessPaused()
		}
	}
}
