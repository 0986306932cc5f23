// Package features turns a landmark frame into the fixed-length feature
// vector consumed by the gaze regression, and computes the blink signal
// that gates which frames are used at all.
package features

import (
	"fmt"

	"github.com/banshee-data/foveate/internal/config"
	"github.com/banshee-data/foveate/internal/gaze/landmarks"
	"github.com/banshee-data/foveate/internal/gaze/pose"
)

// NumPoseAngles is the count of trailing head-pose features (yaw, pitch, roll).
const NumPoseAngles = 3

// Config holds the feature extractor parameters.
type Config struct {
	// Subset lists the landmark indices flattened into the feature vector,
	// in order. The vector length is 3×len(Subset)+NumPoseAngles.
	Subset []int
	Blink  BlinkConfig
}

// DefaultSubset returns the eye contour anchors followed by the iris points.
func DefaultSubset() []int {
	return append(landmarks.EyeContourIndices(), landmarks.IrisIndices()...)
}

// DefaultConfig returns the stock extractor configuration.
func DefaultConfig() Config {
	return Config{
		Subset: DefaultSubset(),
		Blink:  DefaultBlinkConfig(),
	}
}

// ConfigFromTuning builds a Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		Subset: DefaultSubset(),
		Blink: BlinkConfig{
			HistoryLength:    cfg.GetEARHistoryLength(),
			MinHistory:       cfg.GetMinHistoryForAdaptiveThreshold(),
			DefaultThreshold: cfg.GetBlinkDefaultThreshold(),
			ThresholdRatio:   cfg.GetBlinkThresholdRatio(),
		},
	}
}

// Observation is the per-frame extractor output.
type Observation struct {
	Features  []float64
	EAR       float64
	Threshold float64
	Blink     bool
}

// Extractor owns the per-session blink history. It is driven by a single
// goroutine at a time (the estimator or the calibration sampler).
type Extractor struct {
	subset   []int
	maxIndex int
	blink    *BlinkDetector
}

// NewExtractor creates an extractor for cfg.
func NewExtractor(cfg Config) *Extractor {
	subset := cfg.Subset
	if len(subset) == 0 {
		subset = DefaultSubset()
	}
	maxIndex := landmarks.MaxIndex(subset...)
	if m := landmarks.MaxIndex(landmarks.EyeContourIndices()...); m > maxIndex {
		maxIndex = m
	}
	return &Extractor{
		subset:   append([]int(nil), subset...),
		maxIndex: maxIndex,
		blink:    NewBlinkDetector(cfg.Blink),
	}
}

// Dim returns the feature vector length.
func (e *Extractor) Dim() int {
	return 3*len(e.subset) + NumPoseAngles
}

// MaxIndex returns the highest landmark index the extractor reads; frames
// must carry at least MaxIndex()+1 points.
func (e *Extractor) MaxIndex() int {
	return e.maxIndex
}

// Extract normalizes f and flattens the configured subset. The blink
// history is updated even for blink frames so the threshold keeps tracking
// the user. Errors are the landmark and pose sentinels (no face, too short,
// degenerate); callers treat all of them as "no features this frame".
func (e *Extractor) Extract(f *landmarks.Frame) (Observation, error) {
	if err := f.Check(e.maxIndex); err != nil {
		return Observation{}, err
	}

	res, err := pose.Normalize(f)
	if err != nil {
		return Observation{}, fmt.Errorf("normalize pose: %w", err)
	}

	ear := EyeAspectRatio(f)
	blink, threshold := e.blink.Update(ear)

	out := make([]float64, 0, e.Dim())
	for _, idx := range e.subset {
		p := res.Points[idx]
		out = append(out, p.X, p.Y, p.Z)
	}
	yaw, pitch, roll := res.Frame.Angles()
	out = append(out, yaw, pitch, roll)

	return Observation{
		Features:  out,
		EAR:       ear,
		Threshold: threshold,
		Blink:     blink,
	}, nil
}

// BlinkThreshold exposes the active blink threshold.
func (e *Extractor) BlinkThreshold() float64 {
	return e.blink.Threshold()
}

// Reset clears session state (the EAR history).
func (e *Extractor) Reset() {
	e.blink.Reset()
}
