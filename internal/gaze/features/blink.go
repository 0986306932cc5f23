package features

import (
	"github.com/banshee-data/foveate/internal/gaze/landmarks"
	"gonum.org/v1/gonum/floats"
)

// minEyeWidth guards the EAR division for collapsed eye corners.
const minEyeWidth = 1e-9

// BlinkConfig holds the blink detector parameters.
type BlinkConfig struct {
	HistoryLength    int     // Rolling EAR window capacity
	MinHistory       int     // Samples needed before the threshold adapts
	DefaultThreshold float64 // Threshold used until MinHistory is reached
	ThresholdRatio   float64 // Adaptive threshold = mean(history) × ratio
}

// DefaultBlinkConfig returns the stock detector parameters.
func DefaultBlinkConfig() BlinkConfig {
	return BlinkConfig{
		HistoryLength:    50,
		MinHistory:       15,
		DefaultThreshold: 0.2,
		ThresholdRatio:   0.8,
	}
}

// BlinkDetector flags blinks by comparing the eye aspect ratio against a
// threshold that adapts to the user's natural eye openness.
// It is session-scoped and not safe for concurrent use.
type BlinkDetector struct {
	cfg     BlinkConfig
	history []float64 // ring buffer
	next    int
	count   int
}

// NewBlinkDetector creates a detector with an empty history.
func NewBlinkDetector(cfg BlinkConfig) *BlinkDetector {
	if cfg.HistoryLength < 1 {
		cfg.HistoryLength = 1
	}
	return &BlinkDetector{
		cfg:     cfg,
		history: make([]float64, cfg.HistoryLength),
	}
}

// Update records ear and reports whether it is below the threshold
// computed over the history including this value.
func (b *BlinkDetector) Update(ear float64) (blink bool, threshold float64) {
	b.history[b.next] = ear
	b.next = (b.next + 1) % len(b.history)
	if b.count < len(b.history) {
		b.count++
	}
	threshold = b.Threshold()
	return ear < threshold, threshold
}

// Threshold returns the currently active threshold.
func (b *BlinkDetector) Threshold() float64 {
	if b.count < b.cfg.MinHistory || b.count == 0 {
		return b.cfg.DefaultThreshold
	}
	return floats.Sum(b.history[:b.count]) / float64(b.count) * b.cfg.ThresholdRatio
}

// Len returns the number of EAR values held.
func (b *BlinkDetector) Len() int {
	return b.count
}

// Reset discards the history so a new user starts from the default threshold.
func (b *BlinkDetector) Reset() {
	for i := range b.history {
		b.history[i] = 0
	}
	b.next = 0
	b.count = 0
}

// EyeAspectRatio returns the mean EAR of both eyes measured in raw image
// coordinates. The frame must already have been checked to cover the eye
// contour indices.
func EyeAspectRatio(f *landmarks.Frame) float64 {
	p := f.Points
	left := eyeRatio(p[landmarks.LeftEyeInner], p[landmarks.LeftEyeOuter], p[landmarks.LeftEyeTop], p[landmarks.LeftEyeBottom])
	right := eyeRatio(p[landmarks.RightEyeInner], p[landmarks.RightEyeOuter], p[landmarks.RightEyeTop], p[landmarks.RightEyeBottom])
	return (left + right) / 2
}

func eyeRatio(inner, outer, top, bottom landmarks.Point3) float64 {
	width := landmarks.Dist2D(inner, outer)
	if width < minEyeWidth {
		return 0
	}
	return landmarks.Dist2D(top, bottom) / width
}
