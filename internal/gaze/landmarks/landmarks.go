// Package landmarks defines the facial landmark frame produced by the
// external face-mesh detector and the fixed indices the gaze pipeline reads.
//
// Coordinates are image-normalised: X and Y in [0,1] with Y growing
// downward, Z a relative depth in roughly the same units as X.
package landmarks

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Face mesh layout: 468 mesh points followed by 10 iris points.
const (
	NumMesh     = 468
	NumIris     = 10
	NumWithIris = NumMesh + NumIris
)

// Anchor and eye-contour indices following the MediaPipe face mesh convention.
const (
	NoseTip     = 1
	ForeheadTop = 10

	LeftEyeOuter  = 33
	LeftEyeInner  = 133
	LeftEyeTop    = 159
	LeftEyeBottom = 145

	RightEyeOuter  = 263
	RightEyeInner  = 362
	RightEyeTop    = 386
	RightEyeBottom = 374

	LeftIrisCenter  = NumMesh     // 468, followed by 4 ring points
	RightIrisCenter = NumMesh + 5 // 473, followed by 4 ring points
)

var (
	// ErrNoFace reports a frame with no detected face. It is a transient
	// condition, not a failure.
	ErrNoFace = errors.New("no face detected")
	// ErrFrameTooShort reports a frame with fewer points than the pipeline
	// needs. Frames from older detector builds without iris refinement hit this.
	ErrFrameTooShort = errors.New("landmark frame too short")
	// ErrNonFinite reports a frame containing NaN or Inf coordinates.
	ErrNonFinite = errors.New("landmark frame has non-finite coordinates")
)

// Point3 is a single landmark.
type Point3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Frame is one detector result. A nil *Frame or one with no points means
// no face was found. Frames are treated as immutable once produced.
type Frame struct {
	Points    []Point3
	Timestamp time.Time
}

// HasFace reports whether the frame carries any landmarks.
func (f *Frame) HasFace() bool {
	return f != nil && len(f.Points) > 0
}

// Check validates that the frame is usable for a consumer reading indices
// up to and including maxIndex. Short frames are rejected rather than padded.
func (f *Frame) Check(maxIndex int) error {
	if !f.HasFace() {
		return ErrNoFace
	}
	if len(f.Points) <= maxIndex {
		return fmt.Errorf("%w: have %d points, need %d", ErrFrameTooShort, len(f.Points), maxIndex+1)
	}
	for _, p := range f.Points[:maxIndex+1] {
		if !isFinite(p.X) || !isFinite(p.Y) || !isFinite(p.Z) {
			return ErrNonFinite
		}
	}
	return nil
}

// Dist2D is the image-plane distance between two landmarks, ignoring depth.
func Dist2D(a, b Point3) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}

// IrisIndices returns the ten iris landmark indices in detector order.
func IrisIndices() []int {
	out := make([]int, 0, NumIris)
	for i := 0; i < NumIris; i++ {
		out = append(out, NumMesh+i)
	}
	return out
}

// EyeContourIndices returns the eight eye-corner and eyelid indices used
// both for the blink signal and as part of the default feature subset.
func EyeContourIndices() []int {
	return []int{
		LeftEyeOuter, LeftEyeInner, LeftEyeTop, LeftEyeBottom,
		RightEyeOuter, RightEyeInner, RightEyeTop, RightEyeBottom,
	}
}

// MaxIndex returns the largest index in idx, or -1 when idx is empty.
func MaxIndex(idx ...int) int {
	max := -1
	for _, i := range idx {
		if i > max {
			max = i
		}
	}
	return max
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
