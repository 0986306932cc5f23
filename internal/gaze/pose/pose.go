// Package pose builds a head-pose-invariant coordinate frame from a face
// mesh and projects landmarks into it.
//
// The frame is anchored on the nose tip, oriented by the outer eye corners
// and the forehead, and scaled by the inter-eye distance, so the projected
// landmarks do not move when the head translates, rotates or approaches the
// camera. Only eye-in-head motion survives the projection.
package pose

import (
	"errors"
	"math"

	"github.com/banshee-data/foveate/internal/gaze/landmarks"
	"gonum.org/v1/gonum/spatial/r3"
)

const (
	// minScale guards the final division by the inter-eye distance.
	minScale = 1e-7
	// minAxisNorm rejects anchors that cannot define a direction.
	minAxisNorm = 1e-12
)

// ErrDegenerateFrame reports anchors that coincide (e.g. both eye corners
// on the same pixel), so no orthonormal basis can be built.
var ErrDegenerateFrame = errors.New("degenerate pose anchors")

// maxAnchorIndex is the highest landmark index the normalizer reads.
var maxAnchorIndex = landmarks.MaxIndex(
	landmarks.NoseTip, landmarks.ForeheadTop, landmarks.LeftEyeOuter, landmarks.RightEyeOuter,
)

// Frame is the orthonormal head basis for one landmark frame.
type Frame struct {
	X, Y, Z r3.Vec  // basis axes, unit length, mutually orthogonal
	Anchor  r3.Vec  // nose tip in image coordinates
	Scale   float64 // inter-eye distance in the rotated frame
}

// Result is the normalized landmark set plus the basis it was built from.
type Result struct {
	Frame  Frame
	Points []r3.Vec
}

// Normalize projects every landmark of f into the head frame.
//
// It returns landmarks.ErrNoFace for empty frames, a wrapped
// landmarks.ErrFrameTooShort when anchors are missing, and
// ErrDegenerateFrame when the anchors cannot span a basis.
func Normalize(f *landmarks.Frame) (Result, error) {
	if err := f.Check(maxAnchorIndex); err != nil {
		return Result{}, err
	}

	nose := vec(f.Points[landmarks.NoseTip])
	top := vec(f.Points[landmarks.ForeheadTop])
	left := vec(f.Points[landmarks.LeftEyeOuter])
	right := vec(f.Points[landmarks.RightEyeOuter])

	basis, err := BuildFrame(nose, top, left, right)
	if err != nil {
		return Result{}, err
	}

	points := make([]r3.Vec, len(f.Points))
	for i, p := range f.Points {
		points[i] = basis.rotate(vec(p))
	}

	// Inter-eye distance measured after rotation; rotation preserves
	// length but the value is taken from the projected points so the
	// scale matches what the features actually see.
	scale := r3.Norm(r3.Sub(points[landmarks.RightEyeOuter], points[landmarks.LeftEyeOuter]))
	basis.Scale = scale
	if scale >= minScale {
		inv := 1 / scale
		for i := range points {
			points[i] = r3.Scale(inv, points[i])
		}
	}

	return Result{Frame: basis, Points: points}, nil
}

// BuildFrame constructs the head basis from the four anchor points.
// x runs from the left to the right outer eye corner, y is the
// nose-to-forehead direction Gram–Schmidt orthogonalised against x, and
// z completes the right-handed set.
func BuildFrame(nose, top, leftCorner, rightCorner r3.Vec) (Frame, error) {
	xAxis, ok := unit(r3.Sub(rightCorner, leftCorner))
	if !ok {
		return Frame{}, ErrDegenerateFrame
	}
	yProv, ok := unit(r3.Sub(top, nose))
	if !ok {
		return Frame{}, ErrDegenerateFrame
	}
	yAxis, ok := unit(r3.Sub(yProv, r3.Scale(r3.Dot(yProv, xAxis), xAxis)))
	if !ok {
		return Frame{}, ErrDegenerateFrame
	}
	zAxis, ok := unit(r3.Cross(xAxis, yAxis))
	if !ok {
		return Frame{}, ErrDegenerateFrame
	}
	return Frame{X: xAxis, Y: yAxis, Z: zAxis, Anchor: nose}, nil
}

// rotate shifts p to the anchor and expresses it in the basis
// (row vector times the matrix whose columns are the axes).
func (f Frame) rotate(p r3.Vec) r3.Vec {
	d := r3.Sub(p, f.Anchor)
	return r3.Vec{X: r3.Dot(d, f.X), Y: r3.Dot(d, f.Y), Z: r3.Dot(d, f.Z)}
}

// Angles returns yaw, pitch and roll in radians.
//
// Angles are measured relative to a face looking straight at the camera.
// Image Y grows downward, so that frontal basis is diag(1,-1,-1); the
// decomposition runs on R·diag(1,-1,-1), whose columns are x, -y, -z,
// which keeps a frontal face at (0,0,0) instead of at the ±π wrap.
func (f Frame) Angles() (yaw, pitch, roll float64) {
	// r[row][col] of the relative rotation.
	r00, r10, r20 := f.X.X, f.X.Y, f.X.Z
	r21 := -f.Y.Z
	r22 := -f.Z.Z

	yaw = math.Atan2(-r20, math.Hypot(r21, r22))
	pitch = math.Atan2(r21, r22)
	roll = math.Atan2(r10, r00)
	return yaw, pitch, roll
}

func vec(p landmarks.Point3) r3.Vec {
	return r3.Vec{X: p.X, Y: p.Y, Z: p.Z}
}

func unit(v r3.Vec) (r3.Vec, bool) {
	n := r3.Norm(v)
	if n < minAxisNorm || math.IsNaN(n) {
		return r3.Vec{}, false
	}
	return r3.Scale(1/n, v), true
}
