package ingest

import (
	"math"
	"sync"
	"time"

	"github.com/banshee-data/foveate/internal/gaze/landmarks"
)

// Synthetic face geometry, image-normalised units, frontal pose.
const (
	synthEyeY       = 0.42
	synthEyeWidth   = 0.05
	synthLeftOuterX = 0.42
	synthRightOuter = 0.58
	synthIrisRadius = 0.006
)

// SyntheticFace generates deterministic face-mesh frames whose iris
// positions are a linear function of a gaze target on screen. It stands in
// for the external detector in dev mode and in tests.
type SyntheticFace struct {
	mu sync.Mutex

	width, height float64
	// IrisRange is the horizontal iris travel (image units) between the
	// left and right screen edges; vertical travel is 60% of it.
	irisRange float64
	ear       float64

	targetX, targetY float64
	blinking         bool
	absent           bool

	roll, scale, dx, dy float64
}

// NewSyntheticFace creates a face looking at the centre of a width×height screen.
func NewSyntheticFace(width, height float64) *SyntheticFace {
	return &SyntheticFace{
		width:     width,
		height:    height,
		irisRange: 0.012,
		ear:       0.3,
		targetX:   width / 2,
		targetY:   height / 2,
		scale:     1,
	}
}

// SetTarget moves the gaze to screen pixel (x, y).
func (s *SyntheticFace) SetTarget(x, y float64) {
	s.mu.Lock()
	s.targetX, s.targetY = x, y
	s.mu.Unlock()
}

// SetBlink closes (true) or opens (false) both eyes.
func (s *SyntheticFace) SetBlink(closed bool) {
	s.mu.Lock()
	s.blinking = closed
	s.mu.Unlock()
}

// SetPresent toggles whether a face is visible at all.
func (s *SyntheticFace) SetPresent(present bool) {
	s.mu.Lock()
	s.absent = !present
	s.mu.Unlock()
}

// SetEyeOpenness sets the eye aspect ratio of open eyes.
func (s *SyntheticFace) SetEyeOpenness(ear float64) {
	s.mu.Lock()
	s.ear = ear
	s.mu.Unlock()
}

// SetHeadPose applies an in-plane similarity transform about the image
// centre: roll in radians, scale (1 = reference distance) and a shift.
func (s *SyntheticFace) SetHeadPose(roll, scale, dx, dy float64) {
	s.mu.Lock()
	s.roll, s.scale, s.dx, s.dy = roll, scale, dx, dy
	s.mu.Unlock()
}

// Latest returns a frame for the current target, or nil when the face is absent.
func (s *SyntheticFace) Latest() *landmarks.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.absent {
		return nil
	}
	return s.frameLocked(s.targetX, s.targetY)
}

// FrameFor returns a frame looking at (x, y) without changing the current target.
func (s *SyntheticFace) FrameFor(x, y float64) *landmarks.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frameLocked(x, y)
}

func (s *SyntheticFace) frameLocked(tx, ty float64) *landmarks.Frame {
	pts := make([]landmarks.Point3, landmarks.NumWithIris)

	// Filler mesh on a coarse ellipse so every point is finite and distinct.
	for i := range pts {
		a := 2 * math.Pi * float64(i) / float64(landmarks.NumMesh)
		r := 0.1 + 0.05*float64(i%7)/7
		pts[i] = landmarks.Point3{X: 0.5 + r*math.Cos(a), Y: 0.5 + 1.3*r*math.Sin(a), Z: 0.01 * float64(i%5)}
	}

	pts[landmarks.NoseTip] = landmarks.Point3{X: 0.5, Y: 0.52, Z: 0}
	pts[landmarks.ForeheadTop] = landmarks.Point3{X: 0.5, Y: 0.3, Z: 0}

	gap := s.ear * synthEyeWidth
	if s.blinking {
		gap = 0
	}

	leftCX := synthLeftOuterX + synthEyeWidth/2
	rightCX := synthRightOuter - synthEyeWidth/2

	pts[landmarks.LeftEyeOuter] = landmarks.Point3{X: synthLeftOuterX, Y: synthEyeY}
	pts[landmarks.LeftEyeInner] = landmarks.Point3{X: synthLeftOuterX + synthEyeWidth, Y: synthEyeY}
	pts[landmarks.LeftEyeTop] = landmarks.Point3{X: leftCX, Y: synthEyeY - gap/2}
	pts[landmarks.LeftEyeBottom] = landmarks.Point3{X: leftCX, Y: synthEyeY + gap/2}

	pts[landmarks.RightEyeOuter] = landmarks.Point3{X: synthRightOuter, Y: synthEyeY}
	pts[landmarks.RightEyeInner] = landmarks.Point3{X: synthRightOuter - synthEyeWidth, Y: synthEyeY}
	pts[landmarks.RightEyeTop] = landmarks.Point3{X: rightCX, Y: synthEyeY - gap/2}
	pts[landmarks.RightEyeBottom] = landmarks.Point3{X: rightCX, Y: synthEyeY + gap/2}

	// Iris offset is linear in the normalised target.
	offX := (tx/s.width - 0.5) * s.irisRange
	offY := (ty/s.height - 0.5) * s.irisRange * 0.6
	placeIris(pts, landmarks.LeftIrisCenter, leftCX+offX, synthEyeY+offY)
	placeIris(pts, landmarks.RightIrisCenter, rightCX+offX, synthEyeY+offY)

	c, sn := math.Cos(s.roll), math.Sin(s.roll)
	for i, p := range pts {
		x, y := p.X-0.5, p.Y-0.5
		pts[i] = landmarks.Point3{
			X: 0.5 + s.dx + s.scale*(c*x-sn*y),
			Y: 0.5 + s.dy + s.scale*(sn*x+c*y),
			Z: s.scale * p.Z,
		}
	}

	return &landmarks.Frame{Points: pts, Timestamp: time.Now()}
}

// placeIris writes a centre point followed by four ring points.
func placeIris(pts []landmarks.Point3, centre int, x, y float64) {
	pts[centre] = landmarks.Point3{X: x, Y: y}
	pts[centre+1] = landmarks.Point3{X: x + synthIrisRadius, Y: y}
	pts[centre+2] = landmarks.Point3{X: x, Y: y - synthIrisRadius}
	pts[centre+3] = landmarks.Point3{X: x - synthIrisRadius, Y: y}
	pts[centre+4] = landmarks.Point3{X: x, Y: y + synthIrisRadius}
}
