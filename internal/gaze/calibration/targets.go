package calibration

import "fmt"

// Viewport is the screen area targets are laid out on, in pixels.
type Viewport struct {
	Width  float64 `json:"width" validate:"required,gt=0,lte=16384"`
	Height float64 `json:"height" validate:"required,gt=0,lte=16384"`
}

func (v Viewport) validate() error {
	if !(v.Width > 0) || !(v.Height > 0) {
		return fmt.Errorf("%w: %gx%g", ErrInvalidViewport, v.Width, v.Height)
	}
	return nil
}

// Target is one on-screen calibration point in pixels.
type Target struct {
	Label string  `json:"label"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
}

// NumTargets is the size of the calibration grid.
const NumTargets = 9

// Targets lays out the 3×3 grid inset by margin×size on each side, in the
// order the user is shown them: centre, the four corners clockwise from
// top-left, then the four edge midpoints clockwise from top.
func Targets(vp Viewport, margin float64) []Target {
	mx, my := vp.Width*margin, vp.Height*margin
	left, right := mx, vp.Width-mx
	top, bottom := my, vp.Height-my
	cx, cy := vp.Width/2, vp.Height/2

	return []Target{
		{"center", cx, cy},
		{"top-left", left, top},
		{"top-right", right, top},
		{"bottom-right", right, bottom},
		{"bottom-left", left, bottom},
		{"top", cx, top},
		{"right", right, cy},
		{"bottom", cx, bottom},
		{"left", left, cy},
	}
}
