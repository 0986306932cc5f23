package landmarks

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFrameCheck(t *testing.T) {
	t.Parallel()

	full := &Frame{Points: make([]Point3, NumWithIris)}
	meshOnly := &Frame{Points: make([]Point3, NumMesh)}

	tests := []struct {
		name     string
		frame    *Frame
		maxIndex int
		want     error
	}{
		{"nil frame", nil, NoseTip, ErrNoFace},
		{"empty frame", &Frame{}, NoseTip, ErrNoFace},
		{"full frame with iris", full, RightIrisCenter + 4, nil},
		{"mesh only frame asked for iris", meshOnly, LeftIrisCenter, ErrFrameTooShort},
		{"mesh only frame asked for eyes", meshOnly, RightEyeOuter, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.frame.Check(tt.maxIndex)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.want), "got %v, want %v", err, tt.want)
		})
	}
}

func TestFrameCheckNonFinite(t *testing.T) {
	t.Parallel()

	f := &Frame{Points: make([]Point3, NumWithIris)}
	f.Points[LeftEyeOuter].X = math.NaN()
	assert.ErrorIs(t, f.Check(NumWithIris-1), ErrNonFinite)

	// Points past the requested range are not inspected
	g := &Frame{Points: make([]Point3, NumWithIris)}
	g.Points[NumWithIris-1].Y = math.Inf(1)
	assert.NoError(t, g.Check(RightEyeOuter))
}

func TestIndexHelpers(t *testing.T) {
	t.Parallel()

	iris := IrisIndices()
	assert.Len(t, iris, NumIris)
	assert.Equal(t, LeftIrisCenter, iris[0])
	assert.Equal(t, RightIrisCenter, iris[5])

	assert.Equal(t, RightEyeTop, MaxIndex(EyeContourIndices()...))
	assert.Equal(t, -1, MaxIndex())
	assert.InDelta(t, 5.0, Dist2D(Point3{X: 0, Y: 0, Z: 9}, Point3{X: 3, Y: 4, Z: -2}), 1e-12)
}
