package ridge

import (
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// linearData draws n samples of d features with targets that are an exact
// affine function of the features.
func linearData(seed int64, n, d int) ([][]float64, [][2]float64, func([]float64) [2]float64) {
	rng := rand.New(rand.NewSource(seed))
	wx := make([]float64, d)
	wy := make([]float64, d)
	for j := range wx {
		wx[j] = rng.NormFloat64() * 200
		wy[j] = rng.NormFloat64() * 120
	}
	f := func(v []float64) [2]float64 {
		out := [2]float64{960, 540}
		for j := range v {
			out[0] += wx[j] * v[j]
			out[1] += wy[j] * v[j]
		}
		return out
	}
	features := make([][]float64, n)
	targets := make([][2]float64, n)
	for i := range features {
		row := make([]float64, d)
		for j := range row {
			row[j] = rng.Float64()*2 - 1
		}
		features[i] = row
		targets[i] = f(row)
	}
	return features, targets, f
}

func TestTrainRecoversLinearMap(t *testing.T) {
	t.Parallel()

	features, targets, truth := linearData(1, 200, 6)
	m := NewModel(1e-6)
	report, err := m.Train(features, targets)
	require.NoError(t, err)
	assert.Equal(t, 200, report.Samples)
	assert.Equal(t, 6, report.Features)
	assert.Zero(t, report.DegeneratePivots)
	assert.Less(t, report.RMSE, 0.01)

	query := []float64{0.3, -0.7, 0.1, 0.9, -0.2, 0.5}
	want := truth(query)
	x, y, err := m.Predict(query)
	require.NoError(t, err)
	assert.InDelta(t, want[0], x, 0.01)
	assert.InDelta(t, want[1], y, 0.01)
}

func TestTrainRegularizationShrinksWeights(t *testing.T) {
	t.Parallel()

	features, targets, _ := linearData(2, 50, 4)
	loose := NewModel(1e-6)
	_, err := loose.Train(features, targets)
	require.NoError(t, err)
	tight := NewModel(1000)
	_, err = tight.Train(features, targets)
	require.NoError(t, err)

	norm := func(m *Model) float64 {
		var s float64
		for _, w := range m.weights {
			s += w[0]*w[0] + w[1]*w[1]
		}
		return s
	}
	assert.Less(t, norm(tight), norm(loose))
}

func TestTrainFailuresKeepPriorState(t *testing.T) {
	t.Parallel()

	features, targets, _ := linearData(3, 40, 3)
	m := NewModel(1)
	_, err := m.Train(features, targets)
	require.NoError(t, err)
	before := m.Record()

	tests := []struct {
		name     string
		features [][]float64
		targets  [][2]float64
		want     error
	}{
		{"single sample", features[:1], targets[:1], ErrInsufficientSamples},
		{"no samples", nil, nil, ErrInsufficientSamples},
		{"target count", features[:5], targets[:4], ErrShapeMismatch},
		{"ragged rows", [][]float64{{1, 2, 3}, {1, 2}}, targets[:2], ErrShapeMismatch},
		{"empty rows", [][]float64{{}, {}}, targets[:2], ErrShapeMismatch},
		{"non-finite input", [][]float64{{1, 2, math.NaN()}, {3, 4, 5}}, targets[:2], ErrTrainingFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Train(tt.features, tt.targets)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	if diff := cmp.Diff(before, m.Record()); diff != "" {
		t.Errorf("model changed after failed training (-before +after):\n%s", diff)
	}
}

func TestTrainSurvivesSingularSystem(t *testing.T) {
	t.Parallel()

	// A constant column standardizes to zeros; with alpha=0 its row and
	// column of XᵀX vanish and the pivot floor kicks in.
	features := [][]float64{{1, 5}, {2, 5}, {3, 5}, {4, 5}}
	targets := [][2]float64{{10, 1}, {20, 2}, {30, 3}, {40, 4}}

	m := NewModel(0)
	report, err := m.Train(features, targets)
	require.NoError(t, err)
	assert.Equal(t, 1, report.DegeneratePivots)

	x, y, err := m.Predict([]float64{2.5, 5})
	require.NoError(t, err)
	assert.InDelta(t, 25, x, 1e-6)
	assert.InDelta(t, 2.5, y, 1e-6)
}

func TestPredictErrors(t *testing.T) {
	t.Parallel()

	m := NewModel(1)
	_, _, err := m.Predict([]float64{1, 2})
	assert.ErrorIs(t, err, ErrNotTrained)

	features, targets, _ := linearData(4, 10, 2)
	_, err = m.Train(features, targets)
	require.NoError(t, err)
	_, _, err = m.Predict([]float64{1, 2, 3})
	assert.ErrorIs(t, err, ErrFeatureDimension)
}

func TestGaussJordanInverse(t *testing.T) {
	t.Parallel()

	a := mat.NewDense(3, 3, []float64{
		0, 2, 1,
		1, 1, 0,
		3, 0, 4,
	})
	inv, degenerate := gaussJordanInverse(a)
	assert.Zero(t, degenerate)

	var id mat.Dense
	id.Mul(a, inv)
	assert.True(t, mat.EqualApprox(&id, mat.NewDiagDense(3, []float64{1, 1, 1}), 1e-12))
}

func TestRecordRoundTrip(t *testing.T) {
	t.Parallel()

	features, targets, _ := linearData(5, 30, 4)
	m := NewModel(0.5)
	_, err := m.Train(features, targets)
	require.NoError(t, err)

	data, err := m.Marshal()
	require.NoError(t, err)
	restored, err := Unmarshal(data)
	require.NoError(t, err)

	assert.Equal(t, m.Record(), restored.Record())
	for _, row := range features[:5] {
		x0, y0, err := m.Predict(row)
		require.NoError(t, err)
		x1, y1, err := restored.Predict(row)
		require.NoError(t, err)
		assert.Equal(t, x0, x1)
		assert.Equal(t, y0, y1)
	}
}

func TestFromRecordRejectsBadRecords(t *testing.T) {
	t.Parallel()

	good := Record{
		SchemaVersion: SchemaVersion,
		Alpha:         1,
		Weights:       [][2]float64{{1, 2}},
		Mean:          []float64{0},
		Std:           []float64{1},
		Trained:       true,
	}
	_, err := FromRecord(good)
	require.NoError(t, err)

	badVersion := good
	badVersion.SchemaVersion = 99
	_, err = FromRecord(badVersion)
	assert.Error(t, err)

	badShape := good
	badShape.Mean = nil
	_, err = FromRecord(badShape)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	tests := []struct {
		name string
		edit func(r *Record)
	}{
		{"nan mean", func(r *Record) { r.Mean = []float64{math.NaN()} }},
		{"inf mean", func(r *Record) { r.Mean = []float64{math.Inf(-1)} }},
		{"nan std", func(r *Record) { r.Std = []float64{math.NaN()} }},
		{"inf std", func(r *Record) { r.Std = []float64{math.Inf(1)} }},
		{"zero std", func(r *Record) { r.Std = []float64{0} }},
		{"negative std", func(r *Record) { r.Std = []float64{-1} }},
		{"nan alpha", func(r *Record) { r.Alpha = math.NaN() }},
		{"nan weight", func(r *Record) { r.Weights = [][2]float64{{math.NaN(), 0}} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := good
			rec.Mean = append([]float64(nil), good.Mean...)
			rec.Std = append([]float64(nil), good.Std...)
			tt.edit(&rec)
			m, err := FromRecord(rec)
			assert.Error(t, err)
			assert.Nil(t, m)
		})
	}

	_, err = Unmarshal([]byte("{not json"))
	assert.Error(t, err)
}
