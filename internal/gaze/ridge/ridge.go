// Package ridge implements the closed-form L2-regularized linear regression
// that maps feature vectors to screen coordinates.
package ridge

import (
	"errors"
	"fmt"
	"math"

	"github.com/banshee-data/foveate/internal/monitoring"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

const (
	// minStd replaces the standard deviation of constant feature columns.
	minStd = 1e-10
	// pivotFloor is substituted for vanishing Gauss–Jordan pivots.
	pivotFloor = 1e-10
)

var (
	ErrInsufficientSamples = errors.New("ridge: at least 2 samples required")
	ErrShapeMismatch       = errors.New("ridge: feature and target shapes do not match")
	ErrTrainingFailed      = errors.New("ridge: training produced non-finite weights")
	ErrNotTrained          = errors.New("ridge: model not trained")
	ErrFeatureDimension    = errors.New("ridge: feature dimension mismatch")
)

// TrainReport summarises a successful fit.
type TrainReport struct {
	Samples          int     `json:"samples"`
	Features         int     `json:"features"`
	DegeneratePivots int     `json:"degenerate_pivots"`
	RMSE             float64 `json:"rmse"` // training residual, pixels
}

// Model is a two-output ridge regressor with per-feature standardization.
// A trained model is read-only; Predict is safe for concurrent use.
type Model struct {
	alpha   float64
	mean    []float64
	std     []float64
	weights [][2]float64
	bias    [2]float64
	trained bool
}

// NewModel returns an untrained model with regularization strength alpha.
func NewModel(alpha float64) *Model {
	return &Model{alpha: alpha}
}

// Alpha returns the regularization strength.
func (m *Model) Alpha() float64 { return m.alpha }

// Trained reports whether Train has succeeded at least once.
func (m *Model) Trained() bool { return m.trained }

// Dim returns the feature dimension of a trained model, or 0.
func (m *Model) Dim() int { return len(m.weights) }

// Train fits the model to n samples of d features each. On any error the
// model keeps its previous state.
func (m *Model) Train(features [][]float64, targets [][2]float64) (TrainReport, error) {
	n := len(features)
	if n < 2 {
		return TrainReport{}, ErrInsufficientSamples
	}
	if len(targets) != n {
		return TrainReport{}, fmt.Errorf("%w: %d feature rows, %d targets", ErrShapeMismatch, n, len(targets))
	}
	d := len(features[0])
	if d == 0 {
		return TrainReport{}, fmt.Errorf("%w: empty feature vector", ErrShapeMismatch)
	}
	for i, row := range features {
		if len(row) != d {
			return TrainReport{}, fmt.Errorf("%w: row %d has %d features, want %d", ErrShapeMismatch, i, len(row), d)
		}
	}

	mean := make([]float64, d)
	std := make([]float64, d)
	col := make([]float64, n)
	for j := 0; j < d; j++ {
		for i := range features {
			col[i] = features[i][j]
		}
		mean[j], std[j] = stat.PopMeanStdDev(col, nil)
		if std[j] < minStd {
			std[j] = 1
		}
	}

	// Design matrix with a trailing bias column of ones.
	x := mat.NewDense(n, d+1, nil)
	y := mat.NewDense(n, 2, nil)
	for i, row := range features {
		for j, v := range row {
			x.Set(i, j, (v-mean[j])/std[j])
		}
		x.Set(i, d, 1)
		y.Set(i, 0, targets[i][0])
		y.Set(i, 1, targets[i][1])
	}

	var a mat.Dense
	a.Mul(x.T(), x)
	for k := 0; k <= d; k++ {
		a.Set(k, k, a.At(k, k)+m.alpha)
	}
	var b mat.Dense
	b.Mul(x.T(), y)

	inv, degenerate := gaussJordanInverse(&a)
	if degenerate > 0 {
		monitoring.Warnf("ridge: %d near-singular pivots replaced by %g (samples=%d features=%d alpha=%g)",
			degenerate, pivotFloor, n, d, m.alpha)
	}

	var w mat.Dense
	w.Mul(inv, &b)

	weights := make([][2]float64, d)
	for j := 0; j < d; j++ {
		weights[j] = [2]float64{w.At(j, 0), w.At(j, 1)}
	}
	bias := [2]float64{w.At(d, 0), w.At(d, 1)}
	if !allFinite(weights, bias) {
		return TrainReport{}, ErrTrainingFailed
	}

	var pred mat.Dense
	pred.Mul(x, &w)
	var sq float64
	for i := 0; i < n; i++ {
		dx := pred.At(i, 0) - y.At(i, 0)
		dy := pred.At(i, 1) - y.At(i, 1)
		sq += dx*dx + dy*dy
	}

	m.mean, m.std = mean, std
	m.weights, m.bias = weights, bias
	m.trained = true

	return TrainReport{
		Samples:          n,
		Features:         d,
		DegeneratePivots: degenerate,
		RMSE:             math.Sqrt(sq / float64(n)),
	}, nil
}

// Predict maps one feature vector to screen pixels.
func (m *Model) Predict(features []float64) (x, y float64, err error) {
	if !m.trained {
		return 0, 0, ErrNotTrained
	}
	if len(features) != len(m.weights) {
		return 0, 0, fmt.Errorf("%w: got %d, want %d", ErrFeatureDimension, len(features), len(m.weights))
	}
	x, y = m.bias[0], m.bias[1]
	for j, v := range features {
		z := (v - m.mean[j]) / m.std[j]
		x += z * m.weights[j][0]
		y += z * m.weights[j][1]
	}
	return x, y, nil
}

// gaussJordanInverse inverts the square matrix a by Gauss–Jordan
// elimination with partial pivoting. Pivots smaller than pivotFloor in
// magnitude are replaced by ±pivotFloor and counted.
func gaussJordanInverse(a mat.Matrix) (*mat.Dense, int) {
	size, _ := a.Dims()
	aug := mat.NewDense(size, 2*size, nil)
	for i := 0; i < size; i++ {
		for j := 0; j < size; j++ {
			aug.Set(i, j, a.At(i, j))
		}
		aug.Set(i, size+i, 1)
	}

	degenerate := 0
	for c := 0; c < size; c++ {
		best := c
		for r := c + 1; r < size; r++ {
			if math.Abs(aug.At(r, c)) > math.Abs(aug.At(best, c)) {
				best = r
			}
		}
		if best != c {
			rc := mat.Row(nil, c, aug)
			aug.SetRow(c, mat.Row(nil, best, aug))
			aug.SetRow(best, rc)
		}

		pivot := aug.At(c, c)
		if math.Abs(pivot) < pivotFloor {
			if pivot < 0 {
				pivot = -pivotFloor
			} else {
				pivot = pivotFloor
			}
			aug.Set(c, c, pivot)
			degenerate++
		}

		row := aug.RawRowView(c)
		for j := range row {
			row[j] /= pivot
		}
		for r := 0; r < size; r++ {
			if r == c {
				continue
			}
			f := aug.At(r, c)
			if f == 0 {
				continue
			}
			other := aug.RawRowView(r)
			for j := range other {
				other[j] -= f * row[j]
			}
		}
	}

	return mat.DenseCopyOf(aug.Slice(0, size, size, 2*size)), degenerate
}

func allFinite(weights [][2]float64, bias [2]float64) bool {
	for _, w := range weights {
		if !finite(w[0]) || !finite(w[1]) {
			return false
		}
	}
	return finite(bias[0]) && finite(bias[1])
}
