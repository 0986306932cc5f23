package ridge

import (
	"fmt"
	"math"

	jsoniter "github.com/json-iterator/go"
)

// SchemaVersion is the current persisted model layout.
const SchemaVersion = 1

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Record is the persisted form of a Model.
type Record struct {
	SchemaVersion int          `json:"schema_version"`
	Alpha         float64      `json:"alpha"`
	Weights       [][2]float64 `json:"weights"`
	Bias          [2]float64   `json:"bias"`
	Mean          []float64    `json:"mean"`
	Std           []float64    `json:"std"`
	Trained       bool         `json:"trained"`
}

// Record snapshots the model parameters.
func (m *Model) Record() Record {
	return Record{
		SchemaVersion: SchemaVersion,
		Alpha:         m.alpha,
		Weights:       append([][2]float64(nil), m.weights...),
		Bias:          m.bias,
		Mean:          append([]float64(nil), m.mean...),
		Std:           append([]float64(nil), m.std...),
		Trained:       m.trained,
	}
}

// FromRecord rebuilds a model from a persisted record.
func FromRecord(r Record) (*Model, error) {
	if r.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("ridge: unsupported schema version %d", r.SchemaVersion)
	}
	d := len(r.Weights)
	if len(r.Mean) != d || len(r.Std) != d {
		return nil, fmt.Errorf("%w: %d weights, %d means, %d stds", ErrShapeMismatch, d, len(r.Mean), len(r.Std))
	}
	if r.Trained && d == 0 {
		return nil, fmt.Errorf("%w: trained record without weights", ErrShapeMismatch)
	}
	for j := range r.Std {
		if !finite(r.Mean[j]) {
			return nil, fmt.Errorf("ridge: non-finite mean %v for feature %d", r.Mean[j], j)
		}
		if s := r.Std[j]; !finite(s) || s <= 0 {
			return nil, fmt.Errorf("ridge: std %v for feature %d must be positive and finite", s, j)
		}
	}
	if !finite(r.Alpha) || r.Alpha < 0 {
		return nil, fmt.Errorf("ridge: invalid alpha %v", r.Alpha)
	}
	if !allFinite(r.Weights, r.Bias) {
		return nil, ErrTrainingFailed
	}
	return &Model{
		alpha:   r.Alpha,
		mean:    append([]float64(nil), r.Mean...),
		std:     append([]float64(nil), r.Std...),
		weights: append([][2]float64(nil), r.Weights...),
		bias:    r.Bias,
		trained: r.Trained,
	}, nil
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

// Marshal encodes the model as JSON.
func (m *Model) Marshal() ([]byte, error) {
	return json.Marshal(m.Record())
}

// Unmarshal decodes a model written by Marshal.
func Unmarshal(data []byte) (*Model, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("ridge: decode record: %w", err)
	}
	return FromRecord(r)
}
