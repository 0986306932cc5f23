// Package smoothing turns per-frame gaze predictions into a stable
// trajectory with one constant-position Kalman filter per screen axis.
package smoothing

import "github.com/banshee-data/foveate/internal/config"

// Kalman1D is a scalar constant-position Kalman filter.
type Kalman1D struct {
	Q float64 // process noise
	R float64 // measurement noise

	estimate    float64
	covariance  float64
	initialized bool
}

// NewKalman1D returns a filter in its reset state.
func NewKalman1D(q, r float64) Kalman1D {
	return Kalman1D{Q: q, R: r, covariance: 1}
}

// Update folds measurement into the estimate and returns the new estimate.
// The first measurement after construction or Reset is returned unchanged.
func (k *Kalman1D) Update(measurement float64) float64 {
	if !k.initialized {
		k.estimate = measurement
		k.initialized = true
		return measurement
	}
	p := k.covariance + k.Q
	gain := p / (p + k.R)
	k.estimate += gain * (measurement - k.estimate)
	k.covariance = (1 - gain) * p
	return k.estimate
}

// Reset clears the estimate to 0 and the covariance to 1.
func (k *Kalman1D) Reset() {
	k.estimate = 0
	k.covariance = 1
	k.initialized = false
}

// Estimate returns the current estimate and whether any measurement was seen.
func (k *Kalman1D) Estimate() (float64, bool) {
	return k.estimate, k.initialized
}

// Covariance returns the current error covariance.
func (k *Kalman1D) Covariance() float64 {
	return k.covariance
}

// Config holds the smoother noise parameters.
type Config struct {
	ProcessNoise     float64
	MeasurementNoise float64
}

// DefaultConfig returns the stock noise parameters.
func DefaultConfig() Config {
	return Config{ProcessNoise: 0.01, MeasurementNoise: 0.5}
}

// ConfigFromTuning builds a Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		ProcessNoise:     cfg.GetProcessNoise(),
		MeasurementNoise: cfg.GetMeasurementNoise(),
	}
}

// Smoother filters the two screen axes independently. It is session-scoped
// and owned by a single goroutine.
type Smoother struct {
	X, Y Kalman1D
}

// NewSmoother creates a smoother in its reset state.
func NewSmoother(cfg Config) *Smoother {
	return &Smoother{
		X: NewKalman1D(cfg.ProcessNoise, cfg.MeasurementNoise),
		Y: NewKalman1D(cfg.ProcessNoise, cfg.MeasurementNoise),
	}
}

// Update filters one (x, y) measurement.
func (s *Smoother) Update(x, y float64) (float64, float64) {
	return s.X.Update(x), s.Y.Update(y)
}

// Reset returns both axes to the initial uncertainty.
func (s *Smoother) Reset() {
	s.X.Reset()
	s.Y.Reset()
}

// SetMeasurementNoise changes R on both axes. Higher values smooth more.
func (s *Smoother) SetMeasurementNoise(r float64) {
	s.X.R = r
	s.Y.R = r
}

// Estimate returns the current smoothed point and whether it is initialized.
func (s *Smoother) Estimate() (x, y float64, ok bool) {
	x, okX := s.X.Estimate()
	y, okY := s.Y.Estimate()
	return x, y, okX && okY
}
