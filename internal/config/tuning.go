package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig represents the root configuration for the gaze pipeline.
// The schema matches the /api/params payload so the same JSON can be used
// for both startup configuration and runtime updates. Every field is
// optional; the Get* accessors fall back to the documented defaults.
type TuningConfig struct {
	// Smoother params
	ProcessNoise     *float64 `json:"process_noise,omitempty"`
	MeasurementNoise *float64 `json:"measurement_noise,omitempty"`

	// Regression params
	RidgeAlpha *float64 `json:"ridge_alpha,omitempty"`

	// Blink detector params
	EARHistoryLength               *int     `json:"ear_history_length,omitempty"`
	BlinkThresholdRatio            *float64 `json:"blink_threshold_ratio,omitempty"`
	BlinkDefaultThreshold          *float64 `json:"blink_default_threshold,omitempty"`
	MinHistoryForAdaptiveThreshold *int     `json:"min_history_for_adaptive_threshold,omitempty"`

	// Calibration params
	CalibrationInstructionsDuration *string  `json:"calibration_instructions_duration,omitempty"` // duration string like "2s"
	CalibrationPulseDuration        *string  `json:"calibration_pulse_duration,omitempty"`
	CalibrationCaptureDuration      *string  `json:"calibration_capture_duration,omitempty"`
	CalibrationSampleInterval       *string  `json:"calibration_sample_interval,omitempty"`
	CalibrationMarginRatio          *float64 `json:"calibration_margin_ratio,omitempty"`
	MinCalibrationSamples           *int     `json:"min_calibration_samples,omitempty"`

	// Runtime cadence
	EstimationInterval *string `json:"estimation_interval,omitempty"`
	RefreshInterval    *string `json:"refresh_interval,omitempty"`

	// LOD params
	FovealRadius     *float64 `json:"foveal_radius,omitempty"`
	MinStepCount     *int     `json:"min_step_count,omitempty"`
	MaxStepCount     *int     `json:"max_step_count,omitempty"`
	MaxDetailOctaves *int     `json:"max_detail_octaves,omitempty"`

	// Viewport used when the host does not report one
	ViewportWidth  *float64 `json:"viewport_width,omitempty"`
	ViewportHeight *float64 `json:"viewport_height,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// DefaultTuningConfig returns a TuningConfig with every field populated
// from the built-in defaults. It mirrors config/tuning.defaults.json.
func DefaultTuningConfig() *TuningConfig {
	return &TuningConfig{
		ProcessNoise:                    ptrFloat64(defaultProcessNoise),
		MeasurementNoise:                ptrFloat64(defaultMeasurementNoise),
		RidgeAlpha:                      ptrFloat64(defaultRidgeAlpha),
		EARHistoryLength:                ptrInt(defaultEARHistoryLength),
		BlinkThresholdRatio:             ptrFloat64(defaultBlinkThresholdRatio),
		BlinkDefaultThreshold:           ptrFloat64(defaultBlinkDefaultThreshold),
		MinHistoryForAdaptiveThreshold:  ptrInt(defaultMinHistoryForAdaptive),
		CalibrationInstructionsDuration: ptrString(defaultInstructionsDuration.String()),
		CalibrationPulseDuration:        ptrString(defaultPulseDuration.String()),
		CalibrationCaptureDuration:      ptrString(defaultCaptureDuration.String()),
		CalibrationSampleInterval:       ptrString(defaultSampleInterval.String()),
		CalibrationMarginRatio:          ptrFloat64(defaultMarginRatio),
		MinCalibrationSamples:           ptrInt(defaultMinCalibrationSamples),
		EstimationInterval:              ptrString(defaultEstimationInterval.String()),
		RefreshInterval:                 ptrString(defaultRefreshInterval.String()),
		FovealRadius:                    ptrFloat64(defaultFovealRadius),
		MinStepCount:                    ptrInt(defaultMinStepCount),
		MaxStepCount:                    ptrInt(defaultMaxStepCount),
		MaxDetailOctaves:                ptrInt(defaultMaxDetailOctaves),
		ViewportWidth:                   ptrFloat64(defaultViewportWidth),
		ViewportHeight:                  ptrFloat64(defaultViewportHeight),
	}
}

const (
	defaultProcessNoise          = 0.01
	defaultMeasurementNoise      = 0.5
	defaultRidgeAlpha            = 1.0
	defaultEARHistoryLength      = 50
	defaultBlinkThresholdRatio   = 0.8
	defaultBlinkDefaultThreshold = 0.2
	defaultMinHistoryForAdaptive = 15
	defaultInstructionsDuration  = 0 * time.Second
	defaultPulseDuration         = 1000 * time.Millisecond
	defaultCaptureDuration       = 1000 * time.Millisecond
	defaultSampleInterval        = 33 * time.Millisecond
	defaultMarginRatio           = 0.1
	defaultMinCalibrationSamples = 20
	defaultEstimationInterval    = 33 * time.Millisecond
	defaultRefreshInterval       = 16 * time.Millisecond
	defaultFovealRadius          = 0.15
	defaultMinStepCount          = 16
	defaultMaxStepCount          = 128
	defaultMaxDetailOctaves      = 8
	defaultViewportWidth         = 1920
	defaultViewportHeight        = 1080
)

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file retain their default values, so
// partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // from internal/gaze/ridge/
		"../../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	if c.ProcessNoise != nil && *c.ProcessNoise < 0 {
		return fmt.Errorf("process_noise must be non-negative, got %f", *c.ProcessNoise)
	}
	if c.MeasurementNoise != nil && *c.MeasurementNoise <= 0 {
		return fmt.Errorf("measurement_noise must be positive, got %f", *c.MeasurementNoise)
	}
	if c.RidgeAlpha != nil && *c.RidgeAlpha < 0 {
		return fmt.Errorf("ridge_alpha must be non-negative, got %f", *c.RidgeAlpha)
	}
	if c.EARHistoryLength != nil && *c.EARHistoryLength < 1 {
		return fmt.Errorf("ear_history_length must be at least 1, got %d", *c.EARHistoryLength)
	}
	if c.BlinkThresholdRatio != nil && (*c.BlinkThresholdRatio <= 0 || *c.BlinkThresholdRatio > 1) {
		return fmt.Errorf("blink_threshold_ratio must be in (0, 1], got %f", *c.BlinkThresholdRatio)
	}
	if c.MinHistoryForAdaptiveThreshold != nil && c.EARHistoryLength != nil &&
		*c.MinHistoryForAdaptiveThreshold > *c.EARHistoryLength {
		return fmt.Errorf("min_history_for_adaptive_threshold (%d) exceeds ear_history_length (%d)",
			*c.MinHistoryForAdaptiveThreshold, *c.EARHistoryLength)
	}
	if c.CalibrationMarginRatio != nil && (*c.CalibrationMarginRatio < 0 || *c.CalibrationMarginRatio >= 0.5) {
		return fmt.Errorf("calibration_margin_ratio must be in [0, 0.5), got %f", *c.CalibrationMarginRatio)
	}
	if c.MinCalibrationSamples != nil && *c.MinCalibrationSamples < 2 {
		return fmt.Errorf("min_calibration_samples must be at least 2, got %d", *c.MinCalibrationSamples)
	}
	if c.FovealRadius != nil && *c.FovealRadius <= 0 {
		return fmt.Errorf("foveal_radius must be positive, got %f", *c.FovealRadius)
	}
	if c.MinStepCount != nil && c.MaxStepCount != nil && *c.MinStepCount > *c.MaxStepCount {
		return fmt.Errorf("min_step_count (%d) exceeds max_step_count (%d)", *c.MinStepCount, *c.MaxStepCount)
	}

	if c.ViewportWidth != nil && !(*c.ViewportWidth > 0) {
		return fmt.Errorf("viewport_width must be positive, got %f", *c.ViewportWidth)
	}
	if c.ViewportHeight != nil && !(*c.ViewportHeight > 0) {
		return fmt.Errorf("viewport_height must be positive, got %f", *c.ViewportHeight)
	}

	// Waits may be zero; loop periods may not.
	durations := []struct {
		name     string
		v        *string
		positive bool
	}{
		{"calibration_instructions_duration", c.CalibrationInstructionsDuration, false},
		{"calibration_pulse_duration", c.CalibrationPulseDuration, false},
		{"calibration_capture_duration", c.CalibrationCaptureDuration, true},
		{"calibration_sample_interval", c.CalibrationSampleInterval, true},
		{"estimation_interval", c.EstimationInterval, true},
		{"refresh_interval", c.RefreshInterval, true},
	}
	for _, dur := range durations {
		if dur.v == nil || *dur.v == "" {
			continue
		}
		d, err := time.ParseDuration(*dur.v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", dur.name, *dur.v, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", dur.name, *dur.v)
		}
		if dur.positive && d == 0 {
			return fmt.Errorf("%s must be positive, got %s", dur.name, *dur.v)
		}
	}

	return nil
}

// parseDurationOr parses an optional duration string, returning def when it
// is unset or malformed.
func parseDurationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// GetProcessNoise returns the Kalman process noise Q.
func (c *TuningConfig) GetProcessNoise() float64 {
	if c.ProcessNoise == nil {
		return defaultProcessNoise
	}
	return *c.ProcessNoise
}

// GetMeasurementNoise returns the Kalman measurement noise R (the smoothing knob).
func (c *TuningConfig) GetMeasurementNoise() float64 {
	if c.MeasurementNoise == nil {
		return defaultMeasurementNoise
	}
	return *c.MeasurementNoise
}

// GetRidgeAlpha returns the ridge regularization strength.
func (c *TuningConfig) GetRidgeAlpha() float64 {
	if c.RidgeAlpha == nil {
		return defaultRidgeAlpha
	}
	return *c.RidgeAlpha
}

func (c *TuningConfig) GetEARHistoryLength() int {
	if c.EARHistoryLength == nil {
		return defaultEARHistoryLength
	}
	return *c.EARHistoryLength
}

func (c *TuningConfig) GetBlinkThresholdRatio() float64 {
	if c.BlinkThresholdRatio == nil {
		return defaultBlinkThresholdRatio
	}
	return *c.BlinkThresholdRatio
}

func (c *TuningConfig) GetBlinkDefaultThreshold() float64 {
	if c.BlinkDefaultThreshold == nil {
		return defaultBlinkDefaultThreshold
	}
	return *c.BlinkDefaultThreshold
}

func (c *TuningConfig) GetMinHistoryForAdaptiveThreshold() int {
	if c.MinHistoryForAdaptiveThreshold == nil {
		return defaultMinHistoryForAdaptive
	}
	return *c.MinHistoryForAdaptiveThreshold
}

func (c *TuningConfig) GetCalibrationInstructionsDuration() time.Duration {
	return parseDurationOr(c.CalibrationInstructionsDuration, defaultInstructionsDuration)
}

func (c *TuningConfig) GetCalibrationPulseDuration() time.Duration {
	return parseDurationOr(c.CalibrationPulseDuration, defaultPulseDuration)
}

func (c *TuningConfig) GetCalibrationCaptureDuration() time.Duration {
	return parseDurationOr(c.CalibrationCaptureDuration, defaultCaptureDuration)
}

func (c *TuningConfig) GetCalibrationSampleInterval() time.Duration {
	return parseDurationOr(c.CalibrationSampleInterval, defaultSampleInterval)
}

func (c *TuningConfig) GetCalibrationMarginRatio() float64 {
	if c.CalibrationMarginRatio == nil {
		return defaultMarginRatio
	}
	return *c.CalibrationMarginRatio
}

func (c *TuningConfig) GetMinCalibrationSamples() int {
	if c.MinCalibrationSamples == nil {
		return defaultMinCalibrationSamples
	}
	return *c.MinCalibrationSamples
}

// GetEstimationInterval returns the period of the gaze-estimation activity (~30 Hz).
func (c *TuningConfig) GetEstimationInterval() time.Duration {
	return parseDurationOr(c.EstimationInterval, defaultEstimationInterval)
}

// GetRefreshInterval returns the period of the LOD consumer when no
// display-synchronized tick is available.
func (c *TuningConfig) GetRefreshInterval() time.Duration {
	return parseDurationOr(c.RefreshInterval, defaultRefreshInterval)
}

func (c *TuningConfig) GetFovealRadius() float64 {
	if c.FovealRadius == nil {
		return defaultFovealRadius
	}
	return *c.FovealRadius
}

func (c *TuningConfig) GetMinStepCount() int {
	if c.MinStepCount == nil {
		return defaultMinStepCount
	}
	return *c.MinStepCount
}

func (c *TuningConfig) GetMaxStepCount() int {
	if c.MaxStepCount == nil {
		return defaultMaxStepCount
	}
	return *c.MaxStepCount
}

func (c *TuningConfig) GetMaxDetailOctaves() int {
	if c.MaxDetailOctaves == nil {
		return defaultMaxDetailOctaves
	}
	return *c.MaxDetailOctaves
}

func (c *TuningConfig) GetViewportWidth() float64 {
	if c.ViewportWidth == nil {
		return defaultViewportWidth
	}
	return *c.ViewportWidth
}

func (c *TuningConfig) GetViewportHeight() float64 {
	if c.ViewportHeight == nil {
		return defaultViewportHeight
	}
	return *c.ViewportHeight
}
