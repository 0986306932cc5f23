// Package calibration runs the nine-point calibration protocol: it walks
// the user through a fixed target sequence, collects raw (feature, target)
// samples while they fixate each one, and trains a fresh regression model
// from them.
package calibration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/foveate/internal/config"
	"github.com/banshee-data/foveate/internal/gaze/ridge"
	"github.com/banshee-data/foveate/internal/monitoring"
	"github.com/banshee-data/foveate/internal/timeutil"
	"github.com/google/uuid"
)

var (
	ErrAlreadyRunning  = errors.New("calibration already running")
	ErrInvalidViewport = errors.New("invalid calibration viewport")
)

// Failure reasons reported in Result.Reason.
const (
	ReasonInsufficientSamples = "insufficient samples"
	ReasonTrainingFailed      = "training failed"
)

// State is the protocol's position in the run.
type State int

const (
	StateIdle State = iota
	StateInstructions
	StatePulse
	StateCapture
	StateTraining
	StateComplete
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInstructions:
		return "instructions"
	case StatePulse:
		return "pulse"
	case StateCapture:
		return "capture"
	case StateTraining:
		return "training"
	case StateComplete:
		return "complete"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether s ends a run.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateCancelled
}

// Status is the outcome of a finished run.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Config holds protocol timing and thresholds.
type Config struct {
	InstructionsDuration time.Duration
	PulseDuration        time.Duration
	CaptureDuration      time.Duration
	SampleInterval       time.Duration
	MarginRatio          float64
	MinSamples           int
	RidgeAlpha           float64
}

// DefaultConfig returns the stock protocol timing.
func DefaultConfig() Config {
	return Config{
		PulseDuration:   time.Second,
		CaptureDuration: time.Second,
		SampleInterval:  33 * time.Millisecond,
		MarginRatio:     0.1,
		MinSamples:      20,
		RidgeAlpha:      1.0,
	}
}

// ConfigFromTuning builds a Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		InstructionsDuration: cfg.GetCalibrationInstructionsDuration(),
		PulseDuration:        cfg.GetCalibrationPulseDuration(),
		CaptureDuration:      cfg.GetCalibrationCaptureDuration(),
		SampleInterval:       cfg.GetCalibrationSampleInterval(),
		MarginRatio:          cfg.GetCalibrationMarginRatio(),
		MinSamples:           cfg.GetMinCalibrationSamples(),
		RidgeAlpha:           cfg.GetRidgeAlpha(),
	}
}

// Sampler polls the landmark pipeline once. ok is false when the frame had
// no usable face or was a blink; such polls are skipped.
type Sampler interface {
	Sample() (features []float64, ok bool)
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func() ([]float64, bool)

func (f SamplerFunc) Sample() ([]float64, bool) { return f() }

// Sample is one raw training pair. Samples are never averaged.
type Sample struct {
	Features []float64 `json:"features"`
	Target   Target    `json:"target"`
}

// Progress is reported when a target is shown and after every accepted sample.
type Progress struct {
	TargetIndex int    `json:"target_index"`
	Target      Target `json:"target"`
	Samples     int    `json:"samples"` // accepted for this target so far
	Total       int    `json:"total"`   // accepted across all targets
}

// Result describes a finished run.
type Result struct {
	SessionID  uuid.UUID         `json:"session_id"`
	Status     Status            `json:"status"`
	Reason     string            `json:"reason,omitempty"`
	Err        error             `json:"-"`
	Viewport   Viewport          `json:"viewport"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	PerTarget  []int             `json:"per_target"`
	Report     ridge.TrainReport `json:"report"`

	// Model and Samples are set only on success.
	Model   *ridge.Model `json:"-"`
	Samples []Sample     `json:"-"`
}

// TotalSamples sums the per-target counts.
func (r Result) TotalSamples() int {
	n := 0
	for _, c := range r.PerTarget {
		n += c
	}
	return n
}

// Protocol drives calibration runs. One run may be active at a time.
// Callbacks are invoked on the run's goroutine and must be set before the
// first Run or Start.
type Protocol struct {
	cfg     Config
	sampler Sampler
	clock   timeutil.Clock

	OnProgress func(Progress)
	OnComplete func(Result)
	OnState    func(State)

	mu      sync.Mutex
	state   State
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	last    *Result
}

// NewProtocol creates an idle protocol. A nil clock uses the real clock and
// a non-positive sample interval uses the default one.
func NewProtocol(cfg Config, sampler Sampler, clock timeutil.Clock) *Protocol {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = DefaultConfig().SampleInterval
	}
	return &Protocol{cfg: cfg, sampler: sampler, clock: clock}
}

// Config returns the protocol configuration.
func (p *Protocol) Config() Config { return p.cfg }

// State returns the current state.
func (p *Protocol) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Running reports whether a run is in progress.
func (p *Protocol) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Last returns the result of the most recent finished run.
func (p *Protocol) Last() (Result, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		return Result{}, false
	}
	return *p.last, true
}

// Run executes a full calibration synchronously.
func (p *Protocol) Run(ctx context.Context, vp Viewport) (Result, error) {
	runCtx, err := p.begin(ctx, vp)
	if err != nil {
		return Result{}, err
	}
	return p.execute(runCtx, vp), nil
}

// Start launches a run in the background. Use Wait or OnComplete for the result.
func (p *Protocol) Start(ctx context.Context, vp Viewport) error {
	runCtx, err := p.begin(ctx, vp)
	if err != nil {
		return err
	}
	go p.execute(runCtx, vp)
	return nil
}

// Cancel requests cooperative cancellation of the active run. It reports
// whether a run was active.
func (p *Protocol) Cancel() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return false
	}
	p.cancel()
	return true
}

// Wait blocks until the active run, if any, has finished and its
// OnComplete callback has returned.
func (p *Protocol) Wait() {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (p *Protocol) begin(ctx context.Context, vp Viewport) (context.Context, error) {
	if err := vp.validate(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil, ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.running = true
	p.cancel = cancel
	p.done = make(chan struct{})
	return runCtx, nil
}

func (p *Protocol) finish(res Result) {
	p.mu.Lock()
	p.running = false
	p.cancel()
	done := p.done
	p.last = &res
	p.mu.Unlock()

	if p.OnComplete != nil {
		p.OnComplete(res)
	}
	close(done)
}

func (p *Protocol) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
	if p.OnState != nil {
		p.OnState(s)
	}
}

func (p *Protocol) progress(pr Progress) {
	if p.OnProgress != nil {
		p.OnProgress(pr)
	}
}

func (p *Protocol) execute(ctx context.Context, vp Viewport) Result {
	res := Result{
		SessionID: uuid.New(),
		Viewport:  vp,
		StartedAt: p.clock.Now(),
		PerTarget: make([]int, NumTargets),
	}
	monitoring.Logf("calibration %s: started on %gx%g viewport", res.SessionID, vp.Width, vp.Height)

	samples, err := p.collect(ctx, vp, res.PerTarget)
	if err == nil {
		err = p.train(ctx, &res, samples)
	}
	if err != nil {
		res = cancelled(res, err)
		p.setState(StateCancelled)
	}

	res.FinishedAt = p.clock.Now()
	monitoring.Logf("calibration %s: %s %s (samples=%d)", res.SessionID, res.Status, res.Reason, res.TotalSamples())
	p.finish(res)
	return res
}

// collect runs the instruction, pulse and capture phases. A non-nil error
// means the run was cancelled and the returned samples must be discarded.
func (p *Protocol) collect(ctx context.Context, vp Viewport, perTarget []int) ([]Sample, error) {
	p.setState(StateInstructions)
	if err := p.clock.Sleep(ctx, p.cfg.InstructionsDuration); err != nil {
		return nil, err
	}

	var samples []Sample
	for i, target := range Targets(vp, p.cfg.MarginRatio) {
		p.progress(Progress{TargetIndex: i, Target: target, Total: len(samples)})

		p.setState(StatePulse)
		if err := p.clock.Sleep(ctx, p.cfg.PulseDuration); err != nil {
			return nil, err
		}

		p.setState(StateCapture)
		start := p.clock.Now()
		for p.clock.Since(start) < p.cfg.CaptureDuration {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if features, ok := p.sampler.Sample(); ok {
				samples = append(samples, Sample{Features: features, Target: target})
				perTarget[i]++
				p.progress(Progress{TargetIndex: i, Target: target, Samples: perTarget[i], Total: len(samples)})
			}
			if err := p.clock.Sleep(ctx, p.cfg.SampleInterval); err != nil {
				return nil, err
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return samples, nil
}

// cancelled strips everything a cancelled run may have produced.
func cancelled(res Result, err error) Result {
	res.Status = StatusCancelled
	res.Reason = ""
	res.Err = err
	res.Model = nil
	res.Samples = nil
	res.Report = ridge.TrainReport{}
	return res
}

// train fits a fresh model. Any prior model held by the caller is never
// touched here. A non-nil error means the run was cancelled during training
// and res must be discarded.
func (p *Protocol) train(ctx context.Context, res *Result, samples []Sample) error {
	p.setState(StateTraining)
	if err := ctx.Err(); err != nil {
		return err
	}

	if len(samples) < p.cfg.MinSamples {
		res.Status = StatusFailed
		res.Reason = ReasonInsufficientSamples
		res.Err = fmt.Errorf("%d samples, need %d", len(samples), p.cfg.MinSamples)
		p.setState(StateComplete)
		return nil
	}

	features := make([][]float64, len(samples))
	targets := make([][2]float64, len(samples))
	for i, s := range samples {
		features[i] = s.Features
		targets[i] = [2]float64{s.Target.X, s.Target.Y}
	}

	model := ridge.NewModel(p.cfg.RidgeAlpha)
	report, err := model.Train(features, targets)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if err != nil {
		res.Status = StatusFailed
		res.Reason = ReasonTrainingFailed
		res.Err = err
		p.setState(StateComplete)
		return nil
	}

	res.Status = StatusSucceeded
	res.Report = report
	res.Model = model
	res.Samples = samples
	p.setState(StateComplete)
	return nil
}
