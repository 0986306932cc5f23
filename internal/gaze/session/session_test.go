package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/foveate/internal/gaze/calibration"
	"github.com/banshee-data/foveate/internal/gaze/ridge"
	"github.com/banshee-data/foveate/internal/gaze/runtime"
	"github.com/banshee-data/foveate/internal/ingest"
	"github.com/banshee-data/foveate/internal/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var screen = calibration.Viewport{Width: 1920, Height: 1080}

type memStore struct {
	mu      sync.Mutex
	models  map[string]ridge.Record
	runs    []calibration.Result
	saves   int
	loadErr error
}

func newMemStore() *memStore {
	return &memStore{models: map[string]ridge.Record{}}
}

func (s *memStore) SaveModel(_ context.Context, slot string, rec ridge.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.models[slot] = rec
	s.saves++
	return nil
}

func (s *memStore) LoadModel(_ context.Context, slot string) (ridge.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return ridge.Record{}, false, s.loadErr
	}
	rec, ok := s.models[slot]
	return rec, ok, nil
}

func (s *memStore) RecordCalibrationRun(_ context.Context, res calibration.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, res)
	return nil
}

type harness struct {
	face  *ingest.SyntheticFace
	clock *timeutil.MockClock
	est   *runtime.Estimator
	store *memStore
	ctrl  *Controller
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		face:  ingest.NewSyntheticFace(screen.Width, screen.Height),
		clock: timeutil.NewMockClock(time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)),
		store: newMemStore(),
	}
	cfg := runtime.DefaultConfig()
	cfg.Viewport = screen
	h.est = runtime.NewEstimator(cfg, h.face, h.clock)
	h.ctrl = NewController(h.est, calibration.DefaultConfig(), h.store, h.clock)
	h.ctrl.Protocol().OnProgress = func(p calibration.Progress) {
		if p.Samples == 0 {
			h.face.SetTarget(p.Target.X, p.Target.Y)
		}
	}
	return h
}

func (h *harness) calibrate(t *testing.T) calibration.Result {
	t.Helper()
	var res calibration.Result
	h.ctrl.OnResult = func(r calibration.Result) { res = r }
	require.NoError(t, h.ctrl.StartCalibration(context.Background(), screen))
	h.ctrl.Wait()
	return res
}

func TestTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		from    State
		ev      Event
		want    State
		wantErr bool
	}{
		{"boot with model", State{Mode: ModeIdle}, EventModelLoaded, State{Mode: ModeTracking}, false},
		{"calibrate from idle", State{Mode: ModeIdle}, EventStartCalibration, State{Mode: ModeCalibrating, Previous: ModeIdle}, false},
		{"recalibrate while tracking", State{Mode: ModeTracking}, EventStartCalibration, State{Mode: ModeCalibrating, Previous: ModeTracking}, false},
		{"success tracks", State{Mode: ModeCalibrating, Previous: ModeIdle}, EventCalibrationSucceeded, State{Mode: ModeTracking}, false},
		{"failure returns to idle", State{Mode: ModeCalibrating, Previous: ModeIdle}, EventCalibrationFailed, State{Mode: ModeIdle}, false},
		{"failure returns to tracking", State{Mode: ModeCalibrating, Previous: ModeTracking}, EventCalibrationFailed, State{Mode: ModeTracking}, false},
		{"stop", State{Mode: ModeTracking}, EventStop, State{Mode: ModeIdle}, false},
		{"double start", State{Mode: ModeCalibrating, Previous: ModeIdle}, EventStartCalibration, State{Mode: ModeCalibrating, Previous: ModeIdle}, true},
		{"result outside calibration", State{Mode: ModeTracking}, EventCalibrationSucceeded, State{Mode: ModeTracking}, true},
		{"load while tracking", State{Mode: ModeTracking}, EventModelLoaded, State{Mode: ModeTracking}, true},
		{"stop while idle", State{Mode: ModeIdle}, EventStop, State{Mode: ModeIdle}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Transition(tt.from, tt.ev)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBootWithoutStoredModel(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	require.NoError(t, h.ctrl.Boot(context.Background()))
	assert.Equal(t, ModeIdle, h.ctrl.State().Mode)
	assert.Nil(t, h.est.Model())
}

func TestBootLoadError(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.store.loadErr = errors.New("disk on fire")
	assert.Error(t, h.ctrl.Boot(context.Background()))
	assert.Equal(t, ModeIdle, h.ctrl.State().Mode)
}

func TestCalibrateThenReboot(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	require.NoError(t, h.ctrl.Boot(context.Background()))
	sessionBefore := h.est.Latest().SessionID

	res := h.calibrate(t)
	require.Equal(t, calibration.StatusSucceeded, res.Status)
	assert.Equal(t, State{Mode: ModeTracking}, h.ctrl.State())
	assert.Same(t, res.Model, h.est.Model())
	assert.False(t, h.est.Paused())
	assert.NotEqual(t, sessionBefore, h.est.Latest().SessionID, "new user session after calibration")
	assert.Equal(t, 1, h.store.saves)
	require.Len(t, h.store.runs, 1)
	assert.Equal(t, res.SessionID, h.store.runs[0].SessionID)

	// A fresh process restores the persisted model
	cfg := runtime.DefaultConfig()
	est := runtime.NewEstimator(cfg, h.face, h.clock)
	ctrl := NewController(est, calibration.DefaultConfig(), h.store, h.clock)
	require.NoError(t, ctrl.Boot(context.Background()))
	assert.Equal(t, ModeTracking, ctrl.State().Mode)
	require.NotNil(t, est.Model())
	assert.Equal(t, res.Model.Record(), est.Model().Record())

	h.face.SetTarget(1600, 200)
	require.Equal(t, runtime.OutcomePredicted, est.Step())
	snap := est.Latest()
	assert.InDelta(t, 1600.0/1920, snap.Gaze.X, 0.01)
	assert.InDelta(t, 200.0/1080, snap.Gaze.Y, 0.01)
}

func TestFailedCalibrationKeepsPreviousModel(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	first := h.calibrate(t)
	require.Equal(t, calibration.StatusSucceeded, first.Status)
	saved := h.store.models[DefaultSlot]

	h.face.SetPresent(false)
	res := h.calibrate(t)
	assert.Equal(t, calibration.StatusFailed, res.Status)
	assert.Equal(t, calibration.ReasonInsufficientSamples, res.Reason)

	assert.Equal(t, State{Mode: ModeTracking}, h.ctrl.State(), "back to tracking with the old model")
	assert.Same(t, first.Model, h.est.Model())
	assert.Equal(t, 1, h.store.saves, "failed runs are never persisted as models")
	assert.Equal(t, saved, h.store.models[DefaultSlot])
	assert.Len(t, h.store.runs, 2, "failures are still recorded in the history")
	assert.False(t, h.est.Paused())
}

func TestCancelledCalibrationFromIdle(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	start := h.clock.Now()
	h.clock.OnSleep = func(now time.Time) {
		if now.Sub(start) >= 3*time.Second {
			h.ctrl.CancelCalibration()
		}
	}

	res := h.calibrate(t)
	assert.Equal(t, calibration.StatusCancelled, res.Status)
	assert.Equal(t, State{Mode: ModeIdle}, h.ctrl.State())
	assert.Nil(t, h.est.Model())
	assert.Zero(t, h.store.saves)
	assert.False(t, h.est.Paused())
}

func TestStartCalibrationRejectsBadViewport(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	err := h.ctrl.StartCalibration(context.Background(), calibration.Viewport{Width: -1, Height: 10})
	assert.ErrorIs(t, err, calibration.ErrInvalidViewport)
	assert.Equal(t, ModeIdle, h.ctrl.State().Mode)
	assert.False(t, h.est.Paused(), "estimator resumed after a rejected start")
}

func TestStop(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	assert.ErrorIs(t, h.ctrl.Stop(), ErrInvalidTransition)
	require.Equal(t, calibration.StatusSucceeded, h.calibrate(t).Status)
	require.Equal(t, runtime.OutcomePredicted, h.est.Step())
	require.True(t, h.est.Latest().Tracking)

	require.NoError(t, h.ctrl.Stop())
	assert.Equal(t, ModeIdle, h.ctrl.State().Mode)
	assert.True(t, h.est.Paused(), "no free-running estimation while idle")
	assert.False(t, h.est.Latest().Tracking)
	assert.NotNil(t, h.est.Model(), "model kept for the next session")

	// A failed recalibration returns to idle and stays paused
	h.face.SetPresent(false)
	assert.Equal(t, calibration.StatusFailed, h.calibrate(t).Status)
	assert.Equal(t, ModeIdle, h.ctrl.State().Mode)
	assert.True(t, h.est.Paused())
	assert.False(t, h.est.Latest().Tracking)

	h.face.SetPresent(true)
	require.Equal(t, calibration.StatusSucceeded, h.calibrate(t).Status)
	assert.Equal(t, ModeTracking, h.ctrl.State().Mode)
	assert.False(t, h.est.Paused())
}

func TestBootResumesAfterStop(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	require.Equal(t, calibration.StatusSucceeded, h.calibrate(t).Status)
	require.NoError(t, h.ctrl.Stop())
	require.True(t, h.est.Paused())

	require.NoError(t, h.ctrl.Boot(context.Background()))
	assert.Equal(t, ModeTracking, h.ctrl.State().Mode)
	assert.False(t, h.est.Paused())
}
