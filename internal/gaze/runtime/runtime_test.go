package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/foveate/internal/config"
	"github.com/banshee-data/foveate/internal/gaze/calibration"
	"github.com/banshee-data/foveate/internal/gaze/features"
	"github.com/banshee-data/foveate/internal/gaze/landmarks"
	"github.com/banshee-data/foveate/internal/gaze/lod"
	"github.com/banshee-data/foveate/internal/gaze/ridge"
	"github.com/banshee-data/foveate/internal/ingest"
	"github.com/banshee-data/foveate/internal/timeutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var screen = calibration.Viewport{Width: 1920, Height: 1080}

// trainedModel fits a model on the synthetic face over the calibration grid.
func trainedModel(t *testing.T) *ridge.Model {
	t.Helper()
	face := ingest.NewSyntheticFace(screen.Width, screen.Height)
	ex := features.NewExtractor(features.DefaultConfig())
	var xs [][]float64
	var ys [][2]float64
	for _, tg := range calibration.Targets(screen, 0.1) {
		for i := 0; i < 25; i++ {
			obs, err := ex.Extract(face.FrameFor(tg.X, tg.Y))
			require.NoError(t, err)
			xs = append(xs, obs.Features)
			ys = append(ys, [2]float64{tg.X, tg.Y})
		}
	}
	m := ridge.NewModel(1)
	_, err := m.Train(xs, ys)
	require.NoError(t, err)
	return m
}

type frameSource struct {
	mu sync.Mutex
	f  *landmarks.Frame
}

func (s *frameSource) Latest() *landmarks.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f
}

func newTestEstimator(t *testing.T, src ingest.Source) (*Estimator, *timeutil.MockClock) {
	t.Helper()
	clock := timeutil.NewMockClock(time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC))
	cfg := DefaultConfig()
	cfg.Viewport = screen
	return NewEstimator(cfg, src, clock), clock
}

func TestStepWithoutModel(t *testing.T) {
	t.Parallel()

	e, _ := newTestEstimator(t, ingest.NewSyntheticFace(screen.Width, screen.Height))
	before := e.Latest()
	assert.Equal(t, OutcomeUntrained, e.Step())
	assert.Same(t, before, e.Latest(), "nothing published without a model")
	assert.False(t, before.Tracking)
	assert.Equal(t, lod.Point{X: 0.5, Y: 0.5}, before.Gaze)
	assert.Equal(t, uint64(1), e.Stats().Untrained)
}

func TestStepTracksGaze(t *testing.T) {
	t.Parallel()

	face := ingest.NewSyntheticFace(screen.Width, screen.Height)
	face.SetTarget(1440, 270)
	e, _ := newTestEstimator(t, face)
	e.SetModel(trainedModel(t))

	require.Equal(t, OutcomePredicted, e.Step())
	first := e.Latest()
	assert.True(t, first.Tracking)
	assert.Equal(t, uint64(1), first.Seq)
	// The first prediction passes through the smoother untouched
	assert.Equal(t, first.Raw[0]/screen.Width, first.Gaze.X)
	assert.Equal(t, first.Raw[1]/screen.Height, first.Gaze.Y)

	for i := 0; i < 30; i++ {
		require.Equal(t, OutcomePredicted, e.Step())
	}
	snap := e.Latest()
	assert.InDelta(t, 0.75, snap.Gaze.X, 0.01)
	assert.InDelta(t, 0.25, snap.Gaze.Y, 0.01)
	assert.Equal(t, uint64(31), snap.Seq)
	assert.Equal(t, uint64(31), e.Stats().Predicted)
}

func TestStepClampsToScreen(t *testing.T) {
	t.Parallel()

	face := ingest.NewSyntheticFace(screen.Width, screen.Height)
	face.SetTarget(4000, -900)
	e, _ := newTestEstimator(t, face)
	e.SetModel(trainedModel(t))

	require.Equal(t, OutcomePredicted, e.Step())
	snap := e.Latest()
	assert.Greater(t, snap.Raw[0], screen.Width)
	assert.Less(t, snap.Raw[1], 0.0)
	assert.Equal(t, lod.Point{X: 1, Y: 0}, snap.Gaze)
}

func TestEmptyViewportIsIgnored(t *testing.T) {
	t.Parallel()

	face := ingest.NewSyntheticFace(screen.Width, screen.Height)
	face.SetTarget(960, 540)
	cfg := DefaultConfig()
	cfg.Viewport = calibration.Viewport{Width: 0, Height: 1080}
	e := NewEstimator(cfg, face, timeutil.NewMockClock(time.Unix(0, 0)))
	assert.Equal(t, DefaultConfig().Viewport, e.Viewport())

	e.SetViewport(calibration.Viewport{Width: -1, Height: 0})
	assert.Equal(t, DefaultConfig().Viewport, e.Viewport())

	e.SetModel(trainedModel(t))
	require.Equal(t, OutcomePredicted, e.Step())
	snap := e.Latest()
	assert.False(t, snap.Gaze.X != snap.Gaze.X, "gaze x is NaN")
	assert.InDelta(t, 0.5, snap.Gaze.X, 0.05)
	assert.InDelta(t, 0.5, snap.Gaze.Y, 0.05)
}

func TestStepSkipsUnusableFrames(t *testing.T) {
	t.Parallel()

	face := ingest.NewSyntheticFace(screen.Width, screen.Height)
	face.SetTarget(480, 540)
	e, _ := newTestEstimator(t, face)
	e.SetModel(trainedModel(t))

	for i := 0; i < 20; i++ {
		require.Equal(t, OutcomePredicted, e.Step())
	}
	tracked := e.Latest()

	face.SetBlink(true)
	assert.Equal(t, OutcomeBlink, e.Step())
	assert.Same(t, tracked, e.Latest(), "blinks are dropped without publishing")
	face.SetBlink(false)

	face.SetPresent(false)
	assert.Equal(t, OutcomeNoFace, e.Step())
	lost := e.Latest()
	assert.False(t, lost.Tracking)
	assert.Equal(t, tracked.Gaze, lost.Gaze, "last gaze is held while the face is gone")
	assert.Equal(t, tracked.Seq+1, lost.Seq)

	stats := e.Stats()
	assert.Equal(t, uint64(22), stats.Frames)
	assert.Equal(t, uint64(1), stats.Blinks)
	assert.Equal(t, uint64(1), stats.NoFace)
}

func TestStepRejectsShortAndMismatchedFrames(t *testing.T) {
	t.Parallel()

	full := ingest.NewSyntheticFace(screen.Width, screen.Height).Latest()
	src := &frameSource{f: &landmarks.Frame{Points: full.Points[:landmarks.NumMesh]}}
	e, _ := newTestEstimator(t, src)
	e.SetModel(trainedModel(t))

	assert.Equal(t, OutcomeTooShort, e.Step())
	assert.Equal(t, uint64(1), e.Stats().TooShort)

	src.mu.Lock()
	src.f = full
	src.mu.Unlock()

	narrow := ridge.NewModel(1)
	_, err := narrow.Train([][]float64{{1, 2}, {2, 1}, {3, 3}}, [][2]float64{{1, 1}, {2, 2}, {3, 3}})
	require.NoError(t, err)
	e.SetModel(narrow)
	assert.Equal(t, OutcomeMismatch, e.Step())
	assert.Equal(t, uint64(1), e.Stats().Mismatch)
}

func TestResetSession(t *testing.T) {
	t.Parallel()

	face := ingest.NewSyntheticFace(screen.Width, screen.Height)
	face.SetTarget(300, 300)
	e, _ := newTestEstimator(t, face)
	e.SetModel(trainedModel(t))
	for i := 0; i < 10; i++ {
		e.Step()
	}
	old := e.Latest().SessionID

	id := e.ResetSession()
	assert.NotEqual(t, old, id)
	assert.NotEqual(t, uuid.Nil, id)
	snap := e.Latest()
	assert.Equal(t, id, snap.SessionID)
	assert.Zero(t, snap.Seq)
	assert.False(t, snap.Tracking)

	// Fresh smoother: the next prediction is unsmoothed even after a jump
	face.SetTarget(1700, 900)
	require.Equal(t, OutcomePredicted, e.Step())
	snap = e.Latest()
	assert.Equal(t, snap.Raw[0]/screen.Width, snap.Gaze.X)
}

func TestSampleSharesBlinkGate(t *testing.T) {
	t.Parallel()

	face := ingest.NewSyntheticFace(screen.Width, screen.Height)
	e, _ := newTestEstimator(t, face)

	feats, ok := e.Sample()
	require.True(t, ok)
	assert.Len(t, feats, 57)

	face.SetBlink(true)
	_, ok = e.Sample()
	assert.False(t, ok)

	face.SetPresent(false)
	_, ok = e.Sample()
	assert.False(t, ok)
}

func TestRunHonoursPause(t *testing.T) {
	t.Parallel()

	face := ingest.NewSyntheticFace(screen.Width, screen.Height)
	e, clock := newTestEstimator(t, face)
	e.SetModel(trainedModel(t))
	e.Pause()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	assert.Never(t, func() bool {
		clock.Advance(e.Config().Interval)
		return e.Stats().Frames > 0
	}, 100*time.Millisecond, 5*time.Millisecond)

	e.Resume()
	assert.Eventually(t, func() bool {
		clock.Advance(e.Config().Interval)
		return e.Stats().Predicted >= 3
	}, 2*time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestConcurrentReaders(t *testing.T) {
	t.Parallel()

	face := ingest.NewSyntheticFace(screen.Width, screen.Height)
	e, _ := newTestEstimator(t, face)
	e.SetModel(trainedModel(t))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var lastSeq uint64
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := e.Latest()
				if snap.Seq < lastSeq {
					t.Errorf("seq went backwards: %d after %d", snap.Seq, lastSeq)
					return
				}
				lastSeq = snap.Seq
			}
		}()
	}
	for i := 0; i < 200; i++ {
		face.SetTarget(float64(i%1920), 540)
		e.Step()
	}
	close(stop)
	wg.Wait()
}

func TestRefreshLoopRendersLatest(t *testing.T) {
	t.Parallel()

	face := ingest.NewSyntheticFace(screen.Width, screen.Height)
	face.SetTarget(960, 540)
	e, clock := newTestEstimator(t, face)
	e.SetModel(trainedModel(t))
	for i := 0; i < 5; i++ {
		e.Step()
	}

	got := make(chan RenderInput, 8)
	loop := NewRefreshLoop(RefreshConfigFromTuning(config.DefaultTuningConfig()), e,
		RendererFunc(func(in RenderInput) {
			select {
			case got <- in:
			default:
			}
		}), clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	var in RenderInput
	require.Eventually(t, func() bool {
		clock.Advance(16 * time.Millisecond)
		select {
		case in = <-got:
			return true
		default:
			return false
		}
	}, 2*time.Second, time.Millisecond)

	snap := e.Latest()
	assert.Equal(t, snap.Seq, in.Seq)
	assert.Equal(t, snap.Gaze, in.Gaze)
	assert.True(t, in.Tracking)
	assert.Equal(t, 0.15, in.FovealRadius)
	assert.InDelta(t, 0, in.CenterLOD, 1e-3, "looking at the centre")
	assert.Equal(t, lod.RenderBudget{Steps: 128, Octaves: 8}, in.Fovea)
	assert.Equal(t, lod.RenderBudget{Steps: 16, Octaves: 1}, in.Periphery)
	assert.Equal(t, 1.0, in.LODAt(lod.Point{X: 0, Y: 0}))
}

func TestRenderersFanOut(t *testing.T) {
	t.Parallel()

	var order []string
	rs := Renderers{
		RendererFunc(func(in RenderInput) { order = append(order, "hub") }),
		nil,
		RendererFunc(func(in RenderInput) { order = append(order, "grpc") }),
	}
	rs.Render(RenderInput{Seq: 7})
	assert.Equal(t, []string{"hub", "grpc"}, order)
}

func TestFrameForIdleSnapshot(t *testing.T) {
	t.Parallel()

	snap := &Snapshot{Gaze: lod.Point{X: 0, Y: 0}}
	in := Frame(snap, lod.NewMapper(0.15), lod.Budget{MinSteps: 16, MaxSteps: 128, MaxOctaves: 8})
	assert.False(t, in.Tracking)
	assert.Equal(t, 1.0, in.CenterLOD, "centre is far outside the fovea")
}

func TestConfigFromTuning(t *testing.T) {
	t.Parallel()

	assert.Equal(t, DefaultConfig(), ConfigFromTuning(config.DefaultTuningConfig()))
}
