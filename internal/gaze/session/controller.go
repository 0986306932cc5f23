package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/foveate/internal/gaze/calibration"
	"github.com/banshee-data/foveate/internal/gaze/ridge"
	"github.com/banshee-data/foveate/internal/gaze/runtime"
	"github.com/banshee-data/foveate/internal/monitoring"
	"github.com/banshee-data/foveate/internal/timeutil"
)

// DefaultSlot is the persisted model slot name.
const DefaultSlot = "default"

// storeTimeout bounds persistence calls made after a calibration finishes.
const storeTimeout = 5 * time.Second

// Store persists models and calibration history.
type Store interface {
	SaveModel(ctx context.Context, slot string, rec ridge.Record) error
	LoadModel(ctx context.Context, slot string) (ridge.Record, bool, error)
	RecordCalibrationRun(ctx context.Context, res calibration.Result) error
}

// Controller sequences calibration and tracking around one estimator.
type Controller struct {
	est   *runtime.Estimator
	proto *calibration.Protocol
	store Store
	slot  string

	// OnResult, when set, is called after every calibration run has been
	// applied and persisted.
	OnResult func(calibration.Result)

	mu    sync.Mutex
	state State
	ctx   context.Context
	// stopped holds the estimator paused in idle until a model is loaded
	// or a calibration succeeds.
	stopped bool
}

// NewController wires a calibration protocol that samples through est.
// store may be nil, in which case nothing is persisted.
func NewController(est *runtime.Estimator, cfg calibration.Config, store Store, clock timeutil.Clock) *Controller {
	c := &Controller{
		est:   est,
		store: store,
		slot:  DefaultSlot,
		state: State{Mode: ModeIdle},
	}
	c.proto = calibration.NewProtocol(cfg, est, clock)
	c.proto.OnComplete = c.complete
	return c
}

// State returns the current controller state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Protocol exposes the calibration protocol for status reporting.
func (c *Controller) Protocol() *calibration.Protocol {
	return c.proto
}

// Boot loads the stored model, if any, and starts tracking with it.
func (c *Controller) Boot(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	rec, found, err := c.store.LoadModel(ctx, c.slot)
	if err != nil {
		return fmt.Errorf("load model slot %q: %w", c.slot, err)
	}
	if !found {
		monitoring.Logf("session: no stored model in slot %q, calibration required", c.slot)
		return nil
	}
	model, err := ridge.FromRecord(rec)
	if err != nil {
		return fmt.Errorf("restore model slot %q: %w", c.slot, err)
	}
	if !model.Trained() {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	next, err := Transition(c.state, EventModelLoaded)
	if err != nil {
		return err
	}
	c.est.SetModel(model)
	c.state = next
	c.stopped = false
	c.est.Resume()
	monitoring.Logf("session: restored model from slot %q (%d features)", c.slot, model.Dim())
	return nil
}

// StartCalibration pauses estimation and launches a calibration run.
func (c *Controller) StartCalibration(ctx context.Context, vp calibration.Viewport) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	next, err := Transition(c.state, EventStartCalibration)
	if err != nil {
		return err
	}
	c.est.Pause()
	if err := c.proto.Start(ctx, vp); err != nil {
		if !c.stopped {
			c.est.Resume()
		}
		return err
	}
	c.state = next
	c.ctx = ctx
	return nil
}

// CancelCalibration requests cancellation of the active run.
func (c *Controller) CancelCalibration() bool {
	return c.proto.Cancel()
}

// Wait blocks until the active calibration run has been applied.
func (c *Controller) Wait() {
	c.proto.Wait()
}

// Stop leaves tracking mode. The estimator keeps its model but is paused
// and republishes an untracked snapshot, so consumers stop following gaze.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	next, err := Transition(c.state, EventStop)
	if err != nil {
		return err
	}
	c.est.Pause()
	c.est.ResetSession()
	c.state = next
	c.stopped = true
	monitoring.Logf("session: tracking stopped")
	return nil
}

// complete applies a finished run. Only a successful run touches the
// active model; anything else restores the previous mode with the previous
// model intact.
func (c *Controller) complete(res calibration.Result) {
	c.mu.Lock()
	parent := c.ctx
	c.mu.Unlock()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), storeTimeout)
	defer cancel()

	ev := EventCalibrationFailed
	if res.Status == calibration.StatusSucceeded && res.Model != nil {
		ev = EventCalibrationSucceeded
		c.est.SetModel(res.Model)
		c.est.SetViewport(res.Viewport)
		c.est.ResetSession()
		if c.store != nil {
			if err := c.store.SaveModel(ctx, c.slot, res.Model.Record()); err != nil {
				monitoring.Warnf("session: persist model: %v", err)
			}
		}
	}
	if c.store != nil {
		if err := c.store.RecordCalibrationRun(ctx, res); err != nil {
			monitoring.Warnf("session: record calibration run %s: %v", res.SessionID, err)
		}
	}

	c.mu.Lock()
	next, err := Transition(c.state, ev)
	if err != nil {
		monitoring.Warnf("session: %v", err)
	} else {
		c.state = next
	}
	if ev == EventCalibrationSucceeded {
		c.stopped = false
	}
	if !c.stopped {
		c.est.Resume()
	}
	c.ctx = nil
	c.mu.Unlock()

	if c.OnResult != nil {
		c.OnResult(res)
	}
}
