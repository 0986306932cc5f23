// Package session is the application controller: an explicit mode machine
// that sequences calibration and tracking, swaps the active model and
// persists it.
package session

import (
	"errors"
	"fmt"
)

// Mode is the controller's top-level mode.
type Mode string

const (
	ModeIdle        Mode = "idle"
	ModeCalibrating Mode = "calibrating"
	ModeTracking    Mode = "tracking"
)

// Event drives mode transitions.
type Event string

const (
	EventModelLoaded          Event = "model_loaded"
	EventStartCalibration     Event = "start_calibration"
	EventCalibrationSucceeded Event = "calibration_succeeded"
	EventCalibrationFailed    Event = "calibration_failed"
	EventStop                 Event = "stop"
)

var ErrInvalidTransition = errors.New("invalid session transition")

// State is the mode plus the mode to return to if calibration does not
// succeed.
type State struct {
	Mode     Mode `json:"mode"`
	Previous Mode `json:"previous,omitempty"`
}

// Transition returns the state reached by applying ev to s. It has no side
// effects; invalid events leave s unchanged and return ErrInvalidTransition.
func Transition(s State, ev Event) (State, error) {
	switch {
	case ev == EventModelLoaded && s.Mode == ModeIdle:
		return State{Mode: ModeTracking}, nil

	case ev == EventStartCalibration && s.Mode != ModeCalibrating:
		return State{Mode: ModeCalibrating, Previous: s.Mode}, nil

	case ev == EventCalibrationSucceeded && s.Mode == ModeCalibrating:
		return State{Mode: ModeTracking}, nil

	case ev == EventCalibrationFailed && s.Mode == ModeCalibrating:
		prev := s.Previous
		if prev == "" {
			prev = ModeIdle
		}
		return State{Mode: prev}, nil

	case ev == EventStop && s.Mode == ModeTracking:
		return State{Mode: ModeIdle}, nil
	}
	return s, fmt.Errorf("%w: %s in %s", ErrInvalidTransition, ev, s.Mode)
}
