package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/foveate/internal/db"
	"github.com/banshee-data/foveate/internal/gaze/calibration"
	"github.com/banshee-data/foveate/internal/gaze/ridge"
	"github.com/banshee-data/foveate/internal/gaze/session"
	"github.com/banshee-data/foveate/internal/httputil"
	"github.com/google/uuid"
)

// maxRequestBody caps calibration request payloads.
const maxRequestBody = 4 << 10

type calibrationStartRequest struct {
	Width  float64 `json:"width" validate:"required,gt=0,lte=16384"`
	Height float64 `json:"height" validate:"required,gt=0,lte=16384"`
}

// runSummary is a Result without the model and raw samples.
type runSummary struct {
	SessionID  uuid.UUID            `json:"session_id"`
	Status     calibration.Status   `json:"status"`
	Reason     string               `json:"reason,omitempty"`
	Error      string               `json:"error,omitempty"`
	Viewport   calibration.Viewport `json:"viewport"`
	StartedAt  time.Time            `json:"started_at"`
	FinishedAt time.Time            `json:"finished_at"`
	PerTarget  []int                `json:"per_target"`
	Samples    int                  `json:"samples"`
	Report     ridge.TrainReport    `json:"report"`
}

func summarize(res calibration.Result) runSummary {
	out := runSummary{
		SessionID:  res.SessionID,
		Status:     res.Status,
		Reason:     res.Reason,
		Viewport:   res.Viewport,
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
		PerTarget:  res.PerTarget,
		Samples:    res.TotalSamples(),
		Report:     res.Report,
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	return out
}

type calibrationStatus struct {
	Mode     session.Mode          `json:"mode"`
	State    string                `json:"state"`
	Running  bool                  `json:"running"`
	Progress *calibration.Progress `json:"progress,omitempty"`
	Last     *runSummary           `json:"last,omitempty"`
}

func (s *Server) status() calibrationStatus {
	proto := s.cfg.Controller.Protocol()
	st := calibrationStatus{
		Mode:    s.cfg.Controller.State().Mode,
		State:   proto.State().String(),
		Running: proto.Running(),
	}
	if st.Running {
		st.Progress = s.progress.Load()
	}
	if res, ok := proto.Last(); ok {
		sum := summarize(res)
		st.Last = &sum
	}
	return st
}

// handleCalibrationStart launches a calibration run. The body may carry the
// viewport size; an empty body uses the estimator's current viewport.
func (s *Server) handleCalibrationStart(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethods(w, r, http.MethodPost) {
		return
	}

	vp := s.cfg.Estimator.Viewport()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		httputil.WriteJSONError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if len(body) > 0 {
		var req calibrationStartRequest
		if err := json.Unmarshal(body, &req); err != nil {
			httputil.WriteJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
			return
		}
		if err := s.validate.Struct(req); err != nil {
			httputil.WriteJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid viewport: %v", err))
			return
		}
		vp = calibration.Viewport{Width: req.Width, Height: req.Height}
	}

	s.progress.Store(nil)
	if err := s.cfg.Controller.StartCalibration(s.runContext(), vp); err != nil {
		switch {
		case errors.Is(err, session.ErrInvalidTransition), errors.Is(err, calibration.ErrAlreadyRunning):
			httputil.WriteJSONError(w, http.StatusConflict, err.Error())
		case errors.Is(err, calibration.ErrInvalidViewport):
			httputil.WriteJSONError(w, http.StatusBadRequest, err.Error())
		default:
			httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, s.status())
}

func (s *Server) handleCalibrationCancel(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethods(w, r, http.MethodPost) {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{
		"cancelled": s.cfg.Controller.CancelCalibration(),
	})
}

func (s *Server) handleCalibrationStatus(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethods(w, r, http.MethodGet) {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, s.status())
}

// handleCalibrationRuns lists persisted calibration history, newest first.
// Query params:
//
//	limit (optional, default 20, max 500)
func (s *Server) handleCalibrationRuns(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethods(w, r, http.MethodGet) {
		return
	}
	if s.cfg.Runs == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "no run store configured")
		return
	}
	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 || n > 500 {
			httputil.WriteJSONError(w, http.StatusBadRequest, "Invalid 'limit' parameter")
			return
		}
		limit = n
	}
	runs, err := s.cfg.Runs.CalibrationRuns(r.Context(), limit)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to retrieve runs: %v", err))
		return
	}
	if runs == nil {
		runs = []db.CalibrationRun{}
	}
	httputil.WriteJSON(w, http.StatusOK, runs)
}
