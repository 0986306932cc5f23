// Package api serves gaze state, LOD queries and calibration control over
// HTTP, and streams render inputs to renderers over a websocket.
package api

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/foveate/internal/db"
	"github.com/banshee-data/foveate/internal/gaze/calibration"
	"github.com/banshee-data/foveate/internal/gaze/lod"
	"github.com/banshee-data/foveate/internal/gaze/runtime"
	"github.com/banshee-data/foveate/internal/gaze/session"
	"github.com/banshee-data/foveate/internal/httputil"
	"github.com/banshee-data/foveate/internal/monitoring"
	"github.com/banshee-data/foveate/internal/version"
	"github.com/go-playground/validator/v10"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ANSI escape codes for request logs
const (
	colorCyan      = "\033[36m"
	colorReset     = "\033[0m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
)

// RunStore lists persisted calibration history.
type RunStore interface {
	CalibrationRuns(ctx context.Context, limit int) ([]db.CalibrationRun, error)
}

// AdminRoutes mounts debug-only handlers.
type AdminRoutes interface {
	AttachAdminRoutes(mux *http.ServeMux) error
}

// Config wires the server to the running pipeline. Runs and Admin may be nil.
type Config struct {
	Address    string
	Estimator  *runtime.Estimator
	Controller *session.Controller
	Mapper     lod.Mapper
	Budget     lod.Budget
	Hub        *Hub
	Runs       RunStore
	Admin      AdminRoutes
}

type Server struct {
	cfg      Config
	validate *validator.Validate
	server   *http.Server

	progress atomic.Pointer[calibration.Progress]

	mu      sync.Mutex
	baseCtx context.Context
}

func NewServer(cfg Config) *Server {
	if cfg.Hub == nil {
		cfg.Hub = NewHub()
	}
	s := &Server{
		cfg:      cfg,
		validate: validator.New(),
		baseCtx:  context.Background(),
	}

	proto := cfg.Controller.Protocol()
	prev := proto.OnProgress
	proto.OnProgress = func(p calibration.Progress) {
		s.progress.Store(&p)
		if prev != nil {
			prev(p)
		}
	}
	return s
}

// Hub returns the websocket hub fed by the refresh loop.
func (s *Server) Hub() *Hub { return s.cfg.Hub }

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, status and duration. The websocket
// route is passed through untouched since hijacked connections have no
// meaningful status.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws/gaze" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Debugf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/gaze", s.handleGaze)
	mux.HandleFunc("/api/lod", s.handleLOD)
	mux.HandleFunc("/api/scenes", s.handleScenes)
	mux.HandleFunc("/api/calibration/start", s.handleCalibrationStart)
	mux.HandleFunc("/api/calibration/cancel", s.handleCalibrationCancel)
	mux.HandleFunc("/api/calibration/status", s.handleCalibrationStatus)
	mux.HandleFunc("/api/calibration/runs", s.handleCalibrationRuns)
	mux.HandleFunc("/debug/calibration/chart", s.handleCalibrationChart)
	mux.HandleFunc("/debug/calibration/residuals.png", s.handleResidualPlot)
	mux.Handle("/ws/gaze", s.cfg.Hub)
	if s.cfg.Admin != nil {
		if err := s.cfg.Admin.AttachAdminRoutes(mux); err != nil {
			monitoring.Warnf("admin routes disabled: %v", err)
		}
	}
	return mux
}

// Start serves until ctx is cancelled, then shuts down gracefully.
// Calibration runs started over HTTP live as long as ctx, not the request.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.server = &http.Server{
		Addr:    s.cfg.Address,
		Handler: LoggingMiddleware(s.ServeMux()),
	}
	srv := s.server
	s.mu.Unlock()

	errc := make(chan error, 1)
	go func() {
		monitoring.Logf("Starting HTTP server on %s", s.cfg.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	monitoring.Logf("shutting down HTTP server...")

	s.cfg.Hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		monitoring.Warnf("HTTP server shutdown error: %v", err)
		if err := srv.Close(); err != nil {
			monitoring.Warnf("HTTP server force close error: %v", err)
		}
	}
	monitoring.Logf("HTTP server routine stopped")
	return nil
}

func (s *Server) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseCtx
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethods(w, r, http.MethodGet) {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"version":     version.Version,
		"mode":        s.cfg.Controller.State().Mode,
		"trained":     s.cfg.Estimator.Model() != nil,
		"subscribers": s.cfg.Hub.Clients(),
	})
}

type gazeResponse struct {
	Snapshot *runtime.Snapshot `json:"snapshot"`
	Mode     session.Mode      `json:"mode"`
	Paused   bool              `json:"paused"`
	Stats    runtime.Stats     `json:"stats"`
}

func (s *Server) handleGaze(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethods(w, r, http.MethodGet) {
		return
	}
	est := s.cfg.Estimator
	httputil.WriteJSON(w, http.StatusOK, gazeResponse{
		Snapshot: est.Latest(),
		Mode:     s.cfg.Controller.State().Mode,
		Paused:   est.Paused(),
		Stats:    est.Stats(),
	})
}

type lodResponse struct {
	Gaze     lod.Point        `json:"gaze"`
	Point    lod.Point        `json:"point"`
	Distance float64          `json:"distance"`
	LOD      float64          `json:"lod"`
	Budget   lod.RenderBudget `json:"budget"`
}

// handleLOD evaluates the LOD at a normalized screen point against the
// current gaze.
// Query params:
//
//	x, y (required, normalized screen coordinates)
func (s *Server) handleLOD(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethods(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()
	x, errX := strconv.ParseFloat(q.Get("x"), 64)
	y, errY := strconv.ParseFloat(q.Get("y"), 64)
	if errX != nil || errY != nil || math.IsNaN(x) || math.IsNaN(y) || math.IsInf(x, 0) || math.IsInf(y, 0) {
		httputil.WriteJSONError(w, http.StatusBadRequest, "'x' and 'y' must be finite numbers")
		return
	}

	gaze := lod.Point{X: 0.5, Y: 0.5}
	if snap := s.cfg.Estimator.Latest(); snap != nil {
		gaze = snap.Gaze
	}
	p := lod.Point{X: x, Y: y}
	level := s.cfg.Mapper.At(gaze, p)
	httputil.WriteJSON(w, http.StatusOK, lodResponse{
		Gaze:     gaze,
		Point:    p,
		Distance: gaze.Dist(p),
		LOD:      level,
		Budget:   s.cfg.Budget.For(level),
	})
}

type sceneResponse struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Fovea       lod.RenderBudget `json:"fovea"`
	Periphery   lod.RenderBudget `json:"periphery"`
	FoveaScale  float64          `json:"fovea_resolution_scale"`
	EdgeScale   float64          `json:"periphery_resolution_scale"`
	Shader      string           `json:"shader,omitempty"`
}

// handleScenes lists the available scenes; ?name= selects one and includes
// its shader source.
func (s *Server) handleScenes(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethods(w, r, http.MethodGet) {
		return
	}
	describe := func(sc lod.Scene) sceneResponse {
		return sceneResponse{
			Name:        sc.Name(),
			Description: sc.Description(),
			Fovea:       sc.StepBudget(0),
			Periphery:   sc.StepBudget(1),
			FoveaScale:  sc.ResolutionScale(0),
			EdgeScale:   sc.ResolutionScale(1),
		}
	}

	if name := r.URL.Query().Get("name"); name != "" {
		sc, err := lod.SceneByName(s.cfg.Budget, name)
		if err != nil {
			httputil.WriteJSONError(w, http.StatusNotFound, err.Error())
			return
		}
		out := describe(sc)
		out.Shader = sc.ShaderSource()
		httputil.WriteJSON(w, http.StatusOK, out)
		return
	}

	scenes := lod.Scenes(s.cfg.Budget)
	out := make([]sceneResponse, len(scenes))
	for i, sc := range scenes {
		out[i] = describe(sc)
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}
