package api

import (
	"bytes"
	"fmt"
	"math"
	"net/http"

	"github.com/banshee-data/foveate/internal/gaze/calibration"
	"github.com/banshee-data/foveate/internal/httputil"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// residual is one calibration sample re-predicted by the model it trained.
type residual struct {
	Target calibration.Target
	X, Y   float64
	Err    float64 // euclidean distance to the target, pixels
}

// residuals re-predicts every training sample of a successful run.
func residuals(res calibration.Result) ([]residual, error) {
	if res.Status != calibration.StatusSucceeded || res.Model == nil {
		return nil, fmt.Errorf("run %s did not produce a model", res.SessionID)
	}
	out := make([]residual, 0, len(res.Samples))
	for _, s := range res.Samples {
		x, y, err := res.Model.Predict(s.Features)
		if err != nil {
			return nil, err
		}
		out = append(out, residual{
			Target: s.Target,
			X:      x,
			Y:      y,
			Err:    math.Hypot(x-s.Target.X, y-s.Target.Y),
		})
	}
	return out, nil
}

// lastResiduals returns the residuals of the most recent run, writing an
// error response when there is nothing to show.
func (s *Server) lastResiduals(w http.ResponseWriter) (calibration.Result, []residual, bool) {
	res, ok := s.cfg.Controller.Protocol().Last()
	if !ok {
		httputil.WriteJSONError(w, http.StatusNotFound, "no calibration run yet")
		return res, nil, false
	}
	rs, err := residuals(res)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusNotFound, err.Error())
		return res, nil, false
	}
	return res, rs, true
}

// handleCalibrationChart renders targets and re-predicted samples of the
// last run as an HTML scatter chart.
func (s *Server) handleCalibrationChart(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethods(w, r, http.MethodGet) {
		return
	}
	res, rs, ok := s.lastResiduals(w)
	if !ok {
		return
	}

	targets := make([]opts.ScatterData, 0, calibration.NumTargets)
	seen := make(map[string]bool)
	predicted := make([]opts.ScatterData, 0, len(rs))
	for _, p := range rs {
		if !seen[p.Target.Label] {
			seen[p.Target.Label] = true
			targets = append(targets, opts.ScatterData{Name: p.Target.Label, Value: []interface{}{p.Target.X, p.Target.Y}})
		}
		predicted = append(predicted, opts.ScatterData{Value: []interface{}{p.X, p.Y, p.Err}})
	}

	vp := res.Viewport
	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Calibration", Theme: "dark", Width: "960px", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Calibration fit",
			Subtitle: fmt.Sprintf("run=%s samples=%d rmse=%.1fpx", res.SessionID, len(rs), res.Report.RMSE),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: 0, Max: vp.Width, Name: "x (px)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: vp.Height, Name: "y (px, down)", NameLocation: "middle", NameGap: 40}),
	)
	scatter.AddSeries("predicted", predicted, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 4}))
	scatter.AddSeries("targets", targets, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 14}))

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleResidualPlot renders a histogram of per-sample prediction error of
// the last run as a PNG.
func (s *Server) handleResidualPlot(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethods(w, r, http.MethodGet) {
		return
	}
	res, rs, ok := s.lastResiduals(w)
	if !ok {
		return
	}

	values := make(plotter.Values, len(rs))
	for i, p := range rs {
		values[i] = p.Err
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Calibration residuals (%d samples)", len(rs))
	p.X.Label.Text = "error (px)"
	p.Y.Label.Text = "samples"
	hist, err := plotter.NewHist(values, 20)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to build histogram: %v", err))
		return
	}
	p.Add(hist)
	p.Add(plotter.NewGrid())
	p.Legend.Add(fmt.Sprintf("rmse %.2fpx", res.Report.RMSE), hist)

	wt, err := p.WriterTo(8*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render plot: %v", err))
		return
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render plot: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}
