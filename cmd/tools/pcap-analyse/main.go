// Command pcap-analyse replays a landmark capture through the gaze
// estimator and reports what happened to every frame. With -db it loads the
// stored model and exports the predicted gaze track.
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/foveate/internal/db"
	"github.com/banshee-data/foveate/internal/gaze/calibration"
	"github.com/banshee-data/foveate/internal/gaze/ridge"
	"github.com/banshee-data/foveate/internal/gaze/runtime"
	"github.com/banshee-data/foveate/internal/gaze/session"
	"github.com/banshee-data/foveate/internal/ingest"
	"github.com/banshee-data/foveate/internal/monitoring"
	"github.com/banshee-data/foveate/internal/timeutil"
	"github.com/banshee-data/foveate/internal/version"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config holds configuration for the analysis.
type Config struct {
	PCAPFile  string
	OutputDir string
	DBPath    string
	Slot      string
	UDPPort   int
	Viewport  calibration.Viewport
	ExportCSV bool
	Quiet     bool
}

// AnalysisResult summarises one replay.
type AnalysisResult struct {
	PCAPFile    string               `json:"pcap_file"`
	Version     string               `json:"version"`
	Model       string               `json:"model,omitempty"`
	Duration    time.Duration        `json:"duration_ns"`
	Replay      ingest.ReplaySummary `json:"replay"`
	Packets     ingest.StatsSnapshot `json:"packets"`
	Outcomes    map[string]int       `json:"outcomes"`
	Estimator   runtime.Stats        `json:"estimator"`
	PredictRate float64              `json:"predict_rate"`
}

// frameRow is one replayed datagram.
type frameRow struct {
	Index   int
	Outcome runtime.Outcome
	Snap    *runtime.Snapshot
}

// stepper feeds each datagram to the listener and runs one estimator step
// on it, so the estimator sees every frame exactly once.
type stepper struct {
	listener *ingest.UDPListener
	est      *runtime.Estimator
	rows     []frameRow
}

func (s *stepper) HandlePacket(payload []byte) error {
	if err := s.listener.HandlePacket(payload); err != nil {
		return err
	}
	outcome := s.est.Step()
	s.rows = append(s.rows, frameRow{Index: len(s.rows), Outcome: outcome, Snap: s.est.Latest()})
	return nil
}

func loadModel(ctx context.Context, path, slot string) (*ridge.Model, error) {
	store, err := db.OpenDB(path)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	rec, found, err := store.LoadModel(ctx, slot)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("no model in slot %q of %s", slot, path)
	}
	return ridge.FromRecord(rec)
}

func analyse(ctx context.Context, cfg Config) (*AnalysisResult, []frameRow, error) {
	stats := &ingest.PacketStats{}
	listener := ingest.NewUDPListener(ingest.UDPListenerConfig{Stats: stats})

	estCfg := runtime.DefaultConfig()
	estCfg.Viewport = cfg.Viewport
	est := runtime.NewEstimator(estCfg, listener, timeutil.RealClock{})
	result := &AnalysisResult{
		PCAPFile: cfg.PCAPFile,
		Version:  version.String(),
		Outcomes: make(map[string]int),
	}
	if cfg.DBPath != "" {
		model, err := loadModel(ctx, cfg.DBPath, cfg.Slot)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load model: %w", err)
		}
		est.SetModel(model)
		result.Model = cfg.Slot
	}

	h := &stepper{listener: listener, est: est}

	start := time.Now()
	sum, err := ingest.ReadPCAPFile(ctx, cfg.PCAPFile, ingest.ReplayConfig{UDPPort: cfg.UDPPort}, h)
	if err != nil {
		return nil, nil, err
	}
	result.Duration = time.Since(start)
	result.Replay = sum
	result.Packets = stats.Snapshot()
	result.Estimator = est.Stats()
	for _, row := range h.rows {
		result.Outcomes[string(row.Outcome)]++
	}
	if n := len(h.rows); n > 0 {
		result.PredictRate = float64(result.Outcomes[string(runtime.OutcomePredicted)]) / float64(n)
	}
	return result, h.rows, nil
}

func writeCSV(path string, rows []frameRow) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"frame", "outcome", "tracking", "gaze_x", "gaze_y", "raw_x", "raw_y"}); err != nil {
		return err
	}
	ff := func(v float64) string { return strconv.FormatFloat(v, 'f', 4, 64) }
	for _, row := range rows {
		rec := []string{strconv.Itoa(row.Index), string(row.Outcome), "false", "", "", "", ""}
		if s := row.Snap; s != nil {
			rec[2] = strconv.FormatBool(s.Tracking)
			rec[3], rec[4] = ff(s.Gaze.X), ff(s.Gaze.Y)
			rec[5], rec[6] = ff(s.Raw[0]), ff(s.Raw[1])
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func printSummary(r *AnalysisResult) {
	fmt.Printf("Capture:   %s\n", r.PCAPFile)
	fmt.Printf("Packets:   %d read, %d handled, %d rejected\n", r.Replay.Packets, r.Replay.Handled, r.Replay.Errors)
	fmt.Printf("Frames:    %d with face, %d without\n", r.Packets.Frames, r.Packets.NoFace)
	keys := make([]string, 0, len(r.Outcomes))
	for k := range r.Outcomes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %-18s %d\n", k, r.Outcomes[k])
	}
	fmt.Printf("Predicted: %.1f%% in %v\n", 100*r.PredictRate, r.Duration.Round(time.Millisecond))
}

func main() {
	var cfg Config
	flag.StringVar(&cfg.PCAPFile, "pcap", "", "capture file to analyse (required)")
	flag.StringVar(&cfg.OutputDir, "out", ".", "directory for the summary and CSV export")
	flag.StringVar(&cfg.DBPath, "db", "", "database holding a trained model; empty analyses extraction only")
	flag.StringVar(&cfg.Slot, "slot", session.DefaultSlot, "model slot to load from -db")
	flag.IntVar(&cfg.UDPPort, "port", 5005, "UDP destination port to keep; 0 keeps all")
	flag.Float64Var(&cfg.Viewport.Width, "width", 1920, "screen width in pixels")
	flag.Float64Var(&cfg.Viewport.Height, "height", 1080, "screen height in pixels")
	flag.BoolVar(&cfg.ExportCSV, "csv", true, "export per-frame CSV")
	flag.BoolVar(&cfg.Quiet, "quiet", false, "suppress pipeline logs")
	flag.Parse()

	if cfg.PCAPFile == "" {
		log.Fatal("-pcap is required")
	}
	if cfg.Quiet {
		monitoring.SetLogger(nil)
	}

	result, rows, err := analyse(context.Background(), cfg)
	if err != nil {
		log.Fatalf("Analysis failed: %v", err)
	}
	printSummary(result)

	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		log.Fatalf("Failed to create %s: %v", cfg.OutputDir, err)
	}
	base := strings.TrimSuffix(filepath.Base(cfg.PCAPFile), filepath.Ext(cfg.PCAPFile))

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		log.Fatal(err)
	}
	summaryPath := filepath.Join(cfg.OutputDir, base+"_summary.json")
	if err := os.WriteFile(summaryPath, data, 0o644); err != nil {
		log.Fatalf("Failed to write %s: %v", summaryPath, err)
	}
	log.Printf("✓ Summary: %s", summaryPath)

	if cfg.ExportCSV {
		csvPath := filepath.Join(cfg.OutputDir, base+"_frames.csv")
		if err := writeCSV(csvPath, rows); err != nil {
			log.Fatalf("Failed to write %s: %v", csvPath, err)
		}
		log.Printf("✓ Frames: %s", csvPath)
	}
}
