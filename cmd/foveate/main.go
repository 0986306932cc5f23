package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/foveate/internal/api"
	"github.com/banshee-data/foveate/internal/config"
	"github.com/banshee-data/foveate/internal/db"
	"github.com/banshee-data/foveate/internal/gaze/calibration"
	"github.com/banshee-data/foveate/internal/gaze/lod"
	"github.com/banshee-data/foveate/internal/gaze/runtime"
	"github.com/banshee-data/foveate/internal/gaze/session"
	"github.com/banshee-data/foveate/internal/ingest"
	"github.com/banshee-data/foveate/internal/monitoring"
	"github.com/banshee-data/foveate/internal/stream"
	"github.com/banshee-data/foveate/internal/timeutil"
	"github.com/banshee-data/foveate/internal/version"
	"github.com/joho/godotenv"
)

var (
	envFile    = flag.String("env", ".env", "Optional dotenv file with FOVEATE_* overrides")
	listen     = flag.String("listen", ":8080", "HTTP listen address (FOVEATE_LISTEN)")
	dbPath     = flag.String("db", "foveate.db", "SQLite database path (FOVEATE_DB)")
	tuningPath = flag.String("config", "", "Tuning JSON file; empty uses built-in defaults (FOVEATE_CONFIG)")
	source     = flag.String("source", "udp", "Landmark source: udp, pcap or synthetic (FOVEATE_SOURCE)")
	udpAddr    = flag.String("udp-addr", ":5005", "UDP address for landmark datagrams (FOVEATE_UDP_ADDR)")
	rcvBuf     = flag.Int("udp-rcvbuf", 1<<20, "UDP receive buffer size in bytes")
	maxAge     = flag.Duration("max-frame-age", 250*time.Millisecond, "Frames older than this read as no face")
	pcapFile   = flag.String("pcap", "", "Capture file to replay when -source=pcap (FOVEATE_PCAP)")
	pcapPort   = flag.Int("pcap-port", 5005, "UDP destination port to replay from the capture; 0 keeps all")
	pcapSpeed  = flag.Float64("pcap-speed", 1, "Replay speed multiplier; 0 replays as fast as possible")
	grpcListen = flag.String("grpc-listen", "", "gRPC frame stream address; empty disables it (FOVEATE_GRPC_LISTEN)")
	logLevel   = flag.String("log-level", "info", "Log level: debug, info, warn, error (FOVEATE_LOG_LEVEL)")
	logFile    = flag.String("log-file", "", "Also write rotated logs to this file (FOVEATE_LOG_FILE)")
	showVer    = flag.Bool("version", false, "Print version and exit")
)

// envOverrides maps flag names to the environment variables that set them
// when the flag is not given on the command line.
var envOverrides = map[string]string{
	"listen":      "FOVEATE_LISTEN",
	"db":          "FOVEATE_DB",
	"config":      "FOVEATE_CONFIG",
	"source":      "FOVEATE_SOURCE",
	"udp-addr":    "FOVEATE_UDP_ADDR",
	"pcap":        "FOVEATE_PCAP",
	"grpc-listen": "FOVEATE_GRPC_LISTEN",
	"log-level":   "FOVEATE_LOG_LEVEL",
	"log-file":    "FOVEATE_LOG_FILE",
}

func applyEnv() error {
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", *envFile, err)
	}
	explicit := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { explicit[f.Name] = true })
	for name, key := range envOverrides {
		if explicit[name] {
			continue
		}
		if v, ok := os.LookupEnv(key); ok {
			if err := flag.Set(name, v); err != nil {
				return fmt.Errorf("invalid %s=%q: %w", key, v, err)
			}
		}
	}
	return nil
}

func loadTuning() (*config.TuningConfig, error) {
	if *tuningPath == "" {
		return config.DefaultTuningConfig(), nil
	}
	return config.LoadTuningConfig(*tuningPath)
}

// Main
func main() {
	flag.Parse()
	if *showVer {
		fmt.Println(version.String())
		return
	}
	if err := applyEnv(); err != nil {
		log.Fatal(err)
	}
	monitoring.Setup(monitoring.Options{Level: *logLevel, File: *logFile})
	monitoring.Logf("Starting %s", version.String())

	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	tuning, err := loadTuning()
	if err != nil {
		log.Fatalf("Failed to load tuning config: %v", err)
	}

	database, err := db.NewDB(*dbPath)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	clock := timeutil.RealClock{}

	var (
		frames    ingest.Source
		synthetic *ingest.SyntheticFace
	)
	src := strings.ToLower(*source)
	switch src {
	case "udp", "pcap":
		stats := &ingest.PacketStats{}
		listener := ingest.NewUDPListener(ingest.UDPListenerConfig{
			Address: *udpAddr,
			RcvBuf:  *rcvBuf,
			MaxAge:  *maxAge,
			Stats:   stats,
		})
		frames = listener

		wg.Add(1)
		if src == "udp" {
			go func() {
				defer wg.Done()
				if err := listener.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
					monitoring.Warnf("UDP listener stopped: %v", err)
				}
				monitoring.Logf("UDP listener routine terminated")
			}()
		} else {
			if *pcapFile == "" {
				log.Fatal("-pcap is required with -source=pcap")
			}
			go func() {
				defer wg.Done()
				summary, err := ingest.ReadPCAPFile(ctx, *pcapFile, ingest.ReplayConfig{
					UDPPort: *pcapPort,
					Speed:   *pcapSpeed,
					Clock:   clock,
				}, listener)
				if err != nil && !errors.Is(err, context.Canceled) {
					monitoring.Warnf("PCAP replay failed: %v", err)
				}
				monitoring.Logf("PCAP replay finished: packets=%d handled=%d errors=%d",
					summary.Packets, summary.Handled, summary.Errors)
				stats.LogStats()
			}()
		}

	case "synthetic":
		synthetic = ingest.NewSyntheticFace(tuning.GetViewportWidth(), tuning.GetViewportHeight())
		frames = synthetic

	default:
		log.Fatalf("unknown source %q (want udp, pcap or synthetic)", *source)
	}

	est := runtime.NewEstimator(runtime.ConfigFromTuning(tuning), frames, clock)
	ctrl := session.NewController(est, calibration.ConfigFromTuning(tuning), database, clock)
	if synthetic != nil {
		// The synthetic face follows the calibration targets.
		ctrl.Protocol().OnProgress = func(p calibration.Progress) {
			if p.Samples == 0 {
				synthetic.SetTarget(p.Target.X, p.Target.Y)
			}
		}
	}
	if err := ctrl.Boot(ctx); err != nil {
		monitoring.Warnf("Starting without a stored model: %v", err)
	}

	refreshCfg := runtime.RefreshConfigFromTuning(tuning)
	server := api.NewServer(api.Config{
		Address:    *listen,
		Estimator:  est,
		Controller: ctrl,
		Mapper:     lod.MapperFromTuning(tuning),
		Budget:     lod.BudgetFromTuning(tuning),
		Runs:       database,
		Admin:      database,
	})
	renderers := runtime.Renderers{server.Hub()}
	if *grpcListen != "" {
		frameSrv := stream.NewServer()
		renderers = append(renderers, frameSrv)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := frameSrv.ListenAndServe(ctx, *grpcListen); err != nil {
				monitoring.Warnf("gRPC frame service error: %v", err)
			}
		}()
	}
	refresh := runtime.NewRefreshLoop(refreshCfg, est, renderers, clock)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := est.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			monitoring.Warnf("estimator stopped: %v", err)
		}
		monitoring.Logf("estimator routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := refresh.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			monitoring.Warnf("refresh loop stopped: %v", err)
		}
		monitoring.Logf("refresh routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Start(ctx); err != nil {
			monitoring.Warnf("HTTP server error: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	ctrl.CancelCalibration()
	ctrl.Wait()

	wg.Wait()
	monitoring.Logf("Graceful shutdown complete")
}
