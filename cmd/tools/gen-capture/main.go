// Command gen-capture writes a synthetic landmark capture for replay tests.
// The face looks at each calibration target in turn, blinking periodically.
package main

import (
	"flag"
	"log"
	"os"
	"time"

	"github.com/banshee-data/foveate/internal/gaze/calibration"
	"github.com/banshee-data/foveate/internal/ingest"
)

func main() {
	output := flag.String("o", "landmarks.pcap", "output path")
	perTarget := flag.Int("n", 60, "frames per target")
	fps := flag.Float64("fps", 30, "capture frame rate")
	width := flag.Float64("width", 1920, "screen width in pixels")
	height := flag.Float64("height", 1080, "screen height in pixels")
	port := flag.Uint("port", 5005, "destination UDP port")
	blinkEvery := flag.Int("blink-every", 45, "close the eyes for 3 frames every N frames; 0 disables")
	flag.Parse()

	if *fps <= 0 || *perTarget <= 0 {
		log.Fatal("-fps and -n must be positive")
	}

	f, err := os.Create(*output)
	if err != nil {
		log.Fatalf("Failed to create %s: %v", *output, err)
	}
	defer f.Close()

	w, err := ingest.NewCaptureWriter(f, uint16(*port))
	if err != nil {
		log.Fatal(err)
	}

	face := ingest.NewSyntheticFace(*width, *height)
	step := time.Duration(float64(time.Second) / *fps)
	ts := time.Now().UTC()
	frame := 0
	targets := calibration.Targets(calibration.Viewport{Width: *width, Height: *height}, 0.1)
	for _, target := range targets {
		face.SetTarget(target.X, target.Y)
		for i := 0; i < *perTarget; i++ {
			face.SetBlink(*blinkEvery > 0 && frame > 0 && frame%*blinkEvery < 3)
			if err := w.WriteFrame(ts, face.Latest()); err != nil {
				log.Fatalf("Failed to write frame %d: %v", frame, err)
			}
			ts = ts.Add(step)
			frame++
		}
		log.Printf("%s: %d frames", target.Label, *perTarget)
	}
	log.Printf("✓ Created: %s (%d frames)", *output, frame)
}
