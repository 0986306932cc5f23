package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/foveate/internal/gaze/calibration"
	"github.com/banshee-data/foveate/internal/gaze/runtime"
	"github.com/banshee-data/foveate/internal/ingest"
	"github.com/banshee-data/foveate/internal/monitoring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestCapture(t *testing.T, faces, empty int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w, err := ingest.NewCaptureWriter(f, 5005)
	require.NoError(t, err)
	face := ingest.NewSyntheticFace(1920, 1080)
	ts := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < faces; i++ {
		require.NoError(t, w.WriteFrame(ts, face.FrameFor(float64(i)*100, 540)))
		ts = ts.Add(33 * time.Millisecond)
	}
	for i := 0; i < empty; i++ {
		require.NoError(t, w.WriteFrame(ts, nil))
		ts = ts.Add(33 * time.Millisecond)
	}
	return path
}

func TestAnalyseWithoutModel(t *testing.T) {
	monitoring.SetLogger(nil)
	path := writeTestCapture(t, 10, 2)

	result, rows, err := analyse(context.Background(), Config{
		PCAPFile: path,
		UDPPort:  5005,
		Viewport: calibration.Viewport{Width: 1920, Height: 1080},
	})
	require.NoError(t, err)
	require.Len(t, rows, 12)
	assert.Equal(t, 12, result.Replay.Handled)
	assert.Equal(t, uint64(10), result.Packets.Frames)
	assert.Equal(t, uint64(2), result.Packets.NoFace)
	assert.Equal(t, 10, result.Outcomes[string(runtime.OutcomeUntrained)])
	assert.Equal(t, 2, result.Outcomes[string(runtime.OutcomeNoFace)])
	assert.Zero(t, result.PredictRate)
}

func TestAnalyseMissingModel(t *testing.T) {
	monitoring.SetLogger(nil)
	path := writeTestCapture(t, 1, 0)

	_, _, err := analyse(context.Background(), Config{
		PCAPFile: path,
		DBPath:   filepath.Join(t.TempDir(), "empty.db"),
		Slot:     "default",
		Viewport: calibration.Viewport{Width: 1920, Height: 1080},
	})
	assert.Error(t, err)
}

func TestWriteCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frames.csv")
	rows := []frameRow{
		{Index: 0, Outcome: runtime.OutcomeNoFace},
		{Index: 1, Outcome: runtime.OutcomePredicted, Snap: &runtime.Snapshot{Tracking: true, Raw: [2]float64{960, 540}}},
	}
	require.NoError(t, writeCSV(path, rows))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "frame,outcome,tracking,gaze_x,gaze_y,raw_x,raw_y", lines[0])
	assert.Equal(t, "0,no_face,false,,,,", lines[1])
	assert.True(t, strings.HasPrefix(lines[2], "1,predicted,true,"))
}
