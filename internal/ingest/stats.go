package ingest

import (
	"sync/atomic"

	"github.com/banshee-data/foveate/internal/monitoring"
)

// PacketStatsInterface collects datagram statistics.
type PacketStatsInterface interface {
	AddPacket(bytes int)
	AddDropped()
	AddFrame(points int)
	AddNoFace()
	LogStats()
}

// PacketStats is the default lock-free PacketStatsInterface.
type PacketStats struct {
	packets, bytes, dropped atomic.Uint64
	frames, points, noFace  atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of PacketStats.
type StatsSnapshot struct {
	Packets uint64 `json:"packets"`
	Bytes   uint64 `json:"bytes"`
	Dropped uint64 `json:"dropped"`
	Frames  uint64 `json:"frames"`
	Points  uint64 `json:"points"`
	NoFace  uint64 `json:"no_face"`
}

func (s *PacketStats) AddPacket(bytes int) {
	s.packets.Add(1)
	s.bytes.Add(uint64(bytes))
}

func (s *PacketStats) AddDropped() { s.dropped.Add(1) }

func (s *PacketStats) AddFrame(points int) {
	s.frames.Add(1)
	s.points.Add(uint64(points))
}

func (s *PacketStats) AddNoFace() { s.noFace.Add(1) }

// Snapshot returns the current counters.
func (s *PacketStats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Packets: s.packets.Load(),
		Bytes:   s.bytes.Load(),
		Dropped: s.dropped.Load(),
		Frames:  s.frames.Load(),
		Points:  s.points.Load(),
		NoFace:  s.noFace.Load(),
	}
}

// LogStats writes the counters to the log.
func (s *PacketStats) LogStats() {
	snap := s.Snapshot()
	monitoring.Logf("ingest: packets=%d bytes=%d dropped=%d frames=%d no_face=%d",
		snap.Packets, snap.Bytes, snap.Dropped, snap.Frames, snap.NoFace)
}

// noopStats is used when no stats collector is supplied.
type noopStats struct{}

func (noopStats) AddPacket(int) {}
func (noopStats) AddDropped()   {}
func (noopStats) AddFrame(int)  {}
func (noopStats) AddNoFace()    {}
func (noopStats) LogStats()     {}
