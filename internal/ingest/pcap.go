package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/banshee-data/foveate/internal/gaze/landmarks"
	"github.com/banshee-data/foveate/internal/monitoring"
	"github.com/banshee-data/foveate/internal/timeutil"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// PacketHandler consumes landmark datagram payloads.
type PacketHandler interface {
	HandlePacket(payload []byte) error
}

// ReplayConfig controls PCAP replay.
type ReplayConfig struct {
	// UDPPort keeps only datagrams sent to this port; 0 keeps all UDP.
	UDPPort int
	// Speed scales the capture's inter-packet gaps; 1 is real time and 0
	// replays as fast as the handler accepts packets.
	Speed float64
	Clock timeutil.Clock
}

// ReplaySummary reports what a replay did.
type ReplaySummary struct {
	Packets int
	Handled int
	Errors  int
}

// ReadPCAPFile replays the landmark datagrams in a capture file (classic
// pcap format) into handler.
func ReadPCAPFile(ctx context.Context, path string, cfg ReplayConfig, handler PacketHandler) (ReplaySummary, error) {
	f, err := os.Open(path)
	if err != nil {
		return ReplaySummary{}, fmt.Errorf("failed to open PCAP file %s: %w", path, err)
	}
	defer f.Close()

	r, err := pcapgo.NewReader(f)
	if err != nil {
		return ReplaySummary{}, fmt.Errorf("failed to read PCAP header %s: %w", path, err)
	}
	return replay(ctx, r, r.LinkType(), cfg, handler)
}

func replay(ctx context.Context, src gopacket.PacketDataSource, link layers.LinkType, cfg ReplayConfig, handler PacketHandler) (ReplaySummary, error) {
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	var (
		sum      ReplaySummary
		prevTime time.Time
	)
	for {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		data, ci, err := src.ReadPacketData()
		if errors.Is(err, io.EOF) {
			monitoring.Logf("ingest: PCAP replay complete: %d packets, %d frames, %d errors", sum.Packets, sum.Handled, sum.Errors)
			return sum, nil
		}
		if err != nil {
			return sum, fmt.Errorf("read PCAP packet %d: %w", sum.Packets+1, err)
		}
		sum.Packets++

		packet := gopacket.NewPacket(data, link, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok || len(udp.Payload) == 0 {
			continue
		}
		if cfg.UDPPort != 0 && int(udp.DstPort) != cfg.UDPPort {
			continue
		}

		if cfg.Speed > 0 && !prevTime.IsZero() {
			gap := time.Duration(float64(ci.Timestamp.Sub(prevTime)) / cfg.Speed)
			if gap > 0 {
				if err := clock.Sleep(ctx, gap); err != nil {
					return sum, err
				}
			}
		}
		prevTime = ci.Timestamp

		if err := handler.HandlePacket(udp.Payload); err != nil {
			sum.Errors++
			continue
		}
		sum.Handled++
	}
}

// Addresses stamped on datagrams written by CaptureWriter.
var (
	captureSrcMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01}
	captureDstMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x02}
	captureSrcIP  = net.IPv4(127, 0, 0, 1)
	captureDstIP  = net.IPv4(127, 0, 0, 1)
)

const captureSrcPort = 40000

// CaptureWriter writes landmark datagrams as a classic pcap file of
// Ethernet/IPv4/UDP packets, the format ReadPCAPFile replays.
type CaptureWriter struct {
	w    *pcapgo.Writer
	port uint16
}

// NewCaptureWriter writes the pcap file header to w. Datagrams are addressed
// to the given UDP port.
func NewCaptureWriter(w io.Writer, port uint16) (*CaptureWriter, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(MaxDatagramSize+64, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("failed to write PCAP header: %w", err)
	}
	return &CaptureWriter{w: pw, port: port}, nil
}

// WriteFrame encodes f and writes it as one datagram captured at ts.
func (c *CaptureWriter) WriteFrame(ts time.Time, f *landmarks.Frame) error {
	payload, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	return c.WriteDatagram(ts, payload)
}

// WriteDatagram writes a raw UDP payload captured at ts.
func (c *CaptureWriter) WriteDatagram(ts time.Time, payload []byte) error {
	eth := &layers.Ethernet{
		SrcMAC:       captureSrcMAC,
		DstMAC:       captureDstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    captureSrcIP,
		DstIP:    captureDstIP,
	}
	udp := &layers.UDP{SrcPort: captureSrcPort, DstPort: layers.UDPPort(c.port)}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return err
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
		return fmt.Errorf("failed to serialize datagram: %w", err)
	}
	data := buf.Bytes()
	return c.w.WritePacket(gopacket.CaptureInfo{
		Timestamp:     ts,
		CaptureLength: len(data),
		Length:        len(data),
	}, data)
}
