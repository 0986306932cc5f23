package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/foveate/internal/gaze/landmarks"
	"github.com/banshee-data/foveate/internal/monitoring"
	"golang.org/x/time/rate"
)

// UDPListenerConfig configures a UDPListener.
type UDPListenerConfig struct {
	Address     string
	RcvBuf      int
	LogInterval time.Duration
	// MaxAge hides frames older than this from Latest, so a stalled
	// detector reads as "no face" instead of a frozen gaze. Zero disables.
	MaxAge  time.Duration
	Stats   PacketStatsInterface
	Sockets UDPSocketFactory
}

// UDPListener receives landmark datagrams from the external detector and
// keeps the most recent frame. Only the latest frame matters; older ones
// are overwritten, never queued.
type UDPListener struct {
	address     string
	rcvBuf      int
	logInterval time.Duration
	maxAge      time.Duration
	stats       PacketStatsInterface
	sockets     UDPSocketFactory

	latest    atomic.Pointer[landmarks.Frame]
	warnLimit *rate.Limiter

	mu   sync.Mutex
	conn UDPSocket
}

// NewUDPListener creates a listener. Missing stats and socket factory
// default to no-op stats and real sockets.
func NewUDPListener(config UDPListenerConfig) *UDPListener {
	stats := config.Stats
	if stats == nil {
		stats = noopStats{}
	}
	sockets := config.Sockets
	if sockets == nil {
		sockets = netSocketFactory{}
	}
	logInterval := config.LogInterval
	if logInterval == 0 {
		logInterval = time.Minute
	}
	return &UDPListener{
		address:     config.Address,
		rcvBuf:      config.RcvBuf,
		logInterval: logInterval,
		maxAge:      config.MaxAge,
		stats:       stats,
		sockets:     sockets,
		warnLimit:   rate.NewLimiter(rate.Every(10*time.Second), 3),
	}
}

// Latest returns the most recent frame, or nil for no face.
func (l *UDPListener) Latest() *landmarks.Frame {
	f := l.latest.Load()
	if f == nil {
		return nil
	}
	if l.maxAge > 0 && time.Since(f.Timestamp) > l.maxAge {
		return nil
	}
	return f
}

// Start listens until ctx is done.
func (l *UDPListener) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", l.address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := l.sockets.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	defer conn.Close()

	if l.rcvBuf > 0 {
		if err := conn.SetReadBuffer(l.rcvBuf); err != nil {
			monitoring.Warnf("ingest: failed to set UDP receive buffer to %d: %v", l.rcvBuf, err)
		}
	}
	monitoring.Logf("ingest: UDP listener started on %s", conn.LocalAddr())

	go l.logStats(ctx)

	buffer := make([]byte, MaxDatagramSize)
	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("ingest: UDP listener stopping")
			return ctx.Err()
		default:
		}

		// Short deadline so cancellation is noticed between datagrams.
		if err := conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}
		n, from, err := conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			l.warn("ingest: UDP read error: %v", err)
			continue
		}
		if err := l.HandlePacket(buffer[:n]); err != nil {
			l.warn("ingest: dropped datagram from %v: %v", from, err)
		}
	}
}

// HandlePacket decodes one datagram and publishes it as the latest frame.
func (l *UDPListener) HandlePacket(packet []byte) error {
	l.stats.AddPacket(len(packet))
	f, err := DecodeFrame(packet, time.Now())
	if err != nil {
		l.stats.AddDropped()
		return err
	}
	if f == nil {
		l.stats.AddNoFace()
	} else {
		l.stats.AddFrame(len(f.Points))
	}
	l.latest.Store(f)
	return nil
}

func (l *UDPListener) logStats(ctx context.Context) {
	ticker := time.NewTicker(l.logInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.stats.LogStats()
		}
	}
}

func (l *UDPListener) warn(format string, v ...interface{}) {
	if l.warnLimit.Allow() {
		monitoring.Warnf(format, v...)
	}
}

// Close closes the socket, ending Start.
func (l *UDPListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return l.conn.Close()
	}
	return nil
}
