package stream

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/foveate/internal/gaze/runtime"
	"github.com/banshee-data/foveate/internal/monitoring"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// sendBuffer is how many frames a subscriber may lag before frames are
// dropped for it.
const sendBuffer = 8

// maxMsgSize caps request and frame messages. Frames are a few hundred bytes.
const maxMsgSize = 64 * 1024

var (
	_ runtime.Renderer = (*Server)(nil)
	_ FrameStreamer    = (*Server)(nil)
)

// Server fans render inputs out to gRPC subscribers. Like api.Hub it is a
// runtime.Renderer, so the refresh loop drives it directly.
type Server struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}

	closeOnce sync.Once
	closing   chan struct{}

	sent    atomic.Uint64
	dropped atomic.Uint64
}

type subscriber struct {
	id     uuid.UUID
	req    Request
	frames chan *structpb.Struct
}

func NewServer() *Server {
	return &Server{
		subs:    make(map[*subscriber]struct{}),
		closing: make(chan struct{}),
	}
}

// Subscribers returns the number of open streams.
func (s *Server) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Sent returns how many frames were queued for subscribers.
func (s *Server) Sent() uint64 { return s.sent.Load() }

// Dropped returns how many frames were skipped for slow subscribers.
func (s *Server) Dropped() uint64 { return s.dropped.Load() }

// Render encodes in once and queues it for every matching subscriber
// without blocking.
func (s *Server) Render(in runtime.RenderInput) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.subs) == 0 {
		return
	}
	msg := EncodeFrame(in)
	for sub := range s.subs {
		if sub.req.TrackingOnly && !in.Tracking {
			continue
		}
		select {
		case sub.frames <- msg:
			s.sent.Add(1)
		default:
			s.dropped.Add(1)
		}
	}
}

// StreamFrames sends queued frames until the client leaves or the server
// closes.
func (s *Server) StreamFrames(req Request, stream grpc.ServerStream) error {
	sub := &subscriber{id: uuid.New(), req: req, frames: make(chan *structpb.Struct, sendBuffer)}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	monitoring.Debugf("stream: subscriber %s connected (tracking_only=%v)", sub.id, req.TrackingOnly)

	defer func() {
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
		monitoring.Debugf("stream: subscriber %s left", sub.id)
	}()

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closing:
			return nil
		case msg := <-sub.frames:
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

// Close ends every open stream. The server accepts no new streams after it.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.closing) })
}

// Serve runs a gRPC server with FrameService on lis until ctx is done.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	gs := grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
	)
	gs.RegisterService(&ServiceDesc, s)

	errCh := make(chan error, 1)
	go func() {
		monitoring.Logf("stream: gRPC frame service listening on %s", lis.Addr())
		errCh <- gs.Serve(lis)
	}()

	select {
	case err := <-errCh:
		s.Close()
		return err
	case <-ctx.Done():
		// Streams never finish on their own, so end them before the
		// graceful stop waits on them.
		s.Close()
		gs.GracefulStop()
		<-errCh
		monitoring.Logf("stream: gRPC frame service stopped")
		return nil
	}
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(ctx, lis)
}
