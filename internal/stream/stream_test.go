package stream

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/banshee-data/foveate/internal/gaze/lod"
	"github.com/banshee-data/foveate/internal/gaze/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

func sampleInput(seq uint64, tracking bool) runtime.RenderInput {
	return runtime.RenderInput{
		Seq:          seq,
		At:           time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC).Add(time.Duration(seq) * time.Millisecond),
		Gaze:         lod.Point{X: 0.25, Y: 0.75},
		Tracking:     tracking,
		FovealRadius: 0.15,
		CenterLOD:    0.6,
		Fovea:        lod.RenderBudget{Steps: 128, Octaves: 8},
		Periphery:    lod.RenderBudget{Steps: 16, Octaves: 1},
	}
}

func TestFrameEncoding(t *testing.T) {
	t.Parallel()

	in := sampleInput(42, true)
	got := DecodeFrame(EncodeFrame(in))
	assert.True(t, in.At.Equal(got.At), "at %v, want %v", got.At, in.At)
	got.At = in.At
	assert.Equal(t, in, got)

	fields := EncodeFrame(in).GetFields()
	for _, name := range []string{"seq", "gaze", "tracking", "foveal_radius", "center_lod", "fovea", "periphery"} {
		assert.Contains(t, fields, name)
	}
}

func TestRequestEncoding(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Request{TrackingOnly: true}, decodeRequest(Request{TrackingOnly: true}.encode()))
	assert.Equal(t, Request{}, decodeRequest(nil))
}

func TestRenderWithoutSubscribers(t *testing.T) {
	t.Parallel()

	s := NewServer()
	s.Render(sampleInput(1, true))
	assert.Zero(t, s.Sent())
	assert.Zero(t, s.Dropped())
}

// bufServer runs a Server over an in-memory listener.
type bufServer struct {
	srv  *Server
	conn *grpc.ClientConn
	stop context.CancelFunc
	done chan error
}

func newBufServer(t *testing.T) *bufServer {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	b := &bufServer{srv: NewServer(), stop: cancel, done: make(chan error, 1)}
	go func() { b.done <- b.srv.Serve(ctx, lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	b.conn = conn
	t.Cleanup(func() {
		conn.Close()
		cancel()
	})
	return b
}

func (b *bufServer) subscribe(t *testing.T, req Request) (<-chan runtime.RenderInput, <-chan error) {
	t.Helper()
	frames := make(chan runtime.RenderInput, 16)
	errs := make(chan error, 1)
	before := b.srv.Subscribers()
	go func() {
		errs <- Subscribe(context.Background(), b.conn, req, func(in runtime.RenderInput) { frames <- in })
	}()
	require.Eventually(t, func() bool { return b.srv.Subscribers() == before+1 }, 5*time.Second, 5*time.Millisecond)
	return frames, errs
}

func receive(t *testing.T, frames <-chan runtime.RenderInput) runtime.RenderInput {
	t.Helper()
	select {
	case in := <-frames:
		return in
	case <-time.After(5 * time.Second):
		t.Fatal("no frame received")
		return runtime.RenderInput{}
	}
}

func TestStreamDeliversRenderedFrames(t *testing.T) {
	t.Parallel()

	b := newBufServer(t)
	frames, errs := b.subscribe(t, Request{})

	b.srv.Render(sampleInput(1, true))
	b.srv.Render(sampleInput(2, false))

	first := receive(t, frames)
	assert.Equal(t, uint64(1), first.Seq)
	assert.True(t, first.Tracking)
	assert.Equal(t, lod.Point{X: 0.25, Y: 0.75}, first.Gaze)
	second := receive(t, frames)
	assert.Equal(t, uint64(2), second.Seq)
	assert.False(t, second.Tracking)
	assert.Equal(t, uint64(2), b.srv.Sent())

	// Shutting the service down ends the stream cleanly
	b.stop()
	select {
	case err := <-errs:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("stream still open after shutdown")
	}
	assert.NoError(t, <-b.done)
	assert.Zero(t, b.srv.Subscribers())
}

func TestStreamTrackingOnly(t *testing.T) {
	t.Parallel()

	b := newBufServer(t)
	frames, _ := b.subscribe(t, Request{TrackingOnly: true})

	b.srv.Render(sampleInput(1, false))
	b.srv.Render(sampleInput(2, true))

	got := receive(t, frames)
	assert.Equal(t, uint64(2), got.Seq)
	assert.True(t, got.Tracking)
	assert.Equal(t, uint64(1), b.srv.Sent())
}

func TestStreamFedByRefreshLoop(t *testing.T) {
	t.Parallel()

	b := newBufServer(t)
	frames, _ := b.subscribe(t, Request{})

	var hubSeen []uint64
	renderers := runtime.Renderers{
		runtime.RendererFunc(func(in runtime.RenderInput) { hubSeen = append(hubSeen, in.Seq) }),
		b.srv,
	}
	snap := &runtime.Snapshot{Seq: 9, Gaze: lod.Point{X: 0.5, Y: 0.5}, Tracking: true}
	renderers.Render(runtime.Frame(snap, lod.NewMapper(0.15), lod.Budget{MinSteps: 16, MaxSteps: 128, MaxOctaves: 8}))

	got := receive(t, frames)
	assert.Equal(t, uint64(9), got.Seq)
	assert.Equal(t, []uint64{9}, hubSeen)
	assert.InDelta(t, 0, got.CenterLOD, 1e-9)
	assert.Equal(t, lod.RenderBudget{Steps: 128, Octaves: 8}, got.Fovea)
}

func TestSlowSubscriberDropsFrames(t *testing.T) {
	t.Parallel()

	s := NewServer()
	sub := &subscriber{frames: make(chan *structpb.Struct, sendBuffer)}
	s.subs[sub] = struct{}{}
	for i := 0; i < sendBuffer+3; i++ {
		s.Render(sampleInput(uint64(i), true))
	}
	assert.Equal(t, uint64(sendBuffer), s.Sent())
	assert.Equal(t, uint64(3), s.Dropped())
}
