package stream

import (
	"context"
	"errors"
	"io"

	"github.com/banshee-data/foveate/internal/gaze/runtime"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Subscribe opens a frame stream on conn and calls fn for every frame. It
// returns nil when the server ends the stream and the RPC error otherwise,
// including when ctx is cancelled.
func Subscribe(ctx context.Context, conn grpc.ClientConnInterface, req Request, fn func(runtime.RenderInput)) error {
	cs, err := conn.NewStream(ctx, &ServiceDesc.Streams[0], streamFramesRoute)
	if err != nil {
		return err
	}
	if err := cs.SendMsg(req.encode()); err != nil {
		return err
	}
	if err := cs.CloseSend(); err != nil {
		return err
	}
	for {
		msg := new(structpb.Struct)
		if err := cs.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		fn(DecodeFrame(msg))
	}
}
