// Package stream serves render inputs to out-of-process renderers over a
// gRPC server stream. Messages are google.protobuf.Struct values so the
// service needs no generated code.
package stream

import (
	"time"

	"github.com/banshee-data/foveate/internal/gaze/lod"
	"github.com/banshee-data/foveate/internal/gaze/runtime"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	serviceName       = "foveate.v1.FrameService"
	streamFramesName  = "StreamFrames"
	streamFramesRoute = "/" + serviceName + "/" + streamFramesName
)

// FrameStreamer is the server side of FrameService.
type FrameStreamer interface {
	StreamFrames(req Request, stream grpc.ServerStream) error
}

// ServiceDesc describes FrameService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*FrameStreamer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    streamFramesName,
			Handler:       streamFramesHandler,
			ServerStreams: true,
		},
	},
	Metadata: "foveate/v1/frames.proto",
}

func streamFramesHandler(srv interface{}, stream grpc.ServerStream) error {
	msg := new(structpb.Struct)
	if err := stream.RecvMsg(msg); err != nil {
		return err
	}
	return srv.(FrameStreamer).StreamFrames(decodeRequest(msg), stream)
}

// Request selects what a subscriber receives.
type Request struct {
	// TrackingOnly skips frames without a live gaze estimate.
	TrackingOnly bool
}

func (r Request) encode() *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"tracking_only": structpb.NewBoolValue(r.TrackingOnly),
	}}
}

func decodeRequest(s *structpb.Struct) Request {
	return Request{TrackingOnly: s.GetFields()["tracking_only"].GetBoolValue()}
}

func budgetValue(b lod.RenderBudget) *structpb.Value {
	return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
		"steps":   structpb.NewNumberValue(float64(b.Steps)),
		"octaves": structpb.NewNumberValue(float64(b.Octaves)),
	}})
}

// EncodeFrame converts a render input to its wire form. Field names match
// the websocket JSON.
func EncodeFrame(in runtime.RenderInput) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"seq":        structpb.NewNumberValue(float64(in.Seq)),
		"at_unix_us": structpb.NewNumberValue(float64(in.At.UnixMicro())),
		"gaze": structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"x": structpb.NewNumberValue(in.Gaze.X),
			"y": structpb.NewNumberValue(in.Gaze.Y),
		}}),
		"tracking":      structpb.NewBoolValue(in.Tracking),
		"foveal_radius": structpb.NewNumberValue(in.FovealRadius),
		"center_lod":    structpb.NewNumberValue(in.CenterLOD),
		"fovea":         budgetValue(in.Fovea),
		"periphery":     budgetValue(in.Periphery),
	}}
}

func decodeBudget(v *structpb.Value) lod.RenderBudget {
	f := v.GetStructValue().GetFields()
	return lod.RenderBudget{
		Steps:   int(f["steps"].GetNumberValue()),
		Octaves: int(f["octaves"].GetNumberValue()),
	}
}

// DecodeFrame is the inverse of EncodeFrame. Timestamps keep microsecond
// precision, which is what a double holds exactly.
func DecodeFrame(s *structpb.Struct) runtime.RenderInput {
	f := s.GetFields()
	gaze := f["gaze"].GetStructValue().GetFields()
	return runtime.RenderInput{
		Seq:          uint64(f["seq"].GetNumberValue()),
		At:           time.UnixMicro(int64(f["at_unix_us"].GetNumberValue())),
		Gaze:         lod.Point{X: gaze["x"].GetNumberValue(), Y: gaze["y"].GetNumberValue()},
		Tracking:     f["tracking"].GetBoolValue(),
		FovealRadius: f["foveal_radius"].GetNumberValue(),
		CenterLOD:    f["center_lod"].GetNumberValue(),
		Fovea:        decodeBudget(f["fovea"]),
		Periphery:    decodeBudget(f["periphery"]),
	}
}
