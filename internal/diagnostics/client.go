package diagnostics

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"fluidnet/sim/internal/codec"
	"fluidnet/sim/internal/fluid"
)

// Client is a thin typed wrapper over a connection to the diagnostics service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, describe(method), req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func idRequest(key string, id uint32) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{key: structpb.NewNumberValue(float64(id))}}
}

// PipeResistance fetches the pipe read view.
func (c *Client) PipeResistance(ctx context.Context, id fluid.PipeID, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "PipeResistance", idRequest("pipe", uint32(id)), opts...)
}

// ContainerState fetches the container read view.
func (c *Client) ContainerState(ctx context.Context, id fluid.ContainerID, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "ContainerState", idRequest("container", uint32(id)), opts...)
}

// Snapshot fetches and decodes the full engine state.
func (c *Client) Snapshot(ctx context.Context, opts ...grpc.CallOption) (fluid.Snapshot, error) {
	out, err := c.invoke(ctx, "Snapshot", &structpb.Struct{}, opts...)
	if err != nil {
		return fluid.Snapshot{}, err
	}
	return codec.DecodeSnapshot(out)
}

// RecomputeStatic queues a static resistance recompute for a pipe.
func (c *Client) RecomputeStatic(ctx context.Context, id fluid.PipeID, opts ...grpc.CallOption) error {
	_, err := c.invoke(ctx, "RecomputeStatic", idRequest("pipe", uint32(id)), opts...)
	return err
}

// EventStream receives overload events from WatchEvents.
type EventStream struct {
	stream grpc.ClientStream
}

// WatchEvents opens the event stream; cancel ctx to stop it.
func (c *Client) WatchEvents(ctx context.Context, opts ...grpc.CallOption) (*EventStream, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], describe("WatchEvents"), opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&structpb.Struct{}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &EventStream{stream: stream}, nil
}

// Recv blocks for the next event.
func (s *EventStream) Recv() (fluid.Event, error) {
	msg := new(structpb.Struct)
	if err := s.stream.RecvMsg(msg); err != nil {
		return fluid.Event{}, err
	}
	return decodeEvent(msg)
}

func decodeEvent(msg *structpb.Struct) (fluid.Event, error) {
	kind, err := fluid.ParseEventKind(msg.GetFields()["kind"].GetStringValue())
	if err != nil {
		return fluid.Event{}, fmt.Errorf("%w: %v", codec.ErrMalformed, err)
	}
	event := fluid.Event{Kind: kind}
	var tick, container float64
	for key, dst := range map[string]*float64{
		"tick":         &tick,
		"container":    &container,
		"pressure":     &event.Pressure,
		"max_pressure": &event.MaxPressure,
	} {
		if *dst, err = codec.Float(msg, key); err != nil {
			return fluid.Event{}, err
		}
	}
	event.Tick = uint64(tick)
	event.Container = fluid.ContainerID(container)
	return event, nil
}
