package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"math"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"fluidnet/sim/internal/codec"
	"fluidnet/sim/internal/fluid"
	"fluidnet/sim/internal/logging"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "fluidsim.diagnostics.v1.Diagnostics"

// Backend gives serialised access to the running engine.
type Backend interface {
	View(fn func(*fluid.Engine))
	Mutate(fn func(*fluid.Engine) error) error
}

// DiagnosticsServer is the server side of the diagnostics service. Every message is a
// google.protobuf.Struct.
type DiagnosticsServer interface {
	PipeResistance(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ContainerState(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Snapshot(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	RecomputeStatic(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	WatchEvents(req *structpb.Struct, stream grpc.ServerStream) error
}

// ServiceDesc describes the diagnostics service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DiagnosticsServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "PipeResistance", Handler: unary("PipeResistance", DiagnosticsServer.PipeResistance)},
		{MethodName: "ContainerState", Handler: unary("ContainerState", DiagnosticsServer.ContainerState)},
		{MethodName: "Snapshot", Handler: unary("Snapshot", DiagnosticsServer.Snapshot)},
		{MethodName: "RecomputeStatic", Handler: unary("RecomputeStatic", DiagnosticsServer.RecomputeStatic)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "WatchEvents", Handler: watchEventsHandler, ServerStreams: true},
	},
	Metadata: "fluidsim/diagnostics/v1/diagnostics.proto",
}

type unaryCall func(DiagnosticsServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(method string, call unaryCall) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		impl := srv.(DiagnosticsServer)
		if interceptor == nil {
			return call(impl, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(impl, ctx, req.(*structpb.Struct))
		})
	}
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(DiagnosticsServer).WatchEvents(in, stream)
}

// Service implements DiagnosticsServer on top of a Backend.
type Service struct {
	backend Backend
	events  *EventBus
	health  *health.Server
	log     *logging.Logger
}

// NewService wires the diagnostics service. events may be nil, in which case WatchEvents is unavailable.
func NewService(backend Backend, events *EventBus, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.L()
	}
	return &Service{
		backend: backend,
		events:  events,
		health:  health.NewServer(),
		log:     logger.With(logging.String("component", "diagnostics")),
	}
}

// Register attaches the diagnostics and health services to a gRPC server and marks them serving.
func (s *Service) Register(server *grpc.Server) {
	server.RegisterService(&ServiceDesc, s)
	healthpb.RegisterHealthServer(server, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
}

// Shutdown flips every health status to NOT_SERVING.
func (s *Service) Shutdown() {
	s.health.Shutdown()
}

// PipeResistance returns geometry, resistances and flow factor of one pipe.
func (s *Service) PipeResistance(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := requireID(req, "pipe")
	if err != nil {
		return nil, err
	}
	var (
		state fluid.PipeState
		ok    bool
	)
	s.backend.View(func(e *fluid.Engine) { state, ok = e.Pipe(fluid.PipeID(id)) })
	if !ok {
		return nil, status.Errorf(codes.NotFound, "pipe %d not found", id)
	}
	return codec.EncodePipe(state), nil
}

// ContainerState returns the read view and typed masses of one container.
func (s *Service) ContainerState(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := requireID(req, "container")
	if err != nil {
		return nil, err
	}
	var (
		state  fluid.ContainerState
		ok     bool
		masses = make(map[fluid.TypeID]float64)
	)
	s.backend.View(func(e *fluid.Engine) {
		cid := fluid.ContainerID(id)
		if state, ok = e.Container(cid); !ok {
			return
		}
		for ty := 0; ty < e.Types().Len(); ty++ {
			if mass := e.Mass(cid, fluid.TypeID(ty)); mass > 0 {
				masses[fluid.TypeID(ty)] = mass
			}
		}
	})
	if !ok {
		return nil, status.Errorf(codes.NotFound, "container %d not found", id)
	}
	return codec.EncodeContainer(state, masses), nil
}

// Snapshot returns the full engine state.
func (s *Service) Snapshot(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	var snap fluid.Snapshot
	s.backend.View(func(e *fluid.Engine) { snap = e.Snapshot() })
	return codec.EncodeSnapshot(snap), nil
}

// RecomputeStatic queues a pipe for static resistance recompute on the next tick.
func (s *Service) RecomputeStatic(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := requireID(req, "pipe")
	if err != nil {
		return nil, err
	}
	err = s.backend.Mutate(func(e *fluid.Engine) error { return e.RecomputeStatic(fluid.PipeID(id)) })
	if errors.Is(err, fluid.ErrUnknownPipe) {
		return nil, status.Errorf(codes.NotFound, "pipe %d not found", id)
	}
	if err != nil {
		return nil, status.Errorf(codes.Internal, "recompute static: %v", err)
	}
	s.log.Info("static resistance recompute queued", logging.Uint64("pipe", id))
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"pipe":   structpb.NewNumberValue(float64(id)),
		"queued": structpb.NewBoolValue(true),
	}}, nil
}

// WatchEvents streams overload events until the client goes away.
func (s *Service) WatchEvents(_ *structpb.Struct, stream grpc.ServerStream) error {
	if s.events == nil {
		return status.Error(codes.FailedPrecondition, "event streaming unavailable")
	}
	ctx := stream.Context()
	ch, cancel := s.events.Subscribe(ctx)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return status.Error(codes.Canceled, "stream cancelled")
			}
			return status.Error(codes.DeadlineExceeded, "stream deadline exceeded")
		case event, ok := <-ch:
			if !ok {
				return nil
			}
			if err := stream.SendMsg(codec.EncodeEvent(event)); err != nil {
				return err
			}
		}
	}
}

// requireID reads a non-negative integral identifier from the request.
func requireID(req *structpb.Struct, key string) (uint64, error) {
	if _, ok := req.GetFields()[key]; !ok {
		return 0, status.Errorf(codes.InvalidArgument, "%s is required", key)
	}
	v, err := codec.Float(req, key)
	if err != nil || v < 0 || v != math.Trunc(v) || v > math.MaxUint32 {
		return 0, status.Errorf(codes.InvalidArgument, "%s must be a non-negative integer", key)
	}
	return uint64(v), nil
}

var _ DiagnosticsServer = (*Service)(nil)

func describe(method string) string {
	return fmt.Sprintf("/%s/%s", ServiceName, method)
}
