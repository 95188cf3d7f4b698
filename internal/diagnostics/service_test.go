package diagnostics

import (
	"context"
	"math"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"fluidnet/sim/internal/codec"
	"fluidnet/sim/internal/fluid"
	"fluidnet/sim/internal/logging"
	"fluidnet/sim/internal/simulation"
)

type fixture struct {
	runner  *simulation.Runner
	bus     *EventBus
	client  *Client
	conn    *grpc.ClientConn
	fragile fluid.ContainerID
	pipe    fluid.PipeID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	engine, err := fluid.NewEngine(fluid.Options{Logger: logging.NewTestLogger()})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	ty, _ := engine.RegisterType(fluid.TypeDef{Viscosity: 1, VacuumSpecificVolume: 1, CriticalPressure: 0.5})
	tank, _ := engine.AddContainer(100, math.Inf(1))
	fragile, _ := engine.AddContainer(10, 5)
	if err := engine.Deposit(tank, ty, 20); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := engine.Deposit(fragile, ty, 40); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	pipe, err := engine.AddPipe(tank, fragile, 0.01, 1)
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}

	runner := simulation.NewRunner(engine, nil, logging.NewTestLogger())
	bus := NewEventBus()
	runner.AddSink(bus)
	service := NewService(runner, bus, logging.NewTestLogger())

	listener := bufconn.Listen(1 << 20)
	server := grpc.NewServer()
	service.Register(server)
	go server.Serve(listener)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return listener.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		server.Stop()
	})
	return &fixture{runner: runner, bus: bus, client: NewClient(conn), conn: conn, fragile: fragile, pipe: pipe}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestPipeResistanceAndRecompute(t *testing.T) {
	f := newFixture(t)
	ctx := testContext(t)
	f.runner.Step(50 * time.Millisecond)

	msg, err := f.client.PipeResistance(ctx, f.pipe)
	if err != nil {
		t.Fatalf("PipeResistance: %v", err)
	}
	static, _ := codec.Float(msg, "static")
	dynamic, _ := codec.Float(msg, "dynamic")
	want := 1 / math.Pow(0.01, 4)
	if math.Abs(static-want) > 1e-6*want || dynamic != static {
		t.Fatalf("unexpected resistances static=%v dynamic=%v", static, dynamic)
	}

	if err := f.client.RecomputeStatic(ctx, f.pipe); err != nil {
		t.Fatalf("RecomputeStatic: %v", err)
	}
	_, err = f.client.PipeResistance(ctx, 99)
	if status.Code(err) != codes.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
	err = f.client.RecomputeStatic(ctx, 99)
	if status.Code(err) != codes.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestContainerStateAndSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := testContext(t)
	f.runner.Step(50 * time.Millisecond)

	msg, err := f.client.ContainerState(ctx, f.fragile)
	if err != nil {
		t.Fatalf("ContainerState: %v", err)
	}
	if msg.Fields["phase"].GetStringValue() != "compression" {
		t.Fatalf("unexpected phase %v", msg.Fields["phase"])
	}
	if limit, _ := codec.Float(msg, "max_pressure"); limit != 5 {
		t.Fatalf("unexpected limit %v", limit)
	}

	snap, err := f.client.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	local := f.runner.Snapshot()
	if snap.Tick != 1 || len(snap.Containers) != 2 || snap.TotalMass(0) != local.TotalMass(0) {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if !math.IsInf(snap.Containers[0].MaxPressure, 1) {
		t.Fatalf("unbreakable limit lost")
	}
}

func TestRequestValidation(t *testing.T) {
	f := newFixture(t)
	ctx := testContext(t)
	out := new(structpb.Struct)
	err := f.conn.Invoke(ctx, describe("PipeResistance"), &structpb.Struct{}, out)
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument for missing id, got %v", err)
	}
	req := &structpb.Struct{Fields: map[string]*structpb.Value{"container": structpb.NewNumberValue(1.5)}}
	err = f.conn.Invoke(ctx, describe("ContainerState"), req, out)
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument for fractional id, got %v", err)
	}
}

func TestWatchEventsStreamsExplosions(t *testing.T) {
	f := newFixture(t)
	ctx := testContext(t)
	stream, err := f.client.WatchEvents(ctx)
	if err != nil {
		t.Fatalf("WatchEvents: %v", err)
	}
	//1.- The subscription is registered asynchronously by the server handler.
	deadline := time.Now().Add(3 * time.Second)
	for f.bus.Watchers() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("watcher never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	f.runner.Step(50 * time.Millisecond)
	f.runner.Step(50 * time.Millisecond)

	event, err := stream.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if event.Kind != fluid.EventExploded || event.Container != f.fragile || event.Tick != 2 || event.MaxPressure != 5 {
		t.Fatalf("unexpected event %+v", event)
	}
}

func TestHealthServing(t *testing.T) {
	f := newFixture(t)
	resp, err := healthpb.NewHealthClient(f.conn).Check(testContext(t), &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("unexpected status %v", resp.GetStatus())
	}
}

func TestEventBusDropsForFullWatchers(t *testing.T) {
	bus := NewEventBus()
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	ch, cancel := bus.Subscribe(ctx)
	events := make([]fluid.Event, subscriberBuffer+3)
	bus.HandleTick(fluid.TickReport{Events: events}, nil)
	if bus.Dropped() != 3 || len(ch) != subscriberBuffer {
		t.Fatalf("expected 3 drops, got %d (queued %d)", bus.Dropped(), len(ch))
	}
	cancel()
	cancel()
	if bus.Watchers() != 0 {
		t.Fatalf("expected watcher removed")
	}
}
