package simulation

import (
	"errors"
	"testing"
	"time"

	"fluidnet/sim/internal/fluid"
	"fluidnet/sim/internal/logging"
)

type recordingSink struct {
	every     uint64
	reports   []fluid.TickReport
	snapshots int
}

func (s *recordingSink) SnapshotDue(tick uint64) bool { return s.every > 0 && tick%s.every == 0 }

func (s *recordingSink) HandleTick(report fluid.TickReport, snapshot *fluid.Snapshot) {
	s.reports = append(s.reports, report)
	if snapshot != nil {
		s.snapshots++
	}
}

func newTestRunner(t *testing.T) (*Runner, fluid.ContainerID, fluid.TypeID) {
	t.Helper()
	engine, err := fluid.NewEngine(fluid.Options{Logger: logging.NewTestLogger()})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	ty, err := engine.RegisterType(fluid.TypeDef{Viscosity: 1, VacuumSpecificVolume: 1, CriticalPressure: 0.5})
	if err != nil {
		t.Fatalf("type: %v", err)
	}
	c, err := engine.AddContainer(10, 5)
	if err != nil {
		t.Fatalf("container: %v", err)
	}
	runner := NewRunner(engine, NewTickMonitor(time.Second), logging.NewTestLogger())
	return runner, c, ty
}

func TestRunnerFansOutReportsAndSharedSnapshots(t *testing.T) {
	runner, _, _ := newTestRunner(t)
	every := &recordingSink{every: 2}
	never := &recordingSink{}
	runner.AddSink(every)
	runner.AddSink(never)

	for i := 0; i < 4; i++ {
		runner.Step(50 * time.Millisecond)
	}
	if len(every.reports) != 4 || len(never.reports) != 4 {
		t.Fatalf("expected 4 reports per sink, got %d and %d", len(every.reports), len(never.reports))
	}
	//1.- Snapshots are taken on ticks 2 and 4 and shared with every sink.
	if every.snapshots != 2 || never.snapshots != 2 {
		t.Fatalf("expected 2 snapshots each, got %d and %d", every.snapshots, never.snapshots)
	}
}

func TestRunnerMutateAndMonitor(t *testing.T) {
	runner, c, ty := newTestRunner(t)
	step := 0
	base := time.Unix(0, 0)
	runner.now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * 2 * time.Second)
	}

	//1.- Overfill the container so it explodes on the second tick.
	if err := runner.Mutate(func(e *fluid.Engine) error { return e.Deposit(c, ty, 40) }); err != nil {
		t.Fatalf("mutate: %v", err)
	}
	runner.Step(time.Second)
	report := runner.Step(time.Second)
	if len(report.Events) != 1 || report.Events[0].Kind != fluid.EventExploded {
		t.Fatalf("expected explosion, got %+v", report.Events)
	}

	stats := runner.Monitor().Snapshot()
	if stats.Samples != 2 || stats.Events != 1 || stats.LastTick != 2 || stats.Overruns != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	var phase fluid.Phase
	runner.View(func(e *fluid.Engine) {
		state, _ := e.Container(c)
		phase = state.Phase
	})
	if phase != fluid.PhaseExploding {
		t.Fatalf("expected exploding, got %v", phase)
	}

	sentinel := errors.New("rejected")
	if err := runner.Mutate(func(*fluid.Engine) error { return sentinel }); !errors.Is(err, sentinel) {
		t.Fatalf("expected mutate error to propagate, got %v", err)
	}
	runner.Monitor().Reset()
	if runner.Monitor().Snapshot().Samples != 0 {
		t.Fatalf("expected reset monitor")
	}
}
