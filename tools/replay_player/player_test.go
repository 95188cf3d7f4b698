package replayplayer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"fluidnet/sim/internal/fluid"
	"fluidnet/sim/internal/logging"
	"fluidnet/sim/internal/replay"
)

func TestReplayBundle(t *testing.T) {
	tmp := t.TempDir()
	now := time.Date(2024, 7, 10, 15, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	writer, manifest, err := replay.NewWriter(tmp, "Integration", 1, clock)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	recorder := replay.NewRecorder(writer, manifest.FrameTicks, logging.NewTestLogger())

	engine, err := fluid.NewEngine(fluid.Options{Logger: logging.NewTestLogger()})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	water, _ := engine.RegisterType(fluid.TypeDef{Viscosity: 1, VacuumSpecificVolume: 0.01, CriticalPressure: 1})
	full, _ := engine.AddContainer(10, 100)
	empty, _ := engine.AddContainer(10, 100)
	if _, err := engine.AddPipe(full, empty, 0.5, 1); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	if err := engine.Deposit(full, water, 400); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	for i := 0; i < 3; i++ {
		report := engine.Tick(50 * time.Millisecond)
		snap := engine.Snapshot()
		recorder.HandleTick(report, &snap)
		now = now.Add(50 * time.Millisecond)
	}
	if err := recorder.Close(replay.ParametersOf(engine.Snapshot(), 50*time.Millisecond)); err != nil {
		t.Fatalf("close: %v", err)
	}

	bundle, err := ReplayBundle(filepath.Join(writer.Directory(), "manifest.json"))
	if err != nil {
		t.Fatalf("replay bundle: %v", err)
	}
	if bundle.Manifest.Version != manifest.Version {
		t.Fatalf("manifest mismatch: %v vs %v", bundle.Manifest.Version, manifest.Version)
	}
	if bundle.Header == nil || bundle.Header.RunID != "Integration" {
		t.Fatalf("expected header for run Integration, got %+v", bundle.Header)
	}
	if len(bundle.Events) != 0 {
		t.Fatalf("expected no overload events, got %d", len(bundle.Events))
	}
	if len(bundle.Frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(bundle.Frames))
	}
	last := bundle.Frames[2]
	if last.Tick != 3 || last.Containers != 2 || last.Pipes != 1 {
		t.Fatalf("unexpected last frame %+v", last)
	}
	if drift := bundle.MassDrift(); drift > 1e-9 {
		t.Fatalf("closed network should conserve mass, drift %v", drift)
	}
}

func TestReplayBundleWithoutHeader(t *testing.T) {
	writer, _, err := replay.NewWriter(t.TempDir(), "crashed", 1, nil)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if err := writer.AppendEvent(replay.EventRecord{Tick: 1, Kind: "exploded", MaxPressure: "5"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	// A recorder that never closed leaves no header behind.
	if err := os.Remove(filepath.Join(writer.Directory(), "header.json")); err != nil {
		t.Fatalf("remove header: %v", err)
	}

	bundle, err := ReplayBundle(writer.Directory())
	if err != nil {
		t.Fatalf("replay bundle: %v", err)
	}
	if bundle.Header != nil {
		t.Fatalf("expected no header, got %+v", bundle.Header)
	}
	if len(bundle.Events) != 1 || bundle.Events[0].Kind != "exploded" {
		t.Fatalf("unexpected events %+v", bundle.Events)
	}
	if len(bundle.Frames) != 0 {
		t.Fatalf("expected no frames, got %d", len(bundle.Frames))
	}
}

func TestMassDrift(t *testing.T) {
	bundle := Bundle{Frames: []FrameSummary{
		{TypeMass: []float64{100, 0.5}},
		{TypeMass: []float64{100, 0.25}},
		{TypeMass: []float64{110, 0.25}},
	}}
	if got := bundle.MassDrift(); got != 0.25 {
		t.Fatalf("expected drift 0.25, got %v", got)
	}
}
