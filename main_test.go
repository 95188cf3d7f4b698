package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"fluidnet/sim/internal/config"
	"fluidnet/sim/internal/fluid"
	"fluidnet/sim/internal/logging"
	"fluidnet/sim/internal/store"
)

const twoTanks = `{
  "name": "two-tanks",
  "types": [{"name": "water", "viscosity": 1, "vacuum_specific_volume": 0.01, "critical_pressure": 1}],
  "containers": [
    {"name": "a", "max_volume": 10, "max_pressure": 100, "contents": {"water": 400}},
    {"name": "b", "max_volume": 10, "max_pressure": 100}
  ],
  "pipes": [{"name": "ab", "from": "a", "to": "b", "radius": 0.5, "length": 1}]
}`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.json")
	if err := os.WriteFile(path, []byte(twoTanks), 0o644); err != nil {
		t.Fatalf("write scenario: %v", err)
	}
	return &config.Config{
		TickHz:            config.DefaultTickHz,
		Gamma:             config.DefaultGamma,
		FlowCoefficient:   config.DefaultFlowCoefficient,
		CreationThreshold: config.DefaultCreationThreshold,
		ScenarioPath:      path,
	}
}

func TestBuildEngineLoadsScenario(t *testing.T) {
	engine, err := buildEngine(context.Background(), testConfig(t), nil, logging.NewTestLogger())
	if err != nil {
		t.Fatalf("buildEngine: %v", err)
	}
	if got := len(engine.Containers()); got != 2 {
		t.Fatalf("expected 2 containers, got %d", got)
	}
	if got := len(engine.Pipes()); got != 1 {
		t.Fatalf("expected 1 pipe, got %d", got)
	}
	if got := engine.TotalMass(0); got != 400 {
		t.Fatalf("expected 400 water, got %v", got)
	}
}

func TestBuildEnginePrefersStoredSnapshot(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	//1.- First boot comes from the scenario; advance and persist it.
	first, err := buildEngine(ctx, cfg, st, logging.NewTestLogger())
	if err != nil {
		t.Fatalf("first boot: %v", err)
	}
	for i := 0; i < 5; i++ {
		first.Tick(50 * time.Millisecond)
	}
	if _, err := st.Save(ctx, first.Snapshot(), time.Now()); err != nil {
		t.Fatalf("save: %v", err)
	}

	//2.- Second boot ignores the scenario and resumes at the stored tick.
	second, err := buildEngine(ctx, cfg, st, logging.NewTestLogger())
	if err != nil {
		t.Fatalf("second boot: %v", err)
	}
	if second.TickCount() != 5 {
		t.Fatalf("expected restored tick 5, got %d", second.TickCount())
	}
	if got, want := second.Mass(1, 0), first.Mass(1, 0); got != want {
		t.Fatalf("restored mass %v, want %v", got, want)
	}
}

func TestBuildEngineWithoutScenario(t *testing.T) {
	cfg := testConfig(t)
	cfg.ScenarioPath = ""
	engine, err := buildEngine(context.Background(), cfg, nil, logging.NewTestLogger())
	if err != nil {
		t.Fatalf("buildEngine: %v", err)
	}
	if len(engine.Containers()) != 0 {
		t.Fatalf("expected empty network")
	}
}

func TestBuildEngineRejectsInvalidOptions(t *testing.T) {
	cfg := testConfig(t)
	cfg.Gamma = 0.5
	_, err := buildEngine(context.Background(), cfg, nil, logging.NewTestLogger())
	if !errors.Is(err, fluid.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestBuildEngineMissingScenario(t *testing.T) {
	cfg := testConfig(t)
	cfg.ScenarioPath = filepath.Join(t.TempDir(), "missing.json")
	if _, err := buildEngine(context.Background(), cfg, nil, logging.NewTestLogger()); err == nil {
		t.Fatalf("expected error for missing scenario")
	}
}

func TestReadinessReportsUptimeAndFailure(t *testing.T) {
	ready := &readiness{started: time.Now().Add(-time.Minute)}
	if ready.StartupError() != nil {
		t.Fatalf("expected no startup error")
	}
	if ready.Uptime() < time.Minute {
		t.Fatalf("expected uptime of at least a minute, got %v", ready.Uptime())
	}

	//1.- Readers poll while the run goroutine records failures.
	first := errors.New("diagnostics server: address in use")
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = ready.StartupError()
			}
		}()
	}
	ready.fail(first)
	ready.fail(errors.New("feed server: closed"))
	wg.Wait()

	if !errors.Is(ready.StartupError(), first) {
		t.Fatalf("expected the first failure to stick, got %v", ready.StartupError())
	}
}
