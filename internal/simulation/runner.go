package simulation

import (
	"sync"
	"time"

	"fluidnet/sim/internal/fluid"
	"fluidnet/sim/internal/logging"
)

// Sink consumes tick reports after the engine lock is released.
// HandleTick runs on the tick goroutine and must not block.
type Sink interface {
	// SnapshotDue reports whether the sink wants a full snapshot for this tick.
	SnapshotDue(tick uint64) bool
	// HandleTick receives the report, plus a snapshot when any sink asked for one.
	HandleTick(report fluid.TickReport, snapshot *fluid.Snapshot)
}

// Runner serialises access to a fluid engine shared by the loop, servers and sinks.
type Runner struct {
	mu      sync.RWMutex
	engine  *fluid.Engine
	monitor *TickMonitor
	logger  *logging.Logger
	now     func() time.Time

	sinkMu sync.Mutex
	sinks  []Sink
}

// NewRunner wraps an engine. The monitor may be nil.
func NewRunner(engine *fluid.Engine, monitor *TickMonitor, logger *logging.Logger) *Runner {
	if logger == nil {
		logger = logging.L()
	}
	return &Runner{
		engine:  engine,
		monitor: monitor,
		logger:  logger.With(logging.String("component", "runner")),
		now:     time.Now,
	}
}

// AddSink registers a consumer for subsequent ticks.
func (r *Runner) AddSink(sink Sink) {
	if sink == nil {
		return
	}
	r.sinkMu.Lock()
	r.sinks = append(r.sinks, sink)
	r.sinkMu.Unlock()
}

// Step advances the engine by one tick and fans the report out to every sink.
func (r *Runner) Step(dt time.Duration) fluid.TickReport {
	r.sinkMu.Lock()
	sinks := append([]Sink(nil), r.sinks...)
	r.sinkMu.Unlock()

	//1.- Tick under the write lock and take at most one snapshot for all sinks.
	r.mu.Lock()
	started := r.now()
	report := r.engine.Tick(dt)
	elapsed := r.now().Sub(started)
	var snapshot *fluid.Snapshot
	for _, sink := range sinks {
		if sink.SnapshotDue(report.Tick) {
			snap := r.engine.Snapshot()
			snapshot = &snap
			break
		}
	}
	r.mu.Unlock()

	//2.- Report outcomes outside the lock so readers are not held up.
	r.monitor.Observe(report, elapsed)
	for _, event := range report.Events {
		r.logger.Warn("container over pressure",
			logging.String("event", event.Kind.String()),
			logging.Uint64("tick", event.Tick),
			logging.Uint64("container", uint64(event.Container)),
			logging.Float64("pressure", event.Pressure),
			logging.Float64("max_pressure", event.MaxPressure),
		)
	}
	for _, sink := range sinks {
		sink.HandleTick(report, snapshot)
	}
	return report
}

// View runs fn with shared access; fn must only call read methods.
func (r *Runner) View(fn func(*fluid.Engine)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn(r.engine)
}

// Mutate runs fn with exclusive access between ticks.
func (r *Runner) Mutate(fn func(*fluid.Engine) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(r.engine)
}

// Snapshot copies the engine state.
func (r *Runner) Snapshot() fluid.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.engine.Snapshot()
}

// Monitor exposes the tick statistics.
func (r *Runner) Monitor() *TickMonitor {
	return r.monitor
}
