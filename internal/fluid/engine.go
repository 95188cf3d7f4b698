package fluid

import (
	"math"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"fluidnet/sim/internal/logging"
)

const (
	// DefaultGamma approximates near-incompressibility past a type's critical pressure.
	DefaultGamma = 65536.0
	// DefaultFlowCoefficient scales every flow factor.
	DefaultFlowCoefficient = 1.0
	// DefaultCreationThreshold is the smallest transfer allowed to open a new mass slot.
	DefaultCreationThreshold = 1e-3

	// minParallelItems keeps small stages on the calling goroutine.
	minParallelItems = 64
)

// Options tunes an Engine. Zero Gamma and FlowCoefficient select the defaults;
// a zero CreationThreshold lets any transfer open a new slot.
type Options struct {
	Gamma             float64
	FlowCoefficient   float64
	CreationThreshold float64
	// Workers bounds stage parallelism; zero uses GOMAXPROCS.
	Workers int
	Logger  *logging.Logger
}

// Engine advances a network of containers and pipes one tick at a time.
// It is not safe for concurrent use.
type Engine struct {
	gamma             float64
	flowCoefficient   float64
	creationThreshold float64
	workers           int
	logger            *logging.Logger

	types      *Registry
	containers containerStore
	columns    []*column
	pipes      pipeStore

	staticContributors  []StaticContributor
	dynamicContributors []DynamicContributor

	schedule      [][]PipeID
	scheduleDirty bool

	tick      uint64
	anomalies atomic.Int64
}

// DefaultOptions returns the process-wide defaults.
func DefaultOptions() Options {
	return Options{
		Gamma:             DefaultGamma,
		FlowCoefficient:   DefaultFlowCoefficient,
		CreationThreshold: DefaultCreationThreshold,
	}
}

// NewEngine validates the options and returns an empty engine.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Gamma == 0 {
		opts.Gamma = DefaultGamma
	}
	if opts.FlowCoefficient == 0 {
		opts.FlowCoefficient = DefaultFlowCoefficient
	}
	switch {
	case !finite(opts.Gamma) || opts.Gamma < 1:
		return nil, invalidf("gamma must be at least 1, got %v", opts.Gamma)
	case !finite(opts.FlowCoefficient) || opts.FlowCoefficient < 0:
		return nil, invalidf("flow coefficient must be non-negative, got %v", opts.FlowCoefficient)
	case !finite(opts.CreationThreshold) || opts.CreationThreshold < 0:
		return nil, invalidf("creation threshold must be non-negative, got %v", opts.CreationThreshold)
	case opts.Workers < 0:
		return nil, invalidf("workers must be non-negative, got %d", opts.Workers)
	}
	workers := opts.Workers
	if workers == 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	return &Engine{
		gamma:             opts.Gamma,
		flowCoefficient:   opts.FlowCoefficient,
		creationThreshold: opts.CreationThreshold,
		workers:           workers,
		logger:            logger.With(logging.String("component", "fluid")),
		types:             NewRegistry(),
	}, nil
}

// RegisterType adds a fluid type to the engine's registry.
func (e *Engine) RegisterType(def TypeDef) (TypeID, error) {
	return e.types.Register(def)
}

// UpdateType replaces the constants of a registered type between ticks.
func (e *Engine) UpdateType(id TypeID, def TypeDef) error {
	return e.types.Update(id, def)
}

// Types exposes the registry. Mutating it while Tick runs is not allowed.
func (e *Engine) Types() *Registry {
	return e.types
}

// TickCount returns the number of completed ticks.
func (e *Engine) TickCount() uint64 {
	return e.tick
}

// Gamma returns the engine-wide saturation exponent.
func (e *Engine) Gamma() float64 { return e.gamma }

// FlowCoefficient returns the engine-wide flow scale.
func (e *Engine) FlowCoefficient() float64 { return e.flowCoefficient }

// CreationThreshold returns the minimum transfer that may open a new mass slot.
func (e *Engine) CreationThreshold() float64 { return e.creationThreshold }

// Tick runs the four stages in order: resistance refresh, flow factors, per-type transfer
// and reconciliation. Every stage finishes for all entities before the next one starts.
func (e *Engine) Tick(dt time.Duration) TickReport {
	if dt < 0 {
		e.logger.Warn("negative tick duration clamped", logging.Duration("dt", dt))
		dt = 0
	}
	e.tick++
	e.anomalies.Store(0)
	defs := e.types.Defs()

	//1.- Resistance refresh.
	e.refreshResistance()
	//2.- Flow factors from the previous tick's pressures.
	e.computeFlowFactors(dt.Seconds())
	//3.- Mass transfer per type.
	e.transfer(defs)
	//4.- Reconciliation, then collect overload events in container order.
	e.reconcileAll(defs, true)

	report := TickReport{Tick: e.tick, Step: dt, Anomalies: int(e.anomalies.Load())}
	s := &e.containers
	for i, kind := range s.pending {
		if kind == 0 {
			continue
		}
		s.pending[i] = 0
		report.Events = append(report.Events, Event{
			Tick:        e.tick,
			Kind:        kind,
			Container:   ContainerID(i),
			Pressure:    s.pressure[i],
			MaxPressure: s.maxPressure[i],
		})
	}
	return report
}

// Reconcile refreshes volume and pressure of every container without advancing the phase
// machine, so readings reflect deposits made since the last tick.
func (e *Engine) Reconcile() {
	e.reconcileAll(e.types.Defs(), false)
}

func (e *Engine) reconcileAll(defs []TypeDef, updatePhase bool) {
	s := &e.containers
	e.parallel(s.len(), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			if s.alive[i] {
				e.reconcileContainer(ContainerID(i), defs, updatePhase)
			}
		}
	})
}

// parallel splits [0, n) into contiguous chunks and runs fn on a bounded pool.
// Small ranges run inline.
func (e *Engine) parallel(n int, fn func(lo, hi int)) {
	if n <= 0 {
		return
	}
	if n < minParallelItems || e.workers <= 1 {
		fn(0, n)
		return
	}
	chunk := int(math.Ceil(float64(n) / float64(e.workers)))
	if chunk < minParallelItems/4 {
		chunk = minParallelItems / 4
	}
	var g errgroup.Group
	g.SetLimit(e.workers)
	for lo := 0; lo < n; lo += chunk {
		lo, hi := lo, min(lo+chunk, n)
		g.Go(func() error {
			fn(lo, hi)
			return nil
		})
	}
	_ = g.Wait()
}

func loggingPipe(id PipeID) logging.Field {
	return logging.Uint64("pipe", uint64(id))
}

func loggingContainer(id ContainerID) logging.Field {
	return logging.Uint64("container", uint64(id))
}
