package simulation

import (
	"sync"
	"time"

	"fluidnet/sim/internal/fluid"
)

// TickMetricsSnapshot summarises observed fluid ticks.
type TickMetricsSnapshot struct {
	Samples   int
	Average   time.Duration
	Max       time.Duration
	Last      time.Duration
	Overruns  int
	Events    int
	Anomalies int
	LastTick  uint64
}

// AverageTPS derives the ticks-per-second the host could sustain at the sampled cost.
func (s TickMetricsSnapshot) AverageTPS() float64 {
	if s.Average <= 0 {
		return 0
	}
	return float64(time.Second) / float64(s.Average)
}

// TickMonitor accumulates timing and outcome statistics for the simulation loop.
type TickMonitor struct {
	mu        sync.Mutex
	budget    time.Duration
	samples   int
	total     time.Duration
	max       time.Duration
	last      time.Duration
	overruns  int
	events    int
	anomalies int
	lastTick  uint64
}

// NewTickMonitor constructs an empty monitor. Ticks slower than budget count as overruns;
// a zero budget disables overrun tracking.
func NewTickMonitor(budget time.Duration) *TickMonitor {
	return &TickMonitor{budget: budget}
}

// Observe records the wall-clock cost and outcome of a completed tick.
func (m *TickMonitor) Observe(report fluid.TickReport, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	//1.- Outcome counters are kept even for ticks too fast to time.
	m.events += len(report.Events)
	m.anomalies += report.Anomalies
	m.lastTick = report.Tick
	if elapsed <= 0 {
		return
	}
	//2.- Duration aggregates feed the average and worst-case figures.
	m.samples++
	m.total += elapsed
	if elapsed > m.max {
		m.max = elapsed
	}
	m.last = elapsed
	if m.budget > 0 && elapsed > m.budget {
		m.overruns++
	}
}

// Snapshot returns a copy of the aggregated statistics.
func (m *TickMonitor) Snapshot() TickMetricsSnapshot {
	if m == nil {
		return TickMetricsSnapshot{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	average := time.Duration(0)
	if m.samples > 0 {
		average = m.total / time.Duration(m.samples)
	}
	return TickMetricsSnapshot{
		Samples:   m.samples,
		Average:   average,
		Max:       m.max,
		Last:      m.last,
		Overruns:  m.overruns,
		Events:    m.events,
		Anomalies: m.anomalies,
		LastTick:  m.lastTick,
	}
}

// Reset clears the accumulated statistics, for example after a restore.
func (m *TickMonitor) Reset() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.samples, m.total, m.max, m.last = 0, 0, 0, 0
	m.overruns, m.events, m.anomalies, m.lastTick = 0, 0, 0, 0
	m.mu.Unlock()
}
