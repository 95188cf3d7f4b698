package simulation

import (
	"context"
	"sync/atomic"
	"time"
)

// StepFunc advances the simulation by one fixed timestep.
type StepFunc func(step time.Duration)

// DefaultMaxCatchUp bounds how many fixed steps a single wake-up may run.
const DefaultMaxCatchUp = 5

// Loop drives a fixed timestep simulation at the configured target frequency.
// When the host falls behind, at most maxCatchUp steps run per wake-up and the
// remaining backlog is dropped rather than replayed.
type Loop struct {
	step       time.Duration
	maxCatchUp int
	stepFunc   StepFunc
	ticker     *time.Ticker
	done       chan struct{}
	dropped    atomic.Uint64
}

// NewLoop configures a loop that targets the provided ticks per second.
func NewLoop(targetHz float64, maxCatchUp int, step StepFunc) *Loop {
	if targetHz <= 0 {
		targetHz = 20
	}
	if maxCatchUp <= 0 {
		maxCatchUp = DefaultMaxCatchUp
	}
	if step == nil {
		step = func(time.Duration) {}
	}
	interval := time.Duration(float64(time.Second) / targetHz)
	if interval <= 0 {
		interval = time.Second / 20
	}
	return &Loop{
		step:       interval,
		maxCatchUp: maxCatchUp,
		stepFunc:   step,
	}
}

// Start begins ticking until the context is cancelled or Stop is invoked.
func (l *Loop) Start(ctx context.Context) {
	if l == nil || l.stepFunc == nil {
		return
	}

	l.ticker = time.NewTicker(l.step)
	l.done = make(chan struct{})
	go func() {
		defer close(l.done)
		defer l.ticker.Stop()
		last := time.Now()
		accumulator := time.Duration(0)
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-l.ticker.C:
				accumulator += now.Sub(last)
				last = now
				accumulator = l.advance(accumulator)
			}
		}
	}()
}

// advance runs the fixed steps covered by the accumulator and returns the remainder.
func (l *Loop) advance(accumulator time.Duration) time.Duration {
	//1.- Run whole steps up to the catch-up cap.
	ran := 0
	for accumulator >= l.step && ran < l.maxCatchUp {
		l.stepFunc(l.step)
		accumulator -= l.step
		ran++
	}
	//2.- Forget the backlog beyond the cap so one stall cannot snowball.
	if accumulator >= l.step {
		skipped := accumulator / l.step
		l.dropped.Add(uint64(skipped))
		accumulator -= skipped * l.step
	}
	return accumulator
}

// Stop waits for the loop goroutine to exit. Cancel the context passed to Start first.
func (l *Loop) Stop() {
	if l == nil {
		return
	}
	if l.ticker != nil {
		l.ticker.Stop()
	}
	if l.done != nil {
		<-l.done
		l.done = nil
	}
}

// StepDuration exposes the configured timestep.
func (l *Loop) StepDuration() time.Duration {
	if l == nil {
		return 0
	}
	return l.step
}

// Dropped returns the number of steps skipped by the catch-up cap.
func (l *Loop) Dropped() uint64 {
	if l == nil {
		return 0
	}
	return l.dropped.Load()
}
