package fluid

import (
	"fmt"
	"math"
)

// StaticContributor returns a slowly changing resistance term for a pipe.
// It is consulted only when the pipe has a queued static recompute.
type StaticContributor func(PipeID) float64

// DynamicContributor returns a per-tick resistance term for a pipe, such as an obstruction.
// Contributors run concurrently for distinct pipes and must not touch engine state.
type DynamicContributor func(PipeID) float64

// RegisterStaticContributor appends a static contributor and queues every live pipe for recompute.
func (e *Engine) RegisterStaticContributor(fn StaticContributor) {
	if fn == nil {
		return
	}
	e.staticContributors = append(e.staticContributors, fn)
	for _, id := range e.Pipes() {
		e.queueStatic(id)
	}
}

// RegisterDynamicContributor appends a dynamic contributor; contributors run in registration order.
func (e *Engine) RegisterDynamicContributor(fn DynamicContributor) {
	if fn != nil {
		e.dynamicContributors = append(e.dynamicContributors, fn)
	}
}

// RecomputeStatic queues a pipe so its static resistance is re-derived at the start of the next tick.
func (e *Engine) RecomputeStatic(id PipeID) error {
	if !e.pipes.has(id) {
		return fmt.Errorf("%w: %d", ErrUnknownPipe, id)
	}
	e.queueStatic(id)
	return nil
}

// AddDynamic accumulates a resistance term folded into the next tick's dynamic resistance.
func (e *Engine) AddDynamic(id PipeID, value float64) error {
	if !e.pipes.has(id) {
		return fmt.Errorf("%w: %d", ErrUnknownPipe, id)
	}
	if math.IsNaN(value) {
		return invalidf("dynamic resistance term must be a number")
	}
	e.pipes.extra[id] += value
	return nil
}

// Resistance returns the dynamic resistance computed by the last tick.
func (e *Engine) Resistance(id PipeID) (float64, error) {
	if !e.pipes.has(id) {
		return 0, fmt.Errorf("%w: %d", ErrUnknownPipe, id)
	}
	return e.pipes.dynamic[id], nil
}

func (e *Engine) queueStatic(id PipeID) {
	if e.pipes.stale[id] {
		return
	}
	e.pipes.stale[id] = true
	e.pipes.staleQueue = append(e.pipes.staleQueue, id)
}

// refreshResistance is the first tick stage. Static terms settle for every queued pipe
// before any pipe copies Static into Dynamic.
func (e *Engine) refreshResistance() {
	s := &e.pipes

	//1.- Drain the recompute queue; removed pipes are dropped silently.
	for _, id := range s.staleQueue {
		s.stale[id] = false
		if !s.alive[id] {
			continue
		}
		static := s.fromShape[id]
		for _, fn := range e.staticContributors {
			static += fn(id)
		}
		s.static[id] = static
	}
	s.staleQueue = s.staleQueue[:0]

	//2.- Reset every dynamic value to its static base, then layer contributors and the accumulator.
	e.parallel(s.len(), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			if !s.alive[i] {
				continue
			}
			id := PipeID(i)
			dynamic := s.static[i]
			for _, fn := range e.dynamicContributors {
				dynamic += fn(id)
			}
			s.dynamic[i] = dynamic + s.extra[i]
			s.extra[i] = 0
		}
	})
}
