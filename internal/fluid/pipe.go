package fluid

import (
	"fmt"
	"math"
)

// PipeID is a stable handle to a pipe. IDs are never reused.
type PipeID uint32

// PipeState is the read view of one pipe.
type PipeState struct {
	ID           PipeID
	Alpha        ContainerID
	Beta         ContainerID
	Radius       float64
	Length       float64
	CrossSection float64
	FromShape    float64
	Static       float64
	Dynamic      float64
	FlowFactor   float64
}

// pipeStore keeps pipe state as parallel arrays indexed by PipeID.
type pipeStore struct {
	alive      []bool
	alpha      []ContainerID
	beta       []ContainerID
	radius     []float64
	length     []float64
	area       []float64
	fromShape  []float64
	static     []float64
	dynamic    []float64
	extra      []float64
	stale      []bool
	staleQueue []PipeID
	flowFactor []float64
	flowing    []bool
	live       int
}

func (s *pipeStore) len() int { return len(s.alive) }

func (s *pipeStore) has(id PipeID) bool {
	return int(id) < len(s.alive) && s.alive[id]
}

func (s *pipeStore) append(alive bool, alpha, beta ContainerID, radius, length float64) PipeID {
	id := PipeID(len(s.alive))
	shape := shapeResistance(radius, length)
	s.alive = append(s.alive, alive)
	s.alpha = append(s.alpha, alpha)
	s.beta = append(s.beta, beta)
	s.radius = append(s.radius, radius)
	s.length = append(s.length, length)
	s.area = append(s.area, math.Pi*radius*radius)
	s.fromShape = append(s.fromShape, shape)
	s.static = append(s.static, shape)
	s.dynamic = append(s.dynamic, shape)
	s.extra = append(s.extra, 0)
	s.stale = append(s.stale, false)
	s.flowFactor = append(s.flowFactor, 0)
	s.flowing = append(s.flowing, false)
	if alive {
		s.live++
	}
	return id
}

// shapeResistance follows Hagen–Poiseuille: resistance grows with length and falls with radius⁴.
func shapeResistance(radius, length float64) float64 {
	r2 := radius * radius
	return length / (r2 * r2)
}

func validatePipe(radius, length float64) error {
	if !finite(radius) || radius <= 0 {
		return invalidf("pipe radius must be positive, got %v", radius)
	}
	if !finite(length) || length <= 0 {
		return invalidf("pipe length must be positive, got %v", length)
	}
	return nil
}

// AddPipe connects two distinct containers. The pipe starts with its shape resistance
// and queues a static recompute so registered contributors add their terms on the next tick.
func (e *Engine) AddPipe(alpha, beta ContainerID, radius, length float64) (PipeID, error) {
	if err := validatePipe(radius, length); err != nil {
		return 0, err
	}
	if alpha == beta {
		return 0, invalidf("pipe endpoints must differ, both are %d", alpha)
	}
	for _, end := range [2]ContainerID{alpha, beta} {
		if !e.containers.has(end) {
			return 0, fmt.Errorf("%w: %d", ErrUnknownContainer, end)
		}
	}
	id := e.pipes.append(true, alpha, beta, radius, length)
	e.containers.pipes[alpha] = append(e.containers.pipes[alpha], id)
	e.containers.pipes[beta] = append(e.containers.pipes[beta], id)
	e.growColumns()
	e.queueStatic(id)
	e.scheduleDirty = true
	return id, nil
}

// RemovePipe destroys a pipe. Mass in flight does not exist, so nothing else changes.
func (e *Engine) RemovePipe(id PipeID) error {
	if !e.pipes.has(id) {
		return fmt.Errorf("%w: %d", ErrUnknownPipe, id)
	}
	s := &e.pipes
	for _, end := range [2]ContainerID{s.alpha[id], s.beta[id]} {
		if int(end) < e.containers.len() {
			e.containers.pipes[end] = removePipeID(e.containers.pipes[end], id)
		}
	}
	s.alive[id] = false
	s.flowFactor[id], s.flowing[id] = 0, false
	s.live--
	e.scheduleDirty = true
	return nil
}

// SetRadius changes the pipe radius, re-deriving its shape resistance and queueing a static recompute.
func (e *Engine) SetRadius(id PipeID, radius float64) error {
	if !e.pipes.has(id) {
		return fmt.Errorf("%w: %d", ErrUnknownPipe, id)
	}
	if err := validatePipe(radius, e.pipes.length[id]); err != nil {
		return err
	}
	s := &e.pipes
	s.radius[id] = radius
	s.area[id] = math.Pi * radius * radius
	s.fromShape[id] = shapeResistance(radius, s.length[id])
	e.queueStatic(id)
	return nil
}

// Pipe returns the current read view of a pipe.
func (e *Engine) Pipe(id PipeID) (PipeState, bool) {
	if !e.pipes.has(id) {
		return PipeState{}, false
	}
	s := &e.pipes
	return PipeState{
		ID:           id,
		Alpha:        s.alpha[id],
		Beta:         s.beta[id],
		Radius:       s.radius[id],
		Length:       s.length[id],
		CrossSection: s.area[id],
		FromShape:    s.fromShape[id],
		Static:       s.static[id],
		Dynamic:      s.dynamic[id],
		FlowFactor:   s.flowFactor[id],
	}, true
}

// Pipes lists live pipe IDs in ascending order.
func (e *Engine) Pipes() []PipeID {
	ids := make([]PipeID, 0, e.pipes.live)
	for i, alive := range e.pipes.alive {
		if alive {
			ids = append(ids, PipeID(i))
		}
	}
	return ids
}

// PipesOf lists the pipes attached to a container.
func (e *Engine) PipesOf(id ContainerID) []PipeID {
	if !e.containers.has(id) {
		return nil
	}
	return append([]PipeID(nil), e.containers.pipes[id]...)
}

// TransferredMass returns the mass of a type moved alpha→beta through a pipe during the last tick.
func (e *Engine) TransferredMass(id PipeID, ty TypeID) float64 {
	if !e.pipes.has(id) || int(ty) < 0 || int(ty) >= len(e.columns) || e.columns[ty] == nil {
		return 0
	}
	return e.columns[ty].delta[id]
}

func removePipeID(ids []PipeID, target PipeID) []PipeID {
	for i, id := range ids {
		if id == target {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
