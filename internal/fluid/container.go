package fluid

import (
	"fmt"
	"math"
)

// ContainerID is a stable handle to a container. IDs are never reused.
type ContainerID uint32

// Phase is the discrete compression state of a container.
type Phase uint8

const (
	// PhaseVacuum means the uncompressed fluid volume is below the container capacity.
	PhaseVacuum Phase = iota
	// PhaseCompression means the fluids fill the container and are being compressed.
	PhaseCompression
	// PhaseExploding means the pressure stayed above the limit; only ClearExplosion resets it.
	PhaseExploding
)

func (p Phase) String() string {
	switch p {
	case PhaseVacuum:
		return "vacuum"
	case PhaseCompression:
		return "compression"
	case PhaseExploding:
		return "exploding"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// ParsePhase is the inverse of Phase.String.
func ParsePhase(raw string) (Phase, error) {
	switch raw {
	case "vacuum":
		return PhaseVacuum, nil
	case "compression":
		return PhaseCompression, nil
	case "exploding":
		return PhaseExploding, nil
	default:
		return PhaseVacuum, fmt.Errorf("unknown phase %q", raw)
	}
}

// ContainerState is the read view of one container.
type ContainerState struct {
	ID          ContainerID
	MaxVolume   float64
	MaxPressure float64
	Volume      float64
	Pressure    float64
	Phase       Phase
}

// containerStore keeps container state as parallel arrays indexed by ContainerID.
type containerStore struct {
	alive       []bool
	maxVolume   []float64
	maxPressure []float64
	volume      []float64
	pressure    []float64
	phase       []Phase
	pipes       [][]PipeID
	pending     []EventKind
	live        int
}

func (s *containerStore) len() int { return len(s.alive) }

func (s *containerStore) has(id ContainerID) bool {
	return int(id) < len(s.alive) && s.alive[id]
}

func (s *containerStore) append(alive bool, maxVolume, maxPressure float64) ContainerID {
	id := ContainerID(len(s.alive))
	s.alive = append(s.alive, alive)
	s.maxVolume = append(s.maxVolume, maxVolume)
	s.maxPressure = append(s.maxPressure, maxPressure)
	s.volume = append(s.volume, 0)
	s.pressure = append(s.pressure, 0)
	s.phase = append(s.phase, PhaseVacuum)
	s.pipes = append(s.pipes, nil)
	s.pending = append(s.pending, 0)
	if alive {
		s.live++
	}
	return id
}

// column holds the per-container cells of one fluid type.
// Each type owns its column, so transfers of different types never share memory.
type column struct {
	mass    []float64
	volume  []float64
	conc    []float64
	present []bool
	delta   []float64
}

func (c *column) grow(containers, pipes int) {
	for len(c.mass) < containers {
		c.mass = append(c.mass, 0)
		c.volume = append(c.volume, 0)
		c.conc = append(c.conc, 0)
		c.present = append(c.present, false)
	}
	for len(c.delta) < pipes {
		c.delta = append(c.delta, 0)
	}
}

func validateContainer(maxVolume, maxPressure float64) error {
	if !finite(maxVolume) || maxVolume <= 0 {
		return invalidf("max volume must be positive, got %v", maxVolume)
	}
	if math.IsNaN(maxPressure) || maxPressure <= 0 {
		return invalidf("max pressure must be positive, got %v", maxPressure)
	}
	return nil
}

// AddContainer admits a new container with the given capacity and explosion threshold.
// maxPressure may be +Inf for containers that can never explode.
func (e *Engine) AddContainer(maxVolume, maxPressure float64) (ContainerID, error) {
	if err := validateContainer(maxVolume, maxPressure); err != nil {
		return 0, err
	}
	id := e.containers.append(true, maxVolume, maxPressure)
	e.growColumns()
	return id, nil
}

// RemoveContainer destroys a container together with every pipe attached to it.
func (e *Engine) RemoveContainer(id ContainerID) error {
	if !e.containers.has(id) {
		return fmt.Errorf("%w: %d", ErrUnknownContainer, id)
	}
	//1.- Detach pipes first so their adjacency bookkeeping sees a live container.
	for _, pipe := range append([]PipeID(nil), e.containers.pipes[id]...) {
		if err := e.RemovePipe(pipe); err != nil {
			return err
		}
		e.logger.Debug("pipe removed with container", loggingPipe(pipe), loggingContainer(id))
	}
	//2.- Zero every typed cell so totals over the network no longer count this container.
	for _, col := range e.columns {
		if col == nil {
			continue
		}
		col.mass[id], col.volume[id], col.conc[id], col.present[id] = 0, 0, 0, false
	}
	e.containers.alive[id] = false
	e.containers.volume[id], e.containers.pressure[id] = 0, 0
	e.containers.phase[id] = PhaseVacuum
	e.containers.pipes[id] = nil
	e.containers.live--
	return nil
}

// Deposit adds mass of a fluid type to a container, creating the slot on first delivery.
// Derived fields are refreshed by the next reconciliation.
func (e *Engine) Deposit(id ContainerID, ty TypeID, mass float64) error {
	col, err := e.cell(id, ty)
	if err != nil {
		return err
	}
	if !finite(mass) || mass < 0 {
		return invalidf("deposit mass must be a non-negative number, got %v", mass)
	}
	col.mass[id] += mass
	col.present[id] = true
	return nil
}

// Withdraw removes up to mass of a fluid type and returns the amount actually removed.
func (e *Engine) Withdraw(id ContainerID, ty TypeID, mass float64) (float64, error) {
	col, err := e.cell(id, ty)
	if err != nil {
		return 0, err
	}
	if !finite(mass) || mass < 0 {
		return 0, invalidf("withdraw mass must be a non-negative number, got %v", mass)
	}
	taken := math.Min(mass, col.mass[id])
	col.mass[id] -= taken
	return taken, nil
}

// Mass returns the stored mass of a type; absent slots read as zero.
func (e *Engine) Mass(id ContainerID, ty TypeID) float64 {
	if !e.containers.has(id) || int(ty) < 0 || int(ty) >= len(e.columns) || e.columns[ty] == nil {
		return 0
	}
	return e.columns[ty].mass[id]
}

// TypeVolume returns the volume occupied by one type after the last reconciliation.
func (e *Engine) TypeVolume(id ContainerID, ty TypeID) float64 {
	if !e.containers.has(id) || int(ty) < 0 || int(ty) >= len(e.columns) || e.columns[ty] == nil {
		return 0
	}
	return e.columns[ty].volume[id]
}

// Container returns the current read view of a container.
func (e *Engine) Container(id ContainerID) (ContainerState, bool) {
	if !e.containers.has(id) {
		return ContainerState{}, false
	}
	s := &e.containers
	return ContainerState{
		ID:          id,
		MaxVolume:   s.maxVolume[id],
		MaxPressure: s.maxPressure[id],
		Volume:      s.volume[id],
		Pressure:    s.pressure[id],
		Phase:       s.phase[id],
	}, true
}

// Containers lists live container IDs in ascending order.
func (e *Engine) Containers() []ContainerID {
	ids := make([]ContainerID, 0, e.containers.live)
	for i, alive := range e.containers.alive {
		if alive {
			ids = append(ids, ContainerID(i))
		}
	}
	return ids
}

// ClearExplosion is the external repair action for an exploded container.
// The container drops back to Compression and is re-evaluated on the next tick.
func (e *Engine) ClearExplosion(id ContainerID) error {
	if !e.containers.has(id) {
		return fmt.Errorf("%w: %d", ErrUnknownContainer, id)
	}
	if e.containers.phase[id] == PhaseExploding {
		e.containers.phase[id] = PhaseCompression
	}
	return nil
}

// TotalMass sums one fluid type across all live containers.
func (e *Engine) TotalMass(ty TypeID) float64 {
	if int(ty) < 0 || int(ty) >= len(e.columns) || e.columns[ty] == nil {
		return 0
	}
	total := 0.0
	for i, alive := range e.containers.alive {
		if alive {
			total += e.columns[ty].mass[i]
		}
	}
	return total
}

// cell resolves a (container, type) pair, allocating the type column lazily.
func (e *Engine) cell(id ContainerID, ty TypeID) (*column, error) {
	if !e.containers.has(id) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownContainer, id)
	}
	if !e.types.Has(ty) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, ty)
	}
	for len(e.columns) <= int(ty) {
		e.columns = append(e.columns, nil)
	}
	if e.columns[ty] == nil {
		col := &column{}
		col.grow(e.containers.len(), e.pipes.len())
		e.columns[ty] = col
	}
	return e.columns[ty], nil
}

func (e *Engine) growColumns() {
	for _, col := range e.columns {
		if col != nil {
			col.grow(e.containers.len(), e.pipes.len())
		}
	}
}
