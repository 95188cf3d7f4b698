package fluid

import (
	"fmt"
	"sort"
)

// Snapshot is the plain numeric state of an engine, suitable for saving and broadcasting.
type Snapshot struct {
	Tick              uint64
	Gamma             float64
	FlowCoefficient   float64
	CreationThreshold float64
	Types             []TypeDef
	Containers        []ContainerSnapshot
	Pipes             []PipeSnapshot
}

// ContainerSnapshot holds one live container. Masses lists every existing slot, including empty ones.
type ContainerSnapshot struct {
	ID          ContainerID
	MaxVolume   float64
	MaxPressure float64
	Volume      float64
	Pressure    float64
	Phase       Phase
	Masses      map[TypeID]float64
}

// PipeSnapshot holds one live pipe.
type PipeSnapshot struct {
	ID         PipeID
	Alpha      ContainerID
	Beta       ContainerID
	Radius     float64
	Length     float64
	Static     float64
	Dynamic    float64
	FlowFactor float64
}

// TotalMass sums the masses of one type over the snapshot.
func (s Snapshot) TotalMass(ty TypeID) float64 {
	total := 0.0
	for _, c := range s.Containers {
		total += c.Masses[ty]
	}
	return total
}

// Snapshot copies the current state. Live entities are listed in ID order.
func (e *Engine) Snapshot() Snapshot {
	snap := Snapshot{
		Tick:              e.tick,
		Gamma:             e.gamma,
		FlowCoefficient:   e.flowCoefficient,
		CreationThreshold: e.creationThreshold,
		Types:             e.types.Defs(),
	}
	for _, id := range e.Containers() {
		state, _ := e.Container(id)
		masses := make(map[TypeID]float64)
		for ty, col := range e.columns {
			if col != nil && col.present[id] {
				masses[TypeID(ty)] = col.mass[id]
			}
		}
		snap.Containers = append(snap.Containers, ContainerSnapshot{
			ID:          id,
			MaxVolume:   state.MaxVolume,
			MaxPressure: state.MaxPressure,
			Volume:      state.Volume,
			Pressure:    state.Pressure,
			Phase:       state.Phase,
			Masses:      masses,
		})
	}
	for _, id := range e.Pipes() {
		p := &e.pipes
		snap.Pipes = append(snap.Pipes, PipeSnapshot{
			ID:         id,
			Alpha:      p.alpha[id],
			Beta:       p.beta[id],
			Radius:     p.radius[id],
			Length:     p.length[id],
			Static:     p.static[id],
			Dynamic:    p.dynamic[id],
			FlowFactor: p.flowFactor[id],
		})
	}
	return snap
}

// Restore rebuilds an engine from a snapshot keeping every container and pipe ID.
// Engine constants come from the snapshot; opts supplies workers and logger.
func Restore(snap Snapshot, opts Options) (*Engine, error) {
	opts.Gamma = snap.Gamma
	opts.FlowCoefficient = snap.FlowCoefficient
	opts.CreationThreshold = snap.CreationThreshold
	e, err := NewEngine(opts)
	if err != nil {
		return nil, err
	}
	for i, def := range snap.Types {
		if _, err := e.RegisterType(def); err != nil {
			return nil, fmt.Errorf("restore type %d: %w", i, err)
		}
	}

	//1.- Containers: gaps left by removed IDs become dead slots.
	containers := append([]ContainerSnapshot(nil), snap.Containers...)
	sort.Slice(containers, func(i, j int) bool { return containers[i].ID < containers[j].ID })
	for _, c := range containers {
		if int(c.ID) < e.containers.len() {
			return nil, invalidf("duplicate container %d", c.ID)
		}
		if err := validateContainer(c.MaxVolume, c.MaxPressure); err != nil {
			return nil, fmt.Errorf("restore container %d: %w", c.ID, err)
		}
		if !finite(c.Pressure) || c.Pressure < 0 || c.Phase > PhaseExploding {
			return nil, invalidf("container %d pressure %v phase %d", c.ID, c.Pressure, c.Phase)
		}
		for e.containers.len() < int(c.ID) {
			e.containers.append(false, 1, 1)
		}
		e.containers.append(true, c.MaxVolume, c.MaxPressure)
	}
	e.growColumns()
	for _, c := range containers {
		for ty, mass := range c.Masses {
			if !finite(mass) || mass < 0 {
				return nil, invalidf("container %d type %d mass %v", c.ID, ty, mass)
			}
			col, err := e.cell(c.ID, ty)
			if err != nil {
				return nil, fmt.Errorf("restore container %d: %w", c.ID, err)
			}
			col.mass[c.ID] = mass
			col.present[c.ID] = true
		}
	}

	//2.- Pipes keep their resistances; nothing is queued for recompute.
	pipes := append([]PipeSnapshot(nil), snap.Pipes...)
	sort.Slice(pipes, func(i, j int) bool { return pipes[i].ID < pipes[j].ID })
	for _, p := range pipes {
		if int(p.ID) < e.pipes.len() {
			return nil, invalidf("duplicate pipe %d", p.ID)
		}
		if err := validatePipe(p.Radius, p.Length); err != nil {
			return nil, fmt.Errorf("restore pipe %d: %w", p.ID, err)
		}
		if p.Alpha == p.Beta || !e.containers.has(p.Alpha) || !e.containers.has(p.Beta) {
			return nil, fmt.Errorf("restore pipe %d: %w: %d-%d", p.ID, ErrUnknownContainer, p.Alpha, p.Beta)
		}
		for e.pipes.len() < int(p.ID) {
			e.pipes.append(false, 0, 0, 1, 1)
		}
		id := e.pipes.append(true, p.Alpha, p.Beta, p.Radius, p.Length)
		e.pipes.static[id] = p.Static
		e.pipes.dynamic[id] = p.Dynamic
		e.pipes.flowFactor[id] = p.FlowFactor
		e.containers.pipes[p.Alpha] = append(e.containers.pipes[p.Alpha], id)
		e.containers.pipes[p.Beta] = append(e.containers.pipes[p.Beta], id)
	}
	e.growColumns()
	e.scheduleDirty = true

	//3.- Derive volumes and concentrations, then put back the recorded pressure and phase
	// so the next tick compares against the saved reading.
	defs := e.types.Defs()
	for _, c := range containers {
		e.reconcileContainer(c.ID, defs, false)
		e.containers.pressure[c.ID] = c.Pressure
		e.containers.phase[c.ID] = c.Phase
	}
	e.tick = snap.Tick
	return e, nil
}
