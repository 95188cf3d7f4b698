package fluid

// reconcileContainer recomputes volume, pressure and phase of one container from its typed masses.
// It only touches cells of container id, so containers reconcile independently.
//
// The pressure law works on vacuum volumes v = mass·vsv. Below capacity the
// pressure is v_total/max_volume. At or above capacity the base pressure is the
// same ratio, and every type whose critical pressure is below it contributes
//
//	v·(G/max_volume + critical·(1−G)/v_total)
//
// instead of v/max_volume, which makes the pressure climb steeply with G.
//
// Concentrations are mass over the container's current volume, so every type in a
// mixture leaves through a pipe in proportion to its share.
func (e *Engine) reconcileContainer(id ContainerID, defs []TypeDef, updatePhase bool) {
	s := &e.containers
	previous := s.pressure[id]
	maxVolume := s.maxVolume[id]

	//1.- Accumulate mass and uncompressed volume over every present slot.
	totalMass, vacuumVolume := 0.0, 0.0
	for ty, col := range e.columns {
		if col == nil || !col.present[id] {
			continue
		}
		m := col.mass[id]
		v := m * defs[ty].VacuumSpecificVolume
		col.volume[id] = v
		totalMass += m
		vacuumVolume += v
	}

	//2.- An empty container is always in vacuum regardless of its history.
	if totalMass <= 0 {
		for _, col := range e.columns {
			if col != nil && col.present[id] {
				col.volume[id], col.conc[id] = 0, 0
			}
		}
		s.volume[id], s.pressure[id] = 0, 0
		s.phase[id] = PhaseVacuum
		return
	}

	if vacuumVolume < maxVolume {
		for _, col := range e.columns {
			if col != nil && col.present[id] {
				col.conc[id] = concentration(col.mass[id], vacuumVolume)
			}
		}
		s.volume[id] = vacuumVolume
		s.pressure[id] = vacuumVolume / maxVolume
		s.phase[id] = PhaseVacuum
		mustFinite("pressure", uint32(id), s.pressure[id])
		return
	}

	//3.- Compression: squeeze every type into the capacity proportionally and apply the saturation law.
	base := vacuumVolume / maxVolume
	pressure := 0.0
	for ty, col := range e.columns {
		if col == nil || !col.present[id] {
			continue
		}
		v := col.volume[id]
		if v <= 0 {
			col.volume[id], col.conc[id] = 0, 0
			continue
		}
		def := defs[ty]
		if def.CriticalPressure < base {
			g := def.gamma(e.gamma)
			pressure += v * (g/maxVolume + def.CriticalPressure*(1-g)/vacuumVolume)
		} else {
			pressure += v / maxVolume
		}
		col.volume[id] = v / base
		col.conc[id] = concentration(col.mass[id], maxVolume)
	}
	if pressure < 0 {
		pressure = 0
	}
	mustFinite("pressure", uint32(id), pressure)
	s.volume[id] = maxVolume
	s.pressure[id] = pressure
	if !updatePhase {
		if s.phase[id] == PhaseVacuum {
			s.phase[id] = PhaseCompression
		}
		return
	}

	//4.- Two consecutive readings above the limit explode the container; it stays exploded until repaired.
	limit := s.maxPressure[id]
	over := previous > limit && pressure > limit
	switch {
	case s.phase[id] == PhaseExploding:
		if over {
			s.pending[id] = EventRupture
		}
	case over:
		s.phase[id] = PhaseExploding
		s.pending[id] = EventExploded
	default:
		s.phase[id] = PhaseCompression
	}
}

func concentration(mass, volume float64) float64 {
	if volume <= 0 {
		return 0
	}
	return mass / volume
}
