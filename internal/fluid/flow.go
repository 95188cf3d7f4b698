package fluid

import (
	"math"

	"fluidnet/sim/internal/logging"
)

// computeFlowFactors is the second tick stage. It only reads container pressures, so every
// pipe is independent. Positive factors move mass from alpha to beta.
func (e *Engine) computeFlowFactors(seconds float64) {
	s := &e.pipes
	e.parallel(s.len(), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			s.flowFactor[i], s.flowing[i] = 0, false
			if !s.alive[i] {
				continue
			}
			id := PipeID(i)
			a, b := s.alpha[i], s.beta[i]

			//1.- A failed precondition skips this pipe for the tick only.
			if !e.containers.has(a) || !e.containers.has(b) {
				e.anomaly("pipe endpoint missing", loggingPipe(id), loggingContainer(a), loggingContainer(b))
				continue
			}
			r := s.dynamic[i]
			if math.IsNaN(r) || r <= 0 {
				e.anomaly("pipe resistance degenerate", loggingPipe(id), logging.Float64("resistance", r))
				continue
			}

			//2.- An infinitely resistant pipe is closed.
			if math.IsInf(r, 1) {
				continue
			}
			factor := (e.containers.pressure[a] - e.containers.pressure[b]) / r * seconds * e.flowCoefficient
			mustFinite("flow factor", uint32(id), factor)
			s.flowFactor[i] = factor
			s.flowing[i] = factor != 0
		}
	})
}

// transfer is the third tick stage. Colours run one after another; inside a colour every
// (type, pipe) pair owns disjoint mass cells and runs in parallel.
func (e *Engine) transfer(defs []TypeDef) {
	if e.scheduleDirty {
		e.rebuildSchedule()
	}

	//1.- Clear last tick's per-pipe deltas so TransferredMass reports this tick only.
	types := make([]TypeID, 0, len(e.columns))
	for ty, col := range e.columns {
		if col == nil {
			continue
		}
		clear(col.delta)
		types = append(types, TypeID(ty))
	}
	if len(types) == 0 {
		return
	}

	for _, colour := range e.schedule {
		width := len(colour)
		e.parallel(width*len(types), func(lo, hi int) {
			for i := lo; i < hi; i++ {
				ty := types[i/width]
				e.transferDuct(colour[i%width], ty, defs[ty])
			}
		})
	}
}

// transferDuct moves one fluid type through one pipe using the concentration cached at the
// last reconciliation. The clamp keeps both endpoints non-negative.
func (e *Engine) transferDuct(id PipeID, ty TypeID, def TypeDef) {
	s := &e.pipes
	if !s.flowing[id] {
		return
	}
	factor := s.flowFactor[id]
	col := e.columns[ty]
	a, b := s.alpha[id], s.beta[id]

	src := a
	if factor < 0 {
		src = b
	}
	delta := factor * def.Viscosity * col.conc[src]
	delta = math.Max(math.Min(delta, col.mass[a]), -col.mass[b])
	if delta == 0 {
		return
	}

	//1.- Tiny flows do not create a new slot in the receiving container.
	dst := b
	if delta < 0 {
		dst = a
	}
	if !col.present[dst] && math.Abs(delta) < e.creationThreshold {
		return
	}

	col.mass[a] -= delta
	col.mass[b] += delta
	col.present[dst] = true
	col.delta[id] = delta
	mustFinite("mass", uint32(a), col.mass[a])
	mustFinite("mass", uint32(b), col.mass[b])
}

func (e *Engine) anomaly(message string, fields ...logging.Field) {
	e.anomalies.Add(1)
	e.logger.Warn(message, append(fields, logging.Uint64("tick", e.tick))...)
}
