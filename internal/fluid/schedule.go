package fluid

// rebuildSchedule partitions live pipes into colours so that no two pipes of one colour
// share a container. Transfers within a colour can then write mass cells without aliasing.
func (e *Engine) rebuildSchedule() {
	//1.- used[c] lists the colours already taken by pipes attached to container c.
	used := make([][]bool, e.containers.len())
	colours := make([][]PipeID, 0, len(e.schedule))
	s := &e.pipes
	for i, alive := range s.alive {
		if !alive {
			continue
		}
		a, b := s.alpha[i], s.beta[i]
		colour := 0
		for taken(used[a], colour) || taken(used[b], colour) {
			colour++
		}
		used[a] = mark(used[a], colour)
		used[b] = mark(used[b], colour)
		for len(colours) <= colour {
			colours = append(colours, nil)
		}
		colours[colour] = append(colours[colour], PipeID(i))
	}
	e.schedule = colours
	e.scheduleDirty = false
}

func taken(set []bool, colour int) bool {
	return colour < len(set) && set[colour]
}

func mark(set []bool, colour int) []bool {
	for len(set) <= colour {
		set = append(set, false)
	}
	set[colour] = true
	return set
}
