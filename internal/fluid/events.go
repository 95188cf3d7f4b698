package fluid

import (
	"fmt"
	"time"
)

// EventKind classifies notifications raised during reconciliation.
type EventKind uint8

const (
	// EventExploded is raised once when a container enters the Exploding phase.
	EventExploded EventKind = iota + 1
	// EventRupture is raised every tick an exploding container stays above its pressure limit.
	EventRupture
)

func (k EventKind) String() string {
	switch k {
	case EventExploded:
		return "exploded"
	case EventRupture:
		return "rupture"
	default:
		return fmt.Sprintf("event(%d)", uint8(k))
	}
}

// ParseEventKind is the inverse of EventKind.String.
func ParseEventKind(raw string) (EventKind, error) {
	switch raw {
	case "exploded":
		return EventExploded, nil
	case "rupture":
		return EventRupture, nil
	default:
		return 0, fmt.Errorf("unknown event kind %q", raw)
	}
}

// Event is a physical overload notification for the damage-handling collaborator.
type Event struct {
	Tick        uint64
	Kind        EventKind
	Container   ContainerID
	Pressure    float64
	MaxPressure float64
}

// TickReport summarises one completed tick.
type TickReport struct {
	Tick uint64
	Step time.Duration
	// Events are ordered by container ID.
	Events []Event
	// Anomalies counts pipes skipped this tick because of a failed precondition.
	Anomalies int
}
