package fluid

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrInvalidConfig marks a construction parameter that can never be admitted to the simulation.
	ErrInvalidConfig = errors.New("invalid fluid configuration")
	// ErrUnknownType is returned for fluid type IDs not present in the registry.
	ErrUnknownType = errors.New("unknown fluid type")
	// ErrUnknownContainer is returned for container IDs that were never created or were removed.
	ErrUnknownContainer = errors.New("unknown container")
	// ErrUnknownPipe is returned for pipe IDs that were never created or were removed.
	ErrUnknownPipe = errors.New("unknown pipe")
)

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// mustFinite panics when simulation state picks up NaN or Inf; this is a programming error.
func mustFinite(what string, id uint32, v float64) {
	if !finite(v) {
		panic(fmt.Sprintf("fluid: non-finite %s on entity %d: %v", what, id, v))
	}
}
