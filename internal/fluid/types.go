package fluid

import "fmt"

// TypeID identifies a fluid type by its registration order.
type TypeID int

// TypeDef holds the immutable constants of one fluid type.
type TypeDef struct {
	// Viscosity multiplies the volumetric flow of this type through a pipe.
	Viscosity float64
	// VacuumSpecificVolume is the volume one unit of mass occupies when uncompressed.
	VacuumSpecificVolume float64
	// CriticalPressure is the base pressure above which the type behaves as saturated.
	CriticalPressure float64
	// SaturationGamma is the compressibility exponent past CriticalPressure.
	// Zero selects the engine-wide gamma.
	SaturationGamma float64
}

// Validate reports whether the constants can be admitted to a registry.
func (d TypeDef) Validate() error {
	switch {
	case !finite(d.Viscosity) || d.Viscosity < 0:
		return invalidf("viscosity must be a non-negative number, got %v", d.Viscosity)
	case !finite(d.VacuumSpecificVolume) || d.VacuumSpecificVolume <= 0:
		return invalidf("vacuum specific volume must be positive, got %v", d.VacuumSpecificVolume)
	case !finite(d.CriticalPressure) || d.CriticalPressure < 0:
		return invalidf("critical pressure must be non-negative, got %v", d.CriticalPressure)
	case !finite(d.SaturationGamma) || (d.SaturationGamma != 0 && d.SaturationGamma < 1):
		return invalidf("saturation gamma must be 0 or at least 1, got %v", d.SaturationGamma)
	}
	return nil
}

func (d TypeDef) gamma(global float64) float64 {
	if d.SaturationGamma > 0 {
		return d.SaturationGamma
	}
	return global
}

// Registry is the per-scenario table of fluid types.
type Registry struct {
	defs []TypeDef
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends a fluid type and returns its ID.
func (r *Registry) Register(def TypeDef) (TypeID, error) {
	if err := def.Validate(); err != nil {
		return 0, err
	}
	r.defs = append(r.defs, def)
	return TypeID(len(r.defs) - 1), nil
}

// Update replaces the constants of an existing type.
// Callers must not update a type while a tick is running.
func (r *Registry) Update(id TypeID, def TypeDef) error {
	if !r.Has(id) {
		return fmt.Errorf("%w: %d", ErrUnknownType, id)
	}
	if err := def.Validate(); err != nil {
		return err
	}
	r.defs[id] = def
	return nil
}

// Get returns the constants of a type.
func (r *Registry) Get(id TypeID) (TypeDef, bool) {
	if !r.Has(id) {
		return TypeDef{}, false
	}
	return r.defs[id], true
}

// Has reports whether the type exists.
func (r *Registry) Has(id TypeID) bool {
	return r != nil && id >= 0 && int(id) < len(r.defs)
}

// Len returns the number of registered types.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.defs)
}

// Defs returns a copy of all definitions indexed by TypeID.
func (r *Registry) Defs() []TypeDef {
	if r == nil {
		return nil
	}
	return append([]TypeDef(nil), r.defs...)
}

