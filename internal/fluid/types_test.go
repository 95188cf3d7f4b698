package fluid

import (
	"errors"
	"math"
	"testing"
)

func TestRegistryRegisterUpdateGet(t *testing.T) {
	r := NewRegistry()
	water, err := r.Register(TypeDef{Viscosity: 1, VacuumSpecificVolume: 0.01, CriticalPressure: 1})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	steam, err := r.Register(TypeDef{Viscosity: 0.5, VacuumSpecificVolume: 1, CriticalPressure: 2, SaturationGamma: 11})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if water != 0 || steam != 1 || r.Len() != 2 {
		t.Fatalf("expected dense ids 0 and 1, got %d %d (len %d)", water, steam, r.Len())
	}

	if err := r.Update(water, TypeDef{Viscosity: 2, VacuumSpecificVolume: 0.02, CriticalPressure: 3}); err != nil {
		t.Fatalf("update: %v", err)
	}
	def, ok := r.Get(water)
	if !ok || def.Viscosity != 2 || def.CriticalPressure != 3 {
		t.Fatalf("update not visible: %+v", def)
	}

	//1.- Defs hands out a copy.
	defs := r.Defs()
	defs[steam].Viscosity = 99
	if got, _ := r.Get(steam); got.Viscosity != 0.5 {
		t.Fatalf("Defs leaked internal storage: %+v", got)
	}

	if err := r.Update(7, def); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
	if _, ok := r.Get(-1); ok {
		t.Fatalf("negative id must not resolve")
	}
}

func TestTypeDefValidation(t *testing.T) {
	cases := map[string]TypeDef{
		"negative_viscosity": {Viscosity: -1, VacuumSpecificVolume: 1},
		"zero_volume":        {Viscosity: 1},
		"nan_critical":       {Viscosity: 1, VacuumSpecificVolume: 1, CriticalPressure: math.NaN()},
		"fractional_gamma":   {Viscosity: 1, VacuumSpecificVolume: 1, SaturationGamma: 0.5},
	}
	r := NewRegistry()
	for name, def := range cases {
		if _, err := r.Register(def); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("%s: expected ErrInvalidConfig, got %v", name, err)
		}
	}
	if r.Len() != 0 {
		t.Fatalf("rejected types must not be admitted")
	}
	if got := (TypeDef{SaturationGamma: 11}).gamma(65536); got != 11 {
		t.Fatalf("per-type gamma should win, got %v", got)
	}
	if got := (TypeDef{}).gamma(65536); got != 65536 {
		t.Fatalf("zero gamma should fall back to global, got %v", got)
	}
}
