package fluid

import (
	"math"
	"testing"
	"time"

	"github.com/cpmech/gosl/chk"
)

// buildRing lays out n containers in a ring with chords, seeded with two fluid types.
func buildRing(t *testing.T, opts Options, n int) (*Engine, []TypeID) {
	t.Helper()
	e := newTestEngine(t, opts)
	water := mustType(t, e, TypeDef{Viscosity: 1, VacuumSpecificVolume: 1, CriticalPressure: 2})
	gas := mustType(t, e, TypeDef{Viscosity: 0.2, VacuumSpecificVolume: 5, CriticalPressure: 0.5, SaturationGamma: 4})
	ids := make([]ContainerID, n)
	for i := range ids {
		ids[i] = mustContainer(t, e, 50+float64(i%7)*10, math.Inf(1))
		mustDeposit(t, e, ids[i], water, float64((i*37)%60))
		if i%3 == 0 {
			mustDeposit(t, e, ids[i], gas, float64((i*11)%17))
		}
	}
	for i := range ids {
		mustPipe(t, e, ids[i], ids[(i+1)%n], 0.5+float64(i%4)*0.25, 1+float64(i%5))
		if i%4 == 0 {
			mustPipe(t, e, ids[i], ids[(i+n/2)%n], 0.4, 3)
		}
	}
	e.Reconcile()
	return e, []TypeID{water, gas}
}

func TestTicksConserveMassAndStayNonNegative(t *testing.T) {
	chk.PrintTitle("conservation")
	e, types := buildRing(t, Options{Workers: 4}, 240)
	initial := make([]float64, len(types))
	for i, ty := range types {
		initial[i] = e.TotalMass(ty)
	}

	for tick := 0; tick < 40; tick++ {
		report := e.Tick(100 * time.Millisecond)
		if report.Anomalies != 0 {
			t.Fatalf("tick %d: unexpected anomalies %d", tick, report.Anomalies)
		}
		for _, id := range e.Containers() {
			state, _ := e.Container(id)
			if state.Volume < 0 || state.Pressure < 0 || state.Volume > state.MaxVolume {
				t.Fatalf("tick %d container %d: %+v", tick, id, state)
			}
			for _, ty := range types {
				if e.Mass(id, ty) < 0 {
					t.Fatalf("tick %d container %d type %d: negative mass", tick, id, ty)
				}
			}
		}
	}
	for i, ty := range types {
		chk.Float64(t, "total mass", 1e-9*initial[i], e.TotalMass(ty), initial[i])
	}
}

func TestParallelTicksMatchSerialTicks(t *testing.T) {
	serial, types := buildRing(t, Options{Workers: 1}, 300)
	parallel, _ := buildRing(t, Options{Workers: 8}, 300)
	for tick := 0; tick < 15; tick++ {
		serial.Tick(50 * time.Millisecond)
		parallel.Tick(50 * time.Millisecond)
	}
	for _, id := range serial.Containers() {
		for _, ty := range types {
			if serial.Mass(id, ty) != parallel.Mass(id, ty) {
				t.Fatalf("container %d type %d diverged: %v vs %v", id, ty, serial.Mass(id, ty), parallel.Mass(id, ty))
			}
		}
		s, _ := serial.Container(id)
		p, _ := parallel.Container(id)
		if s != p {
			t.Fatalf("container %d state diverged: %+v vs %+v", id, s, p)
		}
	}
}

func TestRestoreContinuesIdentically(t *testing.T) {
	original, types := buildRing(t, Options{Workers: 2}, 80)
	for tick := 0; tick < 5; tick++ {
		original.Tick(100 * time.Millisecond)
	}
	if err := original.RemoveContainer(7); err != nil {
		t.Fatalf("remove: %v", err)
	}

	snap := original.Snapshot()
	restored, err := Restore(snap, Options{Workers: 2, Logger: original.logger})
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.TickCount() != snap.Tick || len(restored.Pipes()) != len(snap.Pipes) {
		t.Fatalf("restored shape differs")
	}
	if _, ok := restored.Container(7); ok {
		t.Fatalf("removed container must stay removed")
	}

	//1.- Both engines must evolve identically from here on.
	for tick := 0; tick < 5; tick++ {
		original.Tick(100 * time.Millisecond)
		restored.Tick(100 * time.Millisecond)
	}
	for _, id := range original.Containers() {
		for _, ty := range types {
			if original.Mass(id, ty) != restored.Mass(id, ty) {
				t.Fatalf("container %d type %d diverged after restore", id, ty)
			}
		}
	}
	if next := mustContainer(t, restored, 10, 10); next != ContainerID(80) {
		t.Fatalf("expected next id 80, got %d", next)
	}
}

func TestRestoreRejectsDanglingPipe(t *testing.T) {
	snap := Snapshot{
		Types:      []TypeDef{{Viscosity: 1, VacuumSpecificVolume: 1}},
		Containers: []ContainerSnapshot{{ID: 0, MaxVolume: 10, MaxPressure: 10}},
		Pipes:      []PipeSnapshot{{ID: 0, Alpha: 0, Beta: 3, Radius: 1, Length: 1}},
	}
	if _, err := Restore(snap, Options{}); err == nil {
		t.Fatalf("expected dangling pipe to be rejected")
	}
}

func TestSnapshotListsEmptySlots(t *testing.T) {
	e := newTestEngine(t, Options{})
	ty := mustType(t, e, TypeDef{Viscosity: 1, VacuumSpecificVolume: 1})
	c := mustContainer(t, e, 10, 10)
	mustDeposit(t, e, c, ty, 3)
	if _, err := e.Withdraw(c, ty, 5); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	snap := e.Snapshot()
	mass, ok := snap.Containers[0].Masses[ty]
	if !ok || mass != 0 {
		t.Fatalf("expected empty slot, got %v %v", mass, ok)
	}
}
