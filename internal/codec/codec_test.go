package codec

import (
	"encoding/json"
	"errors"
	"math"
	"reflect"
	"testing"

	"google.golang.org/protobuf/types/known/structpb"

	"fluidnet/sim/internal/fluid"
)

func sampleSnapshot() fluid.Snapshot {
	return fluid.Snapshot{
		Tick:              42,
		Gamma:             65536,
		FlowCoefficient:   1,
		CreationThreshold: 1e-3,
		Types: []fluid.TypeDef{
			{Viscosity: 1, VacuumSpecificVolume: 1, CriticalPressure: 2},
			{Viscosity: 0.2, VacuumSpecificVolume: 5, CriticalPressure: 0.5, SaturationGamma: 4},
		},
		Containers: []fluid.ContainerSnapshot{
			{ID: 0, MaxVolume: 100, MaxPressure: math.Inf(1), Volume: 16, Pressure: 0.16, Phase: fluid.PhaseVacuum, Masses: map[fluid.TypeID]float64{0: 5, 1: 2}},
			{ID: 3, MaxVolume: 10, MaxPressure: 5, Volume: 10, Pressure: 9, Phase: fluid.PhaseExploding, Masses: map[fluid.TypeID]float64{0: 0}},
		},
		Pipes: []fluid.PipeSnapshot{
			{ID: 1, Alpha: 0, Beta: 3, Radius: 0.5, Length: 2, Static: 32, Dynamic: math.Inf(1), FlowFactor: -0.25},
		},
	}
}

func TestSnapshotSurvivesBinaryAndJSON(t *testing.T) {
	snap := sampleSnapshot()

	//1.- The deterministic binary form decodes to the same value.
	data, err := MarshalBinary(snap)
	if err != nil {
		t.Fatalf("marshal binary: %v", err)
	}
	decoded, err := UnmarshalBinary(data)
	if err != nil {
		t.Fatalf("unmarshal binary: %v", err)
	}
	if !reflect.DeepEqual(decoded, snap) {
		t.Fatalf("binary mismatch:\n%+v\n%+v", decoded, snap)
	}
	again, _ := MarshalBinary(snap)
	if string(again) != string(data) {
		t.Fatalf("binary encoding is not deterministic")
	}

	//2.- The JSON form carries infinities as strings.
	text, err := MarshalJSON(snap)
	if err != nil {
		t.Fatalf("marshal json: %v", err)
	}
	if !json.Valid(text) {
		t.Fatalf("invalid json %s", text)
	}
	decoded, err = UnmarshalJSON(text)
	if err != nil {
		t.Fatalf("unmarshal json: %v", err)
	}
	if !reflect.DeepEqual(decoded, snap) {
		t.Fatalf("json mismatch:\n%+v\n%+v", decoded, snap)
	}
}

func TestDecodeRejectsMalformedPayloads(t *testing.T) {
	if _, err := UnmarshalBinary([]byte{0xff, 0xff}); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected malformed error, got %v", err)
	}
	msg := EncodeSnapshot(sampleSnapshot())
	containers := msg.Fields["containers"].GetListValue().Values
	containers[0].GetStructValue().Fields["phase"] = structpb.NewStringValue("boiling")
	if _, err := DecodeSnapshot(msg); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected bad phase to be rejected, got %v", err)
	}
	msg = EncodeSnapshot(sampleSnapshot())
	msg.Fields["gamma"] = structpb.NewBoolValue(true)
	if _, err := DecodeSnapshot(msg); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected bad gamma to be rejected, got %v", err)
	}
}

func TestSummariseTotalsTypeMass(t *testing.T) {
	m := Summarise(sampleSnapshot())
	if m.Tick != 42 || m.Exploding != 1 || m.Pipes != 1 || len(m.Containers) != 2 {
		t.Fatalf("unexpected metrics %+v", m)
	}
	if m.TypeMass[0] != 5 || m.TypeMass[1] != 2 {
		t.Fatalf("unexpected type mass %v", m.TypeMass)
	}
	payload, err := MarshalMetricsJSON(m)
	if err != nil {
		t.Fatalf("marshal metrics: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("decode metrics: %v", err)
	}
	if decoded["type"] != "metrics" || decoded["exploding"] != float64(1) {
		t.Fatalf("unexpected payload %s", payload)
	}
}

func TestEncodePipeKeepsInfiniteResistance(t *testing.T) {
	msg := EncodePipe(fluid.PipeState{ID: 3, Radius: 0.5, Length: 2, Static: math.Inf(1), Dynamic: math.Inf(1)})
	static, err := Float(msg, "static")
	if err != nil || !math.IsInf(static, 1) {
		t.Fatalf("expected +Inf static, got %v (%v)", static, err)
	}
	radius, err := Float(msg, "radius")
	if err != nil || radius != 0.5 {
		t.Fatalf("unexpected radius %v (%v)", radius, err)
	}
	msg.Fields["length"] = structpb.NewStringValue("long")
	if _, err := Float(msg, "length"); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}
