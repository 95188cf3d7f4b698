// Package codec converts fluid snapshots to and from protobuf Struct messages.
package codec

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"fluidnet/sim/internal/fluid"
)

// ErrMalformed marks payloads that do not describe a snapshot.
var ErrMalformed = errors.New("malformed snapshot payload")

var (
	binaryEncoder = proto.MarshalOptions{Deterministic: true}
	jsonEncoder   = protojson.MarshalOptions{EmitUnpopulated: false}
)

// EncodeSnapshot builds the Struct form of a snapshot. Non-finite numbers travel as strings
// so the message stays valid JSON.
func EncodeSnapshot(snap fluid.Snapshot) *structpb.Struct {
	types := make([]*structpb.Value, 0, len(snap.Types))
	for _, def := range snap.Types {
		types = append(types, structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"viscosity":              number(def.Viscosity),
			"vacuum_specific_volume": number(def.VacuumSpecificVolume),
			"critical_pressure":      number(def.CriticalPressure),
			"saturation_gamma":       number(def.SaturationGamma),
		}}))
	}

	containers := make([]*structpb.Value, 0, len(snap.Containers))
	for _, c := range snap.Containers {
		masses := &structpb.Struct{Fields: make(map[string]*structpb.Value, len(c.Masses))}
		for ty, mass := range c.Masses {
			masses.Fields[strconv.Itoa(int(ty))] = number(mass)
		}
		containers = append(containers, structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"id":           number(float64(c.ID)),
			"max_volume":   number(c.MaxVolume),
			"max_pressure": number(c.MaxPressure),
			"volume":       number(c.Volume),
			"pressure":     number(c.Pressure),
			"phase":        structpb.NewStringValue(c.Phase.String()),
			"masses":       structpb.NewStructValue(masses),
		}}))
	}

	pipes := make([]*structpb.Value, 0, len(snap.Pipes))
	for _, p := range snap.Pipes {
		pipes = append(pipes, structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"id":          number(float64(p.ID)),
			"alpha":       number(float64(p.Alpha)),
			"beta":        number(float64(p.Beta)),
			"radius":      number(p.Radius),
			"length":      number(p.Length),
			"static":      number(p.Static),
			"dynamic":     number(p.Dynamic),
			"flow_factor": number(p.FlowFactor),
		}}))
	}

	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"tick":               number(float64(snap.Tick)),
		"gamma":              number(snap.Gamma),
		"flow_coefficient":   number(snap.FlowCoefficient),
		"creation_threshold": number(snap.CreationThreshold),
		"types":              structpb.NewListValue(&structpb.ListValue{Values: types}),
		"containers":         structpb.NewListValue(&structpb.ListValue{Values: containers}),
		"pipes":              structpb.NewListValue(&structpb.ListValue{Values: pipes}),
	}}
}

// DecodeSnapshot is the inverse of EncodeSnapshot.
func DecodeSnapshot(msg *structpb.Struct) (fluid.Snapshot, error) {
	if msg == nil {
		return fluid.Snapshot{}, fmt.Errorf("%w: nil message", ErrMalformed)
	}
	r := reader{fields: msg.GetFields()}
	snap := fluid.Snapshot{
		Tick:              uint64(r.float("tick")),
		Gamma:             r.float("gamma"),
		FlowCoefficient:   r.float("flow_coefficient"),
		CreationThreshold: r.float("creation_threshold"),
	}

	//1.- Types keep their list order because TypeIDs are list positions.
	for i, item := range r.list("types") {
		tr := r.child(fmt.Sprintf("types[%d]", i), item)
		snap.Types = append(snap.Types, fluid.TypeDef{
			Viscosity:            tr.float("viscosity"),
			VacuumSpecificVolume: tr.float("vacuum_specific_volume"),
			CriticalPressure:     tr.float("critical_pressure"),
			SaturationGamma:      tr.float("saturation_gamma"),
		})
		r.absorb(tr)
	}

	for i, item := range r.list("containers") {
		cr := r.child(fmt.Sprintf("containers[%d]", i), item)
		phase, err := fluid.ParsePhase(cr.str("phase"))
		if err != nil {
			cr.fail("phase", err)
		}
		masses := make(map[fluid.TypeID]float64)
		for key, value := range cr.object("masses") {
			ty, err := strconv.Atoi(key)
			if err != nil {
				cr.fail("masses", err)
				continue
			}
			masses[fluid.TypeID(ty)] = cr.value("masses."+key, value)
		}
		snap.Containers = append(snap.Containers, fluid.ContainerSnapshot{
			ID:          fluid.ContainerID(cr.float("id")),
			MaxVolume:   cr.float("max_volume"),
			MaxPressure: cr.float("max_pressure"),
			Volume:      cr.float("volume"),
			Pressure:    cr.float("pressure"),
			Phase:       phase,
			Masses:      masses,
		})
		r.absorb(cr)
	}

	for i, item := range r.list("pipes") {
		pr := r.child(fmt.Sprintf("pipes[%d]", i), item)
		snap.Pipes = append(snap.Pipes, fluid.PipeSnapshot{
			ID:         fluid.PipeID(pr.float("id")),
			Alpha:      fluid.ContainerID(pr.float("alpha")),
			Beta:       fluid.ContainerID(pr.float("beta")),
			Radius:     pr.float("radius"),
			Length:     pr.float("length"),
			Static:     pr.float("static"),
			Dynamic:    pr.float("dynamic"),
			FlowFactor: pr.float("flow_factor"),
		})
		r.absorb(pr)
	}
	if r.err != nil {
		return fluid.Snapshot{}, r.err
	}
	return snap, nil
}

// MarshalBinary encodes a snapshot with deterministic protobuf wire encoding.
func MarshalBinary(snap fluid.Snapshot) ([]byte, error) {
	return binaryEncoder.Marshal(EncodeSnapshot(snap))
}

// UnmarshalBinary decodes the output of MarshalBinary.
func UnmarshalBinary(data []byte) (fluid.Snapshot, error) {
	var msg structpb.Struct
	if err := proto.Unmarshal(data, &msg); err != nil {
		return fluid.Snapshot{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return DecodeSnapshot(&msg)
}

// MarshalJSON encodes a snapshot as protobuf JSON.
func MarshalJSON(snap fluid.Snapshot) ([]byte, error) {
	return jsonEncoder.Marshal(EncodeSnapshot(snap))
}

// UnmarshalJSON decodes the output of MarshalJSON.
func UnmarshalJSON(data []byte) (fluid.Snapshot, error) {
	var msg structpb.Struct
	if err := protojson.Unmarshal(data, &msg); err != nil {
		return fluid.Snapshot{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return DecodeSnapshot(&msg)
}

func number(v float64) *structpb.Value {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return structpb.NewStringValue(strconv.FormatFloat(v, 'g', -1, 64))
	}
	return structpb.NewNumberValue(v)
}

// reader walks a Struct and remembers the first problem it meets.
type reader struct {
	path   string
	fields map[string]*structpb.Value
	err    error
}

func (r *reader) fail(key string, cause error) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: %s%s: %v", ErrMalformed, r.path, key, cause)
	}
}

func (r *reader) float(key string) float64 {
	return r.value(key, r.fields[key])
}

func (r *reader) value(key string, v *structpb.Value) float64 {
	switch kind := v.GetKind().(type) {
	case *structpb.Value_NumberValue:
		return kind.NumberValue
	case *structpb.Value_StringValue:
		f, err := strconv.ParseFloat(kind.StringValue, 64)
		if err != nil {
			r.fail(key, err)
		}
		return f
	case nil:
		return 0
	default:
		r.fail(key, fmt.Errorf("expected number, got %T", kind))
		return 0
	}
}

func (r *reader) str(key string) string {
	return r.fields[key].GetStringValue()
}

func (r *reader) list(key string) []*structpb.Value {
	return r.fields[key].GetListValue().GetValues()
}

func (r *reader) object(key string) map[string]*structpb.Value {
	return r.fields[key].GetStructValue().GetFields()
}

func (r *reader) child(path string, v *structpb.Value) *reader {
	child := &reader{path: r.path + path + ".", fields: v.GetStructValue().GetFields()}
	if child.fields == nil {
		child.fail("", errors.New("expected object"))
	}
	return child
}

func (r *reader) absorb(child *reader) {
	if r.err == nil {
		r.err = child.err
	}
}
