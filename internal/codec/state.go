package codec

import (
	"strconv"

	"google.golang.org/protobuf/types/known/structpb"

	"fluidnet/sim/internal/fluid"
)

// EncodePipe builds the Struct form of a pipe read view.
func EncodePipe(p fluid.PipeState) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"pipe":          number(float64(p.ID)),
		"alpha":         number(float64(p.Alpha)),
		"beta":          number(float64(p.Beta)),
		"radius":        number(p.Radius),
		"length":        number(p.Length),
		"cross_section": number(p.CrossSection),
		"from_shape":    number(p.FromShape),
		"static":        number(p.Static),
		"dynamic":       number(p.Dynamic),
		"flow_factor":   number(p.FlowFactor),
	}}
}

// EncodeContainer builds the Struct form of a container read view and its typed masses.
func EncodeContainer(c fluid.ContainerState, masses map[fluid.TypeID]float64) *structpb.Struct {
	byType := make(map[string]*structpb.Value, len(masses))
	for ty, mass := range masses {
		byType[strconv.Itoa(int(ty))] = number(mass)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"container":    number(float64(c.ID)),
		"max_volume":   number(c.MaxVolume),
		"max_pressure": number(c.MaxPressure),
		"volume":       number(c.Volume),
		"pressure":     number(c.Pressure),
		"phase":        structpb.NewStringValue(c.Phase.String()),
		"masses":       structpb.NewStructValue(&structpb.Struct{Fields: byType}),
	}}
}

// Float reads a numeric field written by this package, including non-finite values
// carried as strings. Missing fields read as zero.
func Float(msg *structpb.Struct, key string) (float64, error) {
	r := &reader{fields: msg.GetFields()}
	v := r.float(key)
	return v, r.err
}
