package codec

import (
	"google.golang.org/protobuf/types/known/structpb"

	"fluidnet/sim/internal/fluid"
)

// ContainerMetric is the per-container slice of a metrics frame.
type ContainerMetric struct {
	ID       fluid.ContainerID
	Volume   float64
	Pressure float64
	Phase    fluid.Phase
}

// Metrics summarises a snapshot for live viewers.
type Metrics struct {
	Tick uint64
	// TypeMass is the total mass of every type across the network, indexed by TypeID.
	TypeMass   []float64
	Containers []ContainerMetric
	Exploding  int
	Pipes      int
}

// Summarise derives the viewer metrics from a snapshot.
func Summarise(snap fluid.Snapshot) Metrics {
	m := Metrics{
		Tick:       snap.Tick,
		TypeMass:   make([]float64, len(snap.Types)),
		Containers: make([]ContainerMetric, 0, len(snap.Containers)),
		Pipes:      len(snap.Pipes),
	}
	for _, c := range snap.Containers {
		for ty, mass := range c.Masses {
			if int(ty) >= 0 && int(ty) < len(m.TypeMass) {
				m.TypeMass[ty] += mass
			}
		}
		if c.Phase == fluid.PhaseExploding {
			m.Exploding++
		}
		m.Containers = append(m.Containers, ContainerMetric{
			ID:       c.ID,
			Volume:   c.Volume,
			Pressure: c.Pressure,
			Phase:    c.Phase,
		})
	}
	return m
}

// EncodeMetrics builds the Struct form of a metrics frame.
func EncodeMetrics(m Metrics) *structpb.Struct {
	masses := make([]*structpb.Value, 0, len(m.TypeMass))
	for _, mass := range m.TypeMass {
		masses = append(masses, number(mass))
	}
	containers := make([]*structpb.Value, 0, len(m.Containers))
	for _, c := range m.Containers {
		containers = append(containers, structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"id":       number(float64(c.ID)),
			"volume":   number(c.Volume),
			"pressure": number(c.Pressure),
			"phase":    structpb.NewStringValue(c.Phase.String()),
		}}))
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"type":       structpb.NewStringValue("metrics"),
		"tick":       number(float64(m.Tick)),
		"type_mass":  structpb.NewListValue(&structpb.ListValue{Values: masses}),
		"containers": structpb.NewListValue(&structpb.ListValue{Values: containers}),
		"exploding":  number(float64(m.Exploding)),
		"pipes":      number(float64(m.Pipes)),
	}}
}

// MarshalMetricsJSON encodes a metrics frame as protobuf JSON for the live feed.
func MarshalMetricsJSON(m Metrics) ([]byte, error) {
	return jsonEncoder.Marshal(EncodeMetrics(m))
}

// EncodeEvent builds the Struct form of an overload event.
func EncodeEvent(event fluid.Event) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"type":         structpb.NewStringValue("event"),
		"kind":         structpb.NewStringValue(event.Kind.String()),
		"tick":         number(float64(event.Tick)),
		"container":    number(float64(event.Container)),
		"pressure":     number(event.Pressure),
		"max_pressure": number(event.MaxPressure),
	}}
}

// MarshalEventJSON encodes an overload event as protobuf JSON.
func MarshalEventJSON(event fluid.Event) ([]byte, error) {
	return jsonEncoder.Marshal(EncodeEvent(event))
}
