package scenario

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"

	"fluidnet/sim/internal/fluid"
)

// Scenario describes an initial network: fluid types, containers with their starting
// contents, and the pipes between them. Entities are referenced by name.
type Scenario struct {
	Name       string      `json:"name"`
	Types      []Type      `json:"types"`
	Containers []Container `json:"containers"`
	Pipes      []Pipe      `json:"pipes"`
}

// Type declares a fluid type.
type Type struct {
	Name                 string  `json:"name"`
	Viscosity            float64 `json:"viscosity"`
	VacuumSpecificVolume float64 `json:"vacuum_specific_volume"`
	CriticalPressure     float64 `json:"critical_pressure"`
	SaturationGamma      float64 `json:"saturation_gamma,omitempty"`
}

// Container declares a container. A null or omitted max_pressure means it never explodes.
type Container struct {
	Name        string             `json:"name"`
	MaxVolume   float64            `json:"max_volume"`
	MaxPressure *float64           `json:"max_pressure,omitempty"`
	Contents    map[string]float64 `json:"contents,omitempty"`
}

// Pipe declares a pipe between two named containers.
type Pipe struct {
	Name   string  `json:"name"`
	From   string  `json:"from"`
	To     string  `json:"to"`
	Radius float64 `json:"radius"`
	Length float64 `json:"length"`
}

// Network maps scenario names onto the IDs the engine assigned.
type Network struct {
	Types      map[string]fluid.TypeID
	Containers map[string]fluid.ContainerID
	Pipes      map[string]fluid.PipeID
}

// Load reads and validates a scenario file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	return Parse(data)
}

// Parse decodes a scenario and checks its references. Numeric limits are left to the engine.
func Parse(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("decode scenario: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Validate reports duplicate or dangling names, accumulating every problem.
func (s *Scenario) Validate() error {
	var problems []string
	types := make(map[string]bool)
	for i, ty := range s.Types {
		name := strings.TrimSpace(ty.Name)
		switch {
		case name == "":
			problems = append(problems, fmt.Sprintf("types[%d] has no name", i))
		case types[name]:
			problems = append(problems, fmt.Sprintf("duplicate type %q", name))
		}
		types[name] = true
	}
	containers := make(map[string]bool)
	for i, c := range s.Containers {
		name := strings.TrimSpace(c.Name)
		switch {
		case name == "":
			problems = append(problems, fmt.Sprintf("containers[%d] has no name", i))
		case containers[name]:
			problems = append(problems, fmt.Sprintf("duplicate container %q", name))
		}
		containers[name] = true
		for ty := range c.Contents {
			if !types[ty] {
				problems = append(problems, fmt.Sprintf("container %q holds unknown type %q", name, ty))
			}
		}
	}
	pipes := make(map[string]bool)
	for i, p := range s.Pipes {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			name = fmt.Sprintf("pipes[%d]", i)
		} else if pipes[name] {
			problems = append(problems, fmt.Sprintf("duplicate pipe %q", name))
		}
		pipes[name] = true
		if !containers[p.From] || !containers[p.To] {
			problems = append(problems, fmt.Sprintf("pipe %s joins unknown containers %q and %q", name, p.From, p.To))
		}
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

// Apply registers every declared entity on the engine and deposits initial contents.
// Entities are created in file order so IDs are reproducible.
func (s *Scenario) Apply(engine *fluid.Engine) (*Network, error) {
	net := &Network{
		Types:      make(map[string]fluid.TypeID, len(s.Types)),
		Containers: make(map[string]fluid.ContainerID, len(s.Containers)),
		Pipes:      make(map[string]fluid.PipeID, len(s.Pipes)),
	}
	for _, ty := range s.Types {
		id, err := engine.RegisterType(fluid.TypeDef{
			Viscosity:            ty.Viscosity,
			VacuumSpecificVolume: ty.VacuumSpecificVolume,
			CriticalPressure:     ty.CriticalPressure,
			SaturationGamma:      ty.SaturationGamma,
		})
		if err != nil {
			return nil, fmt.Errorf("type %q: %w", ty.Name, err)
		}
		net.Types[ty.Name] = id
	}
	for _, c := range s.Containers {
		limit := math.Inf(1)
		if c.MaxPressure != nil {
			limit = *c.MaxPressure
		}
		id, err := engine.AddContainer(c.MaxVolume, limit)
		if err != nil {
			return nil, fmt.Errorf("container %q: %w", c.Name, err)
		}
		net.Containers[c.Name] = id
		for ty, mass := range c.Contents {
			if err := engine.Deposit(id, net.Types[ty], mass); err != nil {
				return nil, fmt.Errorf("container %q type %q: %w", c.Name, ty, err)
			}
		}
	}
	for i, p := range s.Pipes {
		id, err := engine.AddPipe(net.Containers[p.From], net.Containers[p.To], p.Radius, p.Length)
		if err != nil {
			return nil, fmt.Errorf("pipe %d (%s): %w", i, p.Name, err)
		}
		if p.Name != "" {
			net.Pipes[p.Name] = id
		}
	}
	//1.- Readings reflect the initial contents before the first tick.
	engine.Reconcile()
	return net, nil
}
