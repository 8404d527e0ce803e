package resource

import (
	"github.com/hugo-lorenzo-mato/quorum-core/internal/circuit"
	"github.com/hugo-lorenzo-mato/quorum-core/internal/graph"
)

// ComponentStatus is the state of one component.
type ComponentStatus struct {
	State        InitState    `json:"initialization_state"`
	Critical     bool         `json:"critical"`
	Dependencies Dependencies `json:"dependencies"`
	Metadata     Metadata     `json:"metadata"`
}

// Status is a snapshot of the coordinator.
type Status struct {
	Initialized         bool                       `json:"initialized"`
	ShuttingDown        bool                       `json:"shutting_down"`
	Components          []string                   `json:"components"`
	InitializationOrder []string                   `json:"initialization_order"`
	ShutdownOrder       []string                   `json:"shutdown_order"`
	States              map[string]ComponentStatus `json:"component_states"`
	Circuits            map[string]circuit.Status  `json:"circuit_breakers,omitempty"`
}

// Status returns the registry snapshot, dependency graph, per-component
// state and the state of associated circuits.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	s := Status{
		Initialized:         c.initialized,
		ShuttingDown:        c.shuttingDown,
		Components:          append([]string{}, c.registration...),
		InitializationOrder: append([]string{}, c.initOrder...),
		States:              make(map[string]ComponentStatus, len(c.entries)),
	}
	if len(c.initOrder) > 0 {
		s.ShutdownOrder = graph.Reverse(c.initOrder)
	}
	for id, e := range c.entries {
		s.States[id] = ComponentStatus{
			State:    e.state,
			Critical: c.critical[id],
			Dependencies: Dependencies{
				Required: append([]string{}, e.deps.Required...),
				Optional: append([]string{}, e.deps.Optional...),
			},
			Metadata: e.meta,
		}
	}
	c.mu.Unlock()

	// Circuit reads happen outside the coordinator lock.
	if c.circuits != nil {
		all := c.circuits.Statuses()
		s.Circuits = make(map[string]circuit.Status)
		for _, id := range s.Components {
			if cs, ok := all[id]; ok {
				s.Circuits[id] = cs
			}
		}
	}
	return s
}
