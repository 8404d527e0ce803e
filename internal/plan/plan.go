// Package plan reads YAML files describing a set of managed components and
// a batch of dependent tasks.
//
//	components:
//	  - id: cache
//	    requires: [state]
//	    critical: true
//	tasks:
//	  - id: build
//	  - id: test
//	    depends_on: [build]
//	    command: go test ./...
package plan

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/hugo-lorenzo-mato/quorum-core/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-core/internal/fsutil"
	"github.com/hugo-lorenzo-mato/quorum-core/internal/graph"
	"github.com/hugo-lorenzo-mato/quorum-core/internal/parallel"
)

// Component declares one managed component.
type Component struct {
	ID       string   `yaml:"id"`
	Requires []string `yaml:"requires,omitempty"`
	Optional []string `yaml:"optional,omitempty"`
	Critical bool     `yaml:"critical,omitempty"`
	Home     string   `yaml:"home,omitempty"`
}

// Plan is the parsed file.
type Plan struct {
	Name       string          `yaml:"name,omitempty"`
	Components []Component     `yaml:"components,omitempty"`
	Tasks      []parallel.Task `yaml:"tasks,omitempty"`
}

// Load reads and validates the plan at path.
func Load(path string) (*Plan, error) {
	data, err := fsutil.ReadFileScoped(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Parse decodes and validates plan YAML. Unknown fields are rejected.
func Parse(data []byte) (*Plan, error) {
	var p Plan
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		if errors.Is(err, io.EOF) {
			return &p, nil
		}
		return nil, fmt.Errorf("parsing plan: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Marshal encodes the plan as YAML.
func (p *Plan) Marshal() ([]byte, error) {
	return yaml.Marshal(p)
}

// Validate checks ids. Dependency cycles are reported by the order
// functions, not here.
func (p *Plan) Validate() error {
	seen := make(map[string]bool, len(p.Components))
	for i, c := range p.Components {
		if c.ID == "" {
			return core.ErrValidation(core.CodeEmptyID, fmt.Sprintf("components[%d]: id is required", i))
		}
		if seen[c.ID] {
			return core.ErrValidation(core.CodeDuplicateID, fmt.Sprintf("duplicate component %s", c.ID))
		}
		seen[c.ID] = true
	}

	seen = make(map[string]bool, len(p.Tasks))
	for i, t := range p.Tasks {
		if t.ID == "" {
			return core.ErrValidation(core.CodeEmptyID, fmt.Sprintf("tasks[%d]: id is required", i))
		}
		if seen[t.ID] {
			return core.ErrValidation(core.CodeDuplicateID, fmt.Sprintf("duplicate task %s", t.ID))
		}
		seen[t.ID] = true
	}
	return nil
}

// Critical returns the ids of critical components.
func (p *Plan) Critical() []string {
	var ids []string
	for _, c := range p.Components {
		if c.Critical {
			ids = append(ids, c.ID)
		}
	}
	return ids
}

// ComponentGraph builds the graph of required component dependencies.
func (p *Plan) ComponentGraph() (*graph.DAG, error) {
	dag := graph.New()
	for _, c := range p.Components {
		if err := dag.AddNode(c.ID); err != nil {
			return nil, err
		}
	}
	for _, c := range p.Components {
		for _, dep := range c.Requires {
			if err := dag.AddDependency(c.ID, dep); err != nil {
				return nil, err
			}
		}
	}
	return dag, nil
}

// ComponentOrder returns the start order and its exact reverse, the stop order.
func (p *Plan) ComponentOrder() (start, stop []string, err error) {
	dag, err := p.ComponentGraph()
	if err != nil {
		return nil, nil, err
	}
	start, err = dag.TopologicalSort()
	if err != nil {
		return nil, nil, err
	}
	return start, graph.Reverse(start), nil
}

// TaskLayers returns the parallel layers of the task batch. Dependencies
// on unknown tasks are ignored, as the task coordinator does.
func (p *Plan) TaskLayers(mode graph.LayerMode) ([][]string, error) {
	dag := graph.New()
	for _, t := range p.Tasks {
		if err := dag.AddNode(t.ID); err != nil {
			return nil, err
		}
	}
	for _, t := range p.Tasks {
		for _, dep := range t.DependsOn {
			if dag.Has(dep) {
				if err := dag.AddDependency(t.ID, dep); err != nil {
					return nil, err
				}
			}
		}
	}
	return dag.Layers(mode)
}
