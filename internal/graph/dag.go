// Package graph provides dependency ordering for components and tasks.
//
// Nodes keep their insertion order so that every derived order (topological
// order, layers, cycles) is deterministic for a given sequence of calls.
package graph

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hugo-lorenzo-mato/quorum-core/internal/core"
)

// LayerMode selects how parallel layers are derived from the graph.
type LayerMode string

const (
	// LayerModeTopological walks the topological order and places each node
	// one layer after its deepest dependency. Layer members keep sort order.
	LayerModeTopological LayerMode = "topological"
	// LayerModeLevel peels nodes whose dependencies are all assigned, one
	// level at a time. Layer members are sorted by id.
	LayerModeLevel LayerMode = "level"
)

// ParseLayerMode validates a resolution mode name. Empty means topological.
func ParseLayerMode(s string) (LayerMode, error) {
	switch LayerMode(s) {
	case "", LayerModeTopological:
		return LayerModeTopological, nil
	case LayerModeLevel:
		return LayerModeLevel, nil
	default:
		return "", core.ErrValidation(core.CodeInvalidConfig,
			fmt.Sprintf("unknown dependency resolution mode %q", s))
	}
}

// DAG is a dependency graph keyed by string ids.
type DAG struct {
	nodes   []string
	index   map[string]int
	edges   map[string][]string // node -> dependencies
	reverse map[string][]string // node -> dependents
	mu      sync.RWMutex
}

// New creates an empty graph.
func New() *DAG {
	return &DAG{
		index:   make(map[string]int),
		edges:   make(map[string][]string),
		reverse: make(map[string][]string),
	}
}

// AddNode adds a node to the graph.
func (d *DAG) AddNode(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if id == "" {
		return core.ErrValidation(core.CodeEmptyID, "node id must not be empty")
	}
	if _, exists := d.index[id]; exists {
		return core.ErrValidation(core.CodeDuplicateID, fmt.Sprintf("node %s already exists", id))
	}

	d.index[id] = len(d.nodes)
	d.nodes = append(d.nodes, id)
	d.edges[id] = make([]string, 0)
	d.reverse[id] = make([]string, 0)
	return nil
}

// AddDependency adds an edge: from depends on to.
func (d *DAG) AddDependency(from, to string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.index[from]; !exists {
		return core.ErrNotFound("node", from)
	}
	if _, exists := d.index[to]; !exists {
		return core.ErrDependencyUnmet(from, to)
	}

	for _, dep := range d.edges[from] {
		if dep == to {
			return nil
		}
	}

	d.edges[from] = append(d.edges[from], to)
	d.reverse[to] = append(d.reverse[to], from)
	return nil
}

// Has reports whether id is a node.
func (d *DAG) Has(id string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.index[id]
	return ok
}

// Nodes returns all node ids in insertion order.
func (d *DAG) Nodes() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.nodes...)
}

// Len returns the number of nodes.
func (d *DAG) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.nodes)
}

// Dependencies returns the direct dependencies of id.
func (d *DAG) Dependencies(id string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.edges[id]...)
}

// Dependents returns the nodes that directly depend on id.
func (d *DAG) Dependents(id string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.reverse[id]...)
}

// Edges returns a copy of the node -> dependencies map.
func (d *DAG) Edges() map[string][]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	result := make(map[string][]string, len(d.edges))
	for k, v := range d.edges {
		result[k] = append([]string{}, v...)
	}
	return result
}

// TopologicalSort returns nodes in dependency order using Kahn's algorithm.
// If the graph contains a cycle the returned error is a CircularDependency
// error naming the cycle.
func (d *DAG) TopologicalSort() ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.topologicalSortLocked()
}

func (d *DAG) topologicalSortLocked() ([]string, error) {
	inDegree := make(map[string]int, len(d.nodes))
	for _, id := range d.nodes {
		inDegree[id] = len(d.edges[id])
	}

	queue := make([]string, 0)
	for _, id := range d.nodes {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	result := make([]string, 0, len(d.nodes))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		result = append(result, current)

		for _, dependent := range d.reverse[current] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(result) != len(d.nodes) {
		return nil, core.ErrCircularDependency(d.findCycleLocked())
	}
	return result, nil
}

// FindCycle returns one dependency cycle, starting and ending at the same
// node, or nil when the graph is acyclic.
func (d *DAG) FindCycle() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.findCycleLocked()
}

// findCycleLocked runs a DFS that keeps the active recursion path. Revisiting a
// node on that path reconstructs the cycle from its first occurrence.
func (d *DAG) findCycleLocked() []string {
	visited := make(map[string]bool, len(d.nodes))
	onPath := make(map[string]bool)
	path := make([]string, 0)

	var dfs func(id string) []string
	dfs = func(id string) []string {
		if visited[id] {
			return nil
		}
		if onPath[id] {
			start := 0
			for i, n := range path {
				if n == id {
					start = i
					break
				}
			}
			cycle := append([]string{}, path[start:]...)
			return append(cycle, id)
		}

		path = append(path, id)
		onPath[id] = true

		for _, dep := range d.edges[id] {
			if cycle := dfs(dep); cycle != nil {
				return cycle
			}
		}

		path = path[:len(path)-1]
		onPath[id] = false
		visited[id] = true
		return nil
	}

	for _, id := range d.nodes {
		if !visited[id] {
			if cycle := dfs(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// Layers partitions the graph into parallel layers. Every node's
// dependencies lie in strictly earlier layers.
func (d *DAG) Layers(mode LayerMode) ([][]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	order, err := d.topologicalSortLocked()
	if err != nil {
		return nil, err
	}
	if len(order) == 0 {
		return nil, nil
	}

	if mode == LayerModeLevel {
		return d.calculateLevelsLocked(), nil
	}
	return d.depthLayersLocked(order), nil
}

func (d *DAG) depthLayersLocked(order []string) [][]string {
	depth := make(map[string]int, len(order))
	layers := make([][]string, 0)

	for _, id := range order {
		level := 0
		for _, dep := range d.edges[id] {
			if depth[dep]+1 > level {
				level = depth[dep] + 1
			}
		}
		depth[id] = level
		for len(layers) <= level {
			layers = append(layers, make([]string, 0))
		}
		layers[level] = append(layers[level], id)
	}
	return layers
}

// calculateLevelsLocked groups nodes into parallel execution levels.
// Caller must ensure the graph is acyclic.
func (d *DAG) calculateLevelsLocked() [][]string {
	levels := make([][]string, 0)
	assigned := make(map[string]bool, len(d.nodes))

	for len(assigned) < len(d.nodes) {
		level := make([]string, 0)

		for _, id := range d.nodes {
			if assigned[id] {
				continue
			}

			allDepsAssigned := true
			for _, dep := range d.edges[id] {
				if !assigned[dep] {
					allDepsAssigned = false
					break
				}
			}

			if allDepsAssigned {
				level = append(level, id)
			}
		}

		for _, id := range level {
			assigned[id] = true
		}

		sort.Strings(level)
		levels = append(levels, level)
	}

	return levels
}

// Reverse returns a reversed copy of order.
func Reverse(order []string) []string {
	out := make([]string, len(order))
	for i, id := range order {
		out[len(order)-1-i] = id
	}
	return out
}
