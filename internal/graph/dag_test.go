package graph

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/hugo-lorenzo-mato/quorum-core/internal/core"
)

func build(t *testing.T, nodes []string, deps map[string][]string) *DAG {
	t.Helper()
	d := New()
	for _, n := range nodes {
		if err := d.AddNode(n); err != nil {
			t.Fatalf("AddNode(%s) error = %v", n, err)
		}
	}
	for _, n := range nodes {
		for _, dep := range deps[n] {
			if err := d.AddDependency(n, dep); err != nil {
				t.Fatalf("AddDependency(%s, %s) error = %v", n, dep, err)
			}
		}
	}
	return d
}

func TestDAG_AddNode(t *testing.T) {
	d := New()

	if err := d.AddNode("a"); err != nil {
		t.Fatalf("AddNode() error = %v", err)
	}
	if d.Len() != 1 {
		t.Errorf("Len() = %d, want 1", d.Len())
	}

	if err := d.AddNode("a"); !errors.Is(err, core.ErrDuplicate) {
		t.Errorf("AddNode(duplicate) error = %v, want duplicate", err)
	}
	if err := d.AddNode(""); err == nil {
		t.Error("AddNode(\"\") should fail")
	}
}

func TestDAG_AddDependency(t *testing.T) {
	d := build(t, []string{"a", "b"}, nil)

	if err := d.AddDependency("b", "a"); err != nil {
		t.Fatalf("AddDependency() error = %v", err)
	}
	// Duplicate edge is a no-op.
	if err := d.AddDependency("b", "a"); err != nil {
		t.Fatalf("AddDependency(duplicate) error = %v", err)
	}

	if deps := d.Dependencies("b"); len(deps) != 1 || deps[0] != "a" {
		t.Errorf("Dependencies(b) = %v, want [a]", deps)
	}
	if dependents := d.Dependents("a"); len(dependents) != 1 || dependents[0] != "b" {
		t.Errorf("Dependents(a) = %v, want [b]", dependents)
	}

	if err := d.AddDependency("c", "a"); !errors.Is(err, core.ErrMissing) {
		t.Errorf("AddDependency(unknown from) error = %v", err)
	}
	if err := d.AddDependency("a", "z"); !errors.Is(err, core.ErrUnmetDependency) {
		t.Errorf("AddDependency(unknown to) error = %v", err)
	}
}

func TestDAG_TopologicalSort(t *testing.T) {
	d := build(t, []string{"d", "c", "b", "a"}, map[string][]string{
		"b": {"a"},
		"c": {"a"},
		"d": {"b", "c"},
	})

	order, err := d.TopologicalSort()
	if err != nil {
		t.Fatalf("TopologicalSort() error = %v", err)
	}
	assertRespectsEdges(t, d, order)

	if order[0] != "a" || order[3] != "d" {
		t.Errorf("order = %v, want a first and d last", order)
	}
}

func TestDAG_TopologicalSort_Deterministic(t *testing.T) {
	nodes := []string{"state", "eventqueue", "contextmgr", "cache", "metrics"}
	deps := map[string][]string{"contextmgr": {"eventqueue"}, "cache": {"state"}}

	first, err := build(t, nodes, deps).TopologicalSort()
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 20; i++ {
		again, err := build(t, nodes, deps).TopologicalSort()
		if err != nil {
			t.Fatal(err)
		}
		if fmt.Sprint(again) != fmt.Sprint(first) {
			t.Fatalf("order changed between runs: %v vs %v", first, again)
		}
	}
	want := "[state eventqueue metrics cache contextmgr]"
	if fmt.Sprint(first) != want {
		t.Errorf("order = %v, want %s", first, want)
	}
}

func TestDAG_RandomAcyclicGraphsRespectEdges(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 50; round++ {
		n := 2 + rng.Intn(12)
		nodes := make([]string, n)
		for i := range nodes {
			nodes[i] = fmt.Sprintf("n%02d", i)
		}
		deps := make(map[string][]string)
		// Edges only point to lower indices, so the graph is acyclic.
		for i := 1; i < n; i++ {
			for j := 0; j < i; j++ {
				if rng.Intn(3) == 0 {
					deps[nodes[i]] = append(deps[nodes[i]], nodes[j])
				}
			}
		}
		// Shuffle insertion order.
		shuffled := append([]string{}, nodes...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		d := build(t, shuffled, deps)
		order, err := d.TopologicalSort()
		if err != nil {
			t.Fatalf("round %d: TopologicalSort() error = %v", round, err)
		}
		assertRespectsEdges(t, d, order)

		reversed := Reverse(order)
		for i := range order {
			if reversed[i] != order[len(order)-1-i] {
				t.Fatalf("Reverse() is not the exact reverse")
			}
		}

		for _, mode := range []LayerMode{LayerModeTopological, LayerModeLevel} {
			layers, err := d.Layers(mode)
			if err != nil {
				t.Fatalf("Layers(%s) error = %v", mode, err)
			}
			assertLayersValid(t, d, layers)
		}
	}
}

func TestDAG_CycleDetection(t *testing.T) {
	tests := []struct {
		name  string
		nodes []string
		deps  map[string][]string
	}{
		{"self loop", []string{"a"}, map[string][]string{"a": {"a"}}},
		{"two nodes", []string{"a", "b"}, map[string][]string{"a": {"b"}, "b": {"a"}}},
		{"three nodes", []string{"a", "b", "c"}, map[string][]string{"a": {"c"}, "b": {"a"}, "c": {"b"}}},
		{"cycle behind acyclic prefix", []string{"root", "x", "y"}, map[string][]string{
			"x": {"root", "y"},
			"y": {"x"},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := build(t, tt.nodes, tt.deps)

			_, err := d.TopologicalSort()
			if !errors.Is(err, core.ErrCycle) {
				t.Fatalf("TopologicalSort() error = %v, want circular dependency", err)
			}

			cycle := core.CycleOf(err)
			if len(cycle) < 2 {
				t.Fatalf("cycle = %v, want at least two entries", cycle)
			}
			if cycle[0] != cycle[len(cycle)-1] {
				t.Errorf("cycle %v must start and end at the same node", cycle)
			}
			for i := 0; i < len(cycle)-1; i++ {
				if !contains(d.Dependencies(cycle[i]), cycle[i+1]) {
					t.Errorf("cycle step %s -> %s is not an edge", cycle[i], cycle[i+1])
				}
			}

			if _, err := d.Layers(LayerModeLevel); !errors.Is(err, core.ErrCycle) {
				t.Errorf("Layers() error = %v, want circular dependency", err)
			}
		})
	}
}

func TestDAG_Layers(t *testing.T) {
	d := build(t, []string{"A", "B", "C", "D"}, map[string][]string{
		"B": {"A"},
		"C": {"A"},
		"D": {"B", "C"},
	})

	for _, mode := range []LayerMode{LayerModeTopological, LayerModeLevel} {
		t.Run(string(mode), func(t *testing.T) {
			layers, err := d.Layers(mode)
			if err != nil {
				t.Fatalf("Layers() error = %v", err)
			}
			if got := fmt.Sprint(layers); got != "[[A] [B C] [D]]" {
				t.Errorf("Layers() = %s, want [[A] [B C] [D]]", got)
			}
		})
	}
}

func TestDAG_LayersEmpty(t *testing.T) {
	layers, err := New().Layers(LayerModeTopological)
	if err != nil {
		t.Fatalf("Layers() error = %v", err)
	}
	if layers != nil {
		t.Errorf("Layers() = %v, want nil", layers)
	}
}

func TestParseLayerMode(t *testing.T) {
	if m, err := ParseLayerMode(""); err != nil || m != LayerModeTopological {
		t.Errorf("ParseLayerMode(\"\") = %v, %v", m, err)
	}
	if m, err := ParseLayerMode("level"); err != nil || m != LayerModeLevel {
		t.Errorf("ParseLayerMode(level) = %v, %v", m, err)
	}
	if _, err := ParseLayerMode("random"); err == nil {
		t.Error("ParseLayerMode(random) should fail")
	}
}

func assertRespectsEdges(t *testing.T, d *DAG, order []string) {
	t.Helper()
	if len(order) != d.Len() {
		t.Fatalf("order has %d nodes, want %d", len(order), d.Len())
	}
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	for node, deps := range d.Edges() {
		for _, dep := range deps {
			if pos[dep] >= pos[node] {
				t.Errorf("dependency %s must come before %s in %v", dep, node, order)
			}
		}
	}
}

func assertLayersValid(t *testing.T, d *DAG, layers [][]string) {
	t.Helper()
	layerOf := make(map[string]int)
	count := 0
	for i, layer := range layers {
		for _, id := range layer {
			layerOf[id] = i
			count++
		}
	}
	if count != d.Len() {
		t.Fatalf("layers hold %d nodes, want %d", count, d.Len())
	}
	for node, deps := range d.Edges() {
		for _, dep := range deps {
			if layerOf[dep] >= layerOf[node] {
				t.Errorf("dependency %s (layer %d) not before %s (layer %d)", dep, layerOf[dep], node, layerOf[node])
			}
		}
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
