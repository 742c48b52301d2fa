// Package iac provides the desired-state resource graph: typed resource nodes,
// their dependency edges and a deterministic topological order.
package iac

import (
	"fmt"
	"iter"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"

	rerrors "slugger-infra/pkg/errors"
)

// ResourceNode is a single desired resource.
type ResourceNode struct {
	// ID is the stable address, e.g. aws_lambda_function.clubhouse. It does not
	// change when the physical name does.
	ID         string
	Kind       ResourceKind
	Name       string
	Widget     string
	Attributes map[string]any
	DependsOn  mapset.Set[string]
	// SharedKeys name external resources this node shares with nodes of other
	// widgets, e.g. a listener priority slot.
	SharedKeys []string
}

// NewNode creates a node with an empty dependency set.
func NewNode(kind ResourceKind, widgetName, name string, attrs map[string]any) *ResourceNode {
	if attrs == nil {
		attrs = make(map[string]any)
	}
	return &ResourceNode{
		ID:         Address(kind, widgetName),
		Kind:       kind,
		Name:       name,
		Widget:     widgetName,
		Attributes: attrs,
		DependsOn:  mapset.NewThreadUnsafeSet[string](),
	}
}

// Address returns the resource ID of a widget's node of the given kind.
func Address(kind ResourceKind, widgetName string) string {
	return SchemaFor(kind).TerraformType + "." + widgetName
}

// Dependencies returns the node's dependencies sorted.
func (n *ResourceNode) Dependencies() []string {
	deps := n.DependsOn.ToSlice()
	sort.Strings(deps)
	return deps
}

// Graph is the desired resource graph.
type Graph struct {
	nodes map[string]*ResourceNode
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{nodes: make(map[string]*ResourceNode)}
}

// Add inserts a node. IDs must be unique.
func (g *Graph) Add(n *ResourceNode) error {
	if _, exists := g.nodes[n.ID]; exists {
		return fmt.Errorf("duplicate resource %s", n.ID)
	}
	if n.DependsOn == nil {
		n.DependsOn = mapset.NewThreadUnsafeSet[string]()
	}
	g.nodes[n.ID] = n
	return nil
}

// Node returns the node with the given ID.
func (g *Graph) Node(id string) (*ResourceNode, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// IDs returns every node ID sorted.
func (g *Graph) IDs() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Dependents returns the IDs of nodes that depend directly on id, sorted.
func (g *Graph) Dependents(id string) []string {
	out := make([]string, 0)
	for _, nid := range g.IDs() {
		if g.nodes[nid].DependsOn.Contains(id) {
			out = append(out, nid)
		}
	}
	return out
}

// Validate checks that every dependency exists and that the graph is acyclic.
func (g *Graph) Validate() error {
	for _, id := range g.IDs() {
		for _, dep := range g.nodes[id].Dependencies() {
			if _, ok := g.nodes[dep]; !ok {
				return &rerrors.DanglingDependencyError{ResourceID: id, Missing: dep}
			}
		}
	}
	if complete := g.kahn(func(*ResourceNode) bool { return true }); !complete {
		cycle := g.findCycle()
		return &rerrors.CyclicDependencyError{ResourceID: cycle[0], Cycle: cycle}
	}
	return nil
}

// Topological validates the graph and returns a lazy sequence of its nodes in
// dependency order. Ties are broken by ID, so the order is stable. The
// sequence can be ranged over any number of times.
func (g *Graph) Topological() (iter.Seq[*ResourceNode], error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return func(yield func(*ResourceNode) bool) {
		g.kahn(yield)
	}, nil
}

// TopologicalSort returns nodes in dependency order
func (g *Graph) TopologicalSort() ([]*ResourceNode, error) {
	seq, err := g.Topological()
	if err != nil {
		return nil, err
	}
	result := make([]*ResourceNode, 0, len(g.nodes))
	for n := range seq {
		result = append(result, n)
	}
	return result, nil
}

// kahn emits nodes whose dependencies have all been emitted, smallest ID
// first. It reports whether every node was reached; it stops early, reporting
// true, when yield returns false.
func (g *Graph) kahn(yield func(*ResourceNode) bool) bool {
	indegree := make(map[string]int, len(g.nodes))
	dependents := make(map[string][]string, len(g.nodes))
	ready := make([]string, 0)
	for _, id := range g.IDs() {
		n := g.nodes[id]
		for _, dep := range n.Dependencies() {
			if _, ok := g.nodes[dep]; !ok {
				continue
			}
			indegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	emitted := 0
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		emitted++
		if !yield(g.nodes[id]) {
			return true
		}
		for _, d := range dependents[id] {
			indegree[d]--
			if indegree[d] == 0 {
				ready = insertSorted(ready, d)
			}
		}
	}
	return emitted == len(g.nodes)
}

// findCycle returns one dependency cycle, first node repeated at the end.
func (g *Graph) findCycle() []string {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(g.nodes))
	stack := make([]string, 0)
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		state[id] = visiting
		stack = append(stack, id)
		for _, dep := range g.nodes[id].Dependencies() {
			if _, ok := g.nodes[dep]; !ok {
				continue
			}
			switch state[dep] {
			case visiting:
				for i, s := range stack {
					if s == dep {
						cycle = append(append([]string{}, stack[i:]...), dep)
						return true
					}
				}
			case unvisited:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return false
	}

	for _, id := range g.IDs() {
		if state[id] == unvisited && visit(id) {
			return cycle
		}
	}
	return []string{"unknown"}
}

// String returns a summary of the graph
func (g *Graph) String() string {
	widgets := make(map[string]bool)
	for _, n := range g.nodes {
		widgets[n.Widget] = true
	}
	return fmt.Sprintf("ResourceGraph: %d resources across %d widgets", len(g.nodes), len(widgets))
}

func insertSorted(ids []string, id string) []string {
	i := sort.SearchStrings(ids, id)
	ids = append(ids, "")
	copy(ids[i+1:], ids[i:])
	ids[i] = id
	return ids
}
