package plugin

import (
	"errors"
	"fmt"
	"sort"

	"ocm.software/open-component-model/bindings/go/dag"
)

// attributeDescriptor is the vertex attribute holding a *Descriptor.
const attributeDescriptor = "plughost.descriptor"

// Lookup returns the descriptor for a plugin ID.
type Lookup func(id string) (*Descriptor, error)

// DependencyGraph is the dependency closure of one plugin. Edges point
// from a plugin to the plugins it depends on.
type DependencyGraph struct {
	root  string
	nodes map[string]*Descriptor
	graph *dag.DirectedAcyclicGraph[string]
}

// BuildDependencyGraph walks root's dependencies breadth first. It fails
// with ErrDependencyNotFound when a dependency cannot be looked up and
// with a *CycleError when the closure is cyclic, before anything is
// loaded.
func BuildDependencyGraph(root *Descriptor, lookup Lookup) (*DependencyGraph, error) {
	nodes := map[string]*Descriptor{root.ID: root}
	queue := []*Descriptor{root}

	for len(queue) > 0 {
		d := queue[0]
		queue = queue[1:]

		for _, dep := range d.Dependencies {
			if _, seen := nodes[dep]; seen {
				continue
			}
			found, err := lookup(dep)
			if err != nil {
				if errors.Is(err, ErrPluginNotFound) {
					return nil, fmt.Errorf("%w: %s requires %s", ErrDependencyNotFound, d.ID, dep)
				}
				return nil, fmt.Errorf("resolve %s for %s: %w", dep, d.ID, err)
			}
			nodes[dep] = found
			queue = append(queue, found)
		}
	}

	if path := findCycle(nodes); path != nil {
		return nil, &CycleError{Path: path}
	}

	g := dag.NewDirectedAcyclicGraph[string]()
	for id, d := range nodes {
		if err := g.AddVertex(id, map[string]any{attributeDescriptor: d}); err != nil {
			return nil, err
		}
	}
	for id, d := range nodes {
		for _, dep := range d.Dependencies {
			if err := g.AddEdge(id, dep); err != nil {
				return nil, fmt.Errorf("dependency %s -> %s: %w", id, dep, err)
			}
		}
	}

	return &DependencyGraph{root: root.ID, nodes: nodes, graph: g}, nil
}

// findCycle returns the first cycle found by a depth-first walk in ID
// order, or nil. The returned path repeats its first element at the end.
func findCycle(nodes map[string]*Descriptor) []string {
	const (
		white = iota
		grey
		black
	)

	color := make(map[string]int, len(nodes))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = grey
		stack = append(stack, id)

		d, ok := nodes[id]
		if ok {
			for _, dep := range d.Dependencies {
				switch color[dep] {
				case grey:
					for i, s := range stack {
						if s == dep {
							cycle = append(append([]string{}, stack[i:]...), dep)
							return true
						}
					}
				case white:
					if visit(dep) {
						return true
					}
				}
			}
		}

		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}

// Root returns the plugin the graph was built for.
func (g *DependencyGraph) Root() string {
	return g.root
}

// Len returns the number of plugins in the closure.
func (g *DependencyGraph) Len() int {
	return len(g.nodes)
}

// Descriptor returns the descriptor of a plugin in the closure.
func (g *DependencyGraph) Descriptor(id string) (*Descriptor, bool) {
	v, ok := g.graph.GetVertex(id)
	if !ok {
		return nil, false
	}
	attr, ok := v.Attributes.Load(attributeDescriptor)
	if !ok {
		return nil, false
	}
	d, ok := attr.(*Descriptor)
	return d, ok
}

// LoadOrder returns the closure with every plugin after its dependencies.
// The root is always last.
func (g *DependencyGraph) LoadOrder() ([]string, error) {
	order, err := g.graph.TopologicalSort()
	if err != nil {
		var ce *dag.CycleError
		if errors.As(err, &ce) {
			return nil, &CycleError{Path: ce.Cycle}
		}
		return nil, err
	}
	return order, nil
}

// Dependents returns the plugins in the closure that depend on id
// directly.
func (g *DependencyGraph) Dependents(id string) []string {
	reverse, err := g.graph.Reverse()
	if err != nil {
		return nil
	}
	v, ok := reverse.GetVertex(id)
	if !ok {
		return nil
	}
	var out []string
	v.Edges.Range(func(key, _ any) bool {
		out = append(out, key.(string))
		return true
	})
	sort.Strings(out)
	return out
}
