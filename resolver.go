package modcore

import (
	"errors"
	"fmt"
	"slices"
)

// ResolveOrder returns a load order in which every module follows all of
// its dependencies. Modules with no ordering constraint between them keep
// their registration order, so the result is deterministic.
//
// Unknown dependencies fail with *UnknownDependencyError (all of them,
// joined), a cycle fails with *CycleError naming its members. Resolution
// is all or nothing: on error no order is returned.
func ResolveOrder(descriptors []Descriptor) ([]string, error) {
	g, err := newGraph(descriptors)
	if err != nil {
		return nil, err
	}

	// Kahn's algorithm; the ready set is kept sorted by registration index.
	indegree := make([]int, len(g.names))
	for i := range g.names {
		indegree[i] = len(g.deps[i])
	}
	var ready []int
	for i, d := range indegree {
		if d == 0 {
			ready = append(ready, i)
		}
	}

	order := make([]string, 0, len(g.names))
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		order = append(order, g.names[n])
		for _, dependent := range g.dependents[n] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				pos, _ := slices.BinarySearch(ready, dependent)
				ready = slices.Insert(ready, pos, dependent)
			}
		}
	}

	if len(order) < len(g.names) {
		return nil, &CycleError{Cycle: g.findCycle(indegree)}
	}
	return order, nil
}

// ShutdownOrder returns the teardown order. Without an override it is the
// exact reverse of loadOrder. An override must name every module exactly
// once and place every module before all of its dependencies.
func ShutdownOrder(descriptors []Descriptor, loadOrder, override []string) ([]string, error) {
	if len(override) == 0 {
		out := slices.Clone(loadOrder)
		slices.Reverse(out)
		return out, nil
	}

	position := make(map[string]int, len(override))
	for i, name := range override {
		if _, dup := position[name]; dup {
			return nil, fmt.Errorf("%w: %q listed twice", ErrShutdownOrderInvalid, name)
		}
		position[name] = i
	}

	known := make(map[string]bool, len(descriptors))
	for _, d := range descriptors {
		known[d.Name] = true
		if _, ok := position[d.Name]; !ok {
			return nil, fmt.Errorf("%w: %q missing", ErrShutdownOrderInvalid, d.Name)
		}
	}
	for _, name := range override {
		if !known[name] {
			return nil, fmt.Errorf("%w: unknown module %q", ErrShutdownOrderInvalid, name)
		}
	}

	for _, d := range descriptors {
		for _, dep := range d.Dependencies {
			if position[dep] < position[d.Name] {
				return nil, fmt.Errorf("%w: %q must shut down before its dependency %q",
					ErrShutdownOrderInvalid, d.Name, dep)
			}
		}
	}
	return slices.Clone(override), nil
}

// graph indexes modules by registration position.
type graph struct {
	names      []string
	deps       [][]int // deps[i]: modules i depends on
	dependents [][]int // dependents[i]: modules depending on i, ascending
}

func newGraph(descriptors []Descriptor) (*graph, error) {
	index := make(map[string]int, len(descriptors))
	g := &graph{
		names:      make([]string, len(descriptors)),
		deps:       make([][]int, len(descriptors)),
		dependents: make([][]int, len(descriptors)),
	}
	for i, d := range descriptors {
		if d.Name == "" {
			return nil, ErrModuleNameEmpty
		}
		if _, dup := index[d.Name]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateModule, d.Name)
		}
		index[d.Name] = i
		g.names[i] = d.Name
	}

	var unknown []error
	for i, d := range descriptors {
		for _, dep := range d.Dependencies {
			j, ok := index[dep]
			if !ok {
				unknown = append(unknown, &UnknownDependencyError{Module: d.Name, Dependency: dep})
				continue
			}
			if slices.Contains(g.deps[i], j) {
				continue
			}
			g.deps[i] = append(g.deps[i], j)
			g.dependents[j] = append(g.dependents[j], i)
		}
	}
	if len(unknown) > 0 {
		return nil, errors.Join(unknown...)
	}
	return g, nil
}

// findCycle walks dependency edges among the nodes Kahn's algorithm could
// not place. Each of them still has an unplaced dependency, so the walk
// always closes a cycle.
func (g *graph) findCycle(indegree []int) []string {
	const (
		white = iota
		gray
		black
	)
	color := make([]int, len(g.names))
	var stack []int
	var cycle []string

	var visit func(n int) bool
	visit = func(n int) bool {
		color[n] = gray
		stack = append(stack, n)
		for _, dep := range g.deps[n] {
			if indegree[dep] == 0 {
				continue
			}
			switch color[dep] {
			case gray:
				start := slices.Index(stack, dep)
				for _, m := range stack[start:] {
					cycle = append(cycle, g.names[m])
				}
				cycle = append(cycle, g.names[dep])
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
		return false
	}

	for n := range g.names {
		if indegree[n] > 0 && color[n] == white && visit(n) {
			break
		}
	}
	return cycle
}
