// Package graph derives a deterministic start order from service
// dependency edges. This is part of the Functional Core - all functions
// are pure with no I/O.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/converge-sh/converge/internal/core/topology"
)

// =============================================================================
// Error Types
// =============================================================================

// ErrUnknownDependency is returned when a service depends on a name that
// is not declared in the topology.
var ErrUnknownDependency = errors.New("dependency target does not exist")

// CycleError reports a dependency cycle. Path holds the minimal cycle as a
// sequence of service names, starting and ending with the same name.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Path, " -> "))
}

// =============================================================================
// Service Ordering
// =============================================================================

// Order produces a topological start order for the topology's services
// using Kahn's algorithm. Services with no dependencies sort first, and
// ready services are taken in lexicographic order so the result is
// deterministic and reproducible. The reverse of the result is the stop
// order.
//
// Every dependency edge must point at a declared service, otherwise
// ErrUnknownDependency. A cycle yields a *CycleError naming the minimal
// cycle.
//
// Example:
//
//	// a depends on b, b depends on c
//	order, _ := Order(topo)
//	// order == []string{"c", "b", "a"}
func Order(topo *topology.Topology) ([]string, error) {
	names := topo.ServiceNames()

	inDegree := make(map[string]int, len(names))
	dependents := make(map[string][]string, len(names))

	for _, name := range names {
		svc := topo.Services[name]
		inDegree[name] = len(svc.DependsOn)
		for _, dep := range svc.DependsOn {
			if _, ok := topo.Services[dep]; !ok {
				return nil, fmt.Errorf("service %s depends on %s: %w",
					strconv.Quote(name), strconv.Quote(dep), ErrUnknownDependency)
			}
			dependents[dep] = append(dependents[dep], name)
		}
	}

	// Ready set kept sorted for the lexicographic tie-break.
	var ready []string
	for _, name := range names {
		if inDegree[name] == 0 {
			ready = append(ready, name)
		}
	}

	result := make([]string, 0, len(names))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		result = append(result, name)

		released := false
		for _, dep := range dependents[name] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				ready = append(ready, dep)
				released = true
			}
		}
		if released {
			sort.Strings(ready)
		}
	}

	if len(result) < len(names) {
		return nil, &CycleError{Path: findCycle(topo, names)}
	}

	return result, nil
}

// findCycle locates a minimal cycle via DFS with an in-progress stack.
// Only called after Kahn's algorithm has proven a cycle exists.
func findCycle(topo *topology.Topology, names []string) []string {
	const (
		unvisited = iota
		inProgress
		done
	)

	state := make(map[string]int, len(names))
	var stack []string
	var cycle []string

	var visit func(name string) bool
	visit = func(name string) bool {
		state[name] = inProgress
		stack = append(stack, name)

		for _, dep := range topo.Services[name].DependsOn {
			switch state[dep] {
			case inProgress:
				// Slice the stack back to the first occurrence of dep.
				for i, n := range stack {
					if n == dep {
						cycle = append(append(cycle, stack[i:]...), dep)
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
		state[name] = done
		return false
	}

	for _, name := range names {
		if state[name] == unvisited && visit(name) {
			break
		}
	}

	return cycle
}

// Reverse returns a copy of the order reversed; the required stop order.
func Reverse(order []string) []string {
	reversed := make([]string, len(order))
	for i, name := range order {
		reversed[len(order)-1-i] = name
	}
	return reversed
}
