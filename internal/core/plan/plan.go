// Package plan computes the minimal ordered set of actions that converges
// observed backend state to a desired topology. This is part of the
// Functional Core - all functions are pure with no I/O.
package plan

import (
	"sort"

	"github.com/converge-sh/converge/internal/core/topology"
)

// =============================================================================
// Observed State
// =============================================================================

// ObservedService is a live snapshot of one service as the backend runs it.
type ObservedService struct {
	Name     string
	Image    string
	Replicas int
	Healthy  bool
	// DependsOn is recovered from backend labels so services absent from
	// the desired topology can still be removed in a safe order.
	DependsOn []string
}

// ObservedState is a read-only snapshot of the backend, keyed by service
// name. It is refreshed per reconciliation cycle and describes current
// fact, never intent.
type ObservedState map[string]ObservedService

// Names returns the observed service names in sorted order.
func (s ObservedState) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// =============================================================================
// Actions
// =============================================================================

// Op identifies the kind of convergence action.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpScale  Op = "scale"
	OpRemove Op = "remove"
)

// Action is one step of a convergence plan. Before describes the observed
// state the action replaces (nil for Create); After the desired spec the
// action establishes (nil for Remove).
type Action struct {
	Op      Op
	Service string
	Before  *ObservedService
	After   *topology.ServiceSpec

	// DependsOn holds indices of actions in the same plan that must have
	// applied successfully before this one may be issued.
	DependsOn []int
}

// Plan is an ordered sequence of actions. It is generated fresh each
// reconciliation cycle and discarded after execution.
type Plan struct {
	Actions []Action
}

// Empty reports whether the plan has no actions (already converged).
func (p *Plan) Empty() bool {
	return len(p.Actions) == 0
}

// =============================================================================
// Reconciliation
// =============================================================================

// Compute diffs the desired topology against observed state and returns
// the minimal plan that converges the backend.
//
// Per service, in dependency order:
//   - not observed            → Create
//   - image differs           → Update (recreate with zero-downtime intent)
//   - replica count differs   → Scale
//   - converged               → no action
//
// Services observed but absent from the desired topology become Remove
// actions, appended after all other actions in reverse dependency order:
// dependents are removed before the services they depend on.
//
// Dependency order is a total ordering constraint on the plan: a service's
// action depends on its declared dependencies' actions in the same plan,
// whatever their kind.
//
// Compute is idempotent: planning against the state a successful plan
// produces yields an empty plan.
func Compute(topo *topology.Topology, order []string, observed ObservedState) *Plan {
	p := &Plan{}
	actionIndex := make(map[string]int)

	for _, name := range order {
		svc := topo.Services[name]
		current, exists := observed[name]

		var action Action
		switch {
		case !exists:
			action = Action{Op: OpCreate, Service: name, After: specRef(svc)}
		case current.Image != svc.Image:
			before := current
			action = Action{Op: OpUpdate, Service: name, Before: &before, After: specRef(svc)}
		case current.Replicas != svc.Replicas:
			before := current
			action = Action{Op: OpScale, Service: name, Before: &before, After: specRef(svc)}
		default:
			continue
		}

		for _, dep := range svc.DependsOn {
			if idx, ok := actionIndex[dep]; ok {
				action.DependsOn = append(action.DependsOn, idx)
			}
		}

		actionIndex[name] = len(p.Actions)
		p.Actions = append(p.Actions, action)
	}

	appendRemovals(p, topo, observed)

	return p
}

// appendRemovals plans Remove actions for observed services missing from
// the desired topology, ordered so dependents go before dependencies.
func appendRemovals(p *Plan, topo *topology.Topology, observed ObservedState) {
	var removed []string
	for _, name := range observed.Names() {
		if _, desired := topo.Services[name]; !desired {
			removed = append(removed, name)
		}
	}
	if len(removed) == 0 {
		return
	}

	removedSet := make(map[string]bool, len(removed))
	for _, name := range removed {
		removedSet[name] = true
	}

	// Kahn's algorithm over reversed edges: a service is ready for removal
	// once every removed dependent is gone. Lexicographic tie-break.
	pending := make(map[string]int, len(removed))
	dependsOn := make(map[string][]string, len(removed))
	for _, name := range removed {
		for _, dep := range observed[name].DependsOn {
			if removedSet[dep] {
				pending[dep]++
				dependsOn[name] = append(dependsOn[name], dep)
			}
		}
	}

	var ready []string
	for _, name := range removed {
		if pending[name] == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	removeIndex := make(map[string]int, len(removed))
	ordered := 0
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		ordered++

		before := observed[name]
		action := Action{Op: OpRemove, Service: name, Before: &before}
		// A dependency's removal waits for its dependents' removals.
		for _, dependent := range removed {
			if dependent == name {
				continue
			}
			if idx, ok := removeIndex[dependent]; ok && dependsOnService(observed[dependent], name) {
				action.DependsOn = append(action.DependsOn, idx)
			}
		}
		removeIndex[name] = len(p.Actions)
		p.Actions = append(p.Actions, action)

		released := false
		for _, dep := range dependsOn[name] {
			pending[dep]--
			if pending[dep] == 0 {
				ready = append(ready, dep)
				released = true
			}
		}
		if released {
			sort.Strings(ready)
		}
	}

	// A cycle among removed services cannot be ordered safely; append the
	// rest in name order and let the backend arbitrate.
	if ordered < len(removed) {
		for _, name := range removed {
			if _, done := removeIndex[name]; !done {
				before := observed[name]
				p.Actions = append(p.Actions, Action{Op: OpRemove, Service: name, Before: &before})
			}
		}
	}
}

// dependsOnService reports whether the observed service lists name as a
// dependency.
func dependsOnService(svc ObservedService, name string) bool {
	for _, dep := range svc.DependsOn {
		if dep == name {
			return true
		}
	}
	return false
}

// specRef copies a ServiceSpec so plan actions do not alias the topology.
func specRef(svc topology.ServiceSpec) *topology.ServiceSpec {
	copied := svc
	return &copied
}
