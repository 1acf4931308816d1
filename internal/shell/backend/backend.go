// Package backend defines the orchestration capability interface the
// engine drives, and its Docker implementation.
package backend

import (
	"context"
	"time"

	"github.com/converge-sh/converge/internal/core/plan"
	"github.com/converge-sh/converge/internal/core/topology"
)

// =============================================================================
// Backend Interface
// =============================================================================

// Backend is the narrow capability interface between the engine and a live
// orchestration system. All writes to the backend go through the Executor;
// reads produce a fresh ObservedState snapshot per cycle.
type Backend interface {
	// ListServices returns a snapshot of every managed service.
	ListServices(ctx context.Context) (plan.ObservedState, error)

	// Prepare idempotently ensures the topology's networks and volumes
	// exist. Called once per cycle before any service action.
	Prepare(ctx context.Context, topo *topology.Topology) error

	// CreateService creates and starts all replicas of a service.
	CreateService(ctx context.Context, spec topology.ServiceSpec) error

	// UpdateService replaces a running service with a new spec using
	// zero-downtime intent: start new, wait healthy, stop old.
	UpdateService(ctx context.Context, name string, spec topology.ServiceSpec) error

	// ScaleService adjusts the running replica count of a service.
	ScaleService(ctx context.Context, name string, replicas int) error

	// RemoveService stops and removes all replicas of a service.
	RemoveService(ctx context.Context, name string) error

	// WaitHealthy blocks until every replica of the service is healthy,
	// the timeout elapses, or the context is cancelled.
	WaitHealthy(ctx context.Context, name string, timeout time.Duration) error

	// Close releases the backend connection.
	Close() error
}
