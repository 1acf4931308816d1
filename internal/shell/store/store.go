// Package store persists one record per reconciliation run, so operators
// always have a durable, definitive outcome for every invocation.
package store

import (
	"context"
	"time"
)

// =============================================================================
// Store Interface
// =============================================================================

// RunRecord is the persisted outcome of one reconciliation run.
type RunRecord struct {
	ID             string    `db:"id"`
	StartedAt      time.Time `db:"started_at"`
	FinishedAt     time.Time `db:"finished_at"`
	Status         string    `db:"status"`
	ActionsTotal   int       `db:"actions_total"`
	ActionsApplied int       `db:"actions_applied"`
	ActionsFailed  int       `db:"actions_failed"`
	ActionsSkipped int       `db:"actions_skipped"`
	// Report is the serialized execution report (JSON).
	Report string `db:"report"`
}

// Store defines the run-history persistence interface.
type Store interface {
	RecordRun(ctx context.Context, record *RunRecord) error
	GetRun(ctx context.Context, id string) (*RunRecord, error)
	ListRuns(ctx context.Context, opts ListOptions) ([]RunRecord, error)
	Close() error
}

// =============================================================================
// Options
// =============================================================================

// ListOptions defines pagination for run listings.
type ListOptions struct {
	Limit  int
	Offset int
}

// Normalize ensures list options have valid values.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 100
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}
