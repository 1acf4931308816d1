// Package runner coordinates full reconciliation cycles: resolve, build,
// order, plan, apply, and record, under a run-level lock.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/converge-sh/converge/internal/core/graph"
	"github.com/converge-sh/converge/internal/core/plan"
	"github.com/converge-sh/converge/internal/core/template"
	"github.com/converge-sh/converge/internal/core/topology"
	"github.com/converge-sh/converge/internal/shell/backend"
	"github.com/converge-sh/converge/internal/shell/executor"
	"github.com/converge-sh/converge/internal/shell/store"
)

// ErrRunInProgress is returned when a cycle is requested while another is
// active. Overlapping cycles are rejected, not queued: two plans against a
// moving target would conflict.
var ErrRunInProgress = errors.New("a reconciliation run is already in progress")

// =============================================================================
// Runner
// =============================================================================

// Runner owns the reconciliation cycle. Exactly one cycle may be active at
// a time; the backend is only ever written through the executor.
type Runner struct {
	backend  backend.Backend
	executor *executor.Executor
	store    store.Store // optional; nil disables run history
	logger   *slog.Logger

	mu sync.Mutex // run-level lock
}

// New creates a runner. The store may be nil.
func New(b backend.Backend, exec *executor.Executor, s store.Store, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		backend:  b,
		executor: exec,
		store:    s,
		logger:   logger.With("component", "runner"),
	}
}

// Run performs one reconciliation cycle against the template and bindings.
//
// The static phase (resolve, build, order) runs before any backend contact;
// any error there aborts the cycle with no backend mutation. The cycle then
// snapshots live state, computes the minimal plan, and applies it. Every
// completed cycle yields exactly one report.
func (r *Runner) Run(ctx context.Context, tmpl string, bindings template.Bindings) (*executor.Report, error) {
	if !r.mu.TryLock() {
		return nil, ErrRunInProgress
	}
	defer r.mu.Unlock()

	runID := uuid.NewString()
	logger := r.logger.With("run_id", runID)
	logger.Info("starting reconciliation cycle")

	// Static phase: no backend contact.
	doc, err := template.Resolve(tmpl, bindings)
	if err != nil {
		return nil, err
	}

	topo, err := topology.Build(doc)
	if err != nil {
		return nil, err
	}

	order, err := graph.Order(topo)
	if err != nil {
		return nil, err
	}

	logger.Debug("topology validated",
		"services", len(topo.Services),
		"volumes", len(topo.Volumes),
		"networks", len(topo.Networks),
	)

	// Observation and diff.
	observed, err := r.backend.ListServices(ctx)
	if err != nil {
		return nil, err
	}

	p := plan.Compute(topo, order, observed)
	if p.Empty() {
		logger.Info("already converged, nothing to do")
		report := &executor.Report{
			RunID:      runID,
			StartedAt:  time.Now(),
			FinishedAt: time.Now(),
			Status:     executor.StatusFullyConverged,
		}
		r.record(ctx, report)
		return report, nil
	}

	logger.Info("computed plan", "actions", len(p.Actions))

	if err := r.backend.Prepare(ctx, topo); err != nil {
		return nil, err
	}

	report := r.executor.Apply(ctx, p)
	report.RunID = runID

	applied, failed, skipped := report.Counts()
	logger.Info("reconciliation cycle finished",
		"status", report.Status,
		"applied", applied,
		"failed", failed,
		"skipped", skipped,
	)

	r.record(ctx, report)
	return report, nil
}

// RunEvery repeatedly reconciles on the given interval until the context
// is cancelled. The first cycle runs immediately.
func (r *Runner) RunEvery(ctx context.Context, interval time.Duration, tmpl string, bindings template.Bindings) error {
	if _, err := r.Run(ctx, tmpl, bindings); err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.Run(ctx, tmpl, bindings); err != nil {
				// Static errors persist until the template changes; keep
				// cycling so transient backend outages recover.
				r.logger.Error("reconciliation cycle failed", "error", err)
			}
		}
	}
}

// record persists the run outcome when a store is configured.
func (r *Runner) record(ctx context.Context, report *executor.Report) {
	if r.store == nil {
		return
	}

	applied, failed, skipped := report.Counts()
	serialized, err := json.Marshal(report)
	if err != nil {
		r.logger.Error("failed to serialize report", "error", err)
		return
	}

	record := &store.RunRecord{
		ID:             report.RunID,
		StartedAt:      report.StartedAt,
		FinishedAt:     report.FinishedAt,
		Status:         string(report.Status),
		ActionsTotal:   len(report.Results),
		ActionsApplied: applied,
		ActionsFailed:  failed,
		ActionsSkipped: skipped,
		Report:         string(serialized),
	}

	if err := r.store.RecordRun(ctx, record); err != nil {
		r.logger.Error("failed to record run", "run_id", report.RunID, "error", err)
	}
}
