// Package executor applies convergence plans through the backend with
// bounded concurrency, retry, and partial-failure reporting.
package executor

import (
	"time"

	"github.com/converge-sh/converge/internal/core/plan"
)

// =============================================================================
// Outcome Types
// =============================================================================

// Outcome classifies what happened to one action.
type Outcome string

const (
	// OutcomeApplied means the action completed successfully.
	OutcomeApplied Outcome = "applied"
	// OutcomeFailed means the action terminally failed.
	OutcomeFailed Outcome = "failed"
	// OutcomeSkipped means the action was never issued, either because an
	// action it depends on failed or because the run was cancelled.
	OutcomeSkipped Outcome = "skipped"
)

// Status is the overall result of a run.
type Status string

const (
	// StatusFullyConverged means every action applied.
	StatusFullyConverged Status = "fully_converged"
	// StatusPartiallyConverged means some actions applied and some did not.
	StatusPartiallyConverged Status = "partially_converged"
	// StatusFailed means actions were attempted and none applied.
	StatusFailed Status = "failed"
)

// =============================================================================
// Report Types
// =============================================================================

// ActionResult records the outcome of one plan action.
type ActionResult struct {
	Op      plan.Op `json:"op"`
	Service string  `json:"service"`
	Outcome Outcome `json:"outcome"`

	// Reason describes a failure or skip cause.
	Reason string `json:"reason,omitempty"`

	// BlockedBy names the failed service that blocked a skipped action.
	BlockedBy string `json:"blocked_by,omitempty"`

	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
}

// Report is the definitive outcome of one reconciliation run. Every run
// produces exactly one report.
type Report struct {
	RunID      string         `json:"run_id"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Status     Status         `json:"status"`
	Results    []ActionResult `json:"results"`
}

// Counts returns the number of applied, failed, and skipped actions.
func (r *Report) Counts() (applied, failed, skipped int) {
	for _, res := range r.Results {
		switch res.Outcome {
		case OutcomeApplied:
			applied++
		case OutcomeFailed:
			failed++
		case OutcomeSkipped:
			skipped++
		}
	}
	return applied, failed, skipped
}

// computeStatus derives the overall status from the per-action outcomes.
// An empty plan is already converged.
func computeStatus(results []ActionResult) Status {
	if len(results) == 0 {
		return StatusFullyConverged
	}

	applied, failed, skipped := (&Report{Results: results}).Counts()
	switch {
	case failed == 0 && skipped == 0:
		return StatusFullyConverged
	case applied > 0:
		return StatusPartiallyConverged
	case failed == 0:
		// Nothing applied, nothing failed: the run was cancelled before
		// any action completed.
		return StatusPartiallyConverged
	default:
		return StatusFailed
	}
}
