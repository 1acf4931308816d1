package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/converge-sh/converge/internal/core/plan"
	"github.com/converge-sh/converge/internal/shell/backend"
)

// =============================================================================
// Executor Configuration
// =============================================================================

// Config configures plan execution.
type Config struct {
	// Concurrency caps how many independent actions run at once.
	// Default: 4, kept small to avoid overwhelming the backend API.
	Concurrency int

	// MaxAttempts bounds retries per action for transient backend errors.
	// Default: 3.
	MaxAttempts int

	// RetryBaseDelay is the first backoff delay; it doubles per attempt.
	// Default: 500ms.
	RetryBaseDelay time.Duration

	// HealthTimeout bounds the health wait after Create and Update.
	// Default: 2 minutes.
	HealthTimeout time.Duration
}

// DefaultConfig returns the default execution configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:    4,
		MaxAttempts:    3,
		RetryBaseDelay: 500 * time.Millisecond,
		HealthTimeout:  2 * time.Minute,
	}
}

// =============================================================================
// Executor
// =============================================================================

// Executor applies convergence plans through the backend. Actions with no
// unresolved ordering dependency are dispatched concurrently up to the
// concurrency limit; an action with dependency edges waits until every
// predecessor has applied.
type Executor struct {
	backend backend.Backend
	config  Config
	logger  *slog.Logger
}

// New creates an executor. Zero config fields take their defaults.
func New(b backend.Backend, config Config, logger *slog.Logger) *Executor {
	defaults := DefaultConfig()
	if config.Concurrency <= 0 {
		config.Concurrency = defaults.Concurrency
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = defaults.RetryBaseDelay
	}
	if config.HealthTimeout <= 0 {
		config.HealthTimeout = defaults.HealthTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Executor{
		backend: b,
		config:  config,
		logger:  logger.With("component", "executor"),
	}
}

// actionState tracks one action through the scheduler.
type actionState int

const (
	statePending actionState = iota
	stateRunning
	stateFinished
)

// Apply executes the plan and returns the run's report.
//
// Failure semantics: an action's terminal failure marks every pending
// action that depends on it, directly or transitively, as Skipped; actions
// with no path to the failure keep running. Cancellation stops issuing new
// actions immediately, lets in-flight actions finish, and marks the rest
// Skipped. Successful actions are never rolled back.
func (e *Executor) Apply(ctx context.Context, p *plan.Plan) *Report {
	report := &Report{StartedAt: time.Now()}
	n := len(p.Actions)
	if n == 0 {
		report.Status = StatusFullyConverged
		report.FinishedAt = time.Now()
		return report
	}

	results := make([]ActionResult, n)
	state := make([]actionState, n)
	for i, a := range p.Actions {
		results[i] = ActionResult{Op: a.Op, Service: a.Service}
	}

	dependents := make([][]int, n)
	for i, a := range p.Actions {
		for _, dep := range a.DependsOn {
			dependents[dep] = append(dependents[dep], i)
		}
	}

	type completion struct {
		idx    int
		result ActionResult
	}
	done := make(chan completion)
	sem := make(chan struct{}, e.config.Concurrency)
	var wg sync.WaitGroup

	dispatch := func(i int) {
		state[i] = stateRunning
		wg.Add(1)
		go func(i int, action plan.Action) {
			defer wg.Done()
			sem <- struct{}{}
			var result ActionResult
			// An action still queued on the semaphore when the run is
			// cancelled must not be issued.
			select {
			case <-ctx.Done():
				result = ActionResult{
					Op:      action.Op,
					Service: action.Service,
					Outcome: OutcomeSkipped,
					Reason:  "run cancelled",
				}
			default:
				result = e.runAction(ctx, action)
			}
			<-sem
			done <- completion{idx: i, result: result}
		}(i, p.Actions[i])
	}

	ready := func(i int) bool {
		if state[i] != statePending {
			return false
		}
		for _, dep := range p.Actions[i].DependsOn {
			if state[dep] != stateFinished || results[dep].Outcome != OutcomeApplied {
				return false
			}
		}
		return true
	}

	remaining := n

	// skipDependents marks pending transitive dependents of idx Skipped.
	var skipDependents func(idx int, blockedBy string)
	skipDependents = func(idx int, blockedBy string) {
		for _, dep := range dependents[idx] {
			if state[dep] != statePending {
				continue
			}
			state[dep] = stateFinished
			results[dep].Outcome = OutcomeSkipped
			results[dep].BlockedBy = blockedBy
			results[dep].Reason = fmt.Sprintf("blocked by failed action on %s", blockedBy)
			remaining--
			skipDependents(dep, blockedBy)
		}
	}

	for i := range p.Actions {
		if ready(i) {
			dispatch(i)
		}
	}

	cancelled := false
	for remaining > 0 {
		var c completion
		if cancelled {
			c = <-done
		} else {
			select {
			case <-ctx.Done():
				cancelled = true
				e.logger.Warn("run cancelled, letting in-flight actions finish")
				for i := range state {
					if state[i] == statePending {
						state[i] = stateFinished
						results[i].Outcome = OutcomeSkipped
						results[i].Reason = "run cancelled"
						remaining--
					}
				}
				continue
			case c = <-done:
			}
		}

		state[c.idx] = stateFinished
		results[c.idx] = c.result
		remaining--

		switch c.result.Outcome {
		case OutcomeApplied:
			e.logger.Info("action applied",
				"op", c.result.Op,
				"service", c.result.Service,
				"attempts", c.result.Attempts,
			)
			if !cancelled {
				for _, dep := range dependents[c.idx] {
					if ready(dep) {
						dispatch(dep)
					}
				}
			}
		case OutcomeFailed:
			e.logger.Error("action failed",
				"op", c.result.Op,
				"service", c.result.Service,
				"attempts", c.result.Attempts,
				"reason", c.result.Reason,
			)
			skipDependents(c.idx, c.result.Service)
		}
	}

	wg.Wait()

	report.Results = results
	report.Status = computeStatus(results)
	report.FinishedAt = time.Now()
	return report
}

// =============================================================================
// Action Execution
// =============================================================================

// runAction issues one action with bounded retry and exponential backoff.
// Transient backend errors retry; permanent errors fail immediately.
func (e *Executor) runAction(ctx context.Context, action plan.Action) ActionResult {
	start := time.Now()
	result := ActionResult{Op: action.Op, Service: action.Service}

	var err error
	for attempt := 1; attempt <= e.config.MaxAttempts; attempt++ {
		result.Attempts = attempt

		err = e.issue(ctx, action)
		if err == nil {
			result.Outcome = OutcomeApplied
			result.Duration = time.Since(start)
			return result
		}

		if !backend.IsTransient(err) || attempt == e.config.MaxAttempts {
			break
		}

		delay := e.config.RetryBaseDelay << (attempt - 1)
		e.logger.Warn("action attempt failed, retrying",
			"op", action.Op,
			"service", action.Service,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)

		select {
		case <-ctx.Done():
			// Cancelled before the next attempt was issued: the action was
			// not applied and did not terminally fail.
			result.Outcome = OutcomeSkipped
			result.Reason = "run cancelled"
			result.Duration = time.Since(start)
			return result
		case <-time.After(delay):
		}
	}

	result.Outcome = OutcomeFailed
	result.Reason = err.Error()
	result.Duration = time.Since(start)
	return result
}

// issue performs the backend call for one action. Create and Update gate
// on health so dependents only start against a healthy dependency.
func (e *Executor) issue(ctx context.Context, action plan.Action) error {
	switch action.Op {
	case plan.OpCreate:
		if err := e.backend.CreateService(ctx, *action.After); err != nil {
			return err
		}
		return e.backend.WaitHealthy(ctx, action.Service, e.config.HealthTimeout)
	case plan.OpUpdate:
		if err := e.backend.UpdateService(ctx, action.Service, *action.After); err != nil {
			return err
		}
		return e.backend.WaitHealthy(ctx, action.Service, e.config.HealthTimeout)
	case plan.OpScale:
		return e.backend.ScaleService(ctx, action.Service, action.After.Replicas)
	case plan.OpRemove:
		return e.backend.RemoveService(ctx, action.Service)
	default:
		return fmt.Errorf("unknown action op %q", action.Op)
	}
}
