package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/converge-sh/converge/internal/core/template"
	"github.com/converge-sh/converge/internal/shell/backend"
	"github.com/converge-sh/converge/internal/shell/executor"
	"github.com/converge-sh/converge/internal/shell/runner"
	"github.com/converge-sh/converge/internal/shell/store"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess            = 0
	ExitConfigError        = 1
	ExitValidationError    = 2
	ExitBackendError       = 3
	ExitPartiallyConverged = 4
	ExitFailed             = 5
)

// AppError wraps startup errors with the exit code they map to.
type AppError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// =============================================================================
// App
// =============================================================================

// App wires the backend, executor, run store, and runner together for one
// invocation of the CLI.
type App struct {
	config  *Config
	backend *backend.DockerBackend
	store   store.Store
	runner  *runner.Runner
	logger  *slog.Logger
}

// NewApp builds the application from loaded configuration.
func NewApp(cfg *Config, logger *slog.Logger) (*App, error) {
	var st store.Store
	if cfg.Database.DSN != "" {
		s, err := store.NewSQLiteStore(cfg.Database.DSN)
		if err != nil {
			return nil, &AppError{
				Op:       "NewApp",
				Err:      err,
				ExitCode: ExitConfigError,
			}
		}
		st = s
	}

	b, err := backend.NewDockerBackend(backend.DockerConfig{
		Host:          cfg.Backend.Host,
		StopTimeout:   cfg.Backend.StopTimeout,
		HealthTimeout: cfg.Executor.HealthTimeout,
	}, logger)
	if err != nil {
		if st != nil {
			st.Close()
		}
		return nil, &AppError{
			Op:       "NewApp",
			Err:      err,
			ExitCode: ExitBackendError,
		}
	}

	exec := executor.New(b, executor.Config{
		Concurrency:    cfg.Executor.Concurrency,
		MaxAttempts:    cfg.Executor.MaxAttempts,
		RetryBaseDelay: cfg.Executor.RetryBaseDelay,
		HealthTimeout:  cfg.Executor.HealthTimeout,
	}, logger)

	return &App{
		config:  cfg,
		backend: b,
		store:   st,
		runner:  runner.New(b, exec, st, logger),
		logger:  logger,
	}, nil
}

// Close releases the backend and store connections.
func (a *App) Close() {
	if err := a.backend.Close(); err != nil {
		a.logger.Error("failed to close backend", "error", err)
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("failed to close store", "error", err)
		}
	}
}

// Converge runs reconciliation once, or periodically when interval is set,
// and returns the process exit code.
func (a *App) Converge(templatePath, varsPath string, interval time.Duration) int {
	tmpl, bindings, err := loadInputs(templatePath, varsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "input error: %v\n", err)
		return ExitConfigError
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if interval > 0 {
		a.logger.Info("running in periodic mode", "interval", interval)
		if err := a.runner.RunEvery(ctx, interval, tmpl, bindings); err != nil {
			if errors.Is(err, context.Canceled) {
				return ExitSuccess
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return exitCodeForError(err)
		}
		return ExitSuccess
	}

	report, err := a.runner.Run(ctx, tmpl, bindings)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitCodeForError(err)
	}

	printReport(os.Stdout, report)

	switch report.Status {
	case executor.StatusFullyConverged:
		return ExitSuccess
	case executor.StatusPartiallyConverged:
		return ExitPartiallyConverged
	default:
		return ExitFailed
	}
}

// loadInputs reads the topology template and variable bindings from disk.
func loadInputs(templatePath, varsPath string) (string, template.Bindings, error) {
	data, err := os.ReadFile(templatePath)
	if err != nil {
		return "", nil, fmt.Errorf("failed to read template: %w", err)
	}

	bindings := template.Bindings{}
	if varsPath != "" {
		varsData, err := os.ReadFile(varsPath)
		if err != nil {
			return "", nil, fmt.Errorf("failed to read variables: %w", err)
		}
		bindings, err = template.ParseBindings(varsData)
		if err != nil {
			return "", nil, fmt.Errorf("failed to parse variables: %w", err)
		}
	}

	return string(data), bindings, nil
}

// exitCodeForError maps run errors to exit codes. Anything that failed
// before the backend was touched is a validation error.
func exitCodeForError(err error) int {
	var backendErr *backend.Error
	if errors.As(err, &backendErr) {
		return ExitBackendError
	}
	if errors.Is(err, runner.ErrRunInProgress) {
		return ExitFailed
	}
	return ExitValidationError
}

// =============================================================================
// Report Output
// =============================================================================

// printReport writes a human-readable run summary.
func printReport(w *os.File, report *executor.Report) {
	applied, failed, skipped := report.Counts()
	fmt.Fprintf(w, "run %s: %s (%d applied, %d failed, %d skipped) in %s\n",
		report.RunID,
		report.Status,
		applied,
		failed,
		skipped,
		report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond),
	)

	for _, r := range report.Results {
		switch r.Outcome {
		case executor.OutcomeApplied:
			fmt.Fprintf(w, "  %-6s %-20s applied (attempts=%d, took %s)\n",
				r.Op, r.Service, r.Attempts, r.Duration.Round(time.Millisecond))
		case executor.OutcomeFailed:
			fmt.Fprintf(w, "  %-6s %-20s FAILED after %d attempts: %s\n",
				r.Op, r.Service, r.Attempts, r.Reason)
		case executor.OutcomeSkipped:
			fmt.Fprintf(w, "  %-6s %-20s skipped: %s\n",
				r.Op, r.Service, r.Reason)
		}
	}
}
