// Package e2e exercises the full reconciliation pipeline against a real
// Docker daemon: resolve, build, plan, apply, re-plan, scale, and remove.
//
// These tests create and destroy real containers. They are skipped unless
// CONVERGE_E2E=1 is set. Run with:
//
//	CONVERGE_E2E=1 go test -v -timeout 10m ./tests/e2e/...
package e2e

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/converge-sh/converge/internal/core/template"
	"github.com/converge-sh/converge/internal/shell/backend"
	"github.com/converge-sh/converge/internal/shell/executor"
	"github.com/converge-sh/converge/internal/shell/runner"
	"github.com/converge-sh/converge/internal/shell/store"
)

// =============================================================================
// Fixtures
// =============================================================================

const topologyTemplate = `
services:
  web:
    image: nginx:{{ tag }}
    depends_on:
      - cache
  cache:
    image: redis:{{ tag }}
    deploy:
      replicas: {{ cache_replicas }}
`

func bindings(tag string, cacheReplicas int64) template.Bindings {
	return template.Bindings{
		"tag":            template.StringValue(tag),
		"cache_replicas": template.IntValue(cacheReplicas),
	}
}

// =============================================================================
// Setup
// =============================================================================

func newHarness(t *testing.T) (*runner.Runner, *backend.DockerBackend) {
	t.Helper()
	if os.Getenv("CONVERGE_E2E") != "1" {
		t.Skip("set CONVERGE_E2E=1 to run end-to-end tests")
	}

	b, err := backend.NewDockerBackend(backend.DockerConfig{
		StopTimeout:   10 * time.Second,
		HealthTimeout: 2 * time.Minute,
	}, nil)
	require.NoError(t, err, "docker daemon must be reachable")
	t.Cleanup(func() { b.Close() })

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "e2e.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	exec := executor.New(b, executor.DefaultConfig(), nil)
	return runner.New(b, exec, st, nil), b
}

// cleanupServices removes every managed service so tests start clean.
func cleanupServices(t *testing.T, b *backend.DockerBackend) {
	t.Helper()
	ctx := context.Background()
	observed, err := b.ListServices(ctx)
	require.NoError(t, err)
	for name := range observed {
		require.NoError(t, b.RemoveService(ctx, name))
	}
}

// =============================================================================
// Full Cycle Tests
// =============================================================================

func TestReconcile_CreateScaleRemove(t *testing.T) {
	r, b := newHarness(t)
	cleanupServices(t, b)
	t.Cleanup(func() { cleanupServices(t, b) })

	ctx := context.Background()

	// First cycle: everything is created.
	report, err := r.Run(ctx, topologyTemplate, bindings("alpine", 1))
	require.NoError(t, err)
	require.Equal(t, executor.StatusFullyConverged, report.Status)

	observed, err := b.ListServices(ctx)
	require.NoError(t, err)
	require.Contains(t, observed, "web")
	require.Contains(t, observed, "cache")
	assert.Equal(t, 1, observed["cache"].Replicas)
	assert.Equal(t, []string{"cache"}, observed["web"].DependsOn)

	// Second cycle with the same inputs is a no-op.
	report, err = r.Run(ctx, topologyTemplate, bindings("alpine", 1))
	require.NoError(t, err)
	assert.Equal(t, executor.StatusFullyConverged, report.Status)
	assert.Empty(t, report.Results)

	// Scaling the cache re-plans exactly one action.
	report, err = r.Run(ctx, topologyTemplate, bindings("alpine", 3))
	require.NoError(t, err)
	require.Equal(t, executor.StatusFullyConverged, report.Status)
	require.Len(t, report.Results, 1)
	assert.Equal(t, "cache", report.Results[0].Service)

	observed, err = b.ListServices(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, observed["cache"].Replicas)

	// Shrinking the topology removes the web service, dependents first.
	shrunk := `
services:
  cache:
    image: redis:alpine
    deploy:
      replicas: 3
`
	report, err = r.Run(ctx, shrunk, template.Bindings{})
	require.NoError(t, err)
	require.Equal(t, executor.StatusFullyConverged, report.Status)

	observed, err = b.ListServices(ctx)
	require.NoError(t, err)
	assert.NotContains(t, observed, "web")
	assert.Contains(t, observed, "cache")
}

func TestReconcile_ImageUpdate(t *testing.T) {
	r, b := newHarness(t)
	cleanupServices(t, b)
	t.Cleanup(func() { cleanupServices(t, b) })

	ctx := context.Background()
	doc := `
services:
  web:
    image: nginx:{{ tag }}
`

	_, err := r.Run(ctx, doc, template.Bindings{"tag": template.StringValue("1.25-alpine")})
	require.NoError(t, err)

	report, err := r.Run(ctx, doc, template.Bindings{"tag": template.StringValue("1.27-alpine")})
	require.NoError(t, err)
	require.Equal(t, executor.StatusFullyConverged, report.Status)
	require.Len(t, report.Results, 1)

	observed, err := b.ListServices(ctx)
	require.NoError(t, err)
	assert.Equal(t, "nginx:1.27-alpine", observed["web"].Image)
}
