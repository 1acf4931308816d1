package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/converge-sh/converge/internal/core/plan"
	"github.com/converge-sh/converge/internal/core/topology"
	"github.com/converge-sh/converge/internal/shell/backend"
)

// =============================================================================
// Fake Backend
// =============================================================================

// fakeBackend records issued operations and fails on demand. failures maps
// a service name to the errors its calls return, consumed in order; once
// exhausted the calls succeed.
type fakeBackend struct {
	mu       sync.Mutex
	calls    []string
	failures map[string][]error
	blockAll chan struct{} // when set, service calls wait for close
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{failures: make(map[string][]error)}
}

func (f *fakeBackend) failWith(service string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[service] = append(f.failures[service], errs...)
}

func (f *fakeBackend) record(op, service string) error {
	if f.blockAll != nil {
		<-f.blockAll
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op+":"+service)
	if errs := f.failures[service]; len(errs) > 0 {
		f.failures[service] = errs[1:]
		return errs[0]
	}
	return nil
}

func (f *fakeBackend) calledServices() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeBackend) ListServices(ctx context.Context) (plan.ObservedState, error) {
	return plan.ObservedState{}, nil
}

func (f *fakeBackend) Prepare(ctx context.Context, topo *topology.Topology) error {
	return nil
}

func (f *fakeBackend) CreateService(ctx context.Context, spec topology.ServiceSpec) error {
	return f.record("create", spec.Name)
}

func (f *fakeBackend) UpdateService(ctx context.Context, name string, spec topology.ServiceSpec) error {
	return f.record("update", name)
}

func (f *fakeBackend) ScaleService(ctx context.Context, name string, replicas int) error {
	return f.record("scale", name)
}

func (f *fakeBackend) RemoveService(ctx context.Context, name string) error {
	return f.record("remove", name)
}

func (f *fakeBackend) WaitHealthy(ctx context.Context, name string, timeout time.Duration) error {
	return nil
}

func (f *fakeBackend) Close() error { return nil }

// =============================================================================
// Test Helpers
// =============================================================================

func createAction(name string, deps ...int) plan.Action {
	return plan.Action{
		Op:        plan.OpCreate,
		Service:   name,
		After:     &topology.ServiceSpec{Name: name, Image: "img:latest", Replicas: 1},
		DependsOn: deps,
	}
}

func transientErr(service string) error {
	return backend.NewError("CreateService", service, "connection refused", true, nil)
}

func permanentErr(service string) error {
	return backend.NewError("CreateService", service, "image not found", false, nil)
}

func fastConfig() Config {
	return Config{
		Concurrency:    4,
		MaxAttempts:    3,
		RetryBaseDelay: time.Millisecond,
		HealthTimeout:  time.Second,
	}
}

func resultFor(t *testing.T, report *Report, service string) ActionResult {
	t.Helper()
	for _, r := range report.Results {
		if r.Service == service {
			return r
		}
	}
	t.Fatalf("no result for service %s", service)
	return ActionResult{}
}

// =============================================================================
// Success Path Tests
// =============================================================================

func TestApply_EmptyPlan(t *testing.T) {
	exec := New(newFakeBackend(), fastConfig(), nil)
	report := exec.Apply(context.Background(), &plan.Plan{})

	assert.Equal(t, StatusFullyConverged, report.Status)
	assert.Empty(t, report.Results)
}

func TestApply_AllApplied(t *testing.T) {
	fake := newFakeBackend()
	exec := New(fake, fastConfig(), nil)

	p := &plan.Plan{Actions: []plan.Action{
		createAction("db"),
		createAction("api", 0),
		createAction("web", 1),
	}}

	report := exec.Apply(context.Background(), p)

	assert.Equal(t, StatusFullyConverged, report.Status)
	applied, failed, skipped := report.Counts()
	assert.Equal(t, 3, applied)
	assert.Zero(t, failed)
	assert.Zero(t, skipped)

	// Dependency order is preserved in the issued calls.
	assert.Equal(t, []string{"create:db", "create:api", "create:web"}, fake.calledServices())
}

func TestApply_IndependentActionsRunConcurrently(t *testing.T) {
	fake := newFakeBackend()
	fake.blockAll = make(chan struct{})
	exec := New(fake, fastConfig(), nil)

	p := &plan.Plan{Actions: []plan.Action{
		createAction("a"),
		createAction("b"),
		createAction("c"),
	}}

	done := make(chan *Report, 1)
	go func() { done <- exec.Apply(context.Background(), p) }()

	// All three are independent, so none should be waiting on another.
	time.Sleep(50 * time.Millisecond)
	close(fake.blockAll)

	report := <-done
	assert.Equal(t, StatusFullyConverged, report.Status)
	assert.Len(t, fake.calledServices(), 3)
}

// =============================================================================
// Failure Semantics Tests
// =============================================================================

func TestApply_PermanentFailureSkipsDependents(t *testing.T) {
	fake := newFakeBackend()
	fake.failWith("db", permanentErr("db"), permanentErr("db"), permanentErr("db"))
	exec := New(fake, fastConfig(), nil)

	// api and web sit downstream of db; standalone has no path to it.
	p := &plan.Plan{Actions: []plan.Action{
		createAction("db"),
		createAction("api", 0),
		createAction("web", 1),
		createAction("standalone"),
	}}

	report := exec.Apply(context.Background(), p)
	assert.Equal(t, StatusPartiallyConverged, report.Status)

	db := resultFor(t, report, "db")
	assert.Equal(t, OutcomeFailed, db.Outcome)
	assert.Equal(t, 1, db.Attempts, "permanent errors must not retry")

	api := resultFor(t, report, "api")
	assert.Equal(t, OutcomeSkipped, api.Outcome)
	assert.Equal(t, "db", api.BlockedBy)

	web := resultFor(t, report, "web")
	assert.Equal(t, OutcomeSkipped, web.Outcome)
	assert.Equal(t, "db", web.BlockedBy, "skip cascade is transitive")

	standalone := resultFor(t, report, "standalone")
	assert.Equal(t, OutcomeApplied, standalone.Outcome)
}

func TestApply_AllFailedStatus(t *testing.T) {
	fake := newFakeBackend()
	fake.failWith("only", permanentErr("only"))
	exec := New(fake, fastConfig(), nil)

	report := exec.Apply(context.Background(), &plan.Plan{Actions: []plan.Action{
		createAction("only"),
	}})

	assert.Equal(t, StatusFailed, report.Status)
}

func TestApply_FailureWithSkipsOnlyIsFailed(t *testing.T) {
	fake := newFakeBackend()
	fake.failWith("db", permanentErr("db"))
	exec := New(fake, fastConfig(), nil)

	report := exec.Apply(context.Background(), &plan.Plan{Actions: []plan.Action{
		createAction("db"),
		createAction("api", 0),
	}})

	// Nothing applied: the run failed outright.
	assert.Equal(t, StatusFailed, report.Status)
}

// =============================================================================
// Retry Tests
// =============================================================================

func TestApply_TransientErrorRetriesThenSucceeds(t *testing.T) {
	fake := newFakeBackend()
	fake.failWith("app", transientErr("app"), transientErr("app"))
	exec := New(fake, fastConfig(), nil)

	report := exec.Apply(context.Background(), &plan.Plan{Actions: []plan.Action{
		createAction("app"),
	}})

	assert.Equal(t, StatusFullyConverged, report.Status)
	app := resultFor(t, report, "app")
	assert.Equal(t, OutcomeApplied, app.Outcome)
	assert.Equal(t, 3, app.Attempts)
}

func TestApply_TransientErrorExhaustsAttempts(t *testing.T) {
	fake := newFakeBackend()
	fake.failWith("app",
		transientErr("app"), transientErr("app"), transientErr("app"), transientErr("app"))
	exec := New(fake, fastConfig(), nil)

	report := exec.Apply(context.Background(), &plan.Plan{Actions: []plan.Action{
		createAction("app"),
	}})

	app := resultFor(t, report, "app")
	assert.Equal(t, OutcomeFailed, app.Outcome)
	assert.Equal(t, 3, app.Attempts)
	assert.NotEmpty(t, app.Reason)
}

// =============================================================================
// Cancellation Tests
// =============================================================================

func TestApply_CancellationSkipsPending(t *testing.T) {
	fake := newFakeBackend()
	fake.blockAll = make(chan struct{})
	exec := New(fake, Config{Concurrency: 1, MaxAttempts: 1, RetryBaseDelay: time.Millisecond, HealthTimeout: time.Second}, nil)

	// With concurrency 1 only the first action is in flight; the second
	// never starts once the context is cancelled.
	p := &plan.Plan{Actions: []plan.Action{
		createAction("first"),
		createAction("second"),
	}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *Report, 1)
	go func() { done <- exec.Apply(ctx, p) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	time.Sleep(20 * time.Millisecond)
	close(fake.blockAll)

	report := <-done

	first := resultFor(t, report, "first")
	assert.Equal(t, OutcomeApplied, first.Outcome, "in-flight actions finish")

	second := resultFor(t, report, "second")
	assert.Equal(t, OutcomeSkipped, second.Outcome)
	assert.Equal(t, "run cancelled", second.Reason)

	assert.Equal(t, StatusPartiallyConverged, report.Status)
	assert.Equal(t, []string{"create:first"}, fake.calledServices())
}

func TestApply_CancellationDuringBackoffSkips(t *testing.T) {
	fake := newFakeBackend()
	fake.failWith("app", transientErr("app"))
	exec := New(fake, Config{
		Concurrency:    1,
		MaxAttempts:    3,
		RetryBaseDelay: time.Second,
		HealthTimeout:  time.Second,
	}, nil)

	// The first attempt fails transiently and the action enters its backoff
	// wait. Cancelling there must not count as a terminal failure: nothing
	// was applied, so the action is skipped like any other pending work.
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *Report, 1)
	go func() {
		done <- exec.Apply(ctx, &plan.Plan{Actions: []plan.Action{
			createAction("app"),
		}})
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	report := <-done

	app := resultFor(t, report, "app")
	assert.Equal(t, OutcomeSkipped, app.Outcome)
	assert.Equal(t, "run cancelled", app.Reason)
	assert.Equal(t, 1, app.Attempts)
	assert.Equal(t, []string{"create:app"}, fake.calledServices(), "no retry issues after cancellation")
}

// =============================================================================
// Scale and Remove Dispatch Tests
// =============================================================================

func TestApply_DispatchesByOp(t *testing.T) {
	fake := newFakeBackend()
	exec := New(fake, fastConfig(), nil)

	spec := &topology.ServiceSpec{Name: "svc", Image: "img:latest", Replicas: 2}
	p := &plan.Plan{Actions: []plan.Action{
		{Op: plan.OpScale, Service: "svc", After: spec},
		{Op: plan.OpRemove, Service: "gone"},
	}}

	report := exec.Apply(context.Background(), p)
	assert.Equal(t, StatusFullyConverged, report.Status)
	assert.ElementsMatch(t, []string{"scale:svc", "remove:gone"}, fake.calledServices())
}
