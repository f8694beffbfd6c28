package agent

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubAgent struct {
	*Base
	runFn func(ctx context.Context) Result
}

func newStub(name string, priority Priority, runFn func(ctx context.Context) Result) *stubAgent {
	return &stubAgent{Base: NewBase(name, priority), runFn: runFn}
}

func (s *stubAgent) Run(ctx context.Context) Result {
	if s.runFn != nil {
		return s.runFn(ctx)
	}
	return Result{Success: true, Message: "ok", Timestamp: time.Now().UTC()}
}

func TestRegisterDependencyIdempotent(t *testing.T) {
	a := newStub("a", PriorityNormal, nil)
	a.RegisterDependency("b")
	a.RegisterDependency("b")
	a.RegisterDependency("c")

	assert.Equal(t, []string{"b", "c"}, a.Dependencies())
}

func TestResolveOrderDependenciesFirst(t *testing.T) {
	c := NewChain(testLogger())
	fetch := newStub("fetch", PriorityNormal, nil)
	process := newStub("process", PriorityNormal, nil)
	report := newStub("report", PriorityNormal, nil)
	process.RegisterDependency("fetch")
	report.RegisterDependency("process")

	require.NoError(t, c.Register(report))
	require.NoError(t, c.Register(process))
	require.NoError(t, c.Register(fetch))

	order, err := c.ResolveOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"fetch", "process", "report"}, order)
}

func TestResolveOrderPriorityBreaksTies(t *testing.T) {
	c := NewChain(testLogger())
	require.NoError(t, c.Register(newStub("low", PriorityLow, nil)))
	require.NoError(t, c.Register(newStub("critical", PriorityCritical, nil)))
	require.NoError(t, c.Register(newStub("normal", PriorityNormal, nil)))

	order, err := c.ResolveOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"critical", "normal", "low"}, order)
}

func TestResolveOrderUnknownDependencyIgnored(t *testing.T) {
	c := NewChain(testLogger())
	a := newStub("a", PriorityNormal, nil)
	a.RegisterDependency("ghost")
	require.NoError(t, c.Register(a))

	order, err := c.ResolveOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, order)
}

func TestResolveOrderCycleFails(t *testing.T) {
	c := NewChain(testLogger())
	a := newStub("a", PriorityNormal, nil)
	b := newStub("b", PriorityNormal, nil)
	a.RegisterDependency("b")
	b.RegisterDependency("a")
	require.NoError(t, c.Register(a))
	require.NoError(t, c.Register(b))

	_, err := c.ResolveOrder()
	assert.ErrorIs(t, err, ErrCircularDependency)

	// No agent executes when resolution fails.
	results, err := c.Execute(context.Background(), "")
	assert.ErrorIs(t, err, ErrCircularDependency)
	assert.Empty(t, results)
	assert.Equal(t, 0, a.Metrics().TotalRuns)
	assert.Equal(t, 0, b.Metrics().TotalRuns)
}

func TestRegisterDuplicateName(t *testing.T) {
	c := NewChain(testLogger())
	require.NoError(t, c.Register(newStub("a", PriorityNormal, nil)))
	assert.Error(t, c.Register(newStub("a", PriorityNormal, nil)))
}

func TestExecuteSingleAgentOnly(t *testing.T) {
	c := NewChain(testLogger())
	ran := map[string]bool{}
	mk := func(name string) *stubAgent {
		return newStub(name, PriorityNormal, func(context.Context) Result {
			ran[name] = true
			return Result{Success: true, Message: "ok", Timestamp: time.Now().UTC()}
		})
	}
	dep := mk("dep")
	top := mk("top")
	top.RegisterDependency("dep")
	require.NoError(t, c.Register(dep))
	require.NoError(t, c.Register(top))

	// Executing a named agent runs exactly that agent, not its dependents.
	results, err := c.Execute(context.Background(), "top")
	require.NoError(t, err)
	assert.Len(t, results, 1)
	assert.True(t, ran["top"])
	assert.False(t, ran["dep"])
}

func TestExecuteUnknownAgent(t *testing.T) {
	c := NewChain(testLogger())
	_, err := c.Execute(context.Background(), "nope")
	assert.Error(t, err)
}

func TestExecuteSkipsDisabled(t *testing.T) {
	c := NewChain(testLogger())
	a := newStub("a", PriorityNormal, nil)
	a.SetEnabled(false)
	require.NoError(t, c.Register(a))

	results, err := c.Execute(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, StateIdle, a.State())
}

func TestExecuteUpdatesMetricsAndState(t *testing.T) {
	c := NewChain(testLogger())
	ok := newStub("ok", PriorityNormal, nil)
	bad := newStub("bad", PriorityNormal, func(context.Context) Result {
		return Result{Success: false, Message: "broken", Error: "boom", Timestamp: time.Now().UTC()}
	})
	require.NoError(t, c.Register(ok))
	require.NoError(t, c.Register(bad))

	results, err := c.Execute(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, results, 2)

	assert.Equal(t, StateCompleted, ok.State())
	assert.Equal(t, 1, ok.Metrics().SuccessfulRuns)

	assert.Equal(t, StateFailed, bad.State())
	assert.Equal(t, 1, bad.Metrics().FailedRuns)
	assert.Equal(t, "boom", bad.Metrics().LastError)
}

func TestExecuteRecoversPanic(t *testing.T) {
	c := NewChain(testLogger())
	p := newStub("panicky", PriorityNormal, func(context.Context) Result {
		panic("kaboom")
	})
	require.NoError(t, c.Register(p))

	results, err := c.Execute(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Error, "kaboom")
	assert.Equal(t, StateFailed, p.State())
	assert.Equal(t, 1, p.Metrics().FailedRuns)
}

func TestMetricsDerived(t *testing.T) {
	m := Metrics{}
	assert.Zero(t, m.SuccessRate())
	assert.Zero(t, m.AverageDuration())

	m = Metrics{TotalRuns: 4, SuccessfulRuns: 3, TotalDuration: 8 * time.Second}
	assert.InDelta(t, 75.0, m.SuccessRate(), 0.001)
	assert.Equal(t, 2*time.Second, m.AverageDuration())
}
