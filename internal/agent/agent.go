// Package agent provides the framework for named, stateful units of work:
// the Agent contract, a dependency-ordered execution chain, a periodic
// orchestrator, and a health monitor with an event log.
package agent

import (
	"context"
	"sync"
	"time"
)

// State is the lifecycle state of an agent.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StatePaused    State = "paused"
)

// Priority orders agents when the chain has to break a tie between agents
// whose dependencies are all satisfied. Lower values run first.
type Priority int

const (
	PriorityCritical Priority = 1
	PriorityHigh     Priority = 2
	PriorityNormal   Priority = 3
	PriorityLow      Priority = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Result is the immutable outcome of one Run invocation.
type Result struct {
	Success   bool           `json:"success"`
	Message   string         `json:"message"`
	Error     string         `json:"error,omitempty"`
	Metrics   map[string]any `json:"metrics,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Metrics accumulates per-agent run statistics. It is updated by the chain
// and the orchestrator after every run, never by the agent itself.
type Metrics struct {
	TotalRuns      int           `json:"total_runs"`
	SuccessfulRuns int           `json:"successful_runs"`
	FailedRuns     int           `json:"failed_runs"`
	TotalDuration  time.Duration `json:"total_duration"`
	LastRunStart   time.Time     `json:"last_run_start,omitzero"`
	LastRunEnd     time.Time     `json:"last_run_end,omitzero"`
	LastError      string        `json:"last_error,omitempty"`
}

// SuccessRate returns the percentage of successful runs.
func (m Metrics) SuccessRate() float64 {
	if m.TotalRuns == 0 {
		return 0
	}
	return float64(m.SuccessfulRuns) / float64(m.TotalRuns) * 100
}

// AverageDuration returns the mean run duration.
func (m Metrics) AverageDuration() time.Duration {
	if m.TotalRuns == 0 {
		return 0
	}
	return m.TotalDuration / time.Duration(m.TotalRuns)
}

// Status is a serializable snapshot of an agent.
type Status struct {
	Name            string   `json:"name"`
	State           State    `json:"state"`
	Enabled         bool     `json:"enabled"`
	Priority        string   `json:"priority"`
	Metrics         Metrics  `json:"metrics"`
	SuccessRate     float64  `json:"success_rate"`
	AverageDuration string   `json:"average_duration"`
	Dependencies    []string `json:"dependencies"`
}

// Agent is a named unit of work. Run must not panic out: failures are
// captured and returned as a failed Result with a populated Error — the
// chain and orchestrator additionally recover as a boundary guard.
//
// Implementations embed *Base for the bookkeeping methods and provide Run.
// ValidateConfig and Cleanup have Base defaults (true and no-op).
type Agent interface {
	Run(ctx context.Context) Result
	ValidateConfig(ctx context.Context) bool
	Cleanup(ctx context.Context) error

	Name() string
	Priority() Priority
	Enabled() bool
	SetEnabled(enabled bool)
	State() State
	Metrics() Metrics
	Dependencies() []string
	RegisterDependency(name string)
	Status() Status

	base() *Base
}

// Base supplies the stateful plumbing shared by all agents. Its methods are
// safe for concurrent use; the scheduler loop and on-demand triggers may
// observe the same agent at once.
type Base struct {
	name     string
	priority Priority

	mu      sync.Mutex
	enabled bool
	state   State
	metrics Metrics
	deps    []string
}

// NewBase creates agent plumbing with the given name and priority.
// The agent starts enabled and idle.
func NewBase(name string, priority Priority) *Base {
	return &Base{
		name:     name,
		priority: priority,
		enabled:  true,
		state:    StateIdle,
	}
}

func (b *Base) base() *Base { return b }

// Name returns the agent's unique name.
func (b *Base) Name() string { return b.name }

// Priority returns the agent's tie-break priority.
func (b *Base) Priority() Priority { return b.priority }

// Enabled reports whether the agent should run.
func (b *Base) Enabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.enabled
}

// SetEnabled flips the enabled flag.
func (b *Base) SetEnabled(enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enabled = enabled
}

// State returns the current lifecycle state.
func (b *Base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Metrics returns a copy of the agent's run statistics.
func (b *Base) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.metrics
}

// Dependencies returns a copy of the registered dependency names.
func (b *Base) Dependencies() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.deps))
	copy(out, b.deps)
	return out
}

// RegisterDependency records that this agent depends on another agent.
// Re-adding an existing name is a no-op.
func (b *Base) RegisterDependency(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, d := range b.deps {
		if d == name {
			return
		}
	}
	b.deps = append(b.deps, name)
}

// ValidateConfig is the default validation hook.
func (b *Base) ValidateConfig(ctx context.Context) bool { return true }

// Cleanup is the default teardown hook.
func (b *Base) Cleanup(ctx context.Context) error { return nil }

// Status returns a serializable snapshot.
func (b *Base) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	deps := make([]string, len(b.deps))
	copy(deps, b.deps)
	return Status{
		Name:            b.name,
		State:           b.state,
		Enabled:         b.enabled,
		Priority:        b.priority.String(),
		Metrics:         b.metrics,
		SuccessRate:     b.metrics.SuccessRate(),
		AverageDuration: b.metrics.AverageDuration().String(),
		Dependencies:    deps,
	}
}

func (b *Base) setState(s State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = s
}

// recordRun folds one result into the agent's metrics and lifecycle state.
func (b *Base) recordRun(res Result, start, end time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metrics.TotalRuns++
	b.metrics.TotalDuration += end.Sub(start)
	b.metrics.LastRunStart = start
	b.metrics.LastRunEnd = end
	if res.Success {
		b.metrics.SuccessfulRuns++
		b.state = StateCompleted
	} else {
		b.metrics.FailedRuns++
		b.metrics.LastError = res.Error
		b.state = StateFailed
	}
}
