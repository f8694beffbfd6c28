package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// Schedule holds the periodic execution state for one agent.
type Schedule struct {
	AgentName         string        `json:"agent_name"`
	Interval          time.Duration `json:"interval"`
	Enabled           bool          `json:"enabled"`
	LastExecuted      time.Time     `json:"last_executed,omitzero"`
	NextExecution     time.Time     `json:"next_execution,omitzero"`
	MaxConcurrentRuns int           `json:"max_concurrent_runs"`
}

// ShouldExecute reports whether the schedule is due at the given time.
// A schedule that has never fired is immediately due.
func (s *Schedule) ShouldExecute(now time.Time) bool {
	if !s.Enabled {
		return false
	}
	if s.NextExecution.IsZero() {
		return true
	}
	return !now.Before(s.NextExecution)
}

// advance moves the schedule forward from an actual completion time.
// Intervals are measured from completion, so timing drifts under load
// rather than staying wall-clock fixed.
func (s *Schedule) advance(now time.Time) {
	s.LastExecuted = now
	s.NextExecution = now.Add(s.Interval)
}

// OrchestratorMetrics accumulates cycle- and agent-level counters.
type OrchestratorMetrics struct {
	TotalCycles         int       `json:"total_cycles"`
	SuccessfulCycles    int       `json:"successful_cycles"`
	FailedCycles        int       `json:"failed_cycles"`
	TotalAgentRuns      int       `json:"total_agent_runs"`
	TotalAgentSuccesses int       `json:"total_agent_successes"`
	TotalAgentFailures  int       `json:"total_agent_failures"`
	StartedAt           time.Time `json:"started_at"`
}

// CycleSuccessRate returns the percentage of fully-successful cycles.
func (m OrchestratorMetrics) CycleSuccessRate() float64 {
	if m.TotalCycles == 0 {
		return 0
	}
	return float64(m.SuccessfulCycles) / float64(m.TotalCycles) * 100
}

// AgentSuccessRate returns the percentage of successful agent runs.
func (m OrchestratorMetrics) AgentSuccessRate() float64 {
	if m.TotalAgentRuns == 0 {
		return 0
	}
	return float64(m.TotalAgentSuccesses) / float64(m.TotalAgentRuns) * 100
}

// OrchestratorStatus is a serializable snapshot of the orchestrator.
type OrchestratorStatus struct {
	Name             string                    `json:"name"`
	Running          bool                      `json:"running"`
	Agents           map[string]Status         `json:"agents"`
	Schedules        map[string]ScheduleStatus `json:"schedules"`
	Metrics          OrchestratorMetrics       `json:"metrics"`
	CycleSuccessRate float64                   `json:"cycle_success_rate"`
	AgentSuccessRate float64                   `json:"agent_success_rate"`
	UptimeSeconds    float64                   `json:"uptime_seconds"`
}

// ScheduleStatus is the serializable view of one schedule.
type ScheduleStatus struct {
	Interval      string    `json:"interval"`
	Enabled       bool      `json:"enabled"`
	LastExecuted  time.Time `json:"last_executed,omitzero"`
	NextExecution time.Time `json:"next_execution,omitzero"`
	ActiveRuns    int       `json:"active_runs"`
}

// Orchestrator owns per-agent interval schedules and concurrency limits,
// runs the cooperative polling loop, and aggregates cycle metrics.
// On-demand triggers and the polling loop may execute the same agent
// concurrently only up to the schedule's MaxConcurrentRuns; triggers past
// the cap are skipped, not queued.
type Orchestrator struct {
	name    string
	logger  *slog.Logger
	monitor *Monitor // optional; nil disables health forwarding

	mu         sync.Mutex
	agents     map[string]Agent
	schedules  map[string]*Schedule
	activeRuns map[string]int
	metrics    OrchestratorMetrics
	running    bool

	stopOnce sync.Once
	stopCh   chan struct{}

	now func() time.Time // injectable for tests

	runsCounter otelmetric.Int64Counter
}

// OrchestratorOption customizes a new orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithMonitor forwards every produced result into the monitor's health
// state machine.
func WithMonitor(m *Monitor) OrchestratorOption {
	return func(o *Orchestrator) { o.monitor = m }
}

// WithClock overrides the orchestrator's time source (tests only).
func WithClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) { o.now = now }
}

// NewOrchestrator creates an orchestrator with no registered agents.
func NewOrchestrator(name string, logger *slog.Logger, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		name:       name,
		logger:     logger,
		agents:     make(map[string]Agent),
		schedules:  make(map[string]*Schedule),
		activeRuns: make(map[string]int),
		stopCh:     make(chan struct{}),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	o.metrics.StartedAt = o.now()
	return o
}

// RegisterMetrics registers OTEL instruments for the orchestrator. Call
// after telemetry initialization; a no-op meter provider makes this safe
// when OTEL is disabled.
func (o *Orchestrator) RegisterMetrics() error {
	meter := otel.GetMeterProvider().Meter("arrwarden/orchestrator")

	runs, err := meter.Int64Counter("arrwarden.agent.runs",
		otelmetric.WithDescription("Agent runs by outcome"))
	if err != nil {
		return fmt.Errorf("agent: register runs counter: %w", err)
	}
	o.runsCounter = runs

	_, err = meter.Float64ObservableGauge("arrwarden.orchestrator.uptime_seconds",
		otelmetric.WithDescription("Seconds since the orchestrator was created"),
		otelmetric.WithFloat64Callback(func(_ context.Context, obs otelmetric.Float64Observer) error {
			o.mu.Lock()
			started := o.metrics.StartedAt
			o.mu.Unlock()
			obs.Observe(o.now().Sub(started).Seconds())
			return nil
		}))
	if err != nil {
		return fmt.Errorf("agent: register uptime gauge: %w", err)
	}
	return nil
}

// RegisterAgent adds an agent. If interval is positive, the agent is also
// scheduled with next execution set to now, so it fires on the first poll.
func (o *Orchestrator) RegisterAgent(a Agent, interval time.Duration) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.agents[a.Name()]; ok {
		return fmt.Errorf("agent: %q already registered", a.Name())
	}
	o.agents[a.Name()] = a
	o.activeRuns[a.Name()] = 0

	if interval > 0 {
		o.schedules[a.Name()] = &Schedule{
			AgentName:         a.Name(),
			Interval:          interval,
			Enabled:           true,
			NextExecution:     o.now(),
			MaxConcurrentRuns: 1,
		}
		o.logger.Info("orchestrator: scheduled agent", "agent", a.Name(), "interval", interval)
	} else {
		o.logger.Debug("orchestrator: registered on-demand agent", "agent", a.Name())
	}
	return nil
}

// UnregisterAgent removes an agent and its schedule. Returns false when
// the name is unknown.
func (o *Orchestrator) UnregisterAgent(name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.agents[name]; !ok {
		return false
	}
	delete(o.agents, name)
	delete(o.schedules, name)
	delete(o.activeRuns, name)
	o.logger.Info("orchestrator: unregistered agent", "agent", name)
	return true
}

// EnableAgent enables an agent and its schedule.
func (o *Orchestrator) EnableAgent(name string) bool {
	return o.setEnabled(name, true)
}

// DisableAgent disables an agent and its schedule.
func (o *Orchestrator) DisableAgent(name string) bool {
	return o.setEnabled(name, false)
}

func (o *Orchestrator) setEnabled(name string, enabled bool) bool {
	o.mu.Lock()
	a, ok := o.agents[name]
	if !ok {
		o.mu.Unlock()
		return false
	}
	if s, ok := o.schedules[name]; ok {
		s.Enabled = enabled
	}
	o.mu.Unlock()

	a.SetEnabled(enabled)
	o.logger.Info("orchestrator: agent toggled", "agent", name, "enabled", enabled)
	return true
}

// ExecuteAgent runs one agent on demand. It returns nil when the agent is
// unknown or when the schedule's concurrency cap is reached (a skipped
// outcome, not an error). It never panics out of an agent failure.
func (o *Orchestrator) ExecuteAgent(ctx context.Context, name string) *Result {
	o.mu.Lock()
	a, ok := o.agents[name]
	if !ok {
		o.mu.Unlock()
		o.logger.Error("orchestrator: agent not found", "agent", name)
		return nil
	}
	schedule := o.schedules[name]
	if schedule != nil && o.activeRuns[name] >= schedule.MaxConcurrentRuns {
		o.mu.Unlock()
		o.logger.Warn("orchestrator: agent at max concurrent runs",
			"agent", name, "max", schedule.MaxConcurrentRuns)
		return nil
	}
	o.activeRuns[name]++
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		if o.activeRuns[name] > 0 {
			o.activeRuns[name]--
		}
		if schedule != nil {
			schedule.advance(o.now())
		}
		o.mu.Unlock()
	}()

	o.logger.Debug("orchestrator: executing agent", "agent", name)
	res := runAgent(ctx, a)

	o.mu.Lock()
	o.metrics.TotalAgentRuns++
	if res.Success {
		o.metrics.TotalAgentSuccesses++
	} else {
		o.metrics.TotalAgentFailures++
	}
	o.mu.Unlock()

	if o.runsCounter != nil {
		o.runsCounter.Add(ctx, 1, otelmetric.WithAttributes(
			attribute.String("agent", name),
			attribute.Bool("success", res.Success),
		))
	}
	if o.monitor != nil {
		o.monitor.UpdateAgentHealth(name, res.Success, res.Error)
	}
	return &res
}

// ExecuteScheduledAgents runs every agent whose schedule is due and
// returns the produced results.
func (o *Orchestrator) ExecuteScheduledAgents(ctx context.Context) []Result {
	o.mu.Lock()
	var due []string
	now := o.now()
	for name, s := range o.schedules {
		if s.ShouldExecute(now) {
			due = append(due, name)
		}
	}
	o.mu.Unlock()

	var results []Result
	for _, name := range due {
		if res := o.ExecuteAgent(ctx, name); res != nil {
			results = append(results, *res)
		}
	}
	return results
}

// Start runs the cooperative polling loop until ctx is cancelled or Stop
// is called. A cycle counts as successful only when every result produced
// in it succeeded. The loop itself never crashes from an agent failure.
func (o *Orchestrator) Start(ctx context.Context, pollInterval time.Duration) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		o.logger.Warn("orchestrator: already running")
		return
	}
	o.running = true
	o.mu.Unlock()

	o.logger.Info("orchestrator: starting", "name", o.name, "poll_interval", pollInterval)
	if o.monitor != nil {
		o.monitor.RecordEvent(EventOrchestratorStarted, "", "orchestrator started", nil)
	}

	for {
		o.runCycle(ctx)

		select {
		case <-ctx.Done():
			o.Stop(context.WithoutCancel(ctx))
			return
		case <-o.stopCh:
			return
		case <-time.After(pollInterval):
		}
	}
}

// runCycle executes one scheduling pass. A panic escaping the pass is
// recorded as a failed cycle and the loop continues.
func (o *Orchestrator) runCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("orchestrator: cycle panicked", "panic", fmt.Sprint(r))
			o.mu.Lock()
			o.metrics.TotalCycles++
			o.metrics.FailedCycles++
			o.mu.Unlock()
		}
	}()

	results := o.ExecuteScheduledAgents(ctx)
	if len(results) == 0 {
		return
	}

	succeeded := 0
	for _, r := range results {
		if r.Success {
			succeeded++
		}
	}

	o.mu.Lock()
	o.metrics.TotalCycles++
	if succeeded == len(results) {
		o.metrics.SuccessfulCycles++
	} else {
		o.metrics.FailedCycles++
	}
	o.mu.Unlock()
}

// Stop ends the polling loop and runs every agent's Cleanup hook.
// Cleanup failures are logged, never propagated.
func (o *Orchestrator) Stop(ctx context.Context) {
	o.stopOnce.Do(func() {
		o.logger.Info("orchestrator: stopping", "name", o.name)
		o.mu.Lock()
		o.running = false
		agents := make([]Agent, 0, len(o.agents))
		for _, a := range o.agents {
			agents = append(agents, a)
		}
		o.mu.Unlock()
		close(o.stopCh)

		for _, a := range agents {
			if err := a.Cleanup(ctx); err != nil {
				o.logger.Error("orchestrator: agent cleanup failed",
					"agent", a.Name(), "error", err)
			}
		}
		if o.monitor != nil {
			o.monitor.RecordEvent(EventOrchestratorStopped, "", "orchestrator stopped", nil)
		}
		o.logger.Info("orchestrator: stopped", "name", o.name)
	})
}

// Status returns a serializable snapshot of agents, schedules and metrics.
func (o *Orchestrator) Status() OrchestratorStatus {
	o.mu.Lock()
	defer o.mu.Unlock()

	agents := make(map[string]Status, len(o.agents))
	for name, a := range o.agents {
		agents[name] = a.Status()
	}
	schedules := make(map[string]ScheduleStatus, len(o.schedules))
	for name, s := range o.schedules {
		schedules[name] = ScheduleStatus{
			Interval:      s.Interval.String(),
			Enabled:       s.Enabled,
			LastExecuted:  s.LastExecuted,
			NextExecution: s.NextExecution,
			ActiveRuns:    o.activeRuns[name],
		}
	}
	return OrchestratorStatus{
		Name:             o.name,
		Running:          o.running,
		Agents:           agents,
		Schedules:        schedules,
		Metrics:          o.metrics,
		CycleSuccessRate: o.metrics.CycleSuccessRate(),
		AgentSuccessRate: o.metrics.AgentSuccessRate(),
		UptimeSeconds:    o.now().Sub(o.metrics.StartedAt).Seconds(),
	}
}
