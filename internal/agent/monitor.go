package agent

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType classifies monitor events.
type EventType string

const (
	EventAgentStarted        EventType = "agent_started"
	EventAgentCompleted      EventType = "agent_completed"
	EventAgentFailed         EventType = "agent_failed"
	EventAgentDisabled       EventType = "agent_disabled"
	EventAgentEnabled        EventType = "agent_enabled"
	EventOrchestratorStarted EventType = "orchestrator_started"
	EventOrchestratorStopped EventType = "orchestrator_stopped"
	EventConfigValidated     EventType = "config_validated"
	EventErrorEncountered    EventType = "error_encountered"
	EventIndexerDisabled     EventType = "indexer_disabled"
	EventIndexerEnabled      EventType = "indexer_enabled"
	EventDependencyFailed    EventType = "agent_dependency_failed"
)

// Event is one immutable entry in the monitor's bounded log.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	AgentName string         `json:"agent_name,omitempty"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// HealthStatus is a per-agent consecutive-failure state machine, distinct
// from any single run's success or failure.
type HealthStatus struct {
	AgentName           string    `json:"agent_name"`
	IsHealthy           bool      `json:"is_healthy"`
	LastRun             time.Time `json:"last_run,omitzero"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	UptimePercentage    float64   `json:"uptime_percentage"`
}

// failureThreshold is the number of consecutive failures after which an
// agent is marked unhealthy.
const failureThreshold = 3

// EventHook receives every recorded event. Hooks must not block.
type EventHook func(Event)

// StatusSummary aggregates monitor state for the API layer.
type StatusSummary struct {
	TotalAgents      int                     `json:"total_agents"`
	HealthyAgents    int                     `json:"healthy_agents"`
	UnhealthyAgents  int                     `json:"unhealthy_agents"`
	HealthPercentage float64                 `json:"health_percentage"`
	TotalEvents      int                     `json:"total_events_logged"`
	RecentEvents     []Event                 `json:"recent_events"`
	AgentHealth      map[string]HealthStatus `json:"agent_health"`
}

// Monitor tracks per-agent health and keeps a bounded FIFO event log.
type Monitor struct {
	logger          *slog.Logger
	maxEventHistory int

	mu     sync.Mutex
	events []Event
	health map[string]*HealthStatus
	hooks  []EventHook
}

// NewMonitor creates a monitor that retains at most maxEventHistory events.
func NewMonitor(maxEventHistory int, logger *slog.Logger) *Monitor {
	return &Monitor{
		logger:          logger,
		maxEventHistory: maxEventHistory,
		health:          make(map[string]*HealthStatus),
	}
}

// AddHook registers a fan-out callback invoked for every recorded event.
func (m *Monitor) AddHook(h EventHook) {
	m.mu.Lock()
	m.hooks = append(m.hooks, h)
	m.mu.Unlock()
}

// RecordEvent appends an event, dropping the oldest entries past the cap.
func (m *Monitor) RecordEvent(t EventType, agentName, message string, metadata map[string]any) {
	e := Event{
		ID:        uuid.New().String(),
		Type:      t,
		AgentName: agentName,
		Message:   message,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	}

	m.mu.Lock()
	m.events = append(m.events, e)
	if len(m.events) > m.maxEventHistory {
		m.events = m.events[len(m.events)-m.maxEventHistory:]
	}
	hooks := make([]EventHook, len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.Unlock()

	m.logger.Debug("monitor: event recorded", "type", string(t), "agent", agentName, "message", message)
	for _, h := range hooks {
		h(e)
	}
}

// UpdateAgentHealth folds one run outcome into the agent's health state.
// Any success resets the failure streak; the threshold flips the agent
// unhealthy and records an agent_failed event.
func (m *Monitor) UpdateAgentHealth(agentName string, success bool, errMsg string) {
	m.mu.Lock()
	status, ok := m.health[agentName]
	if !ok {
		status = &HealthStatus{AgentName: agentName, IsHealthy: true, UptimePercentage: 100}
		m.health[agentName] = status
	}
	status.LastRun = time.Now().UTC()

	crossedThreshold := false
	if success {
		status.ConsecutiveFailures = 0
		status.IsHealthy = true
		status.LastError = ""
	} else {
		status.ConsecutiveFailures++
		status.LastError = errMsg
		if status.ConsecutiveFailures >= failureThreshold {
			status.IsHealthy = false
			crossedThreshold = true
		}
	}
	failures := status.ConsecutiveFailures
	m.mu.Unlock()

	if crossedThreshold {
		m.logger.Warn("monitor: agent marked unhealthy",
			"agent", agentName, "consecutive_failures", failures)
		m.RecordEvent(EventAgentFailed, agentName,
			"agent marked unhealthy",
			map[string]any{"consecutive_failures": failures})
	}
}

// AgentHealth returns a copy of one agent's health status.
func (m *Monitor) AgentHealth(agentName string) (HealthStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status, ok := m.health[agentName]
	if !ok {
		return HealthStatus{}, false
	}
	return *status, true
}

// AllHealth returns a copy of every agent's health status.
func (m *Monitor) AllHealth() map[string]HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]HealthStatus, len(m.health))
	for name, s := range m.health {
		out[name] = *s
	}
	return out
}

// UnhealthyAgents returns the names of agents currently marked unhealthy.
func (m *Monitor) UnhealthyAgents() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for name, s := range m.health {
		if !s.IsHealthy {
			out = append(out, name)
		}
	}
	return out
}

// EventFilter narrows Events queries. Zero values match everything.
type EventFilter struct {
	AgentName string
	Type      EventType
}

// Events returns up to limit matching events, most recent first.
func (m *Monitor) Events(filter EventFilter, limit int) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Event
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		e := m.events[i]
		if filter.AgentName != "" && e.AgentName != filter.AgentName {
			continue
		}
		if filter.Type != "" && e.Type != filter.Type {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Summary aggregates health counts and the ten most recent events.
func (m *Monitor) Summary() StatusSummary {
	health := m.AllHealth()
	recent := m.Events(EventFilter{}, 10)

	m.mu.Lock()
	total := len(m.events)
	m.mu.Unlock()

	healthy := 0
	for _, s := range health {
		if s.IsHealthy {
			healthy++
		}
	}
	pct := 0.0
	if len(health) > 0 {
		pct = float64(healthy) / float64(len(health)) * 100
	}
	return StatusSummary{
		TotalAgents:      len(health),
		HealthyAgents:    healthy,
		UnhealthyAgents:  len(health) - healthy,
		HealthPercentage: pct,
		TotalEvents:      total,
		RecentEvents:     recent,
		AgentHealth:      health,
	}
}
