package agent

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordEventBoundedHistory(t *testing.T) {
	m := NewMonitor(5, testLogger())
	for i := range 8 {
		m.RecordEvent(EventAgentCompleted, "a", fmt.Sprintf("run %d", i), nil)
	}

	events := m.Events(EventFilter{}, 100)
	require.Len(t, events, 5)
	// Most recent first; oldest three were dropped.
	assert.Equal(t, "run 7", events[0].Message)
	assert.Equal(t, "run 3", events[4].Message)
}

func TestUpdateAgentHealthThreshold(t *testing.T) {
	m := NewMonitor(100, testLogger())

	m.UpdateAgentHealth("a", false, "err 1")
	m.UpdateAgentHealth("a", false, "err 2")

	health, ok := m.AgentHealth("a")
	require.True(t, ok)
	assert.True(t, health.IsHealthy, "two failures stay below the threshold")
	assert.Equal(t, 2, health.ConsecutiveFailures)

	m.UpdateAgentHealth("a", false, "err 3")
	health, _ = m.AgentHealth("a")
	assert.False(t, health.IsHealthy)
	assert.Equal(t, 3, health.ConsecutiveFailures)
	assert.Equal(t, "err 3", health.LastError)
	assert.Equal(t, []string{"a"}, m.UnhealthyAgents())

	// The threshold crossing records an agent_failed event with the count.
	events := m.Events(EventFilter{Type: EventAgentFailed}, 10)
	require.Len(t, events, 1)
	assert.Equal(t, "a", events[0].AgentName)
	assert.Equal(t, 3, events[0].Metadata["consecutive_failures"])
}

func TestUpdateAgentHealthSuccessResets(t *testing.T) {
	m := NewMonitor(100, testLogger())
	for i := range 3 {
		m.UpdateAgentHealth("a", false, fmt.Sprintf("err %d", i))
	}
	m.UpdateAgentHealth("a", true, "")

	health, _ := m.AgentHealth("a")
	assert.True(t, health.IsHealthy)
	assert.Equal(t, 0, health.ConsecutiveFailures)
	assert.Empty(t, health.LastError)
	assert.Empty(t, m.UnhealthyAgents())
}

func TestAgentHealthUnknown(t *testing.T) {
	m := NewMonitor(100, testLogger())
	_, ok := m.AgentHealth("ghost")
	assert.False(t, ok)
}

func TestEventsFiltering(t *testing.T) {
	m := NewMonitor(100, testLogger())
	m.RecordEvent(EventAgentCompleted, "a", "a done", nil)
	m.RecordEvent(EventAgentFailed, "b", "b failed", nil)
	m.RecordEvent(EventAgentCompleted, "b", "b done", nil)

	byAgent := m.Events(EventFilter{AgentName: "b"}, 10)
	require.Len(t, byAgent, 2)
	assert.Equal(t, "b done", byAgent[0].Message)

	byType := m.Events(EventFilter{Type: EventAgentFailed}, 10)
	require.Len(t, byType, 1)
	assert.Equal(t, "b failed", byType[0].Message)

	limited := m.Events(EventFilter{}, 1)
	require.Len(t, limited, 1)
	assert.Equal(t, "b done", limited[0].Message)
}

func TestSummary(t *testing.T) {
	m := NewMonitor(100, testLogger())
	m.UpdateAgentHealth("healthy", true, "")
	for range 3 {
		m.UpdateAgentHealth("sick", false, "down")
	}

	s := m.Summary()
	assert.Equal(t, 2, s.TotalAgents)
	assert.Equal(t, 1, s.HealthyAgents)
	assert.Equal(t, 1, s.UnhealthyAgents)
	assert.InDelta(t, 50.0, s.HealthPercentage, 0.001)
	assert.NotEmpty(t, s.RecentEvents)
}

func TestEventHooks(t *testing.T) {
	m := NewMonitor(100, testLogger())
	var got []Event
	m.AddHook(func(e Event) { got = append(got, e) })

	m.RecordEvent(EventIndexerDisabled, "autoheal", "disabled indexer", map[string]any{"indexer_id": 4})

	require.Len(t, got, 1)
	assert.Equal(t, EventIndexerDisabled, got[0].Type)
	assert.NotEmpty(t, got[0].ID)
}
