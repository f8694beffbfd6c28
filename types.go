package arrwarden

import "time"

// Event is the public representation of a monitor event, delivered to
// registered EventHooks. It is a curated view of the internal event type
// so external consumers never import internal packages.
type Event struct {
	ID        string
	Type      string
	AgentName string
	Message   string
	Timestamp time.Time
	Metadata  map[string]any
}

// Well-known event types delivered to hooks. The stream also carries
// orchestrator lifecycle events not listed here.
const (
	EventTypeAgentCompleted  = "agent_completed"
	EventTypeAgentFailed     = "agent_failed"
	EventTypeIndexerDisabled = "indexer_disabled"
	EventTypeIndexerEnabled  = "indexer_enabled"
)
