package agents

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/arrwarden/arrwarden/internal/agent"
	"github.com/arrwarden/arrwarden/internal/arr"
)

// ControlAgent provides the primitive enable/disable operations on
// indexers. It intentionally keeps the logic small: copy the record, flip
// the flag, push the copy through the owning service's update call. It is
// consumed by AutoHealAgent and exposed to the API layer; it has no run
// loop of its own.
type ControlAgent struct {
	monitor *agent.Monitor
	logger  *slog.Logger
}

// NewControlAgent creates the control primitives. monitor may be nil.
func NewControlAgent(monitor *agent.Monitor, logger *slog.Logger) *ControlAgent {
	return &ControlAgent{monitor: monitor, logger: logger}
}

// DisableIndexer turns an indexer off via the owning service's API.
// The caller's record is never mutated.
func (c *ControlAgent) DisableIndexer(ctx context.Context, svc arr.Service, ix arr.Indexer) error {
	cp := ix.Clone()
	cp.Enable = false

	if err := svc.UpdateIndexer(ctx, cp); err != nil {
		c.logger.Error("failed to disable indexer",
			"service", svc.Name(), "indexer", ix.DisplayName(), "error", err)
		return fmt.Errorf("agents: disable indexer %s/%s: %w", svc.Name(), ix.DisplayName(), err)
	}

	c.logger.Warn("disabled indexer", "service", svc.Name(), "indexer", ix.DisplayName())
	c.record(agent.EventIndexerDisabled, svc.Name(), ix)
	return nil
}

// EnableIndexer turns an indexer back on via the owning service's API.
func (c *ControlAgent) EnableIndexer(ctx context.Context, svc arr.Service, ix arr.Indexer) error {
	cp := ix.Clone()
	cp.Enable = true

	if err := svc.UpdateIndexer(ctx, cp); err != nil {
		c.logger.Error("failed to enable indexer",
			"service", svc.Name(), "indexer", ix.DisplayName(), "error", err)
		return fmt.Errorf("agents: enable indexer %s/%s: %w", svc.Name(), ix.DisplayName(), err)
	}

	c.logger.Info("enabled indexer", "service", svc.Name(), "indexer", ix.DisplayName())
	c.record(agent.EventIndexerEnabled, svc.Name(), ix)
	return nil
}

func (c *ControlAgent) record(typ agent.EventType, service string, ix arr.Indexer) {
	if c.monitor == nil {
		return
	}
	c.monitor.RecordEvent(typ, "",
		fmt.Sprintf("%s indexer %s", service, ix.DisplayName()),
		map[string]any{
			"service":    service,
			"indexer_id": ix.ID,
			"name":       ix.DisplayName(),
		})
}
