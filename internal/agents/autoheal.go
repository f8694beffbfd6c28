package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/arrwarden/arrwarden/internal/agent"
	"github.com/arrwarden/arrwarden/internal/arr"
	"github.com/arrwarden/arrwarden/internal/storage"
)

// AutoHealAgentName is the registered name of the healing agent.
const AutoHealAgentName = "indexer_autoheal"

// maxAuditErrorLen bounds the error text stored on an audit record.
const maxAuditErrorLen = 200

// AuditSession is one open transaction over the audit trail.
type AuditSession interface {
	Stage(ctx context.Context, rec storage.HealthRecord) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context)
	Staged() int
}

// AuditStore opens audit sessions, one per heal cycle.
type AuditStore interface {
	BeginAudit(ctx context.Context) (AuditSession, error)
}

// DBAuditStore adapts *storage.DB to the AuditStore interface.
type DBAuditStore struct {
	DB *storage.DB
}

func (s DBAuditStore) BeginAudit(ctx context.Context) (AuditSession, error) {
	return s.DB.BeginAudit(ctx)
}

// AutoHealAgent is the main autonomous healing agent. Each run tests every
// indexer on every configured service, stages a pass/fail audit record per
// test, disables indexers that fail, and commits all staged records as one
// unit at the end of the cycle.
//
// Disable calls go out against the external control surface as failures are
// found; a later commit failure rolls back the audit records but cannot
// undo those disables.
type AutoHealAgent struct {
	*agent.Base

	services []arr.Service
	control  *ControlAgent
	store    AuditStore
	logger   *slog.Logger
}

// NewAutoHealAgent creates the healing agent over the given services.
func NewAutoHealAgent(services []arr.Service, control *ControlAgent, store AuditStore, logger *slog.Logger) *AutoHealAgent {
	return &AutoHealAgent{
		Base:     agent.NewBase(AutoHealAgentName, agent.PriorityCritical),
		services: services,
		control:  control,
		store:    store,
		logger:   logger,
	}
}

// Run executes one heal cycle.
//
// A service whose indexer list cannot be fetched is skipped; other services
// are still processed. An individual test failure stages a fail record and
// triggers a disable attempt; a failed disable is logged and the staged
// record is kept. Everything staged commits atomically at the end.
func (a *AutoHealAgent) Run(ctx context.Context) agent.Result {
	a.logger.Info("starting autoheal cycle")

	session, err := a.store.BeginAudit(ctx)
	if err != nil {
		a.logger.Error("failed to open audit session", "error", err)
		return agent.Result{
			Success:   false,
			Message:   "could not open audit session",
			Error:     err.Error(),
			Timestamp: time.Now().UTC(),
		}
	}

	var tested, passed, failed, disabled int
	staging := true

	for _, svc := range a.services {
		indexers, err := svc.GetIndexers(ctx)
		if err != nil {
			a.logger.Error("failed to fetch indexers", "service", svc.Name(), "error", err)
			continue
		}

		a.logger.Debug("testing indexers", "service", svc.Name(), "count", len(indexers))
		for _, ix := range indexers {
			tested++

			testErr := svc.TestIndexer(ctx, ix.ID)
			rec := storage.HealthRecord{
				Service:   svc.Name(),
				IndexerID: ix.ID,
				Name:      ix.DisplayName(),
				Success:   testErr == nil,
			}

			if testErr == nil {
				passed++
				a.logger.Debug("indexer passed health check",
					"service", svc.Name(), "indexer", ix.DisplayName())
			} else {
				failed++
				rec.Error = truncateError(testErr)
				a.logger.Warn("indexer failed health check",
					"service", svc.Name(), "indexer", ix.DisplayName(), "error", rec.Error)
			}

			if staging {
				if err := session.Stage(ctx, rec); err != nil {
					// The tx is poisoned; keep testing and disabling, but
					// stop staging and report the cycle as failed.
					a.logger.Error("failed to stage audit record",
						"service", svc.Name(), "indexer", ix.DisplayName(), "error", err)
					staging = false
				}
			}

			if testErr != nil {
				if err := a.control.DisableIndexer(ctx, svc, ix); err != nil {
					if errors.Is(err, arr.ErrUpdateUnsupported) {
						// Observe-only service (Prowlarr): record the
						// failure in the audit trail but leave remediation
						// to its own app-level health handling.
						a.logger.Debug("service does not accept indexer writes, skipping disable",
							"service", svc.Name(), "indexer", ix.DisplayName())
					} else {
						a.logger.Error("failed to disable indexer",
							"service", svc.Name(), "indexer", ix.DisplayName(), "error", err)
					}
				} else {
					disabled++
				}
			}
		}
	}

	msg := fmt.Sprintf("autoheal cycle: %d tested, %d passed, %d failed, %d disabled",
		tested, passed, failed, disabled)
	metrics := map[string]any{
		"tested":   tested,
		"passed":   passed,
		"failed":   failed,
		"disabled": disabled,
	}

	if !staging {
		session.Rollback(ctx)
		return agent.Result{
			Success:   false,
			Message:   msg,
			Error:     "audit staging failed, records rolled back",
			Metrics:   metrics,
			Timestamp: time.Now().UTC(),
		}
	}

	if err := session.Commit(ctx); err != nil {
		session.Rollback(ctx)
		a.logger.Error("failed to commit autoheal results", "error", err)
		return agent.Result{
			Success:   false,
			Message:   msg,
			Error:     fmt.Sprintf("audit commit failed: %s", err),
			Metrics:   metrics,
			Timestamp: time.Now().UTC(),
		}
	}

	a.logger.Info("autoheal cycle completed", "summary", msg)
	return agent.Result{
		Success:   true,
		Message:   msg,
		Metrics:   metrics,
		Timestamp: time.Now().UTC(),
	}
}

// ValidateConfig requires services and an audit store.
func (a *AutoHealAgent) ValidateConfig(ctx context.Context) bool {
	return len(a.services) > 0 && a.store != nil
}

func truncateError(err error) string {
	msg := err.Error()
	if len(msg) > maxAuditErrorLen {
		return msg[:maxAuditErrorLen]
	}
	return msg
}
