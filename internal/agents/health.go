// Package agents implements the indexer healing loop: a read-only health
// checker, enable/disable control primitives, the auto-heal cycle that
// records audit rows and disables failing indexers, and a discovery agent
// that pulls candidate indexers from external sources.
package agents

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/arrwarden/arrwarden/internal/agent"
	"github.com/arrwarden/arrwarden/internal/arr"
	"github.com/arrwarden/arrwarden/internal/breaker"
	"github.com/arrwarden/arrwarden/internal/healthcache"
)

// HealthAgentName is the registered name of the read-only health checker.
const HealthAgentName = "indexer_health"

// HealthAgent tests every indexer on every configured service and logs the
// outcomes. It never mutates indexer state; remediation belongs to
// AutoHealAgent. Results are recorded in the shared cache so other readers
// (and the next run inside the TTL) skip redundant tests, and each service
// sits behind a circuit breaker so a dead service stops being hammered.
type HealthAgent struct {
	*agent.Base

	services []arr.Service
	cache    *healthcache.Cache
	breakers map[string]*breaker.Breaker
	logger   *slog.Logger
}

// Breaker defaults for the per-service gate.
const (
	breakerFailureThreshold = 5
	breakerRecoveryTimeout  = 60 * time.Second
)

// NewHealthAgent creates the health checker over the given services.
func NewHealthAgent(services []arr.Service, cache *healthcache.Cache, logger *slog.Logger) *HealthAgent {
	breakers := make(map[string]*breaker.Breaker, len(services))
	for _, svc := range services {
		breakers[svc.Name()] = breaker.New(svc.Name(), breakerFailureThreshold, breakerRecoveryTimeout, logger)
	}
	return &HealthAgent{
		Base:     agent.NewBase(HealthAgentName, agent.PriorityHigh),
		services: services,
		cache:    cache,
		breakers: breakers,
		logger:   logger,
	}
}

// Breaker returns the circuit breaker guarding one service, or nil.
func (a *HealthAgent) Breaker(service string) *breaker.Breaker {
	return a.breakers[service]
}

// Run checks every indexer on every service. A service whose indexer list
// cannot be fetched is skipped for this run; the others are still checked.
func (a *HealthAgent) Run(ctx context.Context) agent.Result {
	a.logger.Info("starting health check cycle")

	var tested, passed, failed, cached, skipped int
	allServicesReachable := true

	for _, svc := range a.services {
		br := a.breakers[svc.Name()]

		if !br.Allow() {
			a.logger.Warn("service circuit open, skipping", "service", svc.Name())
			allServicesReachable = false
			continue
		}

		indexers, err := svc.GetIndexers(ctx)
		if err != nil {
			a.logger.Error("failed to fetch indexers", "service", svc.Name(), "error", err)
			br.RecordFailure()
			allServicesReachable = false
			continue
		}
		br.RecordSuccess()

		a.logger.Debug("testing indexers", "service", svc.Name(), "count", len(indexers))
		for _, ix := range indexers {
			if entry, ok := a.cache.Get(svc.Name(), ix.ID); ok {
				a.logger.Debug("using cached result",
					"service", svc.Name(), "indexer", entry.IndexerName, "success", entry.Success)
				cached++
				continue
			}
			if !br.Allow() {
				skipped++
				continue
			}

			tested++
			if err := svc.TestIndexer(ctx, ix.ID); err != nil {
				a.logger.Warn("indexer failed health check",
					"service", svc.Name(), "indexer", ix.DisplayName(), "error", err)
				a.cache.Set(svc.Name(), ix.ID, ix.DisplayName(), false, err.Error())
				br.RecordFailure()
				failed++
				continue
			}
			a.logger.Info("indexer passed health check",
				"service", svc.Name(), "indexer", ix.DisplayName())
			a.cache.Set(svc.Name(), ix.ID, ix.DisplayName(), true, "")
			br.RecordSuccess()
			passed++
		}
	}

	msg := fmt.Sprintf("health check: %d tested, %d passed, %d failed, %d cached, %d skipped",
		tested, passed, failed, cached, skipped)
	a.logger.Info("health check cycle completed", "summary", msg)

	res := agent.Result{
		Success:   allServicesReachable,
		Message:   msg,
		Timestamp: time.Now().UTC(),
		Metrics: map[string]any{
			"tested":  tested,
			"passed":  passed,
			"failed":  failed,
			"cached":  cached,
			"skipped": skipped,
		},
	}
	if !allServicesReachable {
		res.Error = "one or more services were unreachable"
	}
	return res
}

// ValidateConfig requires at least one service to check.
func (a *HealthAgent) ValidateConfig(ctx context.Context) bool {
	return len(a.services) > 0
}
