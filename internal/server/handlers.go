package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/arrwarden/arrwarden/internal/agent"
	"github.com/arrwarden/arrwarden/internal/agents"
	"github.com/arrwarden/arrwarden/internal/arr"
	"github.com/arrwarden/arrwarden/internal/auth"
	"github.com/arrwarden/arrwarden/internal/healthcache"
	"github.com/arrwarden/arrwarden/internal/storage"
)

// HealthStore is the audit-trail query surface the API reads from.
// *storage.DB satisfies it; tests substitute a fake.
type HealthStore interface {
	Ping(ctx context.Context) error
	RecentHealth(ctx context.Context, service string, limit int) ([]storage.HealthRecord, error)
	HealthSummary(ctx context.Context, window time.Duration) ([]storage.ServiceSummary, error)
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	orchestrator *agent.Orchestrator
	monitor      *agent.Monitor
	cache        *healthcache.Cache
	store        HealthStore
	control      *agents.ControlAgent
	services     map[string]arr.Service
	jwtMgr       *auth.JWTManager

	adminKeyHash string
	broker       *Broker
	logger       *slog.Logger
	startedAt    time.Time
	version      string

	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Store, Broker, Cache.
type HandlersDeps struct {
	Orchestrator *agent.Orchestrator
	Monitor      *agent.Monitor
	Cache        *healthcache.Cache
	Store        HealthStore
	Control      *agents.ControlAgent
	Services     map[string]arr.Service
	JWTMgr       *auth.JWTManager

	AdminKeyHash string
	Broker       *Broker
	Logger       *slog.Logger
	Version      string

	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		orchestrator:        d.Orchestrator,
		monitor:             d.Monitor,
		cache:               d.Cache,
		store:               d.Store,
		control:             d.Control,
		services:            d.Services,
		jwtMgr:              d.JWTMgr,
		adminKeyHash:        d.AdminKeyHash,
		broker:              d.Broker,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	httpStatus := http.StatusOK
	dbStatus := "not configured"

	if h.store != nil {
		dbStatus = "connected"
		if err := h.store.Ping(r.Context()); err != nil {
			dbStatus = "disconnected"
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, r, httpStatus, map[string]any{
		"status":         status,
		"database":       dbStatus,
		"version":        h.version,
		"uptime_seconds": time.Since(h.startedAt).Seconds(),
	})
}

type authTokenRequest struct {
	APIKey string `json:"api_key"`
}

// HandleAuthToken handles POST /auth/token: exchanges the admin API key for
// a bearer token.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req authTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, errCodeBadRequest, "invalid request body")
		return
	}

	if h.adminKeyHash == "" {
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, errCodeUnauthorized, "invalid credentials")
		return
	}

	valid, err := auth.VerifyAPIKey(req.APIKey, h.adminKeyHash)
	if err != nil || !valid {
		writeError(w, r, http.StatusUnauthorized, errCodeUnauthorized, "invalid credentials")
		return
	}

	token, exp, err := h.jwtMgr.IssueAdminToken()
	if err != nil {
		h.logger.Error("failed to issue token", "error", err)
		writeError(w, r, http.StatusInternalServerError, errCodeInternalError, "could not issue token")
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": exp,
	})
}

// HandleStatus handles GET /v1/status: the full operational snapshot.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"orchestrator": h.orchestrator.Status(),
		"monitor":      h.monitor.Summary(),
	}
	if h.cache != nil {
		resp["cache"] = h.cache.Stats()
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleListAgents handles GET /v1/agents.
func (h *Handlers) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	status := h.orchestrator.Status()
	writeJSON(w, r, http.StatusOK, map[string]any{
		"agents":    status.Agents,
		"schedules": status.Schedules,
	})
}

// HandleRunAgent handles POST /v1/agents/{name}/run: an on-demand trigger.
func (h *Handlers) HandleRunAgent(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, ok := h.orchestrator.Status().Agents[name]; !ok {
		writeError(w, r, http.StatusNotFound, errCodeNotFound, fmt.Sprintf("unknown agent %q", name))
		return
	}

	res := h.orchestrator.ExecuteAgent(r.Context(), name)
	if res == nil {
		// Known agent, so nil means the concurrency cap rejected the run.
		writeError(w, r, http.StatusConflict, errCodeConflict, "agent is already running at its concurrency limit")
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// HandleEnableAgent handles POST /v1/agents/{name}/enable.
func (h *Handlers) HandleEnableAgent(w http.ResponseWriter, r *http.Request) {
	h.toggleAgent(w, r, true)
}

// HandleDisableAgent handles POST /v1/agents/{name}/disable.
func (h *Handlers) HandleDisableAgent(w http.ResponseWriter, r *http.Request) {
	h.toggleAgent(w, r, false)
}

func (h *Handlers) toggleAgent(w http.ResponseWriter, r *http.Request, enable bool) {
	name := r.PathValue("name")
	var ok bool
	if enable {
		ok = h.orchestrator.EnableAgent(name)
	} else {
		ok = h.orchestrator.DisableAgent(name)
	}
	if !ok {
		writeError(w, r, http.StatusNotFound, errCodeNotFound, fmt.Sprintf("unknown agent %q", name))
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"agent": name, "enabled": enable})
}

// HandleEvents handles GET /v1/events with agent/type/limit filters.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	filter := agent.EventFilter{
		AgentName: r.URL.Query().Get("agent"),
		Type:      agent.EventType(r.URL.Query().Get("type")),
	}
	events := h.monitor.Events(filter, limit)
	writeJSON(w, r, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

// HandleEventStream handles GET /v1/events/stream (SSE).
func (h *Handlers) HandleEventStream(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, errCodeUnavailable, "event streaming not configured")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, errCodeInternalError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Disable the server's WriteTimeout for this long-lived connection.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	ch := h.broker.Subscribe()
	defer h.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// HandleIndexerHealth handles GET /v1/indexers/health: recent audit rows.
func (h *Handlers) HandleIndexerHealth(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, r, http.StatusServiceUnavailable, errCodeUnavailable, "audit store not configured")
		return
	}

	service := r.URL.Query().Get("service")
	limit := queryInt(r, "limit", 100)

	records, err := h.store.RecentHealth(r.Context(), service, limit)
	if err != nil {
		h.logger.Error("failed to query indexer health", "error", err)
		writeError(w, r, http.StatusInternalServerError, errCodeInternalError, "could not query audit trail")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"records": records,
		"count":   len(records),
	})
}

// HandleIndexerSummary handles GET /v1/indexers/summary.
func (h *Handlers) HandleIndexerSummary(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, r, http.StatusServiceUnavailable, errCodeUnavailable, "audit store not configured")
		return
	}

	window := 24 * time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, r, http.StatusBadRequest, errCodeBadRequest, "invalid window duration")
			return
		}
		window = d
	}

	summaries, err := h.store.HealthSummary(r.Context(), window)
	if err != nil {
		h.logger.Error("failed to query indexer summary", "error", err)
		writeError(w, r, http.StatusInternalServerError, errCodeInternalError, "could not query audit trail")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"window":   window.String(),
		"services": summaries,
	})
}

// HandleIndexerEnable handles POST /v1/indexers/{service}/{id}/enable.
func (h *Handlers) HandleIndexerEnable(w http.ResponseWriter, r *http.Request) {
	h.toggleIndexer(w, r, true)
}

// HandleIndexerDisable handles POST /v1/indexers/{service}/{id}/disable.
func (h *Handlers) HandleIndexerDisable(w http.ResponseWriter, r *http.Request) {
	h.toggleIndexer(w, r, false)
}

func (h *Handlers) toggleIndexer(w http.ResponseWriter, r *http.Request, enable bool) {
	serviceName := r.PathValue("service")
	svc, ok := h.services[serviceName]
	if !ok {
		writeError(w, r, http.StatusNotFound, errCodeNotFound, fmt.Sprintf("unknown service %q", serviceName))
		return
	}

	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, errCodeBadRequest, "indexer id must be an integer")
		return
	}

	indexers, err := svc.GetIndexers(r.Context())
	if err != nil {
		h.logger.Error("failed to fetch indexers", "service", serviceName, "error", err)
		writeError(w, r, http.StatusBadGateway, errCodeUnavailable,
			fmt.Sprintf("could not reach %s", serviceName))
		return
	}

	var target *arr.Indexer
	for i := range indexers {
		if indexers[i].ID == id {
			target = &indexers[i]
			break
		}
	}
	if target == nil {
		writeError(w, r, http.StatusNotFound, errCodeNotFound,
			fmt.Sprintf("indexer %d not found on %s", id, serviceName))
		return
	}

	if enable {
		err = h.control.EnableIndexer(r.Context(), svc, *target)
	} else {
		err = h.control.DisableIndexer(r.Context(), svc, *target)
	}
	if err != nil {
		writeError(w, r, http.StatusBadGateway, errCodeUnavailable, err.Error())
		return
	}

	// The cached result no longer reflects the indexer's state.
	if h.cache != nil {
		h.cache.Invalidate(serviceName, id)
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"service": serviceName,
		"indexer": target.DisplayName(),
		"id":      id,
		"enabled": enable,
	})
}

// HandleCacheStats handles GET /v1/cache/stats.
func (h *Handlers) HandleCacheStats(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		writeError(w, r, http.StatusServiceUnavailable, errCodeUnavailable, "cache not configured")
		return
	}
	writeJSON(w, r, http.StatusOK, h.cache.Stats())
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	if raw := r.URL.Query().Get(key); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return defaultVal
}
