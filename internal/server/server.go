package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/rs/cors"

	"github.com/arrwarden/arrwarden/internal/agent"
	"github.com/arrwarden/arrwarden/internal/agents"
	"github.com/arrwarden/arrwarden/internal/arr"
	"github.com/arrwarden/arrwarden/internal/auth"
	"github.com/arrwarden/arrwarden/internal/healthcache"
	"github.com/arrwarden/arrwarden/internal/ratelimit"
)

// Server is the arrwarden HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Handlers returns the underlying Handlers.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Store, Broker, Cache.
type ServerConfig struct {
	// Required dependencies.
	Orchestrator *agent.Orchestrator
	Monitor      *agent.Monitor
	Control      *agents.ControlAgent
	Services     map[string]arr.Service
	JWTMgr       *auth.JWTManager
	Logger       *slog.Logger

	// Optional dependencies (nil = the matching routes answer 503).
	Cache  *healthcache.Cache
	Store  HealthStore
	Broker *Broker

	// RateLimiter throttles requests per client IP. Nil disables limiting.
	RateLimiter ratelimit.Limiter

	// OpenAPISpec is served at GET /openapi.yaml when non-empty.
	OpenAPISpec []byte

	// Auth.
	AdminKeyHash string

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	CORSOrigins         []string
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Orchestrator:        cfg.Orchestrator,
		Monitor:             cfg.Monitor,
		Cache:               cfg.Cache,
		Store:               cfg.Store,
		Control:             cfg.Control,
		Services:            cfg.Services,
		JWTMgr:              cfg.JWTMgr,
		AdminKeyHash:        cfg.AdminKeyHash,
		Broker:              cfg.Broker,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	mux := http.NewServeMux()

	// Health and token exchange (no auth).
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("POST /auth/token", h.HandleAuthToken)

	if len(cfg.OpenAPISpec) > 0 {
		mux.HandleFunc("GET /openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/yaml")
			_, _ = w.Write(cfg.OpenAPISpec)
		})
	}

	// Read-only observation surface (no auth).
	mux.HandleFunc("GET /v1/status", h.HandleStatus)
	mux.HandleFunc("GET /v1/agents", h.HandleListAgents)
	mux.HandleFunc("GET /v1/events", h.HandleEvents)
	mux.HandleFunc("GET /v1/events/stream", h.HandleEventStream)
	mux.HandleFunc("GET /v1/indexers/health", h.HandleIndexerHealth)
	mux.HandleFunc("GET /v1/indexers/summary", h.HandleIndexerSummary)
	mux.HandleFunc("GET /v1/cache/stats", h.HandleCacheStats)

	// Mutating routes require a bearer token.
	protected := requireAuth(cfg.JWTMgr)
	mux.Handle("POST /v1/agents/{name}/run", protected(http.HandlerFunc(h.HandleRunAgent)))
	mux.Handle("POST /v1/agents/{name}/enable", protected(http.HandlerFunc(h.HandleEnableAgent)))
	mux.Handle("POST /v1/agents/{name}/disable", protected(http.HandlerFunc(h.HandleDisableAgent)))
	mux.Handle("POST /v1/indexers/{service}/{id}/enable", protected(http.HandlerFunc(h.HandleIndexerEnable)))
	mux.Handle("POST /v1/indexers/{service}/{id}/disable", protected(http.HandlerFunc(h.HandleIndexerDisable)))

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	})

	// Middleware chain (outermost executes first):
	// request ID → CORS → rate limit → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	if cfg.RateLimiter != nil {
		handler = ratelimit.Middleware(cfg.RateLimiter, ratelimit.IPKeyFunc)(handler)
	}
	handler = corsHandler.Handler(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
