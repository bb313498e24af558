// Package api implements the REST + WebSocket surface: conversation/message
// CRUD, turn/tool-call diagnostics, prompt inspection, agent status/pause/stop,
// session-tool-approval grants, config CRUD, plugin manifest listing, and the
// typed event broadcaster. A Server struct aggregates every collaborator,
// jsonResponse/jsonError response helpers give uniform JSON output, and a
// middleware chain wraps http.Handler, adapted here to
// go-chi/chi's router the way kadirpekel-hector's pkg/transport package
// routes its HTTP surface, since chi's RouteContext gives the metrics
// middleware a matched pattern instead of a raw path.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MLTQ/ponderer-backend/internal/chatturn"
	"github.com/MLTQ/ponderer-backend/internal/config"
	"github.com/MLTQ/ponderer-backend/internal/events"
	"github.com/MLTQ/ponderer-backend/internal/observability"
	"github.com/MLTQ/ponderer-backend/internal/scheduler"
	"github.com/MLTQ/ponderer-backend/internal/storage"
	"github.com/MLTQ/ponderer-backend/internal/tools"
)

// Server bundles every collaborator the REST + WS surface reads from or
// drives.
type Server struct {
	store     storage.Store
	chat      *chatturn.Manager
	scheduler *scheduler.Scheduler
	registry  *tools.Registry
	hub       *wsHub
	cfg       *config.Config
	cfgPath   string
	logger    *slog.Logger
	obs       *observability.Metrics

	onActivity func()
}

// SetActivityHook installs a callback invoked whenever an operator message
// is posted, letting the caller's presence sampler track real interaction
// instead of wall-clock-since-start.
func (s *Server) SetActivityHook(fn func()) { s.onActivity = fn }

// NewHub builds a standalone WS broadcaster. Callers construct it before
// Server so the same instance can be handed to an events.Emitter as a Sink
// ahead of the rest of the domain layer, which itself takes the Emitter at
// construction time.
func NewHub() *wsHub { return newWSHub() }

// New wires a Server from its collaborators. hub may be nil, in which case
// Server builds its own (events emitted process-wide will then not reach
// GET /v1/ws/events subscribers, since nothing else holds a reference to
// it as an events.Sink).
func New(store storage.Store, chat *chatturn.Manager, sched *scheduler.Scheduler, registry *tools.Registry, cfg *config.Config, cfgPath string, logger *slog.Logger, obs *observability.Metrics, hub *wsHub) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if hub == nil {
		hub = newWSHub()
	}
	return &Server{
		store:     store,
		chat:      chat,
		scheduler: sched,
		registry:  registry,
		hub:       hub,
		cfg:       cfg,
		cfgPath:   cfgPath,
		logger:    logger,
		obs:       obs,
	}
}

// Sink returns the Server's WS hub as an events.Sink, for wiring into the
// process-wide events.Emitter alongside any other sink (e.g. a stats
// collector) via events.MultiSink.
func (s *Server) Sink() events.Sink { return s.hub }

// Router builds the chi mux: logging + metrics + CORS at the top, a bare
// /metrics Prometheus endpoint, then every route (including the
// WS upgrade) gated by the bearer-auth middleware.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.loggingMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(corsMiddleware(nil))

	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(s.authMiddleware)

		v1.Get("/health", s.handleHealth)
		v1.Get("/config", s.handleGetConfig)
		v1.Put("/config", s.handlePutConfig)
		v1.Get("/plugins", s.handlePlugins)

		v1.Get("/conversations", s.handleListConversations)
		v1.Post("/conversations", s.handleCreateConversation)
		v1.Get("/conversations/{id}", s.handleGetConversation)
		v1.Get("/conversations/{id}/summary", s.handleConversationSummary)
		v1.Get("/conversations/{id}/messages", s.handleListMessages)
		v1.Post("/conversations/{id}/messages", s.handlePostMessage)
		v1.Get("/conversations/{id}/turns", s.handleListTurns)

		v1.Get("/turns/{id}/tool-calls", s.handleTurnToolCalls)
		v1.Get("/turns/{id}/prompt", s.handleTurnPrompt)

		v1.Get("/agent/status", s.handleAgentStatus)
		v1.Put("/agent/pause", s.handleAgentPause)
		v1.Post("/agent/toggle-pause", s.handleAgentTogglePause)
		v1.Post("/agent/stop", s.handleAgentStop)
		v1.Post("/agent/tools/{name}/approve", s.handleApproveTool)

		v1.Get("/ws/events", s.hub.ServeHTTP)
	})

	return r
}
