// Package bridge is the local HTTP and WebSocket surface the rendering
// layer talks to. It exposes engine state as plain JSON routes and
// pushes every emitter event to connected UI clients, so the UI never
// holds state of its own.
package bridge

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	"github.com/seemantic/engine/internal/config"
	"github.com/seemantic/engine/internal/events"
	"github.com/seemantic/engine/internal/infrastructure/seemantic"
	"github.com/seemantic/engine/internal/services"
	"github.com/seemantic/engine/internal/services/conversation"
	"github.com/seemantic/engine/internal/services/history"
	"github.com/seemantic/engine/internal/services/query"
	"github.com/seemantic/engine/internal/services/registry"
	"github.com/seemantic/engine/pkg/ratelimit"
)

type Server struct {
	// baseCtx bounds query subscriptions. Submissions must outlive the
	// HTTP request that started them, so they run under the session
	// context, not the request context.
	baseCtx context.Context

	router     *mux.Router
	httpServer *http.Server
	hub        *hub

	registryService *registry.Service
	store           *conversation.Service
	queryService    *query.Service
	historyService  *history.Service
	apiService      *seemantic.Service

	limiter *ratelimit.Limiter
	rateCfg config.RateLimitConfig

	// Serializes read-modify-write cycles on history entries; the
	// submit handler and the terminal-state listener both touch them.
	historyMu sync.Mutex
}

// NewServer wires the bridge routes against an initialized service
// graph. ctx is the session context; cancelling it orphans no queries.
func NewServer(ctx context.Context, svc *services.Services) *Server {
	rateCfg := config.GetQueryRateLimitConfig()

	s := &Server{
		baseCtx:         ctx,
		router:          mux.NewRouter(),
		hub:             newHub(),
		registryService: svc.GetRegistryService(),
		store:           svc.GetConversationService(),
		queryService:    svc.GetQueryService(),
		historyService:  svc.GetHistoryService(),
		apiService:      svc.GetAPIService(),
		limiter:         ratelimit.NewLimiter(rateCfg.Window, rateCfg.MaxHits),
		rateCfg:         rateCfg,
	}

	s.registerRoutes()

	// Every mutation event reaches every connected UI client.
	svc.GetEmitter().OnAny(s.hub.broadcastEvent)

	// Settled queries are mirrored into the durable history with their
	// full pairs, so restarts restore content, not just labels.
	svc.GetEmitter().On(events.PairStateChanged{}.EventName(), s.persistOnTerminal)

	return s
}

func (s *Server) registerRoutes() {
	r := s.router

	r.HandleFunc("/state/documents", s.handleListDocuments).Methods(http.MethodGet)
	r.HandleFunc("/state/documents/{uri:.+}", s.handleGetDocument).Methods(http.MethodGet)
	r.HandleFunc("/state/documents/{uri:.+}", s.handleDeleteDocument).Methods(http.MethodDelete)

	r.HandleFunc("/state/conversations", s.handleListConversations).Methods(http.MethodGet)
	r.HandleFunc("/state/conversations", s.handleCreateConversation).Methods(http.MethodPost)
	r.HandleFunc("/state/conversations/{id}", s.handleGetConversation).Methods(http.MethodGet)
	r.Handle("/state/conversations/{id}/queries",
		s.rateLimit(http.HandlerFunc(s.handleSubmitQuery))).Methods(http.MethodPost)

	r.HandleFunc("/state/pairs/{pair}/cancel", s.handleCancelPair).Methods(http.MethodPost)

	r.HandleFunc("/events", s.hub.handleWebSocket).Methods(http.MethodGet)
}

// Handler exposes the routed handler, used directly by tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving on the configured bridge address. Non-blocking;
// listen errors other than a clean shutdown are logged.
func (s *Server) Start() {
	addr := config.GetBridgeAddr()
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	log.Info().Str("addr", addr).Msg("UI bridge listening")
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("UI bridge stopped unexpectedly")
		}
	}()
}

// Shutdown stops the listener and closes all WebSocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.closeAll()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
