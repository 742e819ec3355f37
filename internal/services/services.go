package services

import (
	"github.com/rs/zerolog/log"
	"github.com/seemantic/engine/internal/config"
	"github.com/seemantic/engine/internal/events"
	"github.com/seemantic/engine/internal/infrastructure/redis"
	"github.com/seemantic/engine/internal/infrastructure/seemantic"
	"github.com/seemantic/engine/internal/services/conversation"
	"github.com/seemantic/engine/internal/services/history"
	"github.com/seemantic/engine/internal/services/query"
	"github.com/seemantic/engine/internal/services/registry"
	"github.com/seemantic/engine/internal/services/session"
)

// Services wires the engine together: one emitter, one API client and
// the stores and orchestrators built on top of them.
type Services struct {
	emitter             *events.Emitter
	apiService          *seemantic.Service
	redisService        *redis.Service
	sessionService      *session.Service
	conversationService *conversation.Service
	historyService      *history.Service
	registryService     *registry.Service
	queryService        *query.Service
}

// InitializeServices constructs every service with its dependencies
// passed in explicitly. Nothing here reaches for globals; the caller
// owns the returned graph.
func InitializeServices() (*Services, error) {
	log.Info().Msg("Initializing core services")

	emitter := events.NewEmitter()

	// Redis is optional; history falls back to memory and the session
	// identity to per-process without it.
	redisService := redis.NewService()

	var identityStore session.IdentityStore
	if redisService != nil {
		identityStore = redisService
	}
	sessionService := session.NewService(identityStore)

	apiService := seemantic.NewService(config.GetAPIBaseURL(), sessionService)
	log.Info().Str("base_url", config.GetAPIBaseURL()).Msg("Initializing API client")

	conversationService := conversation.NewService(emitter)
	historyService := history.NewService(redisService)
	registryService := registry.NewService(apiService, emitter)
	queryService := query.NewService(apiService, conversationService)

	log.Info().Msg("All services initialized successfully")

	return &Services{
		emitter:             emitter,
		apiService:          apiService,
		redisService:        redisService,
		sessionService:      sessionService,
		conversationService: conversationService,
		historyService:      historyService,
		registryService:     registryService,
		queryService:        queryService,
	}, nil
}

// Close releases held connections.
func (s *Services) Close() {
	if s.redisService != nil {
		if err := s.redisService.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close Redis connection")
		}
	}
}

// GetEmitter returns the shared event emitter
func (s *Services) GetEmitter() *events.Emitter {
	return s.emitter
}

// GetAPIService returns the backing API client
func (s *Services) GetAPIService() *seemantic.Service {
	return s.apiService
}

// GetSessionService returns the session service
func (s *Services) GetSessionService() *session.Service {
	return s.sessionService
}

// GetConversationService returns the conversation store
func (s *Services) GetConversationService() *conversation.Service {
	return s.conversationService
}

// GetHistoryService returns the durable conversation history
func (s *Services) GetHistoryService() *history.Service {
	return s.historyService
}

// GetRegistryService returns the document registry
func (s *Services) GetRegistryService() *registry.Service {
	return s.registryService
}

// GetQueryService returns the query orchestrator
func (s *Services) GetQueryService() *query.Service {
	return s.queryService
}
