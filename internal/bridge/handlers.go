package bridge

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	"github.com/seemantic/engine/internal/events"
	"github.com/seemantic/engine/internal/infrastructure/seemantic"
	"github.com/seemantic/engine/internal/services/conversation"
	"github.com/seemantic/engine/internal/services/history"
	"github.com/seemantic/engine/pkg/httpext"
)

var validate = validator.New()

type submitQueryRequest struct {
	Content string `json:"content" validate:"required,min=1,max=8000"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Failed to encode bridge response")
	}
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"documents":      s.registryService.Documents(),
		"feed_connected": s.registryService.FeedConnected(),
	})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	uri := mux.Vars(r)["uri"]

	doc, err := s.apiService.FetchParsedDocument(r.Context(), uri)
	if err != nil {
		if httpext.IsStatus(err, http.StatusNotFound) {
			httpext.JsonError(w, "Document not found", http.StatusNotFound)
			return
		}
		log.Warn().Err(err).Str("uri", uri).Msg("Failed to fetch parsed document")
		httpext.JsonError(w, "Upstream fetch failed", http.StatusBadGateway)
		return
	}

	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	uri := mux.Vars(r)["uri"]

	// Fire-and-forget: the registry converges through the event feed,
	// not through this response.
	if err := s.apiService.DeleteDocument(r.Context(), uri); err != nil {
		log.Warn().Err(err).Str("uri", uri).Msg("Document deletion failed")
		httpext.JsonError(w, "Upstream deletion failed", http.StatusBadGateway)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	entries, err := s.historyService.List(r.Context())
	if err != nil {
		log.Warn().Err(err).Msg("Failed to list conversation history")
		httpext.JsonError(w, "History unavailable", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"conversations": entries})
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	id := s.store.CreateConversation()

	if err := s.historyService.Save(r.Context(), history.Entry{
		ID:              id,
		LastInteraction: time.Now().UTC(),
	}); err != nil {
		log.Warn().Err(err).Str("conversation_id", id).Msg("Failed to persist conversation entry")
	}

	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	pairs, err := s.store.GetHistory(id)
	if err != nil {
		if errors.Is(err, conversation.ErrConversationNotFound) {
			httpext.JsonError(w, "Conversation not found", http.StatusNotFound)
			return
		}
		httpext.JsonError(w, "Failed to read conversation", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "pairs": pairs})
}

func (s *Server) handleSubmitQuery(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req submitQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpext.JsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := validate.Struct(&req); err != nil {
		httpext.JsonErrorWithDetails(w, http.StatusBadRequest, httpext.ErrorResponse{
			Error:   "Invalid query",
			Details: err.Error(),
		})
		return
	}

	// The subscription must survive this request returning.
	pairID, err := s.queryService.SubmitQuery(s.baseCtx, id, req.Content)
	if err != nil {
		if errors.Is(err, conversation.ErrConversationNotFound) {
			httpext.JsonError(w, "Conversation not found", http.StatusNotFound)
			return
		}
		log.Warn().Err(err).Str("conversation_id", id).Msg("Query submission failed")
		httpext.JsonError(w, "Failed to submit query", http.StatusInternalServerError)
		return
	}

	s.recordInteraction(r, id, req.Content)

	writeJSON(w, http.StatusAccepted, map[string]string{"pair_id": pairID})
}

// recordInteraction keeps the durable history entry current: the first
// query labels the conversation, every query bumps last interaction.
func (s *Server) recordInteraction(r *http.Request, conversationID, content string) {
	ctx := r.Context()

	s.historyMu.Lock()
	defer s.historyMu.Unlock()

	entry, err := s.historyService.Get(ctx, conversationID)
	if err != nil {
		log.Warn().Err(err).Str("conversation_id", conversationID).Msg("Failed to read history entry")
		return
	}
	if entry == nil {
		entry = &history.Entry{ID: conversationID}
	}
	if entry.Label == "" {
		entry.Label = content
	}
	entry.LastInteraction = time.Now().UTC()

	if err := s.historyService.Save(ctx, *entry); err != nil {
		log.Warn().Err(err).Str("conversation_id", conversationID).Msg("Failed to persist history entry")
	}
}

// persistOnTerminal mirrors a conversation into the durable history
// once its query settles, full pairs included.
func (s *Server) persistOnTerminal(ev events.Event) {
	change := ev.(events.PairStateChanged)
	switch change.State {
	case string(conversation.QueryStateCompleted),
		string(conversation.QueryStateCancelled),
		string(conversation.QueryStateErrored):
	default:
		return
	}

	// Emitter listeners run on the streaming goroutine and must not
	// block on storage.
	go s.persistConversation(change.ConversationID)
}

func (s *Server) persistConversation(conversationID string) {
	pairs, err := s.store.GetHistory(conversationID)
	if err != nil {
		return
	}

	s.historyMu.Lock()
	defer s.historyMu.Unlock()

	entry, err := s.historyService.Get(s.baseCtx, conversationID)
	if err != nil {
		log.Warn().Err(err).Str("conversation_id", conversationID).Msg("Failed to read history entry")
		return
	}
	if entry == nil {
		entry = &history.Entry{ID: conversationID}
	}
	entry.Pairs = toWirePairs(pairs)
	entry.LastInteraction = time.Now().UTC()

	if err := s.historyService.Save(s.baseCtx, *entry); err != nil {
		log.Warn().Err(err).Str("conversation_id", conversationID).Msg("Failed to persist history entry")
	}
}

func toWirePairs(pairs []conversation.Pair) []seemantic.QueryResponsePair {
	wire := make([]seemantic.QueryResponsePair, 0, len(pairs))
	for _, pair := range pairs {
		wire = append(wire, seemantic.QueryResponsePair{
			Query:    pair.Query,
			Response: pair.Response,
		})
	}
	return wire
}

func (s *Server) handleCancelPair(w http.ResponseWriter, r *http.Request) {
	pairID := mux.Vars(r)["pair"]
	s.queryService.Cancel(pairID)
	w.WriteHeader(http.StatusNoContent)
}
