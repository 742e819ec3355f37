// Package conversation holds all active conversations: ordered
// query/response pairs and their incrementally accumulated answers.
// It is the single owner of this state; the query orchestrator and the
// UI bridge mutate it only through the methods below.
package conversation

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/seemantic/engine/internal/events"
	"github.com/seemantic/engine/internal/infrastructure/seemantic"
)

// ErrConversationNotFound is returned when an operation references an
// unknown conversation id. This is a caller contract violation, not a
// runtime condition to retry.
var ErrConversationNotFound = errors.New("conversation not found")

// QueryState tracks one pair's query through its lifecycle.
type QueryState string

const (
	QueryStateIdle      QueryState = "idle"
	QueryStateSubmitted QueryState = "submitted"
	QueryStateStreaming QueryState = "streaming"
	QueryStateCompleted QueryState = "completed"
	QueryStateCancelled QueryState = "cancelled"
	QueryStateErrored   QueryState = "errored"
)

// Pair is a query together with its (possibly still accumulating)
// response. Values returned by the service are copies; mutating them
// has no effect on the store.
type Pair struct {
	ID       string                    `json:"id"`
	Query    seemantic.QueryMessage    `json:"query"`
	Response seemantic.ResponseMessage `json:"response"`
	State    QueryState                `json:"state"`
}

type pairState struct {
	id       string
	query    seemantic.QueryMessage
	response seemantic.ResponseMessage
	state    QueryState
}

type conversationState struct {
	id    string
	order []string
	pairs map[string]*pairState
}

type Service struct {
	mu            sync.RWMutex
	emitter       *events.Emitter
	conversations map[string]*conversationState
}

func NewService(emitter *events.Emitter) *Service {
	return &Service{
		emitter:       emitter,
		conversations: make(map[string]*conversationState),
	}
}

// CreateConversation allocates a new empty conversation and returns
// its id. Ids are never reused within a session.
func (s *Service) CreateConversation() string {
	id := uuid.NewString()

	s.mu.Lock()
	s.conversations[id] = &conversationState{
		id:    id,
		pairs: make(map[string]*pairState),
	}
	s.mu.Unlock()

	s.emitter.Emit(events.ConversationCreated{ConversationID: id})
	return id
}

// AppendPair allocates a pair with an empty response accumulator and
// appends it to the conversation's ordered pair list. The empty
// accumulator makes the pending state observable before any network
// response arrives.
func (s *Service) AppendPair(conversationID string, query seemantic.QueryMessage) (string, error) {
	pairID := uuid.NewString()

	s.mu.Lock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("appending pair to %q: %w", conversationID, ErrConversationNotFound)
	}
	conv.pairs[pairID] = &pairState{
		id:    pairID,
		query: query,
		response: seemantic.ResponseMessage{
			SearchResults:         []seemantic.SearchResult{},
			ChatMessagesExchanged: []seemantic.ChatMessage{},
		},
		state: QueryStateIdle,
	}
	conv.order = append(conv.order, pairID)
	s.mu.Unlock()

	s.emitter.Emit(events.PairAppended{ConversationID: conversationID, PairID: pairID})
	return pairID, nil
}

// MergeResponseFragment folds one stream fragment into a pair's
// accumulator: delta_answer is appended, non-empty search results and
// exchanged messages replace wholesale, empty or absent fields leave
// state untouched. A missing conversation or pair is a silent no-op:
// fragments may legitimately arrive after navigation invalidated the
// conversation.
func (s *Service) MergeResponseFragment(conversationID, pairID string, fragment *seemantic.ResponseFragment) {
	if fragment == nil {
		return
	}

	s.mu.Lock()
	pair, ok := s.lookupPair(conversationID, pairID)
	if !ok {
		s.mu.Unlock()
		log.Debug().
			Str("conversation_id", conversationID).
			Str("pair_id", pairID).
			Msg("Dropping fragment for unknown conversation or pair")
		return
	}

	changed := false
	if fragment.DeltaAnswer != nil && *fragment.DeltaAnswer != "" {
		pair.response.Answer += *fragment.DeltaAnswer
		changed = true
	}
	if len(fragment.SearchResults) > 0 {
		pair.response.SearchResults = fragment.SearchResults
		changed = true
	}
	if len(fragment.ChatMessagesExchanged) > 0 {
		pair.response.ChatMessagesExchanged = fragment.ChatMessagesExchanged
		changed = true
	}
	s.mu.Unlock()

	if changed {
		s.emitter.Emit(events.PairUpdated{ConversationID: conversationID, PairID: pairID})
	}
}

// SetPairState records a query state transition. Missing conversation
// or pair is a silent no-op, matching MergeResponseFragment.
func (s *Service) SetPairState(conversationID, pairID string, state QueryState) {
	s.mu.Lock()
	pair, ok := s.lookupPair(conversationID, pairID)
	if !ok {
		s.mu.Unlock()
		return
	}
	pair.state = state
	s.mu.Unlock()

	s.emitter.Emit(events.PairStateChanged{
		ConversationID: conversationID,
		PairID:         pairID,
		State:          string(state),
	})
}

// GetHistory returns the conversation's pairs in append order. The
// result is a point-in-time copy, not a live view.
func (s *Service) GetHistory(conversationID string) ([]Pair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil, fmt.Errorf("reading history of %q: %w", conversationID, ErrConversationNotFound)
	}

	history := make([]Pair, 0, len(conv.order))
	for _, pairID := range conv.order {
		history = append(history, snapshotPair(conv.pairs[pairID]))
	}
	return history, nil
}

// GetPair returns a copy of one pair.
func (s *Service) GetPair(conversationID, pairID string) (Pair, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pair, ok := s.lookupPair(conversationID, pairID)
	if !ok {
		return Pair{}, false
	}
	return snapshotPair(pair), true
}

// Exists reports whether a conversation id is known.
func (s *Service) Exists(conversationID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.conversations[conversationID]
	return ok
}

// lookupPair must be called with the mutex held.
func (s *Service) lookupPair(conversationID, pairID string) (*pairState, bool) {
	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil, false
	}
	pair, ok := conv.pairs[pairID]
	return pair, ok
}

// snapshotPair copies a pair. Accumulator slices are replaced
// wholesale on merge and never mutated in place, so copying the slice
// headers is sufficient.
func snapshotPair(p *pairState) Pair {
	return Pair{
		ID:       p.id,
		Query:    p.query,
		Response: p.response,
		State:    p.state,
	}
}
