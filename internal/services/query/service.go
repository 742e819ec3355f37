// Package query drives one streaming subscription per submitted
// query: it allocates the pair, posts the query with the conversation
// history, and folds incoming fragments into the conversation store in
// arrival order until the stream completes, fails or is cancelled.
package query

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"github.com/seemantic/engine/internal/infrastructure/seemantic"
	"github.com/seemantic/engine/internal/services/conversation"
)

type subscription struct {
	conversationID string
	pairID         string
	cancel         context.CancelFunc
	// active gates every store write from this subscription. Flipped
	// exactly once, either by Cancel or by stream termination, so the
	// terminal pair state has a single writer.
	active atomic.Bool
}

type Service struct {
	api   *seemantic.Service
	store *conversation.Service

	mu       sync.Mutex
	inFlight map[string]*subscription
}

func NewService(api *seemantic.Service, store *conversation.Service) *Service {
	return &Service{
		api:      api,
		store:    store,
		inFlight: make(map[string]*subscription),
	}
}

// SubmitQuery reads the conversation history, appends a fresh pair
// with an empty accumulator and opens a streaming subscription scoped
// to that pair. It returns as soon as the pair exists; fragments are
// folded in asynchronously. The subscription lives until the stream
// ends, ctx is cancelled, or Cancel is called for the pair.
func (s *Service) SubmitQuery(ctx context.Context, conversationID, content string) (string, error) {
	history, err := s.store.GetHistory(conversationID)
	if err != nil {
		return "", fmt.Errorf("submitting query: %w", err)
	}

	pairID, err := s.store.AppendPair(conversationID, seemantic.QueryMessage{Content: content})
	if err != nil {
		return "", fmt.Errorf("submitting query: %w", err)
	}

	// History excludes the just-appended pair: it was read first.
	wireQuery := &seemantic.Query{
		Query:            seemantic.QueryMessage{Content: content},
		PreviousMessages: toWireHistory(history),
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		conversationID: conversationID,
		pairID:         pairID,
		cancel:         cancel,
	}
	sub.active.Store(true)

	s.mu.Lock()
	s.inFlight[pairID] = sub
	s.mu.Unlock()

	s.store.SetPairState(conversationID, pairID, conversation.QueryStateSubmitted)

	go s.run(subCtx, sub, wireQuery)

	return pairID, nil
}

// Cancel aborts the in-flight subscription for a pair, if any. Late
// fragments are permanently discarded: the active flag is lowered
// before the transport is asked to abort, and every store write checks
// it first.
func (s *Service) Cancel(pairID string) {
	s.mu.Lock()
	sub, ok := s.inFlight[pairID]
	s.mu.Unlock()
	if !ok {
		return
	}

	if sub.active.CompareAndSwap(true, false) {
		sub.cancel()
		s.store.SetPairState(sub.conversationID, sub.pairID, conversation.QueryStateCancelled)
		log.Debug().Str("pair_id", pairID).Msg("Query cancelled")
		return
	}
	sub.cancel()
}

// InFlight reports whether a pair still has an open subscription.
func (s *Service) InFlight(pairID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inFlight[pairID]
	return ok
}

func (s *Service) run(ctx context.Context, sub *subscription, wireQuery *seemantic.Query) {
	defer sub.cancel()
	defer func() {
		s.mu.Lock()
		delete(s.inFlight, sub.pairID)
		s.mu.Unlock()
	}()

	stream, err := s.api.StreamQuery(ctx, wireQuery)
	if err != nil {
		if sub.active.CompareAndSwap(true, false) {
			log.Warn().Err(err).Str("pair_id", sub.pairID).Msg("Query stream failed to open")
			s.store.SetPairState(sub.conversationID, sub.pairID, conversation.QueryStateErrored)
		}
		return
	}
	defer stream.Close()

	if sub.active.Load() {
		s.store.SetPairState(sub.conversationID, sub.pairID, conversation.QueryStateStreaming)
	}

	for ev := range stream.Events() {
		var fragment seemantic.ResponseFragment
		if err := json.Unmarshal([]byte(ev.Data), &fragment); err != nil {
			// Malformed fragments are dropped; the stream goes on.
			log.Warn().Err(err).Str("pair_id", sub.pairID).Msg("Dropping malformed response fragment")
			continue
		}

		// Checked per fragment, not only at subscription start:
		// cancellation must stop events already sitting in the queue.
		if !sub.active.Load() {
			return
		}
		s.store.MergeResponseFragment(sub.conversationID, sub.pairID, &fragment)
	}

	if !sub.active.CompareAndSwap(true, false) {
		return
	}

	// Session shutdown, not a server-side end of stream.
	if ctx.Err() != nil {
		s.store.SetPairState(sub.conversationID, sub.pairID, conversation.QueryStateCancelled)
		return
	}

	if err := stream.Err(); err != nil {
		// Partial answer stays in the store: partial results are
		// useful to the user and retries are a caller decision.
		log.Warn().Err(err).Str("pair_id", sub.pairID).Msg("Query stream failed")
		s.store.SetPairState(sub.conversationID, sub.pairID, conversation.QueryStateErrored)
		return
	}

	s.store.SetPairState(sub.conversationID, sub.pairID, conversation.QueryStateCompleted)
}

func toWireHistory(history []conversation.Pair) []seemantic.QueryResponsePair {
	wire := make([]seemantic.QueryResponsePair, 0, len(history))
	for _, pair := range history {
		wire = append(wire, seemantic.QueryResponsePair{
			Query:    pair.Query,
			Response: pair.Response,
		})
	}
	return wire
}
