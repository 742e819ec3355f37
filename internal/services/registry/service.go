// Package registry maintains the live document index: a snapshot
// fetched once per session, then reconciled against the server's
// update/delete event feed for the rest of the session.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/seemantic/engine/internal/events"
	"github.com/seemantic/engine/internal/infrastructure/seemantic"
	"github.com/seemantic/engine/pkg/sse"
)

// ErrAlreadyInitialized is returned when Initialize is called more
// than once per session. Later calls are a caller error, never a
// silent merge.
var ErrAlreadyInitialized = errors.New("registry already initialized")

const (
	initialReconnectDelay = 250 * time.Millisecond
	maxReconnectDelay     = 30 * time.Second
)

type Service struct {
	api     *seemantic.Service
	emitter *events.Emitter

	mu          sync.RWMutex
	documents   map[string]seemantic.DocumentSnippet
	initialized bool
	connected   bool

	// Overridable in tests to keep reconnect loops fast.
	reconnectInitialDelay time.Duration
	reconnectMaxDelay     time.Duration
}

func NewService(api *seemantic.Service, emitter *events.Emitter) *Service {
	return &Service{
		api:                   api,
		emitter:               emitter,
		documents:             make(map[string]seemantic.DocumentSnippet),
		reconnectInitialDelay: initialReconnectDelay,
		reconnectMaxDelay:     maxReconnectDelay,
	}
}

// Initialize fetches the full snapshot, replaces the registry
// wholesale and opens the long-lived feed subscription for the rest of
// the session (bounded by ctx). If the snapshot fetch fails the
// registry stays empty and the error is returned; the rest of the
// application keeps running.
func (s *Service) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		return ErrAlreadyInitialized
	}
	s.initialized = true
	s.mu.Unlock()

	if err := s.loadSnapshot(ctx); err != nil {
		return fmt.Errorf("initializing registry: %w", err)
	}

	go s.runFeed(ctx)
	return nil
}

// ApplyUpdate upserts a document by uri: field-by-field replace when
// present, insert when absent. Last write wins by arrival order.
func (s *Service) ApplyUpdate(doc seemantic.DocumentSnippet) {
	s.mu.Lock()
	s.documents[doc.URI] = doc
	s.mu.Unlock()

	s.emitter.Emit(events.DocumentUpdated{URI: doc.URI})
}

// ApplyDelete removes the entry if present. Deleting an absent uri is
// a no-op, not an error: deletes may race ahead of or behind updates
// for documents created or removed between snapshot and stream start.
func (s *Service) ApplyDelete(uri string) {
	s.mu.Lock()
	_, existed := s.documents[uri]
	if existed {
		delete(s.documents, uri)
	}
	s.mu.Unlock()

	if existed {
		s.emitter.Emit(events.DocumentRemoved{URI: uri})
	}
}

// Documents returns a copy of all known documents, ordered by uri.
func (s *Service) Documents() []seemantic.DocumentSnippet {
	s.mu.RLock()
	docs := make([]seemantic.DocumentSnippet, 0, len(s.documents))
	for _, doc := range s.documents {
		docs = append(docs, doc)
	}
	s.mu.RUnlock()

	sort.Slice(docs, func(i, j int) bool { return docs[i].URI < docs[j].URI })
	return docs
}

// Get returns one document by uri.
func (s *Service) Get(uri string) (seemantic.DocumentSnippet, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.documents[uri]
	return doc, ok
}

// FeedConnected reports whether the document feed is currently up.
// The registry keeps its last known state across disconnects.
func (s *Service) FeedConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

func (s *Service) loadSnapshot(ctx context.Context) error {
	explorer, err := s.api.FetchExplorer(ctx)
	if err != nil {
		return fmt.Errorf("fetching snapshot: %w", err)
	}

	s.mu.Lock()
	s.documents = make(map[string]seemantic.DocumentSnippet, len(explorer.Documents))
	for _, doc := range explorer.Documents {
		s.documents[doc.URI] = doc
	}
	count := len(s.documents)
	s.mu.Unlock()

	s.emitter.Emit(events.RegistryReset{Count: count})

	log.Info().Int("documents", count).Msg("Document snapshot loaded")
	return nil
}

// runFeed keeps the document feed alive until ctx is cancelled. On
// disconnect the registry retains its last known state, signals the
// drop, and reconnects with capped exponential backoff; each reconnect
// refetches the snapshot first, since events missed while down are
// otherwise lost.
func (s *Service) runFeed(ctx context.Context) {
	delay := s.reconnectInitialDelay
	first := true

	for {
		if ctx.Err() != nil {
			return
		}

		if !first {
			if err := s.loadSnapshot(ctx); err != nil {
				log.Warn().Err(err).Msg("Snapshot refetch failed, retrying")
				if !s.sleep(ctx, delay) {
					return
				}
				delay = s.nextDelay(delay)
				continue
			}
		}
		first = false

		stream, err := s.api.StreamDocumentEvents(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Document feed connection failed, retrying")
			s.setConnected(false)
			if !s.sleep(ctx, delay) {
				return
			}
			delay = s.nextDelay(delay)
			continue
		}

		s.setConnected(true)
		delay = s.reconnectInitialDelay

		s.consume(stream)
		stream.Close()

		if ctx.Err() != nil {
			s.setConnected(false)
			return
		}

		log.Warn().Err(stream.Err()).Msg("Document feed dropped, reconnecting")
		s.setConnected(false)

		if !s.sleep(ctx, delay) {
			return
		}
		delay = s.nextDelay(delay)
	}
}

// consume applies feed events in arrival order until the stream ends.
// Malformed payloads are dropped and logged; they never terminate the
// subscription.
func (s *Service) consume(stream *sse.Stream) {
	for ev := range stream.Events() {
		switch ev.Name {
		case "update":
			var doc seemantic.DocumentSnippet
			if err := json.Unmarshal([]byte(ev.Data), &doc); err != nil {
				log.Warn().Err(err).Str("data", ev.Data).Msg("Dropping malformed update event")
				continue
			}
			s.ApplyUpdate(doc)
		case "delete":
			var del seemantic.DocumentDelete
			if err := json.Unmarshal([]byte(ev.Data), &del); err != nil {
				log.Warn().Err(err).Str("data", ev.Data).Msg("Dropping malformed delete event")
				continue
			}
			s.ApplyDelete(del.URI)
		default:
			log.Debug().Str("event", ev.Name).Msg("Ignoring unknown feed event")
		}
	}
}

func (s *Service) setConnected(connected bool) {
	s.mu.Lock()
	changed := s.connected != connected
	s.connected = connected
	s.mu.Unlock()

	if changed {
		s.emitter.Emit(events.FeedStateChanged{Connected: connected})
	}
}

func (s *Service) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (s *Service) nextDelay(d time.Duration) time.Duration {
	d *= 2
	if d > s.reconnectMaxDelay {
		d = s.reconnectMaxDelay
	}
	return d
}
