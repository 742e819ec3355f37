// Package history is the durable conversation table keyed by
// conversation id, mirrored from the in-memory store so conversations
// survive a restart of the engine. Durability is best effort: Redis
// when configured, process memory otherwise.
package history

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/seemantic/engine/internal/infrastructure/redis"
	"github.com/seemantic/engine/internal/infrastructure/seemantic"
)

const conversationsKey = "seemantic:conversations"

// Entry is one persisted conversation.
type Entry struct {
	ID              string                        `json:"id"`
	Label           string                        `json:"label"`
	LastInteraction time.Time                     `json:"last_interaction"`
	Pairs           []seemantic.QueryResponsePair `json:"pairs"`
}

// Store persists conversation entries.
type Store interface {
	Save(ctx context.Context, entry Entry) error
	Get(ctx context.Context, id string) (*Entry, error)
	List(ctx context.Context) ([]Entry, error)
	Delete(ctx context.Context, id string) error
}

type RedisStore struct {
	redisService *redis.Service
}

type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

type Service struct {
	store Store
}

// NewService picks the Redis-backed store when a Redis service is
// available and reachable, the in-memory store otherwise.
func NewService(redisService *redis.Service) *Service {
	var store Store
	if redisService != nil && redisService.Ping(context.Background()) == nil {
		store = &RedisStore{redisService: redisService}
		log.Info().Msg("Conversation history backed by Redis")
	} else {
		store = newMemoryStore()
		log.Info().Msg("Conversation history backed by memory only")
	}
	return &Service{store: store}
}

func newMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

// Save upserts one conversation entry.
func (s *Service) Save(ctx context.Context, entry Entry) error {
	return s.store.Save(ctx, entry)
}

// Get returns the entry for a conversation id, nil when unknown.
func (s *Service) Get(ctx context.Context, id string) (*Entry, error) {
	return s.store.Get(ctx, id)
}

// List returns all entries, most recently used first.
func (s *Service) List(ctx context.Context) ([]Entry, error) {
	entries, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastInteraction.After(entries[j].LastInteraction)
	})
	return entries, nil
}

// Touch moves an entry's last interaction forward. Unknown ids are
// ignored.
func (s *Service) Touch(ctx context.Context, id string, at time.Time) error {
	entry, err := s.store.Get(ctx, id)
	if err != nil || entry == nil {
		return err
	}
	entry.LastInteraction = at
	return s.store.Save(ctx, *entry)
}

// Delete removes an entry; deleting an unknown id is a no-op.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.store.Delete(ctx, id)
}

// Redis store implementation

func (rs *RedisStore) Save(ctx context.Context, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return rs.redisService.HSet(ctx, conversationsKey, entry.ID, string(data))
}

func (rs *RedisStore) Get(ctx context.Context, id string) (*Entry, error) {
	data, err := rs.redisService.HGet(ctx, conversationsKey, id)
	if err != nil {
		if redis.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	var entry Entry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (rs *RedisStore) List(ctx context.Context) ([]Entry, error) {
	raw, err := rs.redisService.HGetAll(ctx, conversationsKey)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(raw))
	for id, data := range raw {
		var entry Entry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			log.Warn().Err(err).Str("conversation_id", id).Msg("Skipping corrupt history entry")
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (rs *RedisStore) Delete(ctx context.Context, id string) error {
	return rs.redisService.HDel(ctx, conversationsKey, id)
}

// Memory store implementation

func (ms *MemoryStore) Save(ctx context.Context, entry Entry) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.entries[entry.ID] = entry
	return nil
}

func (ms *MemoryStore) Get(ctx context.Context, id string) (*Entry, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	entry, exists := ms.entries[id]
	if !exists {
		return nil, nil
	}
	return &entry, nil
}

func (ms *MemoryStore) List(ctx context.Context) ([]Entry, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	entries := make([]Entry, 0, len(ms.entries))
	for _, entry := range ms.entries {
		entries = append(entries, entry)
	}
	return entries, nil
}

func (ms *MemoryStore) Delete(ctx context.Context, id string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.entries, id)
	return nil
}
