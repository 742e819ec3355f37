// Package events is the engine's notification layer. Every store
// mutation publishes exactly one event scoped to the mutated entity
// (a single document, a single pair, or a single conversation) so
// observers can refresh only what changed.
package events

// Event is the interface all event types implement.
type Event interface {
	// EventName returns the unique name for this event type
	// (e.g. "document.updated").
	EventName() string
}

// DocumentUpdated signals that one registry entry was inserted or
// replaced.
type DocumentUpdated struct {
	URI string `json:"uri"`
}

func (DocumentUpdated) EventName() string { return "document.updated" }

// DocumentRemoved signals that one registry entry was deleted.
type DocumentRemoved struct {
	URI string `json:"uri"`
}

func (DocumentRemoved) EventName() string { return "document.removed" }

// RegistryReset signals that the whole registry was replaced by a
// snapshot fetch.
type RegistryReset struct {
	Count int `json:"count"`
}

func (RegistryReset) EventName() string { return "registry.reset" }

// FeedStateChanged signals that the document event feed connected or
// dropped. Registry state is retained across disconnects.
type FeedStateChanged struct {
	Connected bool `json:"connected"`
}

func (FeedStateChanged) EventName() string { return "feed.state_changed" }

// ConversationCreated signals a new empty conversation.
type ConversationCreated struct {
	ConversationID string `json:"conversation_id"`
}

func (ConversationCreated) EventName() string { return "conversation.created" }

// PairAppended signals a new query/response pair on a conversation.
type PairAppended struct {
	ConversationID string `json:"conversation_id"`
	PairID         string `json:"pair_id"`
}

func (PairAppended) EventName() string { return "pair.appended" }

// PairUpdated signals that a pair's response accumulator changed.
type PairUpdated struct {
	ConversationID string `json:"conversation_id"`
	PairID         string `json:"pair_id"`
}

func (PairUpdated) EventName() string { return "pair.updated" }

// PairStateChanged signals a query state transition on a pair.
type PairStateChanged struct {
	ConversationID string `json:"conversation_id"`
	PairID         string `json:"pair_id"`
	State          string `json:"state"`
}

func (PairStateChanged) EventName() string { return "pair.state_changed" }
