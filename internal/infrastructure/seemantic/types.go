package seemantic

import "time"

// DocumentStatus is the server-side indexing state of a document. The
// server is authoritative; the client stores whatever status arrives
// last without validating transitions.
type DocumentStatus string

const (
	DocumentStatusPending         DocumentStatus = "pending"
	DocumentStatusIndexing        DocumentStatus = "indexing"
	DocumentStatusIndexingSuccess DocumentStatus = "indexing_success"
	DocumentStatusIndexingError   DocumentStatus = "indexing_error"
)

// DocumentSnippet is one entry of the document corpus as exposed by
// the explorer snapshot and the document event feed.
type DocumentSnippet struct {
	URI                string         `json:"uri"`
	Status             DocumentStatus `json:"status"`
	ErrorStatusMessage *string        `json:"error_status_message,omitempty"`
	LastIndexing       *time.Time     `json:"last_indexing,omitempty"`
}

// DocumentDelete is the payload of a feed "delete" event.
type DocumentDelete struct {
	URI string `json:"uri"`
}

// Explorer is the full snapshot of the document corpus.
type Explorer struct {
	Documents []DocumentSnippet `json:"documents"`
}

// ParsedDocument is the indexed markdown rendition of one document.
type ParsedDocument struct {
	Hash            string `json:"hash"`
	MarkdownContent string `json:"markdown_content"`
}

// SearchResultChunk is one matched span within a document.
type SearchResultChunk struct {
	Content         string `json:"content"`
	StartIndexInDoc int    `json:"start_index_in_doc"`
	EndIndexInDoc   int    `json:"end_index_in_doc"`
}

// SearchResult groups the matched chunks of one document.
type SearchResult struct {
	DocumentURI string              `json:"document_uri"`
	Chunks      []SearchResultChunk `json:"chunks"`
}

// ChatMessage is one message exchanged with the answer generator.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	ChatRoleUser      = "user"
	ChatRoleAssistant = "assistant"
)

// QueryMessage carries the user's question.
type QueryMessage struct {
	Content string `json:"content"`
}

// ResponseMessage is a fully accumulated answer.
type ResponseMessage struct {
	Answer                string         `json:"answer"`
	SearchResults         []SearchResult `json:"search_results"`
	ChatMessagesExchanged []ChatMessage  `json:"chat_messages_exchanged"`
}

// QueryResponsePair is a question together with its accumulated
// answer, the unit of conversation history on the wire.
type QueryResponsePair struct {
	Query    QueryMessage    `json:"query"`
	Response ResponseMessage `json:"response"`
}

// Query is the POST /queries request body.
type Query struct {
	Query            QueryMessage        `json:"query"`
	PreviousMessages []QueryResponsePair `json:"previous_messages"`
}

// ResponseFragment is one decoded event of a query stream. A nil
// DeltaAnswer means the answer is unchanged; nil or empty slices mean
// the corresponding list is unchanged, never that it was cleared.
type ResponseFragment struct {
	DeltaAnswer           *string        `json:"delta_answer"`
	SearchResults         []SearchResult `json:"search_results"`
	ChatMessagesExchanged []ChatMessage  `json:"chat_messages_exchanged"`
}
