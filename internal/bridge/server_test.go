package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/seemantic/engine/internal/infrastructure/seemantic"
	"github.com/seemantic/engine/internal/services"
	"github.com/seemantic/engine/internal/services/conversation"
)

// newBridgeFixture stands up a mock backing API, a service graph
// pointed at it and a bridge server in front.
func newBridgeFixture(t *testing.T, api http.Handler) (*httptest.Server, *services.Services) {
	t.Helper()

	if api == nil {
		api = mux.NewRouter()
	}
	apiServer := httptest.NewServer(api)
	t.Cleanup(apiServer.Close)

	t.Setenv("SEEMANTIC_API_URL", apiServer.URL)

	svc, err := services.InitializeServices()
	if err != nil {
		t.Fatalf("InitializeServices failed: %v", err)
	}
	t.Cleanup(svc.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	server := NewServer(ctx, svc)
	bridgeServer := httptest.NewServer(server.Handler())
	t.Cleanup(bridgeServer.Close)

	return bridgeServer, svc
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Failed to marshal body: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	return resp
}

func TestConversationLifecycleOverBridge(t *testing.T) {
	api := mux.NewRouter()
	api.HandleFunc("/queries", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"delta_answer\":\"hi\",\"search_results\":null,\"chat_messages_exchanged\":null}\n\n"))
	}).Methods(http.MethodPost)

	bridge, svc := newBridgeFixture(t, api)

	// Create a conversation.
	resp := postJSON(t, bridge.URL+"/state/conversations", nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Create returned %d, want 201", resp.StatusCode)
	}
	var created struct {
		ID string `json:"id"`
	}
	json.NewDecoder(resp.Body).Decode(&created)
	resp.Body.Close()
	if created.ID == "" {
		t.Fatal("Expected a conversation id")
	}

	// Submit a query.
	resp = postJSON(t, bridge.URL+"/state/conversations/"+created.ID+"/queries",
		map[string]string{"content": "hello"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("Submit returned %d, want 202", resp.StatusCode)
	}
	var submitted struct {
		PairID string `json:"pair_id"`
	}
	json.NewDecoder(resp.Body).Decode(&submitted)
	resp.Body.Close()

	// Wait for the stream to finish.
	store := svc.GetConversationService()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if pair, ok := store.GetPair(created.ID, submitted.PairID); ok && pair.State == conversation.QueryStateCompleted {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Read the conversation back.
	resp, err := http.Get(bridge.URL + "/state/conversations/" + created.ID)
	if err != nil {
		t.Fatalf("GET conversation failed: %v", err)
	}
	defer resp.Body.Close()
	var got struct {
		ID    string              `json:"id"`
		Pairs []conversation.Pair `json:"pairs"`
	}
	json.NewDecoder(resp.Body).Decode(&got)
	if len(got.Pairs) != 1 {
		t.Fatalf("Got %d pairs, want 1", len(got.Pairs))
	}
	if got.Pairs[0].Response.Answer != "hi" {
		t.Errorf("Answer = %q, want hi", got.Pairs[0].Response.Answer)
	}

	// The durable history entry is labeled by the first query.
	resp, err = http.Get(bridge.URL + "/state/conversations")
	if err != nil {
		t.Fatalf("GET conversations failed: %v", err)
	}
	defer resp.Body.Close()
	var listed struct {
		Conversations []struct {
			ID    string `json:"id"`
			Label string `json:"label"`
		} `json:"conversations"`
	}
	json.NewDecoder(resp.Body).Decode(&listed)
	if len(listed.Conversations) != 1 || listed.Conversations[0].Label != "hello" {
		t.Errorf("History = %+v, want one entry labeled hello", listed.Conversations)
	}
}

func TestCompletedQueryRoundTripsThroughHistory(t *testing.T) {
	api := mux.NewRouter()
	api.HandleFunc("/queries", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"delta_answer\":\"hi\",\"search_results\":null,\"chat_messages_exchanged\":null}\n\n"))
	}).Methods(http.MethodPost)

	bridge, svc := newBridgeFixture(t, api)

	resp := postJSON(t, bridge.URL+"/state/conversations", nil)
	var created struct {
		ID string `json:"id"`
	}
	json.NewDecoder(resp.Body).Decode(&created)
	resp.Body.Close()

	resp = postJSON(t, bridge.URL+"/state/conversations/"+created.ID+"/queries",
		map[string]string{"content": "hello"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("Submit returned %d, want 202", resp.StatusCode)
	}

	// The settled pair lands in the durable history with its content,
	// not just the label. Label and pairs are written by different
	// paths, so wait for both.
	ctx := context.Background()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		entry, err := svc.GetHistoryService().Get(ctx, created.ID)
		if err != nil {
			t.Fatalf("History Get failed: %v", err)
		}
		if entry != nil && len(entry.Pairs) == 1 && entry.Label == "hello" {
			if entry.Pairs[0].Response.Answer != "hi" {
				t.Errorf("Persisted answer = %q, want hi", entry.Pairs[0].Response.Answer)
			}
			if entry.Pairs[0].Query.Content != "hello" {
				t.Errorf("Persisted query = %q, want hello", entry.Pairs[0].Query.Content)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	entry, _ := svc.GetHistoryService().Get(ctx, created.ID)
	t.Fatalf("Timed out waiting for history persistence, entry = %+v", entry)
}

func TestSubmitQueryValidation(t *testing.T) {
	bridge, svc := newBridgeFixture(t, nil)
	convID := svc.GetConversationService().CreateConversation()

	resp := postJSON(t, bridge.URL+"/state/conversations/"+convID+"/queries",
		map[string]string{"content": ""})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Empty content returned %d, want 400", resp.StatusCode)
	}
}

func TestSubmitQueryUnknownConversation(t *testing.T) {
	bridge, _ := newBridgeFixture(t, nil)

	resp := postJSON(t, bridge.URL+"/state/conversations/missing/queries",
		map[string]string{"content": "hello"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Unknown conversation returned %d, want 404", resp.StatusCode)
	}
}

func TestSubmitQueryRateLimited(t *testing.T) {
	t.Setenv("BRIDGE_RATE_LIMIT_MAX_HITS", "1")

	api := mux.NewRouter()
	api.HandleFunc("/queries", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
	}).Methods(http.MethodPost)

	bridge, svc := newBridgeFixture(t, api)
	convID := svc.GetConversationService().CreateConversation()

	// Pin the limiter key; the ephemeral port in RemoteAddr varies per
	// connection.
	submit := func(content string) *http.Response {
		body, _ := json.Marshal(map[string]string{"content": content})
		req, _ := http.NewRequest(http.MethodPost,
			bridge.URL+"/state/conversations/"+convID+"/queries", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Forwarded-For", "203.0.113.7")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		return resp
	}

	resp := submit("first")
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("First submit returned %d, want 202", resp.StatusCode)
	}
	if got := resp.Header.Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("X-RateLimit-Remaining = %q, want 0 after the only allowed hit", got)
	}

	resp = submit("second")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("Second submit returned %d, want 429", resp.StatusCode)
	}
}

func TestListDocuments(t *testing.T) {
	bridge, svc := newBridgeFixture(t, nil)

	svc.GetRegistryService().ApplyUpdate(seemantic.DocumentSnippet{
		URI:    "notes.md",
		Status: seemantic.DocumentStatusIndexingSuccess,
	})

	resp, err := http.Get(bridge.URL + "/state/documents")
	if err != nil {
		t.Fatalf("GET documents failed: %v", err)
	}
	defer resp.Body.Close()

	var got struct {
		Documents     []seemantic.DocumentSnippet `json:"documents"`
		FeedConnected bool                        `json:"feed_connected"`
	}
	json.NewDecoder(resp.Body).Decode(&got)
	if len(got.Documents) != 1 || got.Documents[0].URI != "notes.md" {
		t.Errorf("Documents = %+v, want notes.md", got.Documents)
	}
	if got.FeedConnected {
		t.Error("FeedConnected = true, want false with no feed running")
	}
}

func TestGetParsedDocument(t *testing.T) {
	api := mux.NewRouter()
	api.HandleFunc("/documents/{uri:.+}", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(seemantic.ParsedDocument{
			Hash:            "abc",
			MarkdownContent: "# Title",
		})
	}).Methods(http.MethodGet)

	bridge, _ := newBridgeFixture(t, api)

	resp, err := http.Get(bridge.URL + "/state/documents/notes.md")
	if err != nil {
		t.Fatalf("GET document failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET document returned %d, want 200", resp.StatusCode)
	}

	var doc seemantic.ParsedDocument
	json.NewDecoder(resp.Body).Decode(&doc)
	if doc.MarkdownContent != "# Title" {
		t.Errorf("MarkdownContent = %q, want # Title", doc.MarkdownContent)
	}
}

func TestDeleteDocumentProxies(t *testing.T) {
	deleted := false
	api := mux.NewRouter()
	api.HandleFunc("/documents/{uri:.+}", func(w http.ResponseWriter, r *http.Request) {
		deleted = true
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodDelete)

	bridge, _ := newBridgeFixture(t, api)

	req, _ := http.NewRequest(http.MethodDelete, bridge.URL+"/state/documents/notes.md", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("DELETE returned %d, want 202", resp.StatusCode)
	}
	if !deleted {
		t.Error("Expected the deletion to reach the backing API")
	}
}

func TestEventsPushedOverWebSocket(t *testing.T) {
	bridge, svc := newBridgeFixture(t, nil)

	wsURL := "ws" + strings.TrimPrefix(bridge.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("WebSocket dial failed: %v", err)
	}
	defer conn.Close()

	// Give the hub a moment to register the client.
	time.Sleep(50 * time.Millisecond)

	convID := svc.GetConversationService().CreateConversation()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}

	var pushed struct {
		Type    string `json:"type"`
		Payload struct {
			ConversationID string `json:"conversation_id"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(data, &pushed); err != nil {
		t.Fatalf("Failed to decode pushed event: %v", err)
	}
	if pushed.Type != "conversation.created" {
		t.Errorf("Type = %q, want conversation.created", pushed.Type)
	}
	if pushed.Payload.ConversationID != convID {
		t.Errorf("ConversationID = %q, want %q", pushed.Payload.ConversationID, convID)
	}
}
