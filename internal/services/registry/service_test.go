package registry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/seemantic/engine/internal/events"
	"github.com/seemantic/engine/internal/infrastructure/seemantic"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func TestApplyUpdateUpserts(t *testing.T) {
	service := NewService(nil, events.NewEmitter())

	service.ApplyUpdate(seemantic.DocumentSnippet{URI: "a", Status: seemantic.DocumentStatusPending})
	service.ApplyUpdate(seemantic.DocumentSnippet{URI: "a", Status: seemantic.DocumentStatusIndexingSuccess})

	docs := service.Documents()
	if len(docs) != 1 {
		t.Fatalf("Got %d documents, want exactly 1", len(docs))
	}
	if docs[0].Status != seemantic.DocumentStatusIndexingSuccess {
		t.Errorf("Status = %q, want indexing_success", docs[0].Status)
	}
}

func TestApplyDeleteIsIdempotent(t *testing.T) {
	emitter := events.NewEmitter()
	service := NewService(nil, emitter)

	removed := 0
	emitter.On(events.DocumentRemoved{}.EventName(), func(events.Event) { removed++ })

	service.ApplyUpdate(seemantic.DocumentSnippet{URI: "a", Status: seemantic.DocumentStatusPending})
	service.ApplyDelete("a")
	service.ApplyDelete("a")
	service.ApplyDelete("never-existed")

	if _, ok := service.Get("a"); ok {
		t.Error("Expected document a to be gone")
	}
	if removed != 1 {
		t.Errorf("Got %d removal events, want 1 (absent deletes are silent)", removed)
	}
}

func TestDocumentsSortedAndCopied(t *testing.T) {
	service := NewService(nil, events.NewEmitter())

	service.ApplyUpdate(seemantic.DocumentSnippet{URI: "b", Status: seemantic.DocumentStatusPending})
	service.ApplyUpdate(seemantic.DocumentSnippet{URI: "a", Status: seemantic.DocumentStatusPending})

	docs := service.Documents()
	if docs[0].URI != "a" || docs[1].URI != "b" {
		t.Errorf("Documents not sorted by uri: %v", docs)
	}

	docs[0].Status = seemantic.DocumentStatusIndexingError
	if got, _ := service.Get("a"); got.Status != seemantic.DocumentStatusPending {
		t.Error("Mutating the returned slice leaked into the registry")
	}
}

func TestInitializeSnapshotFailureLeavesRegistryEmpty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	api := seemantic.NewService(server.URL, nil)
	service := NewService(api, events.NewEmitter())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := service.Initialize(ctx); err == nil {
		t.Fatal("Expected snapshot fetch failure")
	}
	if len(service.Documents()) != 0 {
		t.Error("Expected empty registry after failed snapshot")
	}
}

func TestInitializeTwiceIsAnError(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc("/explorer", func(w http.ResponseWriter, req *http.Request) {
		json.NewEncoder(w).Encode(seemantic.Explorer{})
	})
	r.HandleFunc("/document_events", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-req.Context().Done()
	})

	server := httptest.NewServer(r)
	defer server.Close()

	api := seemantic.NewService(server.URL, nil)
	service := NewService(api, events.NewEmitter())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := service.Initialize(ctx); err != nil {
		t.Fatalf("First Initialize failed: %v", err)
	}
	if err := service.Initialize(ctx); !errors.Is(err, ErrAlreadyInitialized) {
		t.Errorf("Expected ErrAlreadyInitialized, got %v", err)
	}
}

func TestFeedReconnectRefetchesSnapshot(t *testing.T) {
	var mu sync.Mutex
	explorerCalls := 0
	feedCalls := 0

	r := mux.NewRouter()
	r.HandleFunc("/explorer", func(w http.ResponseWriter, req *http.Request) {
		mu.Lock()
		explorerCalls++
		call := explorerCalls
		mu.Unlock()

		snapshot := seemantic.Explorer{Documents: []seemantic.DocumentSnippet{
			{URI: "a", Status: seemantic.DocumentStatusPending},
		}}
		if call > 1 {
			// The document finished indexing while the feed was down.
			snapshot.Documents[0].Status = seemantic.DocumentStatusIndexingSuccess
		}
		json.NewEncoder(w).Encode(snapshot)
	})
	r.HandleFunc("/document_events", func(w http.ResponseWriter, req *http.Request) {
		mu.Lock()
		feedCalls++
		call := feedCalls
		mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		if call == 1 {
			// First connection delivers one update, then drops.
			w.Write([]byte("event: update\ndata: {\"uri\":\"b\",\"status\":\"indexing\"}\n\n"))
			return
		}
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-req.Context().Done()
	})

	server := httptest.NewServer(r)
	defer server.Close()

	emitter := events.NewEmitter()
	var feedStates []bool
	updated := make(map[string]bool)
	emitter.On(events.FeedStateChanged{}.EventName(), func(ev events.Event) {
		mu.Lock()
		feedStates = append(feedStates, ev.(events.FeedStateChanged).Connected)
		mu.Unlock()
	})
	emitter.On(events.DocumentUpdated{}.EventName(), func(ev events.Event) {
		mu.Lock()
		updated[ev.(events.DocumentUpdated).URI] = true
		mu.Unlock()
	})

	api := seemantic.NewService(server.URL, nil)
	service := NewService(api, emitter)
	service.reconnectInitialDelay = 5 * time.Millisecond
	service.reconnectMaxDelay = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := service.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	// Update from the first feed connection lands. (The later snapshot
	// refetch legitimately discards it again, so observe the event.)
	waitFor(t, "update from first connection", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return updated["b"]
	})

	// After the drop the registry reconnects and refetches the
	// snapshot, picking up the status change.
	waitFor(t, "snapshot refetch after reconnect", func() bool {
		doc, ok := service.Get("a")
		return ok && doc.Status == seemantic.DocumentStatusIndexingSuccess
	})
	waitFor(t, "feed to settle connected", func() bool {
		return service.FeedConnected()
	})

	mu.Lock()
	defer mu.Unlock()
	if explorerCalls < 2 {
		t.Errorf("Got %d explorer fetches, want at least 2 (initial + refetch)", explorerCalls)
	}
	if len(feedStates) < 3 || feedStates[0] != true || feedStates[1] != false {
		t.Errorf("Feed state transitions = %v, want connected, disconnected, connected", feedStates)
	}
}

func TestFeedDropsMalformedEvents(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc("/explorer", func(w http.ResponseWriter, req *http.Request) {
		json.NewEncoder(w).Encode(seemantic.Explorer{})
	})
	r.HandleFunc("/document_events", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("event: update\ndata: {not json\n\n"))
		w.Write([]byte("event: update\ndata: {\"uri\":\"ok\",\"status\":\"pending\"}\n\n"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-req.Context().Done()
	})

	server := httptest.NewServer(r)
	defer server.Close()

	api := seemantic.NewService(server.URL, nil)
	service := NewService(api, events.NewEmitter())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := service.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	// The malformed event is dropped; the stream keeps going.
	waitFor(t, "valid event after malformed one", func() bool {
		_, ok := service.Get("ok")
		return ok
	})
}
