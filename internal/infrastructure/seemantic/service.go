// Package seemantic is the HTTP client for the seemantic server: the
// explorer snapshot, the document event feed, query streaming and the
// document deletion command.
package seemantic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/seemantic/engine/internal/config"
	"github.com/seemantic/engine/pkg/httpext"
	"github.com/seemantic/engine/pkg/sse"
)

// TokenSource supplies the bearer token attached to every request.
type TokenSource interface {
	Token() (string, error)
}

type Service struct {
	client  *http.Client
	baseURL string
	tokens  TokenSource
	timeout time.Duration
}

// NewService creates a client for the server at baseURL. The client
// must not carry a global timeout: streaming subscriptions stay open
// for the whole session and are bounded by their context instead.
// Non-streaming calls are bounded per request by the configured
// timeout.
func NewService(baseURL string, tokens TokenSource) *Service {
	return &Service{
		client:  &http.Client{},
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		timeout: config.GetAPITimeout(),
	}
}

// FetchExplorer retrieves the full document snapshot.
func (s *Service) FetchExplorer(ctx context.Context) (*Explorer, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := s.newRequest(ctx, http.MethodGet, "/explorer", nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching explorer: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var explorer Explorer
	if err := json.NewDecoder(resp.Body).Decode(&explorer); err != nil {
		return nil, fmt.Errorf("decoding explorer response: %w", err)
	}

	return &explorer, nil
}

// FetchParsedDocument retrieves the indexed markdown of one document.
func (s *Service) FetchParsedDocument(ctx context.Context, uri string) (*ParsedDocument, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := s.newRequest(ctx, http.MethodGet, "/documents/"+url.PathEscape(uri), nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching document %q: %w", uri, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var doc ParsedDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding document response: %w", err)
	}

	return &doc, nil
}

// DeleteDocument asks the server to remove a document. Fire and
// forget: the registry converges through the event feed, not through
// this response.
func (s *Service) DeleteDocument(ctx context.Context, uri string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := s.newRequest(ctx, http.MethodDelete, "/documents/"+url.PathEscape(uri), nil)
	if err != nil {
		return err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("deleting document %q: %w", uri, err)
	}
	defer resp.Body.Close()

	return checkStatus(resp)
}

// StreamQuery posts a query and returns the stream of response
// fragments. Events are unnamed; their data decodes to
// ResponseFragment.
func (s *Service) StreamQuery(ctx context.Context, query *Query) (*sse.Stream, error) {
	body, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("marshalling query: %w", err)
	}

	req, err := s.newRequest(ctx, http.MethodPost, "/queries", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	stream, err := sse.Open(ctx, s.client, req)
	if err != nil {
		return nil, fmt.Errorf("opening query stream: %w", err)
	}

	return stream, nil
}

// StreamDocumentEvents opens the long-lived document feed. Named
// events: "update" (DocumentSnippet) and "delete" (DocumentDelete).
func (s *Service) StreamDocumentEvents(ctx context.Context) (*sse.Stream, error) {
	req, err := s.newRequest(ctx, http.MethodGet, "/document_events", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	stream, err := sse.Open(ctx, s.client, req)
	if err != nil {
		return nil, fmt.Errorf("opening document feed: %w", err)
	}

	return stream, nil
}

func (s *Service) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	if s.tokens != nil {
		token, err := s.tokens.Token()
		if err != nil {
			return nil, fmt.Errorf("obtaining session token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	return req, nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if readErr != nil {
		log.Debug().Err(readErr).Msg("Failed to read error response body")
	}

	return &httpext.StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}
