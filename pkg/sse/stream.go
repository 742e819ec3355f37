// Package sse provides a cancellable client-side reader for
// text/event-stream responses.
package sse

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/seemantic/engine/pkg/httpext"
)

const (
	scannerInitialBuffer = 16 * 1024
	scannerMaxBuffer     = 4 * 1024 * 1024
)

// Event is a single decoded server-sent event. Name is empty for
// unnamed events; Data is the joined payload of all data lines.
type Event struct {
	Name string
	Data string
}

// Stream delivers events from one open subscription until the stream
// ends, fails, or is closed by the caller.
type Stream struct {
	events chan Event
	cancel context.CancelFunc
	body   io.ReadCloser

	mu        sync.Mutex
	err       error
	closeOnce sync.Once
}

// Open issues req with client and returns a Stream over the response.
// The request must already carry an Accept: text/event-stream header.
// The returned stream owns the response body; callers must drain
// Events() or call Close().
func Open(ctx context.Context, client *http.Client, req *http.Request) (*Stream, error) {
	ctx, cancel := context.WithCancel(ctx)

	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		cancel()
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, &httpext.StatusError{Status: resp.StatusCode}
	}

	s := &Stream{
		events: make(chan Event),
		cancel: cancel,
		body:   resp.Body,
	}

	go s.read(ctx)

	return s, nil
}

// Events returns the channel on which decoded events arrive. The
// channel is closed when the stream terminates; check Err afterwards.
func (s *Stream) Events() <-chan Event {
	return s.events
}

// Err reports the terminal error of the stream, nil for a clean end or
// a caller-initiated Close. Valid once Events() is closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close aborts the underlying connection. Safe to call more than once
// and concurrently with event delivery.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.body.Close()
	})
}

func (s *Stream) read(ctx context.Context) {
	defer close(s.events)
	defer s.Close()

	scanner := bufio.NewScanner(s.body)
	scanner.Buffer(make([]byte, scannerInitialBuffer), scannerMaxBuffer)

	var name string
	var dataLines []string

	dispatch := func() bool {
		if len(dataLines) == 0 {
			name = ""
			return true
		}
		ev := Event{Name: name, Data: strings.Join(dataLines, "\n")}
		name = ""
		dataLines = nil
		select {
		case s.events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Text()

		// Blank line terminates the pending event.
		if line == "" {
			if !dispatch() {
				return
			}
			continue
		}

		// Comment line.
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value := splitField(line)
		switch field {
		case "event":
			name = value
		case "data":
			dataLines = append(dataLines, value)
		}
	}

	// A final event not followed by a blank line is still delivered.
	dispatch()

	if err := scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
	}
}

func splitField(line string) (field, value string) {
	field, value, found := strings.Cut(line, ":")
	if !found {
		return line, ""
	}
	// A single leading space after the colon is part of the syntax,
	// not the value.
	return field, strings.TrimPrefix(value, " ")
}
