// Package sse translates abstract push events into the wire framing of a
// server-sent event stream and detects stream closure.
package sse

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	EventConnected = "connected"
	EventMessage   = "message"
	EventHeartbeat = "heartbeat"
)

// Event is one frame on a push stream: a name from the closed set above
// plus a JSON-serializable payload.
type Event struct {
	Name string
	Data interface{}
}

func Connected() Event {
	return Event{Name: EventConnected, Data: map[string]interface{}{
		"message":   "connected",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}}
}

func Heartbeat(now time.Time) Event {
	return Event{Name: EventHeartbeat, Data: map[string]interface{}{
		"timestamp": now.UTC().Format(time.RFC3339),
	}}
}

func Message(payload interface{}) Event {
	return Event{Name: EventMessage, Data: payload}
}

// Encode writes the event in SSE framing:
//
//	event: <name>
//	data: <JSON>
//	<blank line>
func Encode(w io.Writer, ev Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, data); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

// Writer owns one client's stream. It is not safe for concurrent use; a
// single goroutine (the stream handler) drains events through it.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewWriter prepares the response for streaming and returns the writer.
// It fails when the underlying ResponseWriter cannot flush, since a push
// stream that buffers indefinitely is indistinguishable from a dead one.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming unsupported: response writer is not a flusher")
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &Writer{w: w, flusher: flusher}, nil
}

// Send frames the event and flushes it to the socket. An error means the
// connection is broken and the stream should be torn down.
func (s *Writer) Send(ev Event) error {
	if err := Encode(s.w, ev); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
