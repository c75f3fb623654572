// Package transport provides the client-facing write sides of the two
// delivery channels: Server-Sent Events and WebSocket. Both implement
// registry.Transport; the registry's writer loop is the only caller, so no
// internal write locking is needed.
package transport

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/mopl/realtime/types"
)

// SSE writes text/event-stream frames onto an HTTP response. Each frame
// carries the event id so clients can resume via Last-Event-ID.
type SSE struct {
	w       http.ResponseWriter
	flusher http.Flusher

	closed    chan struct{}
	closeOnce sync.Once
}

// NewSSE prepares a response writer for event streaming and returns the
// transport. The returned error is non-nil if the writer cannot flush.
func NewSSE(w http.ResponseWriter) (*SSE, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &SSE{
		w:       w,
		flusher: flusher,
		closed:  make(chan struct{}),
	}, nil
}

// WriteEvent writes one SSE frame: id, event name, and the payload as data.
func (s *SSE) WriteEvent(event types.NotificationEvent) error {
	select {
	case <-s.closed:
		return ErrTransportClosed
	default:
	}

	if _, err := fmt.Fprintf(s.w, "id: %s\nevent: %s\ndata: %s\n\n",
		event.ID, event.Type, event.Payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// WriteHeartbeat writes a comment frame, which clients ignore but which keeps
// intermediaries from idling the connection out.
func (s *SSE) WriteHeartbeat() error {
	select {
	case <-s.closed:
		return ErrTransportClosed
	default:
	}

	if _, err := fmt.Fprint(s.w, ": heartbeat\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Close signals the serving handler to return; an SSE stream has no
// server-side close frame.
func (s *SSE) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// Closed is closed when the transport has been shut down. The HTTP handler
// selects on it to end the request.
func (s *SSE) Closed() <-chan struct{} {
	return s.closed
}
