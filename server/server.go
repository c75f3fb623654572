// Package server exposes the client-facing endpoints: the SSE stream, the
// WebSocket channel, and health. Authentication happens upstream (API
// gateway); this layer trusts the subscriber id it is handed.
package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/mopl/realtime/registry"
	"github.com/mopl/realtime/storage"
	"github.com/mopl/realtime/transport"
	"github.com/mopl/realtime/types"
)

// Options configures the Server.
type Options struct {
	// InstanceID identifies this process.
	InstanceID string

	// Registry is the local connection registry.
	Registry *registry.Registry

	// Store serves the recent-event cache for resume.
	Store *storage.RedisStore

	// LivenessGrace is the WebSocket read deadline; a client that neither
	// sends nor pongs within it is considered gone.
	LivenessGrace time.Duration

	// Logger for diagnostics. Nil uses slog.Default().
	Logger *slog.Logger
}

// Server handles client connections.
type Server struct {
	opts     Options
	log      *slog.Logger
	upgrader websocket.Upgrader
}

// New creates a Server.
func New(opts Options) (*Server, error) {
	if opts.Registry == nil || opts.Store == nil {
		return nil, errors.New("server: registry and store are required")
	}
	if opts.LivenessGrace <= 0 {
		opts.LivenessGrace = 90 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Server{
		opts: opts,
		log:  log.With("component", "server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin checks belong to the gateway in front of this service.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}, nil
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/sse", s.handleSSE).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	return r
}

// handleSSE attaches a text/event-stream connection. A Last-Event-ID header
// replays events the client missed from the recent-event cache before live
// delivery begins; watermarks older than the cache fall back to the API
// layer's durable-log replay on the client side.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	subscriberID := r.URL.Query().Get("subscriber")
	if subscriberID == "" {
		http.Error(w, "subscriber is required", http.StatusBadRequest)
		return
	}
	lastEventID := r.Header.Get("Last-Event-ID")
	if lastEventID == "" {
		lastEventID = r.URL.Query().Get("lastEventId")
	}

	sse, err := transport.NewSSE(w)
	if err != nil {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	handle, err := s.opts.Registry.Register(types.ConnectionInfo{
		SubscriberID: subscriberID,
		Kind:         types.ChannelSSE,
		LastEventID:  lastEventID,
	}, sse)
	if err != nil {
		http.Error(w, "registry unavailable", http.StatusServiceUnavailable)
		return
	}

	s.replayMissed(r, handle, subscriberID, lastEventID)

	select {
	case <-r.Context().Done():
		handle.Close()
	case <-sse.Closed():
	}
}

// handleWebSocket attaches a WebSocket connection. The read loop exists only
// for liveness: pongs (and any client frame) push the read deadline and
// touch the registry's liveness watermark.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	subscriberID := r.URL.Query().Get("subscriber")
	if subscriberID == "" {
		http.Error(w, "subscriber is required", http.StatusBadRequest)
		return
	}
	lastEventID := r.URL.Query().Get("lastEventId")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", "error", err)
		return
	}

	ws := transport.NewWebSocket(conn)
	handle, err := s.opts.Registry.Register(types.ConnectionInfo{
		SubscriberID: subscriberID,
		Kind:         types.ChannelWebSocket,
		LastEventID:  lastEventID,
	}, ws)
	if err != nil {
		_ = ws.Close()
		return
	}

	grace := s.opts.LivenessGrace
	_ = conn.SetReadDeadline(time.Now().Add(grace))
	conn.SetPongHandler(func(string) error {
		handle.Touch()
		return conn.SetReadDeadline(time.Now().Add(grace))
	})

	s.replayMissed(r, handle, subscriberID, lastEventID)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			handle.Close()
			return
		}
		handle.Touch()
		_ = conn.SetReadDeadline(time.Now().Add(grace))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Store.Ping(r.Context()); err != nil {
		http.Error(w, "shared store unreachable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// replayMissed enqueues cached events newer than the client's watermark.
// They flow through the connection's queue, so replayed and live frames stay
// in order.
func (s *Server) replayMissed(r *http.Request, handle *registry.Handle, subscriberID, lastEventID string) {
	if lastEventID == "" {
		return
	}

	events, err := s.opts.Store.EventsAfter(r.Context(), subscriberID, lastEventID)
	if err != nil {
		s.log.Warn("event replay lookup failed", "subscriberId", subscriberID, "error", err)
		return
	}

	for _, event := range events {
		s.opts.Registry.Send(handle.ConnectionID(), event)
	}
	if len(events) > 0 {
		s.log.Debug("replayed cached events",
			"subscriberId", subscriberID, "count", len(events), "after", lastEventID)
	}
}
