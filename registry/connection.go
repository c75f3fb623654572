package registry

import (
	"sync/atomic"
	"time"

	"github.com/mopl/realtime/types"
)

// Transport is the write side of one client socket. Implementations live in
// the transport package (SSE stream, WebSocket). Writes are serialized by the
// connection's writer loop; implementations need not be goroutine safe.
type Transport interface {
	// WriteEvent writes one event frame.
	WriteEvent(event types.NotificationEvent) error

	// WriteHeartbeat writes a keep-alive frame.
	WriteHeartbeat() error

	// Close tears the socket down.
	Close() error
}

// conn is the registry's per-socket state. The socket is owned exclusively by
// this instance; the writer goroutine is the only writer on the transport.
type conn struct {
	info      types.ConnectionInfo
	transport Transport

	// queue is the bounded outbound buffer. Send never blocks: on overflow
	// the oldest queued event is discarded and counted.
	queue chan types.NotificationEvent

	dropped     atomic.Int64
	lastEventID atomic.Pointer[string]
	lastAckNano atomic.Int64

	// closing makes the close path idempotent under concurrent
	// disconnect-by-timeout and disconnect-by-client races.
	closing atomic.Bool
	done    chan struct{}
}

func newConn(info types.ConnectionInfo, t Transport, queueCapacity int) *conn {
	c := &conn{
		info:      info,
		transport: t,
		queue:     make(chan types.NotificationEvent, queueCapacity),
		done:      make(chan struct{}),
	}
	c.lastAckNano.Store(time.Now().UnixNano())
	if info.LastEventID != "" {
		id := info.LastEventID
		c.lastEventID.Store(&id)
	}
	return c
}

// enqueue adds an event to the outbound queue, dropping the oldest queued
// event when full. Returns the drop count incurred by this call.
func (c *conn) enqueue(event types.NotificationEvent) (dropped int64) {
	for {
		select {
		case c.queue <- event:
			return dropped
		default:
		}
		select {
		case <-c.queue:
			dropped = c.dropped.Add(1)
		default:
			// Writer drained the queue between the two selects; retry.
		}
	}
}

func (c *conn) touch() {
	c.lastAckNano.Store(time.Now().UnixNano())
}

func (c *conn) lastAck() time.Time {
	return time.Unix(0, c.lastAckNano.Load())
}

// Handle is the caller-facing view of a registered connection.
type Handle struct {
	registry *Registry
	conn     *conn
}

// ConnectionID returns the registry-assigned connection id.
func (h *Handle) ConnectionID() string {
	return h.conn.info.ConnectionID
}

// SubscriberID returns the subscriber this connection belongs to.
func (h *Handle) SubscriberID() string {
	return h.conn.info.SubscriberID
}

// Touch records client liveness (e.g. a WebSocket pong).
func (h *Handle) Touch() {
	h.conn.touch()
}

// LastEventID returns the delivery watermark: the id of the last event
// written to the transport.
func (h *Handle) LastEventID() string {
	if id := h.conn.lastEventID.Load(); id != nil {
		return *id
	}
	return ""
}

// Dropped returns the number of events discarded from this connection's
// queue since registration.
func (h *Handle) Dropped() int64 {
	return h.conn.dropped.Load()
}

// Close unregisters the connection and closes its transport.
func (h *Handle) Close() {
	h.registry.closeConn(h.conn, closeByClient)
}

// Done is closed when the connection has been torn down, whichever side
// initiated it.
func (h *Handle) Done() <-chan struct{} {
	return h.conn.done
}
