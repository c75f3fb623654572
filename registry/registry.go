package registry

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mopl/realtime/types"
)

// closeReason says which side initiated a connection teardown.
type closeReason int

const (
	closeByClient closeReason = iota
	closeByTimeout
	closeByTransport
	closeByShutdown
	closeByReplacement
)

func (r closeReason) String() string {
	switch r {
	case closeByClient:
		return "client"
	case closeByTimeout:
		return "timeout"
	case closeByTransport:
		return "transport"
	case closeByShutdown:
		return "shutdown"
	case closeByReplacement:
		return "replacement"
	default:
		return "unknown"
	}
}

// SendResult reports the outcome of a Send call.
type SendResult struct {
	// Delivered is true when the event was enqueued for the connection.
	// Enqueued events are best-effort: delivery order is guaranteed, delivery
	// itself is not, and clients resume via their last event id.
	Delivered bool

	// Dropped is the connection's cumulative overflow drop count.
	Dropped int64

	// ConnectionGone is true when the connection is not (or no longer)
	// registered.
	ConnectionGone bool
}

// Options configures a Registry.
type Options struct {
	// InstanceID identifies this process in connection metadata.
	InstanceID string

	// QueueCapacity bounds each connection's outbound queue.
	QueueCapacity int

	// HeartbeatInterval is the keep-alive cadence.
	HeartbeatInterval time.Duration

	// LivenessGrace is how long a connection may go without client liveness
	// before the registry unregisters it.
	LivenessGrace time.Duration

	// OnRegister is invoked after a connection is registered (presence
	// bookkeeping). May be nil.
	OnRegister func(info types.ConnectionInfo)

	// OnClose is invoked exactly once per connection after teardown. May be nil.
	OnClose func(info types.ConnectionInfo)

	// Logger for diagnostics. Nil uses slog.Default().
	Logger *slog.Logger

	// Registerer for Prometheus metrics. May be nil.
	Registerer prometheus.Registerer
}

// DefaultOptions returns the default registry configuration.
func DefaultOptions() Options {
	return Options{
		QueueCapacity:     256,
		HeartbeatInterval: 30 * time.Second,
		LivenessGrace:     90 * time.Second,
	}
}

// Validate validates the options.
func (o *Options) Validate() error {
	if o.InstanceID == "" {
		return ErrInvalidOptions
	}
	if o.QueueCapacity <= 0 {
		return ErrInvalidOptions
	}
	if o.HeartbeatInterval <= 0 || o.LivenessGrace <= o.HeartbeatInterval {
		return ErrInvalidOptions
	}
	return nil
}

// Registry tracks the live connections of this instance. It is the process
// arena for sockets: created at startup, drained at shutdown, and the only
// component that touches transports.
type Registry struct {
	opts    Options
	log     *slog.Logger
	metrics *Metrics

	mu           sync.RWMutex
	conns        map[string]*conn
	bySubscriber map[string]map[string]*conn

	done     chan struct{}
	shutdown sync.Once
	wg       sync.WaitGroup
}

// New creates a Registry and starts its heartbeat loop.
func New(opts Options) (*Registry, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	r := &Registry{
		opts:         opts,
		log:          log.With("component", "registry"),
		metrics:      NewMetrics(opts.Registerer),
		conns:        make(map[string]*conn),
		bySubscriber: make(map[string]map[string]*conn),
		done:         make(chan struct{}),
	}

	r.wg.Add(1)
	go r.heartbeatLoop()

	return r, nil
}

// Register attaches a transport for a subscriber and starts its writer loop.
// A prior connection for the same subscriber and channel kind is replaced:
// the original platform allows one stream per subscriber per transport, and a
// reconnect supersedes the old socket.
func (r *Registry) Register(info types.ConnectionInfo, t Transport) (*Handle, error) {
	select {
	case <-r.done:
		return nil, ErrRegistryClosed
	default:
	}
	if info.SubscriberID == "" || t == nil {
		return nil, ErrInvalidOptions
	}

	if info.ConnectionID == "" {
		info.ConnectionID = "conn-" + gonanoid.Must(12)
	}
	info.InstanceID = r.opts.InstanceID
	info.LastHeartbeatAt = time.Now()

	c := newConn(info, t, r.opts.QueueCapacity)

	var replaced *conn
	r.mu.Lock()
	for _, existing := range r.bySubscriber[info.SubscriberID] {
		if existing.info.Kind == info.Kind {
			replaced = existing
			break
		}
	}
	r.conns[info.ConnectionID] = c
	set := r.bySubscriber[info.SubscriberID]
	if set == nil {
		set = make(map[string]*conn)
		r.bySubscriber[info.SubscriberID] = set
	}
	set[info.ConnectionID] = c
	r.mu.Unlock()

	if replaced != nil {
		r.closeConn(replaced, closeByReplacement)
	}

	r.metrics.ActiveConnections.Inc()
	r.wg.Add(1)
	go r.writerLoop(c)

	if r.opts.OnRegister != nil {
		r.opts.OnRegister(c.info)
	}

	r.log.Debug("connection registered",
		"connectionId", info.ConnectionID,
		"subscriberId", info.SubscriberID,
		"kind", string(info.Kind))

	return &Handle{registry: r, conn: c}, nil
}

// Unregister tears down a connection by id. Unknown ids are a no-op.
func (r *Registry) Unregister(connectionID string) {
	r.mu.RLock()
	c := r.conns[connectionID]
	r.mu.RUnlock()
	if c != nil {
		r.closeConn(c, closeByClient)
	}
}

// Send enqueues an event frame for one connection. It never blocks; on queue
// overflow the oldest frame is dropped and counted.
func (r *Registry) Send(connectionID string, event types.NotificationEvent) SendResult {
	r.mu.RLock()
	c := r.conns[connectionID]
	r.mu.RUnlock()

	if c == nil || c.closing.Load() {
		return SendResult{ConnectionGone: true}
	}

	before := c.dropped.Load()
	dropped := c.enqueue(event)
	if dropped > before {
		r.metrics.EventsDropped.Add(float64(dropped - before))
		r.log.Debug("outbound queue overflow, dropped oldest",
			"connectionId", connectionID, "dropped", dropped)
	}
	return SendResult{Delivered: true, Dropped: c.dropped.Load()}
}

// ListActive returns a snapshot of the connection ids currently registered
// for a subscriber. The snapshot may be stale by the time it is used; callers
// treat a failed Send as "gone".
func (r *Registry) ListActive(subscriberID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.bySubscriber[subscriberID]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

// Subscribers returns a snapshot of subscriber ids with at least one live
// connection, used for presence TTL refresh.
func (r *Registry) Subscribers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.bySubscriber))
	for id := range r.bySubscriber {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Close drains every connection and stops the heartbeat loop.
func (r *Registry) Close() {
	r.shutdown.Do(func() {
		close(r.done)

		r.mu.RLock()
		conns := make([]*conn, 0, len(r.conns))
		for _, c := range r.conns {
			conns = append(conns, c)
		}
		r.mu.RUnlock()

		for _, c := range conns {
			r.closeConn(c, closeByShutdown)
		}
		r.wg.Wait()
	})
}

// writerLoop drains one connection's queue into its transport in enqueue
// order. It is the only goroutine writing to the transport.
func (r *Registry) writerLoop(c *conn) {
	defer r.wg.Done()

	for {
		select {
		case <-c.done:
			return
		case event := <-c.queue:
			var err error
			if event.Type == types.EventHeartbeat {
				err = c.transport.WriteHeartbeat()
			} else {
				err = c.transport.WriteEvent(event)
			}
			if err != nil {
				r.metrics.EventsFailed.Inc()
				r.log.Debug("transport write failed, closing connection",
					"connectionId", c.info.ConnectionID, "error", err)
				r.closeConn(c, closeByTransport)
				return
			}
			if event.Type != types.EventHeartbeat {
				id := event.ID
				c.lastEventID.Store(&id)
				r.metrics.EventsSent.Inc()
			}
			c.touch()
		}
	}
}

// heartbeatLoop enqueues keep-alive frames and reaps connections whose
// client liveness lapsed past the grace window.
func (r *Registry) heartbeatLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.opts.HeartbeatInterval)
	defer ticker.Stop()

	heartbeat := types.NotificationEvent{Type: types.EventHeartbeat}

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.mu.RLock()
			conns := make([]*conn, 0, len(r.conns))
			for _, c := range r.conns {
				conns = append(conns, c)
			}
			r.mu.RUnlock()

			now := time.Now()
			for _, c := range conns {
				if now.Sub(c.lastAck()) > r.opts.LivenessGrace {
					r.metrics.HeartbeatTimeouts.Inc()
					r.log.Debug("liveness grace exceeded, closing connection",
						"connectionId", c.info.ConnectionID)
					r.closeConn(c, closeByTimeout)
					continue
				}
				// Best effort: a full queue means the connection is busy
				// enough to not need a keep-alive.
				select {
				case c.queue <- heartbeat:
				default:
				}
			}
		}
	}
}

// closeConn tears a connection down exactly once, no matter how many sides
// race to do it, and publishes the close notice once.
func (r *Registry) closeConn(c *conn, reason closeReason) {
	if !c.closing.CompareAndSwap(false, true) {
		return
	}

	r.mu.Lock()
	delete(r.conns, c.info.ConnectionID)
	if set := r.bySubscriber[c.info.SubscriberID]; set != nil {
		delete(set, c.info.ConnectionID)
		if len(set) == 0 {
			delete(r.bySubscriber, c.info.SubscriberID)
		}
	}
	r.mu.Unlock()

	close(c.done)
	if err := c.transport.Close(); err != nil {
		r.log.Debug("transport close failed", "connectionId", c.info.ConnectionID, "error", err)
	}
	r.metrics.ActiveConnections.Dec()

	info := c.info
	if id := c.lastEventID.Load(); id != nil {
		info.LastEventID = *id
	}
	if r.opts.OnClose != nil {
		r.opts.OnClose(info)
	}

	r.log.Debug("connection closed",
		"connectionId", c.info.ConnectionID,
		"subscriberId", c.info.SubscriberID,
		"reason", reason.String())
}

// ErrInvalidOptions is returned for invalid registry configuration or
// registration arguments.
var ErrInvalidOptions = errors.New("invalid registry options")

// ErrRegistryClosed is returned when registering on a closed registry.
var ErrRegistryClosed = errors.New("registry is closed")

// ErrConnectionGone indicates a transport write failed because the client is
// no longer reachable.
var ErrConnectionGone = errors.New("connection gone")
