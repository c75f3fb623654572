// Package fanout routes notification events to every live connection of
// their target subscribers: directly through the local connection registry,
// or via the shared relay channel of the instance that owns the connection.
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mopl/realtime/registry"
	"github.com/mopl/realtime/relay"
	"github.com/mopl/realtime/storage"
	"github.com/mopl/realtime/types"
)

// LocalRegistry is the subset of the connection registry the router uses.
type LocalRegistry interface {
	ListActive(subscriberID string) []string
	Send(connectionID string, event types.NotificationEvent) registry.SendResult
	Subscribers() []string
}

// Presence is the shared subscriber->instance map. storage.RedisStore
// satisfies it.
type Presence interface {
	SetPresence(ctx context.Context, subscriberID, instanceID string, ttl time.Duration) error
	RefreshPresence(ctx context.Context, subscriberID, instanceID string, ttl time.Duration) (bool, error)
	LookupPresence(ctx context.Context, subscriberID string) (string, error)
	ClearPresence(ctx context.Context, subscriberID, instanceID string) error
}

// Bus is the cross-instance pub/sub transport. relay.Relay satisfies it.
type Bus interface {
	Publish(ctx context.Context, channel string, payload any) error
	OnMessage(channel string, fn func(payload []byte))
}

// EventCache keeps a short per-subscriber tail of delivered events so a
// reconnecting client can resume from its last event id. storage.RedisStore
// satisfies it.
type EventCache interface {
	CacheEvent(ctx context.Context, subscriberID string, event types.NotificationEvent, ttl time.Duration, maxSize int64) error
}

// FanoutResult reports where an event's targets were reached.
type FanoutResult struct {
	// LocalDelivered counts frames enqueued on connections of this instance.
	LocalDelivered int

	// Relayed counts targets forwarded to the instance owning their
	// connection.
	Relayed int

	// Unresolved counts targets with no live connection anywhere. Missed
	// events are replayed from the durable log on reconnect, not here.
	Unresolved int
}

// Options configures a Router.
type Options struct {
	// InstanceID identifies this process; the router subscribes to this
	// instance's relay channel.
	InstanceID string

	// PresenceTTL is the expiry backstop for presence entries of crashed
	// instances.
	PresenceTTL time.Duration

	// RefreshInterval is the presence TTL refresh cadence. Must be safely
	// below PresenceTTL.
	RefreshInterval time.Duration

	// DedupWindow bounds the recently-seen set used to absorb relay
	// redelivery.
	DedupWindow int

	// EventCache, when set, records each event per target subscriber for
	// reconnect resume. Only the publishing instance writes; the cache write
	// is idempotent, so redelivery is harmless.
	EventCache EventCache

	// EventCacheTTL bounds how long cached events stay resumable.
	EventCacheTTL time.Duration

	// EventCacheSize caps cached events per subscriber.
	EventCacheSize int64

	// Logger for diagnostics. Nil uses slog.Default().
	Logger *slog.Logger

	// Registerer for Prometheus metrics. May be nil.
	Registerer prometheus.Registerer
}

// DefaultOptions returns the default router configuration.
func DefaultOptions() Options {
	return Options{
		PresenceTTL:     60 * time.Second,
		RefreshInterval: 20 * time.Second,
		DedupWindow:     8192,
		EventCacheTTL:   time.Hour,
		EventCacheSize:  100,
	}
}

// Validate validates the options.
func (o *Options) Validate() error {
	if o.InstanceID == "" {
		return ErrInvalidOptions
	}
	if o.PresenceTTL <= 0 || o.RefreshInterval <= 0 || o.RefreshInterval >= o.PresenceTTL {
		return ErrInvalidOptions
	}
	if o.DedupWindow <= 0 {
		return ErrInvalidOptions
	}
	if o.EventCache != nil && (o.EventCacheTTL <= 0 || o.EventCacheSize <= 0) {
		return ErrInvalidOptions
	}
	return nil
}

// Router resolves target subscribers to connections and delivers at most
// once per connection per event id.
type Router struct {
	opts     Options
	log      *slog.Logger
	registry LocalRegistry
	presence Presence
	bus      Bus
	metrics  *Metrics

	// seen absorbs relay redelivery: the ingestor's at-least-once source and
	// a crashed peer can both resend an event id we already handled.
	seen   *lru.Cache[string, struct{}]
	seenMu sync.Mutex

	done chan struct{}
	stop sync.Once
	wg   sync.WaitGroup
}

// New creates a Router, subscribes it to this instance's relay channel, and
// starts the presence refresh loop. The caller must have registered the
// instance channel with the relay subscription.
func New(opts Options, reg LocalRegistry, presence Presence, bus Bus) (*Router, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if reg == nil || presence == nil || bus == nil {
		return nil, ErrInvalidOptions
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	seen, err := lru.New[string, struct{}](opts.DedupWindow)
	if err != nil {
		return nil, err
	}

	r := &Router{
		opts:     opts,
		log:      log.With("component", "fanout"),
		registry: reg,
		presence: presence,
		bus:      bus,
		metrics:  NewMetrics(opts.Registerer),
		seen:     seen,
		done:     make(chan struct{}),
	}

	bus.OnMessage(relay.InstanceChannel(opts.InstanceID), r.handleRelayed)

	r.wg.Add(1)
	go r.refreshLoop()

	return r, nil
}

// Publish delivers an event to every target subscriber: locally when this
// instance holds the connection, via the relay when another instance does,
// and counted unresolved when nobody does.
func (r *Router) Publish(ctx context.Context, event types.NotificationEvent) (FanoutResult, error) {
	var res FanoutResult

	for _, subscriberID := range event.TargetSubscriberIDs {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		r.cacheForResume(ctx, subscriberID, event)

		if delivered := r.deliverLocal(subscriberID, event); delivered > 0 {
			res.LocalDelivered += delivered
			continue
		}

		instanceID, err := r.presence.LookupPresence(ctx, subscriberID)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				r.log.Warn("presence lookup failed", "subscriberId", subscriberID, "error", err)
			}
			res.Unresolved++
			r.metrics.Unresolved.Inc()
			continue
		}
		if instanceID == r.opts.InstanceID {
			// Stale presence: we own the entry but the connection is gone.
			res.Unresolved++
			r.metrics.Unresolved.Inc()
			continue
		}

		envelope := types.RelayEnvelope{TargetInstanceID: instanceID, Event: event}
		if err := r.bus.Publish(ctx, relay.InstanceChannel(instanceID), envelope); err != nil {
			r.log.Warn("relay publish failed",
				"subscriberId", subscriberID, "targetInstance", instanceID, "error", err)
			res.Unresolved++
			r.metrics.Unresolved.Inc()
			continue
		}
		res.Relayed++
		r.metrics.Relayed.Inc()
	}

	return res, nil
}

// Close stops the presence refresh loop.
func (r *Router) Close() {
	r.stop.Do(func() { close(r.done) })
	r.wg.Wait()
}

// SubscriberConnected records presence ownership for a newly registered
// connection. Wired to the registry's OnRegister hook.
func (r *Router) SubscriberConnected(info types.ConnectionInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.presence.SetPresence(ctx, info.SubscriberID, r.opts.InstanceID, r.opts.PresenceTTL); err != nil {
		r.log.Warn("presence set failed", "subscriberId", info.SubscriberID, "error", err)
	}
}

// SubscriberDisconnected clears presence when the subscriber's last local
// connection closed. Wired to the registry's OnClose hook.
func (r *Router) SubscriberDisconnected(info types.ConnectionInfo) {
	if len(r.registry.ListActive(info.SubscriberID)) > 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.presence.ClearPresence(ctx, info.SubscriberID, r.opts.InstanceID); err != nil {
		r.log.Warn("presence clear failed", "subscriberId", info.SubscriberID, "error", err)
	}
}

// deliverLocal sends the event to each local connection of the subscriber,
// at most once per connection per event id.
func (r *Router) deliverLocal(subscriberID string, event types.NotificationEvent) int {
	delivered := 0
	for _, connectionID := range r.registry.ListActive(subscriberID) {
		if r.alreadySeen(event.ID, connectionID) {
			r.metrics.Duplicates.Inc()
			continue
		}
		result := r.registry.Send(connectionID, event)
		if result.ConnectionGone {
			r.forget(event.ID, connectionID)
			continue
		}
		delivered++
		r.metrics.LocalDelivered.Inc()
	}
	return delivered
}

// handleRelayed re-delivers an event relayed to this instance by its origin.
// Only local delivery is attempted; relaying again could loop.
func (r *Router) handleRelayed(payload []byte) {
	var envelope types.RelayEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		r.log.Warn("malformed relay envelope", "error", err)
		return
	}
	if envelope.TargetInstanceID != r.opts.InstanceID {
		return
	}

	delivered := 0
	for _, subscriberID := range envelope.Event.TargetSubscriberIDs {
		delivered += r.deliverLocal(subscriberID, envelope.Event)
	}
	if delivered == 0 {
		r.log.Debug("relayed event had no local connections", "eventId", envelope.Event.ID)
	}
}

// refreshLoop keeps presence entries for locally connected subscribers alive.
// A refresh that finds the entry lost (expired, or claimed by an instance the
// subscriber reconnected to and then left) re-establishes it.
func (r *Router) refreshLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.opts.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.opts.RefreshInterval)
			for _, subscriberID := range r.registry.Subscribers() {
				ok, err := r.presence.RefreshPresence(ctx, subscriberID, r.opts.InstanceID, r.opts.PresenceTTL)
				if err != nil {
					r.log.Warn("presence refresh failed", "subscriberId", subscriberID, "error", err)
					continue
				}
				if !ok {
					if err := r.presence.SetPresence(ctx, subscriberID, r.opts.InstanceID, r.opts.PresenceTTL); err != nil {
						r.log.Warn("presence re-establish failed", "subscriberId", subscriberID, "error", err)
					}
				}
			}
			cancel()
		}
	}
}

// cacheForResume records the event in the subscriber's recent tail. Cached
// even when the subscriber is unresolved, so a reconnect within the TTL picks
// the event up without a durable-log replay.
func (r *Router) cacheForResume(ctx context.Context, subscriberID string, event types.NotificationEvent) {
	if r.opts.EventCache == nil {
		return
	}
	err := r.opts.EventCache.CacheEvent(ctx, subscriberID, event, r.opts.EventCacheTTL, r.opts.EventCacheSize)
	if err != nil {
		r.log.Warn("recent-event cache write failed", "subscriberId", subscriberID, "error", err)
	}
}

func (r *Router) alreadySeen(eventID, connectionID string) bool {
	key := eventID + "|" + connectionID
	r.seenMu.Lock()
	defer r.seenMu.Unlock()
	if _, ok := r.seen.Get(key); ok {
		return true
	}
	r.seen.Add(key, struct{}{})
	return false
}

func (r *Router) forget(eventID, connectionID string) {
	r.seenMu.Lock()
	defer r.seenMu.Unlock()
	r.seen.Remove(eventID + "|" + connectionID)
}

// ErrInvalidOptions is returned for invalid router configuration.
var ErrInvalidOptions = errors.New("invalid fanout options")
