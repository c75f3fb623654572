// Package realtime wires the event-distribution core of one node: the
// connection registry, the fanout router, the cross-instance relay, the
// synced two-tier cache, the lock coordinator, the scheduler, and the
// durable-log ingestor, all sharing one Redis connection.
package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/mopl/realtime/cache"
	"github.com/mopl/realtime/fanout"
	"github.com/mopl/realtime/ingest"
	"github.com/mopl/realtime/lock"
	"github.com/mopl/realtime/registry"
	"github.com/mopl/realtime/relay"
	"github.com/mopl/realtime/scheduler"
	"github.com/mopl/realtime/server"
	"github.com/mopl/realtime/storage"
	"github.com/mopl/realtime/transport"
)

// Config configures a Node.
type Config struct {
	// InstanceID is the unique identifier for this instance. Empty generates
	// one.
	InstanceID string

	// RedisAddr is the Redis server address (e.g., "localhost:6379").
	RedisAddr string

	// RedisPassword is the optional Redis password.
	RedisPassword string

	// RedisDB is the Redis database number.
	RedisDB int

	// NATSURL is the NATS server URL for the durable event log. Empty
	// disables ingestion; the node then only serves relayed and directly
	// published events.
	NATSURL string

	// Stream is the JetStream stream holding the domain events.
	Stream string

	// Durable is the durable consumer name. Shared across instances it makes
	// the instances a delivery group; unique per instance it makes each
	// instance see every event. Fanout wants the latter.
	Durable string

	// Subjects filters which event subjects to ingest.
	Subjects []string

	// QueueCapacity bounds each connection's outbound queue.
	QueueCapacity int

	// HeartbeatInterval is the connection keep-alive cadence.
	HeartbeatInterval time.Duration

	// LivenessGrace is how long a connection may go without client liveness.
	LivenessGrace time.Duration

	// PresenceTTL is the expiry backstop for presence entries.
	PresenceTTL time.Duration

	// CacheOptions configures the synced cache. Zero value uses defaults.
	CacheOptions cache.Options

	// Logger is the logger for all components. Nil uses slog.Default().
	Logger *slog.Logger

	// Registerer for Prometheus metrics. May be nil.
	Registerer prometheus.Registerer
}

// Node is one running instance of the distribution core.
type Node struct {
	cfg Config
	log *slog.Logger

	store     *storage.RedisStore
	relay     *relay.Relay
	notifier  *cache.RelayNotifier
	cache     *cache.SyncedCache
	registry  *registry.Registry
	router    *fanout.Router
	locks     *lock.Coordinator
	scheduler *scheduler.Scheduler
	source    *ingest.JetStreamSource
	ingestor  *ingest.Ingestor
	server    *server.Server

	group  *errgroup.Group
	cancel context.CancelFunc
}

// New builds a Node. Nothing is running yet; call Start.
func New(cfg Config) (*Node, error) {
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("realtime: redis address is required")
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = "node-" + gonanoid.Must(8)
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("instanceId", cfg.InstanceID)

	store, err := storage.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("realtime: connect redis: %w", err)
	}

	n := &Node{cfg: cfg, log: log, store: store}

	n.relay = relay.New(store.Client(), log)
	n.notifier = cache.NewRelayNotifier(n.relay, relay.DefaultInvalidationChannel)

	cacheOpts := cfg.CacheOptions
	if cacheOpts.InstanceID == "" {
		defaults := cache.DefaultOptions()
		defaults.InstanceID = cfg.InstanceID
		defaults.Logger = cache.NewSlogLogger(log)
		cacheOpts = defaults
	}
	n.cache, err = cache.New(cacheOpts, store, n.notifier)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("realtime: cache: %w", err)
	}

	// The registry's lifecycle hooks feed the router's presence bookkeeping.
	// The router needs the registry first, so the hooks close over the node.
	regOpts := registry.DefaultOptions()
	regOpts.InstanceID = cfg.InstanceID
	regOpts.Logger = log
	regOpts.Registerer = cfg.Registerer
	if cfg.QueueCapacity > 0 {
		regOpts.QueueCapacity = cfg.QueueCapacity
	}
	if cfg.HeartbeatInterval > 0 {
		regOpts.HeartbeatInterval = cfg.HeartbeatInterval
	}
	if cfg.LivenessGrace > 0 {
		regOpts.LivenessGrace = cfg.LivenessGrace
	}
	regOpts.OnRegister = func(info ConnectionInfo) {
		if n.router != nil {
			n.router.SubscriberConnected(info)
		}
	}
	regOpts.OnClose = func(info ConnectionInfo) {
		if n.router != nil {
			n.router.SubscriberDisconnected(info)
		}
	}
	n.registry, err = registry.New(regOpts)
	if err != nil {
		n.cache.Close()
		store.Close()
		return nil, fmt.Errorf("realtime: registry: %w", err)
	}

	fanoutOpts := fanout.DefaultOptions()
	fanoutOpts.InstanceID = cfg.InstanceID
	fanoutOpts.Logger = log
	fanoutOpts.Registerer = cfg.Registerer
	fanoutOpts.EventCache = store
	if cfg.PresenceTTL > 0 {
		fanoutOpts.PresenceTTL = cfg.PresenceTTL
		fanoutOpts.RefreshInterval = cfg.PresenceTTL / 3
	}
	n.router, err = fanout.New(fanoutOpts, n.registry, store, n.relay)
	if err != nil {
		n.registry.Close()
		n.cache.Close()
		store.Close()
		return nil, fmt.Errorf("realtime: fanout: %w", err)
	}

	n.locks = lock.New(store.Client(), cfg.InstanceID, log)
	n.scheduler = scheduler.New(n.locks, log)

	n.server, err = server.New(server.Options{
		InstanceID:    cfg.InstanceID,
		Registry:      n.registry,
		Store:         store,
		LivenessGrace: regOpts.LivenessGrace,
		Logger:        log,
	})
	if err != nil {
		n.router.Close()
		n.registry.Close()
		n.cache.Close()
		store.Close()
		return nil, fmt.Errorf("realtime: server: %w", err)
	}

	if cfg.NATSURL != "" && cfg.Stream != "" {
		durable := cfg.Durable
		if durable == "" {
			durable = cfg.InstanceID
		}
		n.source, err = ingest.NewJetStreamSource(ingest.JetStreamConfig{
			URL:      cfg.NATSURL,
			Stream:   cfg.Stream,
			Durable:  durable,
			Subjects: cfg.Subjects,
			Logger:   log,
		})
		if err != nil {
			n.Close()
			return nil, fmt.Errorf("realtime: jetstream: %w", err)
		}
		ingestOpts := ingest.DefaultOptions()
		ingestOpts.Logger = log
		n.ingestor, err = ingest.New(ingestOpts, n.source, n.router)
		if err != nil {
			n.Close()
			return nil, fmt.Errorf("realtime: ingest: %w", err)
		}
	}

	return n, nil
}

// Start subscribes the relay and launches the scheduler and the ingestor.
// Handlers were registered during New, so no published message can race past
// an unsubscribed channel.
func (n *Node) Start(ctx context.Context) error {
	if err := n.relay.Subscribe(ctx,
		n.notifier.Channel(),
		relay.InstanceChannel(n.cfg.InstanceID),
	); err != nil {
		return fmt.Errorf("realtime: relay subscribe: %w", err)
	}

	ctx, n.cancel = context.WithCancel(ctx)
	n.group, ctx = errgroup.WithContext(ctx)

	n.scheduler.Start(ctx)

	if n.ingestor != nil {
		runCtx := ctx
		n.group.Go(func() error {
			return n.ingestor.Run(runCtx)
		})
	}

	n.log.Info("node started", "version", Version)
	return nil
}

// Handler returns the client-facing HTTP routes (SSE, WebSocket, health).
func (n *Node) Handler() http.Handler {
	return n.server.Handler()
}

// Publish hands an event to the fanout router directly, bypassing the
// durable log. Intended for same-process producers and tests.
func (n *Node) Publish(ctx context.Context, event NotificationEvent) (fanout.FanoutResult, error) {
	return n.router.Publish(ctx, event)
}

// Cache returns the node's synced cache.
func (n *Node) Cache() *cache.SyncedCache { return n.cache }

// Locks returns the node's lock coordinator.
func (n *Node) Locks() *lock.Coordinator { return n.locks }

// Scheduler returns the node's job scheduler. Add jobs before Start.
func (n *Node) Scheduler() *scheduler.Scheduler { return n.scheduler }

// Registry returns the node's connection registry.
func (n *Node) Registry() *registry.Registry { return n.registry }

// InstanceID returns the node's instance id.
func (n *Node) InstanceID() string { return n.cfg.InstanceID }

// Close shuts the node down: connections drain first so close notices still
// reach presence, then the loops, then the shared connections.
func (n *Node) Close() error {
	if n.cancel != nil {
		n.cancel()
	}

	if n.registry != nil {
		n.registry.Close()
	}
	if n.router != nil {
		n.router.Close()
	}
	if n.scheduler != nil {
		n.scheduler.Close()
	}

	var err error
	if n.group != nil {
		if werr := n.group.Wait(); werr != nil && werr != context.Canceled {
			err = werr
		}
	}

	if n.source != nil {
		_ = n.source.Close()
	}
	if n.cache != nil {
		_ = n.cache.Close()
	}
	if n.relay != nil {
		_ = n.relay.Close()
	}
	if n.store != nil {
		_ = n.store.Close()
	}

	n.log.Info("node stopped")
	return err
}

// Transport re-exports so embedders don't import the transport package just
// to hand the registry a connection.
type (
	// SSETransport streams events as text/event-stream frames.
	SSETransport = transport.SSE

	// WebSocketTransport streams events as JSON envelopes.
	WebSocketTransport = transport.WebSocket
)
