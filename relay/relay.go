package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// DefaultInvalidationChannel is the pub/sub channel for cache invalidation
// notices.
const DefaultInvalidationChannel = "cache:invalidate"

// InstanceChannel returns the instance-addressed channel a node's fanout
// router subscribes to for relayed events.
func InstanceChannel(instanceID string) string {
	return "relay:instance:" + instanceID
}

// Relay is the cross-instance pub/sub transport. One Relay serves every
// channel a node participates in: the cache-invalidation broadcast and the
// node's own instance-addressed fanout channel.
type Relay struct {
	client *redis.Client
	log    *slog.Logger

	pubsub *redis.PubSub

	mu       sync.RWMutex
	handlers map[string][]func(payload []byte)

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a Relay on the given Redis client. The client's lifecycle stays
// with the caller.
func New(client *redis.Client, log *slog.Logger) *Relay {
	if log == nil {
		log = slog.Default()
	}
	return &Relay{
		client:   client,
		log:      log,
		handlers: make(map[string][]func(payload []byte)),
		done:     make(chan struct{}),
	}
}

// OnMessage registers a handler for one channel. Handlers must be registered
// before Subscribe; they run on the relay's listener goroutine, so they must
// not block.
func (r *Relay) OnMessage(channel string, fn func(payload []byte)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[channel] = append(r.handlers[channel], fn)
}

// Subscribe starts listening on the given channels.
func (r *Relay) Subscribe(ctx context.Context, channels ...string) error {
	r.pubsub = r.client.Subscribe(ctx, channels...)

	// Force the subscription to be established before returning, so events
	// published right after startup are not lost.
	if _, err := r.pubsub.Receive(ctx); err != nil {
		return err
	}

	r.wg.Add(1)
	go r.listen()

	return nil
}

// Publish JSON-encodes the payload and publishes it on the channel.
func (r *Relay) Publish(ctx context.Context, channel string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, channel, data).Err()
}

// Close stops the listener and tears down the subscription.
func (r *Relay) Close() error {
	close(r.done)
	r.wg.Wait()

	if r.pubsub != nil {
		return r.pubsub.Close()
	}
	return nil
}

func (r *Relay) listen() {
	defer r.wg.Done()

	ch := r.pubsub.Channel()

	for {
		select {
		case <-r.done:
			return
		case msg := <-ch:
			if msg == nil {
				return
			}

			r.mu.RLock()
			handlers := r.handlers[msg.Channel]
			r.mu.RUnlock()

			if len(handlers) == 0 {
				r.log.Debug("relay: message on channel without handler", "channel", msg.Channel)
				continue
			}

			for _, fn := range handlers {
				fn([]byte(msg.Payload))
			}
		}
	}
}
