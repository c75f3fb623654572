package cache

import (
	"context"
	"encoding/json"

	"github.com/mopl/realtime/relay"
	"github.com/mopl/realtime/types"
)

// RelayNotifier carries invalidation notices over the shared pub/sub relay.
type RelayNotifier struct {
	relay   *relay.Relay
	channel string
}

// NewRelayNotifier creates a notifier on the given relay channel. An empty
// channel uses the default invalidation channel.
func NewRelayNotifier(r *relay.Relay, channel string) *RelayNotifier {
	if channel == "" {
		channel = relay.DefaultInvalidationChannel
	}
	return &RelayNotifier{relay: r, channel: channel}
}

// Channel returns the relay channel notices travel on. The owning node must
// include it in the relay subscription.
func (n *RelayNotifier) Channel() string {
	return n.channel
}

// PublishInvalidation broadcasts a notice to all instances.
func (n *RelayNotifier) PublishInvalidation(ctx context.Context, notice types.InvalidationNotice) error {
	return n.relay.Publish(ctx, n.channel, notice)
}

// OnInvalidation registers a callback for notices. Malformed payloads are
// dropped.
func (n *RelayNotifier) OnInvalidation(fn func(notice types.InvalidationNotice)) {
	n.relay.OnMessage(n.channel, func(payload []byte) {
		var notice types.InvalidationNotice
		if err := json.Unmarshal(payload, &notice); err != nil {
			return
		}
		fn(notice)
	})
}
