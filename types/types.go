package types

import (
	"time"

	"github.com/google/uuid"
)

// EventType enumerates the kinds of events delivered to live connections.
type EventType string

const (
	EventNotification    EventType = "notification"
	EventDirectMessage   EventType = "direct-message"
	EventWatchingSession EventType = "watching-session"
	EventHeartbeat       EventType = "heartbeat"
)

// ChannelKind identifies the transport a connection is attached to.
type ChannelKind string

const (
	ChannelSSE       ChannelKind = "SSE"
	ChannelWebSocket ChannelKind = "WEBSOCKET"
)

// NotificationEvent is a domain event addressed to one or more subscribers.
// It is immutable once created and never mutated after dispatch.
type NotificationEvent struct {
	ID                  string    `json:"id"`
	Type                EventType `json:"type"`
	Payload             []byte    `json:"payload"`
	TargetSubscriberIDs []string  `json:"targetSubscriberIds"`
	CreatedAt           time.Time `json:"createdAt"`
}

// NewEventID returns a time-ordered (UUIDv7) event id. The embedded timestamp
// is what the recent-event cache uses as its score for resume-by-id.
func NewEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the random source does; fall back to v4.
		return uuid.NewString()
	}
	return id.String()
}

// EventIDTime extracts the millisecond timestamp embedded in a UUIDv7 event id.
// Returns false for ids that are not valid UUIDv7 values.
func EventIDTime(id string) (time.Time, bool) {
	u, err := uuid.Parse(id)
	if err != nil || u.Version() != 7 {
		return time.Time{}, false
	}
	sec, nsec := u.Time().UnixTime()
	return time.Unix(sec, nsec), true
}

// ConnectionInfo is the registry-owned metadata for one live socket. The
// socket itself never leaves the owning instance; other instances learn only
// subscriberID -> instanceID through the presence map.
type ConnectionInfo struct {
	ConnectionID    string
	SubscriberID    string
	Kind            ChannelKind
	InstanceID      string
	LastEventID     string
	LastHeartbeatAt time.Time
}

// RelayEnvelope is the wire format on the instance-addressed fanout channel.
type RelayEnvelope struct {
	TargetInstanceID string            `json:"targetInstanceId"`
	Event            NotificationEvent `json:"event"`
}

// InvalidationNotice is the wire format on the cache-invalidation channel.
// Receivers evict local entries strictly older than Version; they never
// overwrite blindly.
type InvalidationNotice struct {
	Key     string `json:"key"`
	Version int64  `json:"version"`
	Sender  string `json:"sender"`
}

// LockLease records an exclusive lease on a named lock. FencingToken strictly
// increases across successive acquisitions of the same name, including after
// expiry of a presumed-dead holder.
type LockLease struct {
	Name         string
	Owner        string
	FencingToken int64
	AcquiredAt   time.Time
	ExpiresAt    time.Time
}
