package realtime

import "github.com/mopl/realtime/types"

// NotificationEvent is an alias for types.NotificationEvent.
type NotificationEvent = types.NotificationEvent

// EventType is an alias for types.EventType.
type EventType = types.EventType

// ChannelKind is an alias for types.ChannelKind.
type ChannelKind = types.ChannelKind

// ConnectionInfo is an alias for types.ConnectionInfo.
type ConnectionInfo = types.ConnectionInfo

// LockLease is an alias for types.LockLease.
type LockLease = types.LockLease

// NewEventID returns a fresh time-ordered event id.
func NewEventID() string {
	return types.NewEventID()
}
