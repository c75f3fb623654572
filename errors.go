package realtime

import (
	"github.com/mopl/realtime/cache"
	"github.com/mopl/realtime/lock"
	"github.com/mopl/realtime/registry"
	"github.com/mopl/realtime/storage"
)

// ErrNotFound is returned when a key is not present in the shared store.
var ErrNotFound = storage.ErrNotFound

// ErrUnavailable is returned when the shared store is unreachable.
var ErrUnavailable = storage.ErrUnavailable

// ErrCacheClosed is returned when operations are performed on a closed cache.
var ErrCacheClosed = cache.ErrCacheClosed

// ErrNotAcquired is returned when a lock is held by another instance.
var ErrNotAcquired = lock.ErrNotAcquired

// ErrLeaseLost is returned when a lock lease expired or moved holders.
var ErrLeaseLost = lock.ErrLeaseLost

// ErrStaleLease is returned when a write carries an outdated fencing token.
var ErrStaleLease = lock.ErrStaleLease

// ErrRegistryClosed is returned when registering on a closed registry.
var ErrRegistryClosed = registry.ErrRegistryClosed
