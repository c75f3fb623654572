package cache

import (
	"context"
	"time"

	"github.com/mopl/realtime/storage"
	"github.com/mopl/realtime/types"
)

// Logger defines the interface for logging in the cache layer.
type Logger interface {
	// Debug logs a debug message.
	Debug(msg string, args ...any)

	// Info logs an info message.
	Info(msg string, args ...any)

	// Warn logs a warning message.
	Warn(msg string, args ...any)

	// Error logs an error message.
	Error(msg string, args ...any)
}

// Marshaller defines the interface for value serialization.
type Marshaller interface {
	// Marshal serializes a value to bytes.
	Marshal(v any) ([]byte, error)

	// Unmarshal deserializes a value from bytes.
	Unmarshal(data []byte, v any) error
}

// Entry is what the local tier holds for a key. The local copy is advisory;
// Version orders it against invalidation notices from the shared tier.
type Entry struct {
	Value     any
	Version   int64
	ExpiresAt time.Time
}

// Expired reports whether the entry's local TTL has passed.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// LocalCache defines the interface for the in-process tier.
type LocalCache interface {
	// Get retrieves an entry from the local cache.
	Get(key string) (Entry, bool)

	// Set stores an entry in the local cache.
	Set(key string, entry Entry, cost int64) bool

	// Delete removes an entry from the local cache.
	Delete(key string)

	// Clear removes all entries from the local cache.
	Clear()

	// Close closes the local cache.
	Close()

	// Metrics returns cache metrics.
	Metrics() LocalCacheMetrics
}

// LocalCacheMetrics represents local cache metrics.
type LocalCacheMetrics struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int64
}

// LocalCacheFactory defines the interface for creating local cache implementations.
type LocalCacheFactory interface {
	// Create creates a new local cache instance.
	Create() (LocalCache, error)
}

// VersionedValue is a serialized value plus the version the shared tier
// assigned to it.
type VersionedValue = storage.VersionedValue

// SharedTier is the authoritative store for values and version ordering.
// storage.RedisStore satisfies it.
type SharedTier interface {
	GetVersioned(ctx context.Context, key string) (VersionedValue, error)
	PutVersioned(ctx context.Context, key string, data []byte, ttl time.Duration) (int64, error)
	InvalidateVersioned(ctx context.Context, key string) (int64, error)
}

// Notifier broadcasts invalidation notices to other instances and delivers
// notices published by them.
type Notifier interface {
	// PublishInvalidation broadcasts a notice after a shared-tier write.
	PublishInvalidation(ctx context.Context, notice types.InvalidationNotice) error

	// OnInvalidation registers a callback for notices from other instances.
	// The callback runs on the notifier's goroutine and must not block.
	OnInvalidation(fn func(notice types.InvalidationNotice))
}

// Stats represents cache statistics.
type Stats struct {
	LocalHits     int64
	LocalMisses   int64
	SharedHits    int64
	SharedMisses  int64
	Invalidations int64
}
