package cache

import (
	"errors"
	"time"
)

// LocalCacheConfig configures the local tier.
type LocalCacheConfig struct {
	// NumCounters is the number of counters for the cache (Ristretto only).
	// Recommended: 10 * MaxItems
	NumCounters int64

	// MaxCost is the maximum cost of items in the cache (Ristretto only).
	MaxCost int64

	// BufferItems is the number of items to buffer before eviction (Ristretto only).
	BufferItems int64

	// IgnoreInternalCost ignores the internal cost of items (Ristretto only).
	IgnoreInternalCost bool

	// MaxSize is the maximum number of items in the cache (LRU only).
	MaxSize int
}

// Options configures a SyncedCache instance.
type Options struct {
	// InstanceID identifies this process. Used to ignore our own
	// invalidation notices on the relay channel.
	InstanceID string

	// LocalCacheConfig configures the local tier.
	LocalCacheConfig LocalCacheConfig

	// LocalCacheFactory creates the local tier. If nil, defaults to Ristretto.
	LocalCacheFactory LocalCacheFactory

	// DefaultTTL is the shared-tier TTL for values written through Put.
	// Zero means no expiry.
	DefaultTTL time.Duration

	// LocalTTL bounds how long a local copy may be served without
	// re-reading the shared tier. Zero disables the local bound.
	LocalTTL time.Duration

	// Marshaller serializes values for the shared tier. If nil, JSON.
	Marshaller Marshaller

	// Logger is the logger for the cache. If nil, a no-op logger.
	Logger Logger

	// ContextTimeout is the default timeout for shared-tier operations
	// issued from background paths.
	ContextTimeout time.Duration

	// OnError is called when an error occurs in background operations.
	OnError func(error)
}

// DefaultOptions returns default cache options.
func DefaultOptions() Options {
	return Options{
		InstanceID:       "node-default",
		DefaultTTL:       10 * time.Minute,
		LocalTTL:         time.Minute,
		ContextTimeout:   5 * time.Second,
		LocalCacheConfig: DefaultLocalCacheConfig(),
	}
}

// DefaultLocalCacheConfig returns default local tier configuration.
func DefaultLocalCacheConfig() LocalCacheConfig {
	return LocalCacheConfig{
		NumCounters:        1e7,     // 10 million
		MaxCost:            1 << 30, // 1GB
		BufferItems:        64,
		IgnoreInternalCost: false,
		MaxSize:            10000,
	}
}

// Validate validates the options.
func (o *Options) Validate() error {
	if o.InstanceID == "" {
		return ErrInvalidConfig
	}
	if o.LocalCacheFactory == nil {
		if o.LocalCacheConfig.NumCounters <= 0 {
			return ErrInvalidConfig
		}
		if o.LocalCacheConfig.MaxCost <= 0 {
			return ErrInvalidConfig
		}
	}
	if o.ContextTimeout < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// ErrInvalidConfig is returned when options are invalid.
var ErrInvalidConfig = errors.New("invalid cache configuration")
