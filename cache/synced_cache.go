package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/mopl/realtime/storage"
	"github.com/mopl/realtime/types"
)

// floorWindow bounds how many per-key invalidation floors are remembered.
// A forgotten floor only costs an extra shared-tier read, never a stale serve
// beyond the propagation bound.
const floorWindow = 4096

// SyncedCache is the two-tier cache: a local in-process tier kept eventually
// consistent with the authoritative shared tier through invalidation notices.
//
// Read-your-writes holds only on the instance that performed the write; other
// instances converge within one relay round-trip.
type SyncedCache struct {
	local      LocalCache
	shared     SharedTier
	notifier   Notifier
	serializer Marshaller
	logger     Logger
	options    Options

	// floors records, per key, the highest noticed version. A local entry is
	// served only if its version is at or above the floor: the floor version
	// itself is the shared tier's current value, everything below is stale.
	floors   *lru.Cache[string, int64]
	floorsMu sync.Mutex

	group  singleflight.Group
	closed int32
	stats  Stats
}

// New creates a SyncedCache on top of the given shared tier and notifier.
// The caller owns the lifecycle of both.
func New(opts Options, shared SharedTier, notifier Notifier) (*SyncedCache, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if shared == nil || notifier == nil {
		return nil, ErrInvalidConfig
	}

	if opts.LocalCacheFactory == nil {
		opts.LocalCacheFactory = NewLFUCacheFactory(opts.LocalCacheConfig)
	}
	if opts.Marshaller == nil {
		opts.Marshaller = NewJSONMarshaller()
	}
	if opts.Logger == nil {
		opts.Logger = NewNoOpLogger()
	}

	local, err := opts.LocalCacheFactory.Create()
	if err != nil {
		return nil, err
	}

	floors, err := lru.New[string, int64](floorWindow)
	if err != nil {
		local.Close()
		return nil, err
	}

	sc := &SyncedCache{
		local:      local,
		shared:     shared,
		notifier:   notifier,
		serializer: opts.Marshaller,
		logger:     opts.Logger,
		options:    opts,
		floors:     floors,
	}

	notifier.OnInvalidation(sc.handleInvalidation)

	return sc, nil
}

// Get retrieves a value, serving the local tier when it holds a fresh enough
// copy and falling back to the shared tier otherwise.
func (sc *SyncedCache) Get(ctx context.Context, key string) (any, bool) {
	if atomic.LoadInt32(&sc.closed) != 0 {
		return nil, false
	}

	if entry, found := sc.local.Get(key); found {
		if !entry.Expired(time.Now()) && entry.Version >= sc.floor(key) {
			atomic.AddInt64(&sc.stats.LocalHits, 1)
			return entry.Value, true
		}
		sc.local.Delete(key)
	}
	atomic.AddInt64(&sc.stats.LocalMisses, 1)

	// Collapse concurrent shared-tier reads for the same key.
	v, err, _ := sc.group.Do(key, func() (any, error) {
		return sc.loadShared(ctx, key)
	})
	if err != nil {
		atomic.AddInt64(&sc.stats.SharedMisses, 1)
		if !errors.Is(err, storage.ErrNotFound) {
			sc.logger.Debug("cache: shared tier read failed", "key", key, "error", err)
			if sc.options.OnError != nil {
				sc.options.OnError(err)
			}
		}
		return nil, false
	}

	atomic.AddInt64(&sc.stats.SharedHits, 1)
	return v, true
}

func (sc *SyncedCache) loadShared(ctx context.Context, key string) (any, error) {
	vv, err := sc.shared.GetVersioned(ctx, key)
	if err != nil {
		return nil, err
	}

	var value any
	if err := sc.serializer.Unmarshal(vv.Data, &value); err != nil {
		return nil, err
	}

	// An invalidation may have raced the read; never populate below the floor.
	if vv.Version >= sc.floor(key) {
		sc.local.Set(key, sc.newEntry(value, vv.Version), 1)
	}
	return value, nil
}

// Put writes to the shared tier first (which assigns the version), updates
// the local tier, then broadcasts an invalidation notice to other instances.
func (sc *SyncedCache) Put(ctx context.Context, key string, value any) error {
	if atomic.LoadInt32(&sc.closed) != 0 {
		return ErrCacheClosed
	}

	data, err := sc.serializer.Marshal(value)
	if err != nil {
		return err
	}

	ver, err := sc.shared.PutVersioned(ctx, key, data, sc.options.DefaultTTL)
	if err != nil {
		return err
	}

	if ver >= sc.floor(key) {
		sc.local.Set(key, sc.newEntry(value, ver), 1)
	}

	sc.publishNotice(ctx, key, ver)
	return nil
}

// Invalidate removes the key from the shared tier, bumps its version, and
// broadcasts the eviction.
func (sc *SyncedCache) Invalidate(ctx context.Context, key string) error {
	if atomic.LoadInt32(&sc.closed) != 0 {
		return ErrCacheClosed
	}

	ver, err := sc.shared.InvalidateVersioned(ctx, key)
	if err != nil {
		return err
	}

	sc.raiseFloor(key, ver)
	sc.local.Delete(key)

	sc.publishNotice(ctx, key, ver)
	return nil
}

// Close closes the local tier. The shared tier and notifier belong to the
// caller and stay open.
func (sc *SyncedCache) Close() error {
	if !atomic.CompareAndSwapInt32(&sc.closed, 0, 1) {
		return nil
	}
	sc.local.Close()
	return nil
}

// Stats returns cache statistics.
func (sc *SyncedCache) Stats() Stats {
	return Stats{
		LocalHits:     atomic.LoadInt64(&sc.stats.LocalHits),
		LocalMisses:   atomic.LoadInt64(&sc.stats.LocalMisses),
		SharedHits:    atomic.LoadInt64(&sc.stats.SharedHits),
		SharedMisses:  atomic.LoadInt64(&sc.stats.SharedMisses),
		Invalidations: atomic.LoadInt64(&sc.stats.Invalidations),
	}
}

// LocalMetrics exposes the local tier's own counters.
func (sc *SyncedCache) LocalMetrics() LocalCacheMetrics {
	return sc.local.Metrics()
}

// handleInvalidation applies a notice from another instance: raise the floor
// for the key, then evict any local entry at or below the noticed version.
func (sc *SyncedCache) handleInvalidation(notice types.InvalidationNotice) {
	if notice.Sender == sc.options.InstanceID {
		return
	}

	sc.raiseFloor(notice.Key, notice.Version)

	// Evict strictly older copies only; a copy at the noticed version is the
	// shared tier's current value, not a stale one.
	if entry, found := sc.local.Get(notice.Key); found {
		if entry.Version < notice.Version {
			sc.local.Delete(notice.Key)
		}
	}
	atomic.AddInt64(&sc.stats.Invalidations, 1)

	sc.logger.Debug("cache: processed invalidation notice",
		"key", notice.Key, "version", notice.Version, "sender", notice.Sender)
}

func (sc *SyncedCache) publishNotice(ctx context.Context, key string, version int64) {
	notice := types.InvalidationNotice{
		Key:     key,
		Version: version,
		Sender:  sc.options.InstanceID,
	}
	if err := sc.notifier.PublishInvalidation(ctx, notice); err != nil {
		// The shared tier already holds the new version; other instances
		// converge via their local TTL even if the notice is lost.
		sc.logger.Warn("cache: failed to publish invalidation notice", "key", key, "error", err)
		if sc.options.OnError != nil {
			sc.options.OnError(err)
		}
	}
}

func (sc *SyncedCache) newEntry(value any, version int64) Entry {
	entry := Entry{Value: value, Version: version}
	if sc.options.LocalTTL > 0 {
		entry.ExpiresAt = time.Now().Add(sc.options.LocalTTL)
	}
	return entry
}

func (sc *SyncedCache) floor(key string) int64 {
	sc.floorsMu.Lock()
	defer sc.floorsMu.Unlock()
	floor, _ := sc.floors.Get(key)
	return floor
}

func (sc *SyncedCache) raiseFloor(key string, version int64) {
	sc.floorsMu.Lock()
	defer sc.floorsMu.Unlock()
	if floor, ok := sc.floors.Get(key); !ok || version > floor {
		sc.floors.Add(key, version)
	}
}

// ErrCacheClosed is returned when operations are performed on a closed cache.
var ErrCacheClosed = errors.New("cache is closed")
