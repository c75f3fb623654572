package storage

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mopl/realtime/types"
)

// Key layout in the shared store. The version counter for a cache key is kept
// separate from its data so invalidation can bump the version while deleting
// the data, and so the counter survives data expiry.
const (
	cacheDataPrefix = "cache:data:"
	cacheVerPrefix  = "cache:ver:"
	presencePrefix  = "presence:"
	eventCachePrefix = "sse:events:"
)

// RedisStore is the shared store client. It is the only component through
// which more than one instance mutates shared state; every cross-instance
// mutation here is a conditional or counter-based write.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies connectivity.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Join(ErrUnavailable, err)
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client. The caller keeps ownership
// of the client's lifecycle.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Get retrieves a raw value.
func (rs *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := rs.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return val, nil
}

// Set stores a raw value with an optional TTL (0 means no expiry).
func (rs *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return rs.client.Set(ctx, key, value, ttl).Err()
}

// Delete removes a raw value.
func (rs *RedisStore) Delete(ctx context.Context, key string) error {
	return rs.client.Del(ctx, key).Err()
}

// Ping verifies connectivity.
func (rs *RedisStore) Ping(ctx context.Context) error {
	return rs.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (rs *RedisStore) Close() error {
	return rs.client.Close()
}

// Client returns the underlying Redis client for pub/sub and scripting.
func (rs *RedisStore) Client() *redis.Client {
	return rs.client
}

// VersionedValue is a cache value together with the shared tier's version for
// its key. The shared tier is authoritative for version ordering.
type VersionedValue struct {
	Data    []byte
	Version int64
}

// putVersionedScript bumps the per-key version counter and writes the data
// under the new version in one atomic step.
var putVersionedScript = redis.NewScript(`
local ver = redis.call("INCR", KEYS[2])
if tonumber(ARGV[2]) > 0 then
  redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
else
  redis.call("SET", KEYS[1], ARGV[1])
end
return ver
`)

// invalidateVersionedScript bumps the version counter and removes the data, so
// a concurrent slow writer can be detected as stale by its lower version.
var invalidateVersionedScript = redis.NewScript(`
local ver = redis.call("INCR", KEYS[2])
redis.call("DEL", KEYS[1])
return ver
`)

// PutVersioned writes a cache value and returns the version assigned by the
// shared tier. Versions are monotonic per key.
func (rs *RedisStore) PutVersioned(ctx context.Context, key string, data []byte, ttl time.Duration) (int64, error) {
	keys := []string{cacheDataPrefix + key, cacheVerPrefix + key}
	ver, err := putVersionedScript.Run(ctx, rs.client, keys, data, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, err
	}
	return ver, nil
}

// InvalidateVersioned removes a cache value and returns the new (bumped)
// version. The counter is never deleted, keeping versions monotonic across
// invalidations.
func (rs *RedisStore) InvalidateVersioned(ctx context.Context, key string) (int64, error) {
	keys := []string{cacheDataPrefix + key, cacheVerPrefix + key}
	ver, err := invalidateVersionedScript.Run(ctx, rs.client, keys).Int64()
	if err != nil {
		return 0, err
	}
	return ver, nil
}

// GetVersioned reads a cache value and its current version.
func (rs *RedisStore) GetVersioned(ctx context.Context, key string) (VersionedValue, error) {
	vals, err := rs.client.MGet(ctx, cacheDataPrefix+key, cacheVerPrefix+key).Result()
	if err != nil {
		return VersionedValue{}, err
	}
	data, ok := vals[0].(string)
	if !ok {
		return VersionedValue{}, ErrNotFound
	}
	vv := VersionedValue{Data: []byte(data)}
	if verStr, ok := vals[1].(string); ok {
		ver, err := parseInt64(verStr)
		if err != nil {
			return VersionedValue{}, err
		}
		vv.Version = ver
	}
	return vv, nil
}

// refreshPresenceScript extends a presence entry's TTL only while this
// instance still owns it.
var refreshPresenceScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// clearPresenceScript deletes a presence entry only if this instance owns it,
// so a subscriber who reconnected elsewhere is not evicted by our cleanup.
var clearPresenceScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// SetPresence records that this instance owns the subscriber's connection.
// The TTL is the crash backstop; live instances refresh it.
func (rs *RedisStore) SetPresence(ctx context.Context, subscriberID, instanceID string, ttl time.Duration) error {
	return rs.client.Set(ctx, presencePrefix+subscriberID, instanceID, ttl).Err()
}

// RefreshPresence extends the presence TTL if this instance still owns the
// entry. Returns false when ownership moved to another instance.
func (rs *RedisStore) RefreshPresence(ctx context.Context, subscriberID, instanceID string, ttl time.Duration) (bool, error) {
	n, err := refreshPresenceScript.Run(ctx, rs.client,
		[]string{presencePrefix + subscriberID}, instanceID, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// LookupPresence resolves which instance owns a subscriber's connection.
func (rs *RedisStore) LookupPresence(ctx context.Context, subscriberID string) (string, error) {
	instanceID, err := rs.client.Get(ctx, presencePrefix+subscriberID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", err
	}
	return instanceID, nil
}

// ClearPresence removes the presence entry if this instance owns it.
func (rs *RedisStore) ClearPresence(ctx context.Context, subscriberID, instanceID string) error {
	return clearPresenceScript.Run(ctx, rs.client,
		[]string{presencePrefix + subscriberID}, instanceID).Err()
}

// CacheEvent appends a delivered event to the subscriber's recent-event set,
// scored by the timestamp embedded in the event id so resume-by-id can range
// over it. The set is capped and expires as a whole.
func (rs *RedisStore) CacheEvent(ctx context.Context, subscriberID string, event types.NotificationEvent, ttl time.Duration, maxSize int64) error {
	ts, ok := types.EventIDTime(event.ID)
	if !ok {
		ts = event.CreatedAt
	}
	data, err := marshalEvent(event)
	if err != nil {
		return err
	}

	key := eventCachePrefix + subscriberID
	pipe := rs.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(ts.UnixMilli()), Member: data})
	pipe.Expire(ctx, key, ttl)
	pipe.ZRemRangeByRank(ctx, key, 0, -maxSize-1)
	_, err = pipe.Exec(ctx)
	return err
}

// EventsAfter returns cached events delivered after the given event id, in
// delivery order. An empty result means the watermark is too old for the
// cache and the caller must fall back to the durable log.
func (rs *RedisStore) EventsAfter(ctx context.Context, subscriberID, lastEventID string) ([]types.NotificationEvent, error) {
	ts, ok := types.EventIDTime(lastEventID)
	if !ok {
		return nil, nil
	}

	members, err := rs.client.ZRangeByScore(ctx, eventCachePrefix+subscriberID, &redis.ZRangeBy{
		Min: formatInt64(ts.UnixMilli()),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}

	events := make([]types.NotificationEvent, 0, len(members))
	for _, m := range members {
		ev, err := unmarshalEvent([]byte(m))
		if err != nil {
			continue
		}
		// UUIDv7 ids sort lexically by creation time; events in the same
		// millisecond as the watermark are kept only if they came after it.
		if ev.ID <= lastEventID {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// ErrNotFound is returned when a key is not found.
var ErrNotFound = errors.New("key not found in redis")

// ErrUnavailable is returned when the shared store cannot be reached.
var ErrUnavailable = errors.New("shared store unavailable")
