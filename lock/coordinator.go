// Package lock grants exclusive leases on named locks through conditional
// writes on the shared store. Redis key TTL is the expiry backstop; fencing
// tokens let durable sinks reject writes from a presumed-dead holder.
package lock

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mopl/realtime/types"
)

const (
	lockPrefix  = "lock:"
	fencePrefix = "lock:fence:"
)

// acquireScript takes the lock only when free. The key's TTL is the lease;
// an expired lease simply no longer exists. The fence counter is never
// deleted, so tokens stay monotonic across expiry and crash.
var acquireScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return {0, 0}
end
local token = redis.call("INCR", KEYS[2])
redis.call("HSET", KEYS[1], "owner", ARGV[1], "token", token)
redis.call("PEXPIRE", KEYS[1], ARGV[2])
return {1, token}
`)

// renewScript extends the lease only for the holder that acquired it.
var renewScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "owner") == ARGV[1] and redis.call("HGET", KEYS[1], "token") == ARGV[2] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[3])
end
return 0
`)

// releaseScript deletes the lease only for its holder, so a late release
// cannot free a lock someone else has since acquired.
var releaseScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "owner") == ARGV[1] and redis.call("HGET", KEYS[1], "token") == ARGV[2] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Coordinator grants and renews leases for this instance.
type Coordinator struct {
	client *redis.Client
	owner  string
	log    *slog.Logger
}

// New creates a Coordinator. owner is the instance id leases are taken under.
func New(client *redis.Client, owner string, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		client: client,
		owner:  owner,
		log:    log.With("component", "lock"),
	}
}

// TryAcquire attempts to take the named lock for the lease duration. Returns
// ErrNotAcquired when another holder has an unexpired lease; callers retry on
// their next cycle rather than spinning.
func (c *Coordinator) TryAcquire(ctx context.Context, name string, lease time.Duration) (*types.LockLease, error) {
	res, err := acquireScript.Run(ctx, c.client,
		[]string{lockPrefix + name, fencePrefix + name},
		c.owner, lease.Milliseconds()).Int64Slice()
	if err != nil {
		return nil, err
	}
	if len(res) != 2 || res[0] != 1 {
		return nil, ErrNotAcquired
	}

	now := time.Now()
	l := &types.LockLease{
		Name:         name,
		Owner:        c.owner,
		FencingToken: res[1],
		AcquiredAt:   now,
		ExpiresAt:    now.Add(lease),
	}
	c.log.Debug("lease acquired", "lock", name, "token", l.FencingToken, "expiresAt", l.ExpiresAt)
	return l, nil
}

// Renew extends the lease by its original duration. Returns ErrLeaseLost
// when the lease expired or the lock moved to another holder; after that the
// caller is no longer authoritative and must abort in-flight work.
func (c *Coordinator) Renew(ctx context.Context, lease *types.LockLease) (*types.LockLease, error) {
	duration := lease.ExpiresAt.Sub(lease.AcquiredAt)
	n, err := renewScript.Run(ctx, c.client,
		[]string{lockPrefix + lease.Name},
		lease.Owner, lease.FencingToken, duration.Milliseconds()).Int64()
	if err != nil {
		return nil, err
	}
	if n != 1 {
		return nil, ErrLeaseLost
	}

	renewed := *lease
	renewed.AcquiredAt = time.Now()
	renewed.ExpiresAt = renewed.AcquiredAt.Add(duration)
	return &renewed, nil
}

// Release relinquishes the lease early. Best effort: expiry is the
// correctness backstop, so a failed release only delays the next acquirer.
func (c *Coordinator) Release(ctx context.Context, lease *types.LockLease) error {
	err := releaseScript.Run(ctx, c.client,
		[]string{lockPrefix + lease.Name},
		lease.Owner, lease.FencingToken).Err()
	if err != nil {
		c.log.Debug("lease release failed", "lock", lease.Name, "error", err)
		return err
	}
	c.log.Debug("lease released", "lock", lease.Name, "token", lease.FencingToken)
	return nil
}

// Hold acquires the lock, runs fn under an auto-renewing lease, and releases
// on return. fn's context is cancelled the moment the lease can no longer be
// confirmed; fn must stop side effects then, and tag durable writes with the
// lease's fencing token regardless.
func (c *Coordinator) Hold(ctx context.Context, name string, lease time.Duration, fn func(ctx context.Context, lease types.LockLease) error) error {
	l, err := c.TryAcquire(ctx, name, lease)
	if err != nil {
		return err
	}

	fnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		c.renewLoop(fnCtx, cancel, l, lease)
	}()

	runErr := fn(fnCtx, *l)

	cancel()
	<-renewDone

	releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer releaseCancel()
	_ = c.Release(releaseCtx, l)

	return runErr
}

// renewLoop renews at a third of the lease duration, tolerating transient
// store errors until the lease deadline itself passes. Losing the lease
// cancels the job context.
func (c *Coordinator) renewLoop(ctx context.Context, cancel context.CancelFunc, lease *types.LockLease, duration time.Duration) {
	interval := duration / 3
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			renewed, err := c.Renew(ctx, lease)
			switch {
			case err == nil:
				*lease = *renewed
			case errors.Is(err, ErrLeaseLost):
				c.log.Warn("lease lost, aborting holder", "lock", lease.Name, "token", lease.FencingToken)
				cancel()
				return
			default:
				// Transient store failure: the lease may still be live.
				// Keep trying until its deadline has definitely passed.
				if time.Now().After(lease.ExpiresAt) {
					c.log.Warn("lease expired during store outage, aborting holder",
						"lock", lease.Name, "token", lease.FencingToken, "error", err)
					cancel()
					return
				}
				c.log.Debug("lease renew failed, retrying", "lock", lease.Name, "error", err)
			}
		}
	}
}

// ErrNotAcquired is returned when the lock is held by another instance.
var ErrNotAcquired = errors.New("lock not acquired")

// ErrLeaseLost is returned when a lease expired or moved to another holder.
var ErrLeaseLost = errors.New("lock lease lost")
