// Package redisclient key patterns and lock/lease operations.
package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisPrefix is the prefix for all Redis keys in the dispatch engine
const RedisPrefix = "dispatch:"

// ExecutionLockKey returns the Redis key for the per-execution processing lock
func ExecutionLockKey(executionID string) string {
	return fmt.Sprintf("%sevent:lock:%s", RedisPrefix, executionID)
}

// DispatcherLeaseKey returns the Redis key for the dispatch-loop singleton lease
func DispatcherLeaseKey() string {
	return RedisPrefix + "lease:dispatcher"
}

// Lua script for owner-checked release: deletes the key only when its value
// matches the caller's token, so a lock that expired and was re-acquired by
// another holder is never deleted out from under them.
const releaseIfOwnerScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// AcquireExecutionLock takes the processing lock for one execution id.
// Returns false when another processor holds it. The TTL bounds the damage
// of a processor dying mid-event.
func (c *Client) AcquireExecutionLock(ctx context.Context, executionID, token string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, ExecutionLockKey(executionID), token, ttl).Result()
}

// ReleaseExecutionLock releases the processing lock if the caller still owns it.
func (c *Client) ReleaseExecutionLock(ctx context.Context, executionID, token string) error {
	return c.client.Eval(ctx, releaseIfOwnerScript, []string{ExecutionLockKey(executionID)}, token).Err()
}

// AcquireDispatcherLease claims the dispatch-loop lease for this instance.
// Returns false when another instance holds it. This is a guard rail against
// accidentally running two dispatch loops against one store, not leader
// election; there is no failover protocol.
func (c *Client) AcquireDispatcherLease(ctx context.Context, owner string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, DispatcherLeaseKey(), owner, ttl).Result()
}

// RenewDispatcherLease extends the lease TTL while the loop runs.
func (c *Client) RenewDispatcherLease(ctx context.Context, ttl time.Duration) error {
	return c.client.Expire(ctx, DispatcherLeaseKey(), ttl).Err()
}

// ReleaseDispatcherLease gives the lease up if this instance still owns it.
func (c *Client) ReleaseDispatcherLease(ctx context.Context, owner string) error {
	err := c.client.Eval(ctx, releaseIfOwnerScript, []string{DispatcherLeaseKey()}, owner).Err()
	if err == redis.Nil {
		return nil
	}
	return err
}
