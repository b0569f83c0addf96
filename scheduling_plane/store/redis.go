package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCoordinator implements the Coordinator interface: sweeper leases and
// HTTP idempotency records. Postgres remains the durable system of record;
// Redis holds only ephemeral claims with TTLs.
type RedisCoordinator struct {
	client *redis.Client

	// Preloaded Lua script SHAs for atomic operations
	renewSHA   string
	releaseSHA string
}

// Lua script for atomic lease renewal: extend only if we still own it.
const renewLeaseScript = `
-- KEYS[1] = lease key
-- ARGV[1] = owner
-- ARGV[2] = ttl millis
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`

// Lua script for ownership-checked release: never drop another owner's lease.
const releaseLeaseScript = `
-- KEYS[1] = lease key
-- ARGV[1] = owner
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`

// NewRedisCoordinator connects and preloads the lease scripts.
func NewRedisCoordinator(addr string, password string, db int) (*RedisCoordinator, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	c := &RedisCoordinator{client: client}

	var err error
	c.renewSHA, err = client.ScriptLoad(ctx, renewLeaseScript).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to preload renew script: %w", err)
	}
	c.releaseSHA, err = client.ScriptLoad(ctx, releaseLeaseScript).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to preload release script: %w", err)
	}

	return c, nil
}

// Close releases the underlying client.
func (c *RedisCoordinator) Close() error {
	return c.client.Close()
}

// --- Lease Operations ---

// AcquireLease takes the lease atomically via SET NX PX.
func (c *RedisCoordinator) AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", key, err)
	}
	return ok, nil
}

// RenewLease extends the TTL only if owner still holds the lease.
func (c *RedisCoordinator) RenewLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	result, err := c.client.EvalSha(ctx, c.renewSHA, []string{key}, owner, ttl.Milliseconds()).Result()
	if err != nil && isNoScript(err) {
		// Redis restarted and lost the script cache. Reload and retry once.
		c.renewSHA, _ = c.client.ScriptLoad(ctx, renewLeaseScript).Result()
		result, err = c.client.EvalSha(ctx, c.renewSHA, []string{key}, owner, ttl.Milliseconds()).Result()
	}
	if err != nil {
		return false, fmt.Errorf("failed to renew lease %s: %w", key, err)
	}
	n, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected result type: %T", result)
	}
	return n == 1, nil
}

// ReleaseLease drops the lease only if owner holds it.
func (c *RedisCoordinator) ReleaseLease(ctx context.Context, key, owner string) error {
	_, err := c.client.EvalSha(ctx, c.releaseSHA, []string{key}, owner).Result()
	if err != nil && isNoScript(err) {
		c.releaseSHA, _ = c.client.ScriptLoad(ctx, releaseLeaseScript).Result()
		_, err = c.client.EvalSha(ctx, c.releaseSHA, []string{key}, owner).Result()
	}
	if err != nil {
		return fmt.Errorf("failed to release lease %s: %w", key, err)
	}
	return nil
}

// GetLeaseOwner returns the current owner, empty when unheld.
func (c *RedisCoordinator) GetLeaseOwner(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

// --- Idempotency Operations ---

// GetIdempotencyRecord retrieves a cached idempotency response.
func (c *RedisCoordinator) GetIdempotencyRecord(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, "planforge:idempotency:"+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%w: idempotency record", ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

// SetIdempotencyRecordNX stores a response only if the key is absent.
func (c *RedisCoordinator) SetIdempotencyRecordNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, "planforge:idempotency:"+key, value, ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

// isNoScript detects a flushed script cache. The message tail varies across
// Redis versions, so only the error code is matched.
func isNoScript(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "NOSCRIPT")
}
