package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryCoordinator is the single-node Coordinator used when Redis is not
// configured and in tests. Same lease semantics as RedisCoordinator, one
// process only.
type MemoryCoordinator struct {
	mu     sync.Mutex
	leases map[string]memLease
	idem   map[string]memRecord
}

type memLease struct {
	owner   string
	expires time.Time
}

type memRecord struct {
	value   string
	expires time.Time
}

func NewMemoryCoordinator() *MemoryCoordinator {
	return &MemoryCoordinator{
		leases: make(map[string]memLease),
		idem:   make(map[string]memRecord),
	}
}

func (c *MemoryCoordinator) AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, held := c.leases[key]; held && time.Now().Before(l.expires) && l.owner != owner {
		return false, nil
	}
	c.leases[key] = memLease{owner: owner, expires: time.Now().Add(ttl)}
	return true, nil
}

func (c *MemoryCoordinator) RenewLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, held := c.leases[key]
	if !held || l.owner != owner || time.Now().After(l.expires) {
		return false, nil
	}
	l.expires = time.Now().Add(ttl)
	c.leases[key] = l
	return true, nil
}

func (c *MemoryCoordinator) ReleaseLease(ctx context.Context, key, owner string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, held := c.leases[key]; held && l.owner == owner {
		delete(c.leases, key)
	}
	return nil
}

func (c *MemoryCoordinator) GetLeaseOwner(ctx context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, held := c.leases[key]
	if !held || time.Now().After(l.expires) {
		return "", nil
	}
	return l.owner, nil
}

func (c *MemoryCoordinator) GetIdempotencyRecord(ctx context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.idem[key]
	if !ok || time.Now().After(r.expires) {
		return "", fmt.Errorf("%w: idempotency record", ErrNotFound)
	}
	return r.value, nil
}

func (c *MemoryCoordinator) SetIdempotencyRecordNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.idem[key]; ok && time.Now().Before(r.expires) {
		return false, nil
	}
	c.idem[key] = memRecord{value: value, expires: time.Now().Add(ttl)}
	return true, nil
}
