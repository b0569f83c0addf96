package store

import (
	"context"
	"time"
)

// Coordinator defines the shared-lease and idempotency backend. Redis in
// production; the sweeper and the HTTP idempotency middleware consume it.
// Leases are exclusive claims with TTL: acquire is atomic (SET NX PX),
// release only succeeds for the recorded owner.
type Coordinator interface {
	// AcquireLease attempts to take the lease. Returns false when another
	// owner holds it.
	AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)

	// RenewLease extends the TTL only if owner still holds the lease.
	RenewLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)

	// ReleaseLease drops the lease only if owner holds it. Releasing a
	// lease held by someone else (or nobody) is a no-op.
	ReleaseLease(ctx context.Context, key, owner string) error

	// GetLeaseOwner returns the current owner, empty when unheld.
	GetLeaseOwner(ctx context.Context, key string) (string, error)

	// Idempotency Operations
	GetIdempotencyRecord(ctx context.Context, key string) (string, error)
	// SetIdempotencyRecordNX atomically sets only if the key is absent;
	// returns false when a record already exists.
	SetIdempotencyRecordNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
}
