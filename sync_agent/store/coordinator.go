package store

import (
	"context"
	"time"
)

// Coordinator defines the interface for cross-process coordination.
// Several agent processes (or UI sessions) sharing one store use it to make
// sure only one of them drains the sync queue at a time.
type Coordinator interface {
	// AcquireLease attempts to acquire the lease for holder.
	// Returns true if successful, false if the lease is held by another holder.
	// An expired lease is free.
	AcquireLease(ctx context.Context, key string, holder string, ttl time.Duration) (bool, error)

	// RenewLease extends the TTL of a held lease if holder still owns it.
	RenewLease(ctx context.Context, key string, holder string, ttl time.Duration) (bool, error)

	// ReleaseLease releases the lease if held by holder.
	ReleaseLease(ctx context.Context, key string, holder string) error

	// LeaseHolder returns the current holder of the lease, or empty if free.
	LeaseHolder(ctx context.Context, key string) (string, error)
}
