package ports

import "context"

// LockManager grants leased advisory locks with fencing tokens over resources
// (§4.10). Acquisition is non-blocking; contention surfaces as model.ErrLockBusy
// rather than waiting.
type LockManager interface {
	// Acquire attempts to take resource for holderID. Returns the fencing token on
	// success, or model.ErrLockBusy if another live holder has it.
	Acquire(ctx context.Context, resource, holderID string) (fencingToken int64, err error)

	// Renew extends an owned lease's TTL. No engine component calls it, so a
	// lease the engine acquires lasts one TTL from Acquire.
	Renew(ctx context.Context, resource, holderID string) error

	// Release drops a held lease unconditionally.
	Release(ctx context.Context, resource, holderID string) error

	// ReapStale scans for leases whose holder Migration is terminal, or whose TTL
	// plus grace period has elapsed, and releases them. Safe to call from any process.
	ReapStale(ctx context.Context) (reaped int, err error)
}
