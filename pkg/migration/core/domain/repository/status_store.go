// Package repository declares the durable Status Store contract (§4.8): the
// single source of truth for Migration, ShardProgress, Lock, and Event records,
// mutated exclusively through append-or-CAS operations.
package repository

import (
	"context"

	"github.com/shardmig/migrator/pkg/migration/core/domain/model"
)

// StatusStore is the durable append-or-CAS store behind Migration, ShardProgress,
// Lock, and Event records. Implementations must be crash-atomic per write; readers
// may observe stale but never torn records.
type StatusStore interface {
	// CreateMigration durably creates a new Migration record in the "created" state.
	CreateMigration(ctx context.Context, m *model.Migration) error

	// GetMigration loads a Migration by id.
	GetMigration(ctx context.Context, id string) (*model.Migration, error)

	// CASMigrationState performs an optimistic-concurrency update: it writes next
	// only if the stored record's Version still matches expected.Version. Returns
	// exception.ErrOptimisticLockFailure (wrapped) on mismatch.
	CASMigrationState(ctx context.Context, expected, next *model.Migration) error

	// ListMigrations returns Migration records matching an optional status filter.
	// An empty filter returns every record.
	ListMigrations(ctx context.Context, statusFilter []model.MigrationStatus) ([]*model.Migration, error)

	// UpsertProgress applies a checkpoint advance to one ShardProgress record,
	// creating it if absent. The in-memory store treats the write as a CAS against
	// the record's own Version (accepted when Version is one past the stored value,
	// or zero); the relational store overwrites the row on conflict without
	// comparing Version. Both reject a fencing token older than the shard lock's.
	UpsertProgress(ctx context.Context, p *model.ShardProgress) error

	// GetProgress loads one ShardProgress by its composite key.
	GetProgress(ctx context.Context, migrationID, stepID, shardID string) (*model.ShardProgress, error)

	// ListProgress returns every ShardProgress for a Migration.
	ListProgress(ctx context.Context, migrationID string) ([]*model.ShardProgress, error)

	// AppendEvent durably appends an Event record. Never fails due to a downstream
	// Event Bus outage — this is the buffer the bus drains asynchronously.
	AppendEvent(ctx context.Context, e *model.Event) error

	// ListUnpublishedEvents returns Events with Published=false, in append order,
	// for the Event Bus Adapter's drain loop.
	ListUnpublishedEvents(ctx context.Context, limit int) ([]*model.Event, error)

	// MarkEventPublished flags an Event as delivered.
	MarkEventPublished(ctx context.Context, eventID string) error

	// AcquireLock creates a Lock row if the resource is free, its prior lease has
	// expired, or the caller already holds it; returns model.ErrLockBusy otherwise.
	// It does not inspect the prior holder's Migration state.
	AcquireLock(ctx context.Context, l *model.Lock) error

	// RenewLock extends an owned lock's TTL and bumps its fencing token.
	RenewLock(ctx context.Context, resource, holderID string, newExpiry int64) (*model.Lock, error)

	// ReleaseLock removes a lock unconditionally (called by its holder on terminal state).
	ReleaseLock(ctx context.Context, resource, holderID string) error

	// GetLock loads a Lock by resource name, if held.
	GetLock(ctx context.Context, resource string) (*model.Lock, error)

	// ListLocks returns every currently-held lock, for lock-manager reaping sweeps.
	ListLocks(ctx context.Context) ([]*model.Lock, error)
}
