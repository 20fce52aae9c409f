// Package ports declares the capability interfaces the engine drives without
// depending on any concrete back-end implementation.
package ports

import (
	"context"

	"github.com/shardmig/migrator/pkg/migration/core/domain/model"
)

// StoreDriverGroup is the fx group tag every StoreDriver implementation is
// provided under, mirroring the reference stack's db_providers group: cmd/migratord
// registers one provider per store class and aggregates the group into a
// map[model.StoreClass]StoreDriver keyed by each driver's own StoreClass().
const StoreDriverGroup = "store_drivers"

// Health is the back-end health signal that drives Batch Pump backoff (§4.4).
type Health string

const (
	HealthOK       Health = "ok"
	HealthDegraded Health = "degraded"
	HealthDown     Health = "down"
)

// Conn is an opaque, back-end-specific connection handle. The engine never
// inspects it; it is threaded through StoreDriver calls and closed by Close.
type Conn interface {
	Close() error
}

// Record is one row/document flowing through the Batch Pump. Fields is back-end
// agnostic: a relational driver maps it to columns, a document driver to a JSON body.
type Record struct {
	ID     string
	Fields map[string]interface{}
}

// Batch is one page of records plus the cursor to resume after it.
type Batch struct {
	Records   []Record
	NextCursor string
	Done       bool // true when NextCursor represents END of the source
}

// StoreDriver is the capability every back-end (relational, document) must
// implement (§4.2). A single interface with two concrete variants, selected by
// StoreClass from configuration — not a class hierarchy.
type StoreDriver interface {
	// Open acquires and health-checks a connection to shardID.
	Open(ctx context.Context, shardID string) (Conn, error)

	// ApplySchema applies a schema step. Must be idempotent: if the back-end's
	// native marker shows the step already applied, it returns (true, nil).
	ApplySchema(ctx context.Context, conn Conn, step model.Step) (alreadyApplied bool, err error)

	// StreamBatch reads up to size records starting at cursor ("" for the start).
	// Snapshot-consistent for the single call; cursor is opaque and shard-local.
	StreamBatch(ctx context.Context, conn Conn, cursor string, size int) (Batch, error)

	// ApplyBatch writes transformed records atomically — all or nothing within the
	// batch — and returns the count actually applied (may be less than len(records)
	// if some were intentionally dropped upstream by a Transformer).
	ApplyBatch(ctx context.Context, conn Conn, records []Record) (applied int, err error)

	// Begin/Commit/Rollback delimit a transactional boundary where the back-end
	// supports multi-statement transactions. A driver without such support returns
	// ErrNoTransactions from Begin; callers fall back to ApplyBatch's own atomicity.
	Begin(ctx context.Context, conn Conn) (Tx, error)

	// HealthCheck reports back-end health, driving Batch Pump sizing decisions.
	HealthCheck(ctx context.Context, conn Conn) Health

	// StoreClass identifies which class of back-end this driver implements.
	StoreClass() model.StoreClass
}

// Tx is a transactional boundary over a Conn, where the back-end supports one.
type Tx interface {
	Commit() error
	Rollback() error
}

// ErrNoTransactions is returned by StoreDriver.Begin for back-ends without
// multi-statement transaction support (document stores, typically).
var ErrNoTransactions = noTxError{}

type noTxError struct{}

func (noTxError) Error() string { return "store driver does not support multi-statement transactions" }
