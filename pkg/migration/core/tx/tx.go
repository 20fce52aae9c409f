// Package tx declares an abstract transaction lifecycle. It holds interfaces
// only; the relational Store Driver Contract implementation and the relational
// Status Store do not use it and wrap *gorm.DB directly.
package tx

import (
	"context"
	"database/sql"
)

// Tx represents an ongoing transaction. Savepoints let a caller roll back a
// sub-range without discarding the whole transaction.
type Tx interface {
	Commit() error
	Rollback() error
	Savepoint(name string) error
	RollbackToSavepoint(name string) error
}

// Manager begins, commits, and rolls back transactions against one connection.
type Manager interface {
	Begin(ctx context.Context, opts ...*sql.TxOptions) (Tx, error)
	Commit(t Tx) error
	Rollback(t Tx) error
}

// ManagerFactory builds a Manager bound to a specific connection. Kept as a
// factory — rather than a constructor call sprinkled through driver code — so
// fx can provide one Manager per named connection.
type ManagerFactory interface {
	NewManager(conn interface{}) Manager
}
