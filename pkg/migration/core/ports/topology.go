package ports

import "github.com/shardmig/migrator/pkg/migration/core/domain/model"

// Topology enumerates shards per store class and resolves a routing key to a
// shard. Routing is deterministic given a snapshot Version; a Plan pins the
// Version active at planning time so a crash-resumed migration sees the same
// shard set it started on (§4.1).
type Topology interface {
	// ShardsOf returns the current shard set for a store class.
	ShardsOf(class model.StoreClass) []string

	// Route resolves a routing key to the shard that owns it for a store class.
	Route(key string, class model.StoreClass) (string, error)

	// Version returns the topology snapshot version currently in effect.
	Version() int64

	// Refresh re-reads the shard set, bumping Version if it changed.
	Refresh() error
}
