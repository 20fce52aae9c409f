package model

import "time"

// LockResourceKind distinguishes the three resource namespaces lock holders contend on.
type LockResourceKind string

const (
	LockResourceShard      LockResourceKind = "shard"
	LockResourceCollection LockResourceKind = "collection"
	LockResourceGlobal     LockResourceKind = "global"
)

// ShardResource builds the resource key for a shard-scoped lock.
func ShardResource(shardID string) string {
	return "shard:" + shardID
}

// CollectionResource builds the resource key for a collection-scoped lock.
func CollectionResource(name string) string {
	return "collection:" + name
}

// GlobalResource is the single process-wide lock resource key.
const GlobalResource = "global"

// Lock is an advisory lease over a resource, held by one Migration at a time,
// carrying a fencing token that increases monotonically across re-acquisitions of
// the same resource.
type Lock struct {
	Resource     string    `json:"resource"`
	HolderID     string    `json:"holder_migration_id"`
	AcquiredAt   time.Time `json:"acquired_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	FencingToken int64     `json:"fencing_token"`
	Version      int64     `json:"version"`
}

// IsExpired reports whether the lease has passed its TTL, as of now.
func (l *Lock) IsExpired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}
