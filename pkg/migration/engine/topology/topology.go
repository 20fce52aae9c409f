// Package topology implements the Topology port: the shard set per store class
// and the routing function from a key to the shard that owns it.
package topology

import (
	"fmt"
	"hash/fnv"
	"sort"
	"sync"

	"github.com/shardmig/migrator/pkg/migration/core/config"
	"github.com/shardmig/migrator/pkg/migration/core/domain/model"
	"github.com/shardmig/migrator/pkg/migration/core/ports"
)

// Static implements ports.Topology from a fixed shard-set configuration
// (topology.source == "static"). Route hashes the key with FNV-1a and maps it
// onto the sorted shard list modulo its length — deterministic given a fixed
// shard set and Version, so a resumed migration routes identically to its
// original plan.
type Static struct {
	mu      sync.RWMutex
	version int64
	shards  map[model.StoreClass][]string
}

// NewStatic builds a Static topology from configuration.
func NewStatic(cfg *config.Config) *Static {
	shards := make(map[model.StoreClass][]string, len(cfg.Engine.Topology.Static))
	for class, ids := range cfg.Engine.Topology.Static {
		sorted := append([]string(nil), ids...)
		sort.Strings(sorted)
		shards[model.StoreClass(class)] = sorted
	}
	return &Static{version: 1, shards: shards}
}

func (t *Static) ShardsOf(class model.StoreClass) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := append([]string(nil), t.shards[class]...)
	return out
}

func (t *Static) Route(key string, class model.StoreClass) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := t.shards[class]
	if len(ids) == 0 {
		return "", fmt.Errorf("topology: no shards registered for store class %q", class)
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	idx := int(h.Sum32()) % len(ids)
	if idx < 0 {
		idx += len(ids)
	}
	return ids[idx], nil
}

func (t *Static) Version() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.version
}

// Refresh is a no-op for Static: the shard set only changes on process restart
// with updated configuration.
func (t *Static) Refresh() error {
	return nil
}

var _ ports.Topology = (*Static)(nil)

// DiscoveryFunc is supplied by a cluster-membership integration (outside this
// module's scope) to re-enumerate the live shard set for a store class.
type DiscoveryFunc func(class model.StoreClass) ([]string, error)

// Discovery implements ports.Topology by periodically (on explicit Refresh
// calls, not a background timer — the Orchestrator controls when a topology
// read is safe to act on) re-querying a cluster-membership source. Version
// increments whenever the discovered shard set changes; no component compares
// it with a Plan's pinned TopologyVersion or returns ErrTopologyStale.
type Discovery struct {
	mu       sync.RWMutex
	version  int64
	shards   map[model.StoreClass][]string
	discover DiscoveryFunc
	classes  []model.StoreClass
}

// NewDiscovery builds a Discovery topology. classes lists the store classes
// that will ever be queried, so the first Refresh can populate all of them.
func NewDiscovery(discover DiscoveryFunc, classes []model.StoreClass) *Discovery {
	return &Discovery{
		version:  1,
		shards:   make(map[model.StoreClass][]string),
		discover: discover,
		classes:  classes,
	}
}

func (t *Discovery) ShardsOf(class model.StoreClass) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := append([]string(nil), t.shards[class]...)
	return out
}

func (t *Discovery) Route(key string, class model.StoreClass) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := t.shards[class]
	if len(ids) == 0 {
		return "", fmt.Errorf("topology: no shards discovered for store class %q", class)
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	idx := int(h.Sum32()) % len(ids)
	if idx < 0 {
		idx += len(ids)
	}
	return ids[idx], nil
}

func (t *Discovery) Version() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.version
}

// Refresh re-queries every known store class and bumps Version if any shard
// set changed.
func (t *Discovery) Refresh() error {
	changed := false
	next := make(map[model.StoreClass][]string, len(t.classes))
	for _, class := range t.classes {
		ids, err := t.discover(class)
		if err != nil {
			return fmt.Errorf("topology: discovery failed for store class %q: %w", class, err)
		}
		sorted := append([]string(nil), ids...)
		sort.Strings(sorted)
		next[class] = sorted
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for class, ids := range next {
		if !equalStrings(t.shards[class], ids) {
			changed = true
		}
	}
	t.shards = next
	if changed {
		t.version++
	}
	return nil
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

var _ ports.Topology = (*Discovery)(nil)
