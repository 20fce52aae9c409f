// Package transform holds the Transformer registry. Transformers register by
// name once, at process construction; a MigrationRequest names a transform
// chain per step and the Executor resolves those names to entries when it runs.
package transform

import (
	"fmt"
	"sync"

	"github.com/shardmig/migrator/pkg/migration/core/ports"
)

// Registry is a concurrency-safe name->TransformerEntry map.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]ports.TransformerEntry
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]ports.TransformerEntry)}
}

// Register adds entry under its Name, overwriting any prior registration of the
// same name — re-registration is expected across process restarts, not an error.
func (r *Registry) Register(entry ports.TransformerEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[entry.Name] = entry
}

// Resolve looks up a registered TransformerEntry by name.
func (r *Registry) Resolve(name string) (ports.TransformerEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[name]
	if !ok {
		return ports.TransformerEntry{}, fmt.Errorf("transform: no transformer registered under name %q", name)
	}
	return entry, nil
}

// Chain resolves a sequence of names into the composed Transformer that applies
// them in order, short-circuiting (without error) on the first drop.
func (r *Registry) Chain(names []string) (ports.Transformer, error) {
	entries := make([]ports.TransformerEntry, 0, len(names))
	for _, name := range names {
		entry, err := r.Resolve(name)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return func(in ports.Record) (ports.Record, bool, error) {
		cur := in
		for _, entry := range entries {
			out, drop, err := entry.Apply(cur)
			if err != nil {
				return ports.Record{}, false, fmt.Errorf("transform %q: %w", entry.Name, err)
			}
			if drop {
				return ports.Record{}, true, nil
			}
			cur = out
		}
		return cur, false, nil
	}, nil
}

// InverseChain resolves the same names in reverse order into the composed
// inverse, used to undo an already-applied record during compensating rollback.
// Returns an error naming the first transformer (in reverse order) with no
// registered Inverse, surfacing the step as unrecoverable per the engine's
// compensation-only rollback model.
func (r *Registry) InverseChain(names []string) (ports.InverseTransformer, error) {
	entries := make([]ports.TransformerEntry, 0, len(names))
	for _, name := range names {
		entry, err := r.Resolve(name)
		if err != nil {
			return nil, err
		}
		if entry.Inverse == nil {
			return nil, fmt.Errorf("transform: %q has no registered inverse, step is unrecoverable", name)
		}
		entries = append(entries, entry)
	}
	return func(in ports.Record) (ports.Record, error) {
		cur := in
		for i := len(entries) - 1; i >= 0; i-- {
			out, err := entries[i].Inverse(cur)
			if err != nil {
				return ports.Record{}, fmt.Errorf("inverse transform %q: %w", entries[i].Name, err)
			}
			cur = out
		}
		return cur, nil
	}, nil
}
