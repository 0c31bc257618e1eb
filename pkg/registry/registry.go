package registry

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/cortexhub/cortex/pkg/log"
	"github.com/cortexhub/cortex/pkg/storage"
	"github.com/cortexhub/cortex/pkg/types"
)

// SnapshotKey is the config_kv key holding the persisted routing map.
const SnapshotKey = "model_registry"

// Registry is the authoritative map from served name to its upstream pool.
// Every mutation is written through to the persistence store so a cold
// gateway reboots with the correct routing plane.
type Registry struct {
	mu      sync.Mutex
	entries map[string][]types.UpstreamEntry
	store   storage.Store
}

// New creates an empty registry backed by the given store.
func New(store storage.Store) *Registry {
	return &Registry{
		entries: make(map[string][]types.UpstreamEntry),
		store:   store,
	}
}

// Register adds an upstream to the pool for servedName. All entries of a
// pool must share one task; mixing is rejected. Re-registering an existing
// url updates it in place.
func (r *Registry) Register(servedName string, entry types.UpstreamEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	pool := r.entries[servedName]
	for _, e := range pool {
		if e.Task != entry.Task {
			return types.NewAPIError(types.CodeTaskMismatch,
				"served name %s already serves task %s, cannot add %s upstream", servedName, e.Task, entry.Task)
		}
	}

	replaced := false
	for i, e := range pool {
		if e.URL == entry.URL {
			pool[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		pool = append(pool, entry)
	}
	r.entries[servedName] = pool

	r.snapshotLocked()
	return nil
}

// Unregister removes the url from every pool containing it. Emptied pools
// are deleted.
func (r *Registry) Unregister(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, pool := range r.entries {
		kept := pool[:0]
		for _, e := range pool {
			if e.URL != url {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(r.entries, name)
		} else {
			r.entries[name] = kept
		}
	}

	r.snapshotLocked()
}

// Lookup returns a copy of the pool for servedName, or nil.
func (r *Registry) Lookup(servedName string) []types.UpstreamEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	pool := r.entries[servedName]
	if pool == nil {
		return nil
	}
	out := make([]types.UpstreamEntry, len(pool))
	copy(out, pool)
	return out
}

// ServedNames returns all registered served names, sorted.
func (r *Registry) ServedNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns a copy of the full routing map.
func (r *Registry) All() map[string][]types.UpstreamEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string][]types.UpstreamEntry, len(r.entries))
	for name, pool := range r.entries {
		cp := make([]types.UpstreamEntry, len(pool))
		copy(cp, pool)
		out[name] = cp
	}
	return out
}

// URLs returns the distinct upstream urls across all pools.
func (r *Registry) URLs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool)
	var urls []string
	for _, pool := range r.entries {
		for _, e := range pool {
			if !seen[e.URL] {
				seen[e.URL] = true
				urls = append(urls, e.URL)
			}
		}
	}
	sort.Strings(urls)
	return urls
}

// Restore loads the persisted snapshot. A missing snapshot is not an error;
// the registry starts empty.
func (r *Registry) Restore() error {
	data, err := r.store.GetKV(SnapshotKey)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to load registry snapshot: %w", err)
	}

	entries := make(map[string][]types.UpstreamEntry)
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("failed to decode registry snapshot: %w", err)
	}

	r.mu.Lock()
	r.entries = entries
	r.mu.Unlock()
	return nil
}

// snapshotLocked persists the routing map. Failures are logged, never
// surfaced; routing keeps working from memory.
func (r *Registry) snapshotLocked() {
	data, err := json.Marshal(r.entries)
	if err != nil {
		log.WithComponent("registry").Error().Err(err).Msg("failed to encode registry snapshot")
		return
	}
	if err := r.store.PutKV(SnapshotKey, data); err != nil {
		log.WithComponent("registry").Error().Err(err).Msg("failed to persist registry snapshot")
	}
}
