package balancer

import (
	"sync"
	"sync/atomic"

	"github.com/cortexhub/cortex/pkg/registry"
	"github.com/cortexhub/cortex/pkg/types"
)

// Health is the verdict the balancer needs per upstream url. Implemented
// by the health poller.
type Health interface {
	Healthy(url string) bool
}

// Balancer selects an upstream for a served name, preferring healthy pool
// members and round-robining within the chosen partition.
type Balancer struct {
	registry *registry.Registry
	health   Health

	// One cursor per served name. Cursors are in-memory only; they do not
	// survive restart.
	cursors sync.Map // string -> *atomic.Uint64
}

// New creates a balancer over the registry and health verdicts.
func New(reg *registry.Registry, health Health) *Balancer {
	return &Balancer{
		registry: reg,
		health:   health,
	}
}

// Choose returns the upstream url for one request.
//
// Healthy pool members are preferred; when none are healthy the full pool
// is tried anyway (degraded mode: prefer to try than to refuse). An empty
// or missing pool is NO_UPSTREAM; a task mismatch is TASK_MISMATCH.
func (b *Balancer) Choose(servedName string, task types.Task) (string, error) {
	pool := b.registry.Lookup(servedName)
	if len(pool) == 0 {
		return "", types.NewAPIError(types.CodeNoUpstream,
			"no upstream registered for model %s", servedName)
	}

	if pool[0].Task != task {
		return "", types.NewAPIError(types.CodeTaskMismatch,
			"model %s serves task %s, not %s", servedName, pool[0].Task, task)
	}

	healthy := make([]string, 0, len(pool))
	all := make([]string, 0, len(pool))
	for _, e := range pool {
		all = append(all, e.URL)
		if b.health.Healthy(e.URL) {
			healthy = append(healthy, e.URL)
		}
	}

	candidates := healthy
	if len(candidates) == 0 {
		candidates = all
	}

	idx := b.next(servedName) % uint64(len(candidates))
	return candidates[idx], nil
}

func (b *Balancer) next(servedName string) uint64 {
	v, _ := b.cursors.LoadOrStore(servedName, &atomic.Uint64{})
	cursor := v.(*atomic.Uint64)
	return cursor.Add(1) - 1
}
