package balancer

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexhub/cortex/pkg/log"
	"github.com/cortexhub/cortex/pkg/registry"
	"github.com/cortexhub/cortex/pkg/storage"
	"github.com/cortexhub/cortex/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
	os.Exit(m.Run())
}

// stubHealth marks a fixed set of urls healthy.
type stubHealth map[string]bool

func (s stubHealth) Healthy(url string) bool { return s[url] }

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return registry.New(store)
}

func register(t *testing.T, r *registry.Registry, name string, task types.Task, urls ...string) {
	t.Helper()
	for _, url := range urls {
		require.NoError(t, r.Register(name, types.UpstreamEntry{URL: url, Task: task, ProbePath: "/health"}))
	}
}

func TestChooseNoUpstream(t *testing.T) {
	b := New(newTestRegistry(t), stubHealth{})

	_, err := b.Choose("ghost", types.TaskGenerate)
	require.Error(t, err)
	assert.Equal(t, types.CodeNoUpstream, types.AsAPIError(err).Code)
}

func TestChooseTaskMismatch(t *testing.T) {
	reg := newTestRegistry(t)
	register(t, reg, "embedder", types.TaskEmbed, "http://127.0.0.1:41000")
	b := New(reg, stubHealth{"http://127.0.0.1:41000": true})

	_, err := b.Choose("embedder", types.TaskGenerate)
	require.Error(t, err)
	assert.Equal(t, types.CodeTaskMismatch, types.AsAPIError(err).Code)
}

func TestChooseRoundRobinFairness(t *testing.T) {
	urls := []string{"http://127.0.0.1:41000", "http://127.0.0.1:41001", "http://127.0.0.1:41002"}
	reg := newTestRegistry(t)
	register(t, reg, "llama", types.TaskGenerate, urls...)

	health := stubHealth{}
	for _, u := range urls {
		health[u] = true
	}
	b := New(reg, health)

	counts := map[string]int{}
	for i := 0; i < 300; i++ {
		url, err := b.Choose("llama", types.TaskGenerate)
		require.NoError(t, err)
		counts[url]++
	}
	for _, u := range urls {
		assert.Equal(t, 100, counts[u], "round robin must be even over a full cycle count")
	}
}

func TestChooseSkipsUnhealthy(t *testing.T) {
	reg := newTestRegistry(t)
	register(t, reg, "llama", types.TaskGenerate,
		"http://127.0.0.1:41000", "http://127.0.0.1:41001")
	b := New(reg, stubHealth{"http://127.0.0.1:41001": true})

	for i := 0; i < 20; i++ {
		url, err := b.Choose("llama", types.TaskGenerate)
		require.NoError(t, err)
		assert.Equal(t, "http://127.0.0.1:41001", url)
	}
}

func TestChooseDegradedUsesFullPool(t *testing.T) {
	urls := []string{"http://127.0.0.1:41000", "http://127.0.0.1:41001"}
	reg := newTestRegistry(t)
	register(t, reg, "llama", types.TaskGenerate, urls...)
	b := New(reg, stubHealth{})

	seen := map[string]bool{}
	for i := 0; i < 10; i++ {
		url, err := b.Choose("llama", types.TaskGenerate)
		require.NoError(t, err, "no healthy member still yields an attempt")
		seen[url] = true
	}
	assert.Len(t, seen, 2, "degraded mode rotates over the full pool")
}

func TestCursorsIndependentPerName(t *testing.T) {
	reg := newTestRegistry(t)
	register(t, reg, "a", types.TaskGenerate, "http://127.0.0.1:41000", "http://127.0.0.1:41001")
	register(t, reg, "b", types.TaskGenerate, "http://127.0.0.1:41002", "http://127.0.0.1:41003")

	health := stubHealth{
		"http://127.0.0.1:41000": true, "http://127.0.0.1:41001": true,
		"http://127.0.0.1:41002": true, "http://127.0.0.1:41003": true,
	}
	b := New(reg, health)

	first, err := b.Choose("a", types.TaskGenerate)
	require.NoError(t, err)
	// Advancing b's cursor must not move a's.
	_, err = b.Choose("b", types.TaskGenerate)
	require.NoError(t, err)
	second, err := b.Choose("a", types.TaskGenerate)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}
