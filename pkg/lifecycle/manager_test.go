package lifecycle

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexhub/cortex/pkg/health"
	"github.com/cortexhub/cortex/pkg/images"
	"github.com/cortexhub/cortex/pkg/log"
	"github.com/cortexhub/cortex/pkg/registry"
	"github.com/cortexhub/cortex/pkg/runtime"
	"github.com/cortexhub/cortex/pkg/storage"
	"github.com/cortexhub/cortex/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
	os.Exit(m.Run())
}

// fakeDriver is an in-memory runtime driver.
type fakeDriver struct {
	mu          sync.Mutex
	images      map[string]bool
	pulled      []string
	containers  map[string]string // name -> state
	exitCodes   map[string]int
	networks    []string
	specs       map[string]*runtime.ContainerSpec
	failStart   bool
	failNetwork bool
	stopDelay   time.Duration
}

func newFakeDriver(images ...string) *fakeDriver {
	d := &fakeDriver{
		images:     map[string]bool{},
		containers: map[string]string{},
		exitCodes:  map[string]int{},
		specs:      map[string]*runtime.ContainerSpec{},
	}
	for _, img := range images {
		d.images[img] = true
	}
	return d
}

func (d *fakeDriver) HasImage(_ context.Context, ref string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.images[ref], nil
}

func (d *fakeDriver) ListImages(_ context.Context) ([]runtime.ImageInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []runtime.ImageInfo
	for name := range d.images {
		out = append(out, runtime.ImageInfo{Name: name, SizeBytes: 1 << 30, Created: time.Now()})
	}
	return out, nil
}

func (d *fakeDriver) PullImage(_ context.Context, ref string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pulled = append(d.pulled, ref)
	d.images[ref] = true
	return nil
}

func (d *fakeDriver) EnsureNetwork(_ context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failNetwork {
		return fmt.Errorf("induced network failure")
	}
	d.networks = append(d.networks, name)
	return nil
}

func (d *fakeDriver) CreateContainer(_ context.Context, spec *runtime.ContainerSpec) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.containers[spec.Name]; exists {
		return fmt.Errorf("container %s already exists", spec.Name)
	}
	d.containers[spec.Name] = runtime.StateCreated
	d.specs[spec.Name] = spec
	return nil
}

func (d *fakeDriver) StartContainer(_ context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failStart {
		return fmt.Errorf("induced start failure")
	}
	d.containers[name] = runtime.StateRunning
	return nil
}

func (d *fakeDriver) StopContainer(_ context.Context, name string, _ time.Duration) error {
	// Simulated engine shutdown wait; sleeps outside the fake's own lock
	// so concurrent stops overlap the way real container waits do.
	d.mu.Lock()
	delay := d.stopDelay
	d.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.containers[name]; !ok {
		return &runtime.NotFoundError{Name: name}
	}
	d.containers[name] = runtime.StateStopped
	return nil
}

func (d *fakeDriver) DeleteContainer(_ context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.containers, name)
	return nil
}

func (d *fakeDriver) ContainerStatus(_ context.Context, name string) (runtime.Status, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	state, ok := d.containers[name]
	if !ok {
		return runtime.Status{State: runtime.StateUnknown}, &runtime.NotFoundError{Name: name}
	}
	return runtime.Status{State: state, ExitCode: d.exitCodes[name]}, nil
}

func (d *fakeDriver) ListContainers(_ context.Context, prefix string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var names []string
	for name := range d.containers {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (d *fakeDriver) ContainerLogs(_ context.Context, name string, _ int) ([]string, error) {
	return []string{"engine started"}, nil
}

func (d *fakeDriver) Close() error { return nil }

func (d *fakeDriver) setExited(name string, code int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.containers[name] = runtime.StateStopped
	d.exitCodes[name] = code
}

const (
	testImageTransformer = "cortexhub/engine-transformer:latest"
	testImageQuantized   = "cortexhub/engine-quantized:latest"
)

type testEnv struct {
	manager  *Manager
	store    storage.Store
	driver   *fakeDriver
	registry *registry.Registry
	poller   *health.Poller
	root     string
}

func newTestEnv(t *testing.T, offline bool) *testEnv {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	driver := newFakeDriver(testImageTransformer, testImageQuantized)
	reg := registry.New(store)
	poller := health.NewPoller(health.DefaultConfig())
	root := t.TempDir()

	manager := NewManager(Config{
		ModelsRoot:       root,
		RepoCacheDir:     t.TempDir(),
		ImageTransformer: testImageTransformer,
		ImageQuantized:   testImageQuantized,
		OfflineMode:      offline,
		InternalKey:      "sekrit",
	}, store, driver, images.NewCache(driver, offline, []string{testImageTransformer, testImageQuantized}), reg, poller)

	return &testEnv{manager: manager, store: store, driver: driver, registry: reg, poller: poller, root: root}
}

func (env *testEnv) createModel(t *testing.T, servedName string) *types.Model {
	t.Helper()
	model := &types.Model{
		ServedName: servedName,
		Engine:     types.EngineTransformer,
		Task:       types.TaskGenerate,
		RepoID:     "org/" + servedName,
		State:      types.ModelStateStopped,
	}
	require.NoError(t, env.store.CreateModel(model))
	return model
}

func TestStartTransitionsToStarting(t *testing.T) {
	env := newTestEnv(t, false)
	model := env.createModel(t, "llama")
	ctx := context.Background()

	require.NoError(t, env.manager.Start(ctx, model.ID))

	got, err := env.store.GetModel(model.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ModelStateStarting, got.State)
	assert.NotZero(t, got.HostPort)
	assert.Equal(t, ContainerName(model.ID), got.ContainerName)
	assert.Equal(t, runtime.StateRunning, env.driver.containers[got.ContainerName])

	// A second start in a live state is refused.
	err = env.manager.Start(ctx, model.ID)
	require.Error(t, err)
	assert.Equal(t, types.CodeInvalidState, types.AsAPIError(err).Code)
}

func TestStartOfflineRefusesRemoteDownload(t *testing.T) {
	env := newTestEnv(t, true)
	model := env.createModel(t, "llama")

	err := env.manager.Start(context.Background(), model.ID)
	require.Error(t, err)
	assert.Equal(t, types.CodeOfflineRemoteRefuse, types.AsAPIError(err).Code)

	got, _ := env.store.GetModel(model.ID)
	assert.Equal(t, types.ModelStateStopped, got.State, "pre-flight failures leave the model untouched")
}

func TestStartQuantizedResolvesWeights(t *testing.T) {
	env := newTestEnv(t, false)
	require.NoError(t, os.WriteFile(filepath.Join(env.root, "m.gguf"), []byte("x"), 0o644))

	model := &types.Model{
		ServedName: "gguf",
		Engine:     types.EngineQuantized,
		Task:       types.TaskGenerate,
		LocalPath:  "m.gguf",
		State:      types.ModelStateStopped,
	}
	require.NoError(t, env.store.CreateModel(model))
	require.NoError(t, env.manager.Start(context.Background(), model.ID))
}

func TestStartQuantizedMissingWeightsFails(t *testing.T) {
	env := newTestEnv(t, false)

	model := &types.Model{
		ServedName: "gguf",
		Engine:     types.EngineQuantized,
		Task:       types.TaskGenerate,
		LocalPath:  "missing.gguf",
		State:      types.ModelStateStopped,
	}
	require.NoError(t, env.store.CreateModel(model))

	err := env.manager.Start(context.Background(), model.ID)
	require.Error(t, err)
	assert.Empty(t, env.driver.containers, "no container on pre-flight failure")
}

func TestStartFailureParksModelFailed(t *testing.T) {
	env := newTestEnv(t, false)
	env.driver.failStart = true
	model := env.createModel(t, "llama")

	err := env.manager.Start(context.Background(), model.ID)
	require.Error(t, err)

	got, _ := env.store.GetModel(model.ID)
	assert.Equal(t, types.ModelStateFailed, got.State)
	assert.Contains(t, got.FailureReason, "container start")
	assert.Zero(t, got.HostPort)
	assert.Empty(t, got.ContainerName)
	assert.Empty(t, env.driver.containers, "half-made container is cleaned up")
}

func TestReconcilePromotesThroughLoadingToRunning(t *testing.T) {
	env := newTestEnv(t, false)
	model := env.createModel(t, "llama")
	ctx := context.Background()

	require.NoError(t, env.manager.Start(ctx, model.ID))

	// Container is running: first reconcile promotes to loading.
	env.manager.reconcile(ctx)
	got, _ := env.store.GetModel(model.ID)
	require.Equal(t, types.ModelStateLoading, got.State)

	// Serve a real health endpoint on the assigned port so a probe
	// succeeds, then reconcile again.
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	srv := &http.Server{Addr: fmt.Sprintf("127.0.0.1:%d", got.HostPort), Handler: mux}
	go srv.ListenAndServe()
	defer srv.Close()

	url := fmt.Sprintf("http://127.0.0.1:%d", got.HostPort)
	require.Eventually(t, func() bool {
		env.poller.ProbeAll(ctx)
		return env.poller.EverOK(url)
	}, 2*time.Second, 50*time.Millisecond)

	env.manager.reconcile(ctx)
	got, _ = env.store.GetModel(model.ID)
	assert.Equal(t, types.ModelStateRunning, got.State)

	pool := env.registry.Lookup("llama")
	require.Len(t, pool, 1, "registry entry appears on transition to running")
	assert.Equal(t, url, pool[0].URL)
}

func TestReconcileParksExitedModelFailed(t *testing.T) {
	env := newTestEnv(t, false)
	model := env.createModel(t, "llama")
	ctx := context.Background()

	require.NoError(t, env.manager.Start(ctx, model.ID))
	env.driver.setExited(ContainerName(model.ID), 137)

	env.manager.reconcile(ctx)

	got, _ := env.store.GetModel(model.ID)
	assert.Equal(t, types.ModelStateFailed, got.State)
	assert.Contains(t, got.FailureReason, "137")
	assert.Zero(t, got.HostPort)
	assert.Empty(t, env.driver.containers, "failed models own no container")
}

func TestStopClearsRuntimeFields(t *testing.T) {
	env := newTestEnv(t, false)
	model := env.createModel(t, "llama")
	ctx := context.Background()

	require.NoError(t, env.manager.Start(ctx, model.ID))
	require.NoError(t, env.manager.Stop(ctx, model.ID))

	got, _ := env.store.GetModel(model.ID)
	assert.Equal(t, types.ModelStateStopped, got.State)
	assert.Zero(t, got.HostPort)
	assert.Empty(t, got.ContainerName)
	assert.Empty(t, env.driver.containers)

	err := env.manager.Stop(ctx, model.ID)
	require.Error(t, err)
	assert.Equal(t, types.CodeInvalidState, types.AsAPIError(err).Code)
}

func TestCancelOnlyWhileLoading(t *testing.T) {
	env := newTestEnv(t, false)
	model := env.createModel(t, "llama")
	ctx := context.Background()

	require.NoError(t, env.manager.Start(ctx, model.ID))

	err := env.manager.Cancel(ctx, model.ID)
	require.Error(t, err, "starting is not cancellable")

	env.manager.reconcile(ctx) // -> loading
	require.NoError(t, env.manager.Cancel(ctx, model.ID))

	got, _ := env.store.GetModel(model.ID)
	assert.Equal(t, types.ModelStateStopped, got.State)
}

func TestArchiveLifecycle(t *testing.T) {
	env := newTestEnv(t, false)
	model := env.createModel(t, "llama")
	ctx := context.Background()

	// Archive requires stopped.
	require.NoError(t, env.manager.Start(ctx, model.ID))
	err := env.manager.Archive(model.ID)
	require.Error(t, err)
	require.NoError(t, env.manager.Stop(ctx, model.ID))

	require.NoError(t, env.manager.Archive(model.ID))
	got, _ := env.store.GetModel(model.ID)
	assert.Equal(t, types.ModelStateArchived, got.State)

	// Delete requires archived; unarchive restores stopped.
	require.NoError(t, env.manager.Unarchive(model.ID))
	err = env.manager.Delete(model.ID)
	require.Error(t, err)

	require.NoError(t, env.manager.Archive(model.ID))
	require.NoError(t, env.manager.Delete(model.ID))
	_, err = env.store.GetModel(model.ID)
	assert.True(t, storage.IsNotFound(err))
}

func TestDryRunCreatesNothing(t *testing.T) {
	env := newTestEnv(t, false)
	model := env.createModel(t, "llama")
	model.Params = types.EngineParams{TensorParallel: 2, MaxContextLen: 4096}
	require.NoError(t, env.store.UpdateModel(model))

	result, err := env.manager.DryRun(context.Background(), model.ID)
	require.NoError(t, err)

	assert.Equal(t, testImageTransformer, result.Image)
	assert.Contains(t, result.CommandLine, "--tensor-parallel-size 2")
	assert.Contains(t, result.CommandLine, "--max-model-len 4096")
	assert.Equal(t, 2, result.GPUs)
	assert.Empty(t, env.driver.containers)

	got, _ := env.store.GetModel(model.ID)
	assert.Equal(t, types.ModelStateStopped, got.State)
}

func TestSweepOrphans(t *testing.T) {
	env := newTestEnv(t, false)
	model := env.createModel(t, "llama")
	ctx := context.Background()

	require.NoError(t, env.manager.Start(ctx, model.ID))

	// An orphan with our prefix and an unrelated container.
	env.driver.containers["cortex-model-999"] = runtime.StateRunning
	env.driver.containers["unrelated"] = runtime.StateRunning

	env.manager.SweepOrphans(ctx)

	assert.NotContains(t, env.driver.containers, "cortex-model-999")
	assert.Contains(t, env.driver.containers, "unrelated", "foreign containers are left alone")
	assert.Contains(t, env.driver.containers, ContainerName(model.ID), "claimed containers survive")
}

func TestStopAll(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	a := env.createModel(t, "a")
	b := env.createModel(t, "b")
	require.NoError(t, env.manager.Start(ctx, a.ID))
	require.NoError(t, env.manager.Start(ctx, b.ID))

	env.manager.StopAll(ctx)

	assert.Empty(t, env.driver.containers)
	for _, id := range []uint64{a.ID, b.ID} {
		got, _ := env.store.GetModel(id)
		assert.Equal(t, types.ModelStateStopped, got.State)
	}
}

func TestStopAllStopsInParallel(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	const stopDelay = 150 * time.Millisecond
	for _, name := range []string{"a", "b", "c", "d"} {
		m := env.createModel(t, name)
		require.NoError(t, env.manager.Start(ctx, m.ID))
	}
	env.driver.stopDelay = stopDelay

	started := time.Now()
	env.manager.StopAll(ctx)
	elapsed := time.Since(started)

	assert.Less(t, elapsed, 3*stopDelay,
		"four stops of %v each must overlap, not queue behind one another", stopDelay)
	assert.Empty(t, env.driver.containers)
}

func TestTransitionsAreExclusivePerModel(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	model := env.createModel(t, "llama")
	require.NoError(t, env.manager.Start(ctx, model.ID))

	env.driver.stopDelay = 200 * time.Millisecond
	done := make(chan error, 1)
	go func() { done <- env.manager.Stop(ctx, model.ID) }()
	time.Sleep(50 * time.Millisecond)

	// The slow stop holds only the model's claim, so overlapping work on
	// the same model is refused while other models stay serviceable.
	err := env.manager.Stop(ctx, model.ID)
	require.Error(t, err)
	assert.Equal(t, types.CodeInvalidState, types.AsAPIError(err).Code)

	other := env.createModel(t, "other")
	require.NoError(t, env.manager.Start(ctx, other.ID))

	require.NoError(t, <-done)
	got, _ := env.store.GetModel(model.ID)
	assert.Equal(t, types.ModelStateStopped, got.State)
}

func TestStartEnsuresPrivateNetwork(t *testing.T) {
	env := newTestEnv(t, false)
	env.manager.cfg.EngineNetwork = "cortex0"
	model := env.createModel(t, "llama")

	require.NoError(t, env.manager.Start(context.Background(), model.ID))

	assert.Equal(t, []string{"cortex0"}, env.driver.networks)
	spec := env.driver.specs[ContainerName(model.ID)]
	require.NotNil(t, spec)
	assert.Equal(t, "cortex0", spec.Network)
}

func TestStartFallsBackWhenNetworkEnsureFails(t *testing.T) {
	env := newTestEnv(t, false)
	env.manager.cfg.EngineNetwork = "cortex0"
	env.driver.failNetwork = true
	model := env.createModel(t, "llama")

	require.NoError(t, env.manager.Start(context.Background(), model.ID),
		"a missing private network falls back to the default bridge")

	spec := env.driver.specs[ContainerName(model.ID)]
	require.NotNil(t, spec)
	assert.Empty(t, spec.Network)
}

func portOf(t *testing.T, rawURL string) int {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return port
}

func TestModelTestProbesUpstreamOnce(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	model := env.createModel(t, "llama")

	_, err := env.manager.Test(ctx, model.ID)
	require.Error(t, err, "test requires running")
	assert.Equal(t, types.CodeInvalidState, types.AsAPIError(err).Code)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sekrit", r.Header.Get("Authorization"))
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	model.State = types.ModelStateRunning
	model.HostPort = portOf(t, srv.URL)
	model.ContainerName = ContainerName(model.ID)
	require.NoError(t, env.store.UpdateModel(model))

	result, err := env.manager.Test(ctx, model.ID)
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Equal(t, http.StatusOK, result.Status)
	assert.Contains(t, result.URL, "/health")

	// A refusing engine reports not-ok instead of an error.
	srv.Close()
	result, err = env.manager.Test(ctx, model.ID)
	require.NoError(t, err)
	assert.False(t, result.OK)
	assert.NotEmpty(t, result.Error)
}

func TestReconfigureRestartsLiveModel(t *testing.T) {
	env := newTestEnv(t, false)
	model := env.createModel(t, "llama")
	ctx := context.Background()

	require.NoError(t, env.manager.Start(ctx, model.ID))
	firstPort := func() int {
		got, _ := env.store.GetModel(model.ID)
		return got.HostPort
	}()

	require.NoError(t, env.manager.Reconfigure(ctx, model.ID, types.EngineParams{MaxContextLen: 2048}))

	got, _ := env.store.GetModel(model.ID)
	assert.Equal(t, types.ModelStateStarting, got.State, "live models restart with new params")
	assert.Equal(t, 2048, got.Params.MaxContextLen)
	_ = firstPort

	// Stopped models only persist the new params.
	require.NoError(t, env.manager.Stop(ctx, model.ID))
	require.NoError(t, env.manager.Reconfigure(ctx, model.ID, types.EngineParams{MaxContextLen: 1024}))
	got, _ = env.store.GetModel(model.ID)
	assert.Equal(t, types.ModelStateStopped, got.State)
	assert.Equal(t, 1024, got.Params.MaxContextLen)
}
