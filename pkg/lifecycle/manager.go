package lifecycle

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/cortexhub/cortex/pkg/engine"
	"github.com/cortexhub/cortex/pkg/health"
	"github.com/cortexhub/cortex/pkg/images"
	"github.com/cortexhub/cortex/pkg/log"
	"github.com/cortexhub/cortex/pkg/metrics"
	"github.com/cortexhub/cortex/pkg/registry"
	"github.com/cortexhub/cortex/pkg/runtime"
	"github.com/cortexhub/cortex/pkg/storage"
	"github.com/cortexhub/cortex/pkg/types"
)

const (
	// ContainerPrefix names every container this manager owns.
	ContainerPrefix = "cortex-model-"

	// Container-side mount points.
	modelsMount    = "/models"
	repoCacheMount = "/repo-cache"

	stopTimeoutTransformer = 5 * time.Second
	stopTimeoutQuantized   = 10 * time.Second
)

// Config holds lifecycle manager configuration.
type Config struct {
	ModelsRoot       string
	RepoCacheDir     string
	ImageTransformer string
	ImageQuantized   string
	OfflineMode      bool
	InternalKey      string

	// AdvertiseHost is the host part of upstream urls. Engines run with
	// host networking, so the gateway reaches them on the loopback.
	AdvertiseHost string

	// EngineNetwork names the private bridge ensured before each start.
	// Empty skips the ensure step; ensure failures fall back to the
	// runtime default bridge with a warning, never a failed start.
	EngineNetwork string
}

// Manager materializes Model records as engine containers and is the sole
// mutator of their state and runtime fields.
type Manager struct {
	cfg      Config
	store    storage.Store
	driver   runtime.Driver
	images   *images.Cache
	registry *registry.Registry
	poller   *health.Poller

	// mu guards busy and quick record reads. Container stop/start waits
	// run with only the model's claim held, so one slow engine never
	// blocks other models, the reconciler tick or admin actions.
	mu   sync.Mutex
	busy map[uint64]struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates a lifecycle manager.
func NewManager(cfg Config, store storage.Store, driver runtime.Driver, imageCache *images.Cache, reg *registry.Registry, poller *health.Poller) *Manager {
	if cfg.AdvertiseHost == "" {
		cfg.AdvertiseHost = "127.0.0.1"
	}
	return &Manager{
		cfg:      cfg,
		store:    store,
		driver:   driver,
		images:   imageCache,
		registry: reg,
		poller:   poller,
		busy:     make(map[uint64]struct{}),
		stopCh:   make(chan struct{}),
	}
}

// claim takes the model's transition slot and returns its current record.
// While the claim is held no other goroutine mutates the model, which lets
// slow container work proceed without the manager lock.
func (m *Manager) claim(id uint64) (*types.Model, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.busy[id]; taken {
		return nil, types.NewAPIError(types.CodeInvalidState,
			"model %d has a transition in progress", id)
	}
	model, err := m.store.GetModel(id)
	if err != nil {
		return nil, err
	}
	m.busy[id] = struct{}{}
	return model, nil
}

func (m *Manager) release(id uint64) {
	m.mu.Lock()
	delete(m.busy, id)
	m.mu.Unlock()
}

// ContainerName returns the deterministic name for a model's container.
func ContainerName(id uint64) string {
	return fmt.Sprintf("%s%d", ContainerPrefix, id)
}

func (m *Manager) upstreamURL(port int) string {
	return fmt.Sprintf("http://%s:%d", m.cfg.AdvertiseHost, port)
}

func (m *Manager) image(kind types.EngineKind) string {
	if kind == types.EngineQuantized {
		return m.cfg.ImageQuantized
	}
	return m.cfg.ImageTransformer
}

func stopTimeout(kind types.EngineKind) time.Duration {
	// The quantized engine releases a larger KV cache on shutdown.
	if kind == types.EngineQuantized {
		return stopTimeoutQuantized
	}
	return stopTimeoutTransformer
}

// Start materializes a stopped or failed model as a container.
//
// Pre-flight failures are synchronous and leave the model untouched.
// After the container exists the model transitions to starting; the
// reconciler promotes it through loading to running as the container and
// its first successful probe arrive.
func (m *Manager) Start(ctx context.Context, id uint64) error {
	model, err := m.claim(id)
	if err != nil {
		return err
	}
	defer m.release(id)

	if model.State != types.ModelStateStopped && model.State != types.ModelStateFailed {
		return types.NewAPIError(types.CodeInvalidState,
			"model %d is %s; start requires stopped or failed", id, model.State)
	}

	resolved, spec, err := m.preflight(ctx, model)
	if err != nil {
		metrics.ModelStartsTotal.WithLabelValues("preflight_failed").Inc()
		return err
	}

	logger := log.WithModelID(model.ID)

	if m.cfg.EngineNetwork != "" {
		if err := m.driver.EnsureNetwork(ctx, m.cfg.EngineNetwork); err != nil {
			logger.Warn().Err(err).Str("network", m.cfg.EngineNetwork).
				Msg("private network unavailable, using the runtime default bridge")
		} else {
			spec.Network = m.cfg.EngineNetwork
		}
	}

	logger.Info().
		Str("served_name", model.ServedName).
		Str("image", spec.Image).
		Int("port", resolved.Port).
		Msg("starting model")

	if err := m.driver.CreateContainer(ctx, spec); err != nil {
		metrics.ModelStartsTotal.WithLabelValues("create_failed").Inc()
		return fmt.Errorf("failed to create container: %w", err)
	}
	if err := m.driver.StartContainer(ctx, spec.Name); err != nil {
		// Clean up the half-made container; the record stays failed.
		_ = m.driver.DeleteContainer(ctx, spec.Name)
		model.State = types.ModelStateFailed
		model.FailureReason = fmt.Sprintf("container start: %v", err)
		model.HostPort = 0
		model.ContainerName = ""
		if uerr := m.store.UpdateModel(model); uerr != nil {
			logger.Error().Err(uerr).Msg("failed to persist failed state")
		}
		metrics.ModelStartsTotal.WithLabelValues("start_failed").Inc()
		return fmt.Errorf("failed to start container: %w", err)
	}

	model.State = types.ModelStateStarting
	model.HostPort = resolved.Port
	model.ContainerName = spec.Name
	model.FailureReason = ""
	if err := m.store.UpdateModel(model); err != nil {
		return fmt.Errorf("failed to persist starting state: %w", err)
	}

	// Tentative registration: the poller observes readiness from here on.
	// The routing registry entry is added once the model reaches running.
	url := m.upstreamURL(resolved.Port)
	m.poller.Register(url, engine.ProbePath(model.Engine))
	m.poller.SetLoading(url, true)

	metrics.ModelStartsTotal.WithLabelValues("ok").Inc()
	return nil
}

// preflight validates the start and renders the container spec. No state
// is changed.
func (m *Manager) preflight(ctx context.Context, model *types.Model) (engine.Resolved, *runtime.ContainerSpec, error) {
	image := m.image(model.Engine)
	if err := m.images.Ensure(ctx, image); err != nil {
		return engine.Resolved{}, nil, err
	}

	var modelRef string
	switch {
	case model.Engine == types.EngineQuantized:
		if model.LocalPath == "" {
			return engine.Resolved{}, nil, types.NewAPIError(types.CodeInvalidState,
				"quantized model %d requires a local weight path", model.ID)
		}
		hostPath, err := engine.ResolveWeights(m.cfg.ModelsRoot, model.LocalPath)
		if err != nil {
			return engine.Resolved{}, nil, err
		}
		rel, err := filepath.Rel(m.cfg.ModelsRoot, hostPath)
		if err != nil {
			return engine.Resolved{}, nil, fmt.Errorf("weight path escapes models root: %w", err)
		}
		modelRef = filepath.Join(modelsMount, rel)

	case model.LocalPath != "":
		modelRef = filepath.Join(modelsMount, model.LocalPath)

	case model.RepoID != "":
		if m.cfg.OfflineMode {
			return engine.Resolved{}, nil, types.NewAPIError(types.CodeOfflineRemoteRefuse,
				"model %d requires downloading %s and offline mode forbids it", model.ID, model.RepoID).
				WithDetail("repo_id", model.RepoID)
		}
		modelRef = model.RepoID

	default:
		return engine.Resolved{}, nil, types.NewAPIError(types.CodeInvalidState,
			"model %d has neither a repo id nor a local path", model.ID)
	}

	port, err := freePort()
	if err != nil {
		return engine.Resolved{}, nil, fmt.Errorf("failed to assign host port: %w", err)
	}

	resolved := engine.Resolved{
		ModelRef:   modelRef,
		ServedName: model.ServedName,
		Port:       port,
	}

	spec := &runtime.ContainerSpec{
		Name:  ContainerName(model.ID),
		Image: image,
		Args:  engine.RenderArgs(model.Engine, model.Params, resolved),
		Env: []string{
			"CORTEX_INTERNAL_API_KEY=" + m.cfg.InternalKey,
			"HF_HOME=" + repoCacheMount,
		},
		Mounts: []runtime.Mount{
			{Source: m.cfg.ModelsRoot, Target: modelsMount, ReadOnly: true},
			{Source: m.cfg.RepoCacheDir, Target: repoCacheMount},
		},
		GPUIndices: model.Params.GPUIndices,
	}
	return resolved, spec, nil
}

// Stop tears the model's container down and returns it to stopped.
func (m *Manager) Stop(ctx context.Context, id uint64) error {
	model, err := m.claim(id)
	if err != nil {
		return err
	}
	defer m.release(id)

	if !model.State.Live() {
		return types.NewAPIError(types.CodeInvalidState,
			"model %d is %s; stop requires a live state", id, model.State)
	}

	return m.teardown(ctx, model, types.ModelStateStopped, "")
}

// Cancel aborts a long weight load. Permitted only while loading.
func (m *Manager) Cancel(ctx context.Context, id uint64) error {
	model, err := m.claim(id)
	if err != nil {
		return err
	}
	defer m.release(id)

	if model.State != types.ModelStateLoading {
		return types.NewAPIError(types.CodeInvalidState,
			"model %d is %s; cancel requires loading", id, model.State)
	}

	return m.teardown(ctx, model, types.ModelStateStopped, "")
}

// teardown stops and removes the container, unregisters the upstream and
// persists the target state with runtime fields cleared. Caller holds the
// model's claim; the manager lock is not taken across the container wait.
func (m *Manager) teardown(ctx context.Context, model *types.Model, target types.ModelState, reason string) error {
	logger := log.WithModelID(model.ID)

	if model.HostPort != 0 {
		url := m.upstreamURL(model.HostPort)
		m.registry.Unregister(url)
		m.poller.Unregister(url)
	}

	if model.ContainerName != "" {
		if err := m.driver.StopContainer(ctx, model.ContainerName, stopTimeout(model.Engine)); err != nil {
			logger.Warn().Err(err).Msg("container stop failed, removing anyway")
		}
		if err := m.driver.DeleteContainer(ctx, model.ContainerName); err != nil {
			logger.Warn().Err(err).Msg("container delete failed")
		}
	}

	model.State = target
	model.FailureReason = reason
	model.HostPort = 0
	model.ContainerName = ""
	if err := m.store.UpdateModel(model); err != nil {
		return fmt.Errorf("failed to persist %s state: %w", target, err)
	}

	logger.Info().Str("state", string(target)).Msg("model torn down")
	return nil
}

// Reconfigure persists new engine parameters, then restarts the model if
// it was live. Brief downtime is part of the contract.
func (m *Manager) Reconfigure(ctx context.Context, id uint64, params types.EngineParams) error {
	model, err := m.claim(id)
	if err != nil {
		return err
	}

	wasLive := model.State.Live()
	model.Params = params
	if err := m.store.UpdateModel(model); err != nil {
		m.release(id)
		return fmt.Errorf("failed to persist parameters: %w", err)
	}

	if wasLive {
		if err := m.teardown(ctx, model, types.ModelStateStopped, ""); err != nil {
			m.release(id)
			return err
		}
	}

	// Start claims the model again, so the slot is handed back first.
	m.release(id)
	if wasLive {
		return m.Start(ctx, id)
	}
	return nil
}

// Archive hides a stopped model from default listings.
func (m *Manager) Archive(id uint64) error {
	model, err := m.claim(id)
	if err != nil {
		return err
	}
	defer m.release(id)

	if model.State != types.ModelStateStopped {
		return types.NewAPIError(types.CodeInvalidState,
			"model %d is %s; archive requires stopped", id, model.State)
	}
	model.State = types.ModelStateArchived
	return m.store.UpdateModel(model)
}

// Unarchive restores an archived model to stopped.
func (m *Manager) Unarchive(id uint64) error {
	model, err := m.claim(id)
	if err != nil {
		return err
	}
	defer m.release(id)

	if model.State != types.ModelStateArchived {
		return types.NewAPIError(types.CodeInvalidState,
			"model %d is %s; unarchive requires archived", id, model.State)
	}
	model.State = types.ModelStateStopped
	return m.store.UpdateModel(model)
}

// Delete removes an archived model record. Weight files on disk are never
// touched.
func (m *Manager) Delete(id uint64) error {
	model, err := m.claim(id)
	if err != nil {
		return err
	}
	defer m.release(id)

	if model.State != types.ModelStateArchived {
		return types.NewAPIError(types.CodeInvalidState,
			"model %d is %s; delete requires archived", id, model.State)
	}
	return m.store.DeleteModel(id)
}

// DryRunResult is the rendered launch plan of a model.
type DryRunResult struct {
	Image       string   `json:"image"`
	Args        []string `json:"args"`
	CommandLine string   `json:"command_line"`
	ModelRef    string   `json:"model_ref"`
	GPUs        int      `json:"gpus"`
	MaxContext  int      `json:"max_context,omitempty"`
}

// DryRun renders the engine command line without creating a container.
func (m *Manager) DryRun(ctx context.Context, id uint64) (*DryRunResult, error) {
	model, err := m.store.GetModel(id)
	if err != nil {
		return nil, err
	}

	resolved, spec, err := m.preflight(ctx, model)
	if err != nil {
		return nil, err
	}

	gpus := len(model.Params.GPUIndices)
	if gpus == 0 && model.Params.TensorParallel > 0 {
		gpus = model.Params.TensorParallel
	}

	return &DryRunResult{
		Image:       spec.Image,
		Args:        spec.Args,
		CommandLine: engine.CommandLine(spec.Args),
		ModelRef:    resolved.ModelRef,
		GPUs:        gpus,
		MaxContext:  model.Params.MaxContextLen,
	}, nil
}

// Logs returns the tail of the model's container log.
func (m *Manager) Logs(ctx context.Context, id uint64, tail int) ([]string, error) {
	model, err := m.store.GetModel(id)
	if err != nil {
		return nil, err
	}
	if model.ContainerName == "" {
		return nil, types.NewAPIError(types.CodeInvalidState, "model %d owns no container", id)
	}
	return m.driver.ContainerLogs(ctx, model.ContainerName, tail)
}

// probeClient performs one-shot model tests, separate from the poller's
// scheduled probes.
var probeClient = &http.Client{Timeout: 10 * time.Second}

// TestResult reports a one-shot readiness check of a running model.
type TestResult struct {
	OK        bool   `json:"ok"`
	Status    int    `json:"status,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
	URL       string `json:"url"`
	Error     string `json:"error,omitempty"`
}

// Test probes the model's engine once, outside the poller schedule, so an
// operator can confirm the upstream answers before routing traffic at it.
func (m *Manager) Test(ctx context.Context, id uint64) (*TestResult, error) {
	model, err := m.store.GetModel(id)
	if err != nil {
		return nil, err
	}
	if model.State != types.ModelStateRunning {
		return nil, types.NewAPIError(types.CodeInvalidState,
			"model %d is %s; test requires running", id, model.State)
	}

	url := m.upstreamURL(model.HostPort) + engine.ProbePath(model.Engine)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if m.cfg.InternalKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.cfg.InternalKey)
	}

	started := time.Now()
	resp, err := probeClient.Do(req)
	if err != nil {
		return &TestResult{URL: url, LatencyMS: time.Since(started).Milliseconds(), Error: err.Error()}, nil
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return &TestResult{
		OK:        resp.StatusCode < http.StatusMultipleChoices,
		Status:    resp.StatusCode,
		LatencyMS: time.Since(started).Milliseconds(),
		URL:       url,
	}, nil
}

// StopAll stops every live model in parallel. Errors are logged, not
// propagated; used by the shutdown coordinator.
func (m *Manager) StopAll(ctx context.Context) {
	models, err := m.store.ListModels(false)
	if err != nil {
		log.WithComponent("lifecycle").Error().Err(err).Msg("failed to list models for shutdown")
		return
	}

	var wg sync.WaitGroup
	for _, model := range models {
		if !model.State.Live() {
			continue
		}
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			if err := m.Stop(ctx, id); err != nil {
				log.WithModelID(id).Error().Err(err).Msg("shutdown stop failed")
			}
		}(model.ID)
	}
	wg.Wait()
}

// freePort asks the kernel for a free ephemeral port.
func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
