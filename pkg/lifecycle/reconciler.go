package lifecycle

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cortexhub/cortex/pkg/engine"
	"github.com/cortexhub/cortex/pkg/log"
	"github.com/cortexhub/cortex/pkg/metrics"
	"github.com/cortexhub/cortex/pkg/runtime"
	"github.com/cortexhub/cortex/pkg/storage"
	"github.com/cortexhub/cortex/pkg/types"
)

const reconcileInterval = 2 * time.Second

// Run starts the reconcile loop. It observes container and probe state and
// drives declared models toward running, or parks them failed with a
// recorded reason. Returns when ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(reconcileInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.reconcile(ctx)
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Shutdown stops the reconcile loop.
func (m *Manager) Shutdown() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Manager) reconcile(ctx context.Context) {
	models, err := m.store.ListModels(true)
	if err != nil {
		log.WithComponent("lifecycle").Error().Err(err).Msg("reconcile: failed to list models")
		return
	}

	counts := make(map[types.ModelState]int)
	for _, model := range models {
		counts[model.State]++
		if !model.State.Live() {
			continue
		}
		if err := m.reconcileOne(ctx, model); err != nil {
			log.WithModelID(model.ID).Error().Err(err).Msg("reconcile failed")
		}
	}

	for _, state := range []types.ModelState{
		types.ModelStateStopped, types.ModelStateStarting, types.ModelStateLoading,
		types.ModelStateRunning, types.ModelStateFailed, types.ModelStateArchived,
	} {
		metrics.ModelsTotal.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

func (m *Manager) reconcileOne(ctx context.Context, model *types.Model) error {
	// Re-read under a claim; an admin action may have raced the tick, or
	// may still be mid-transition, in which case this tick skips the model.
	model, err := m.claim(model.ID)
	if err != nil {
		if storage.IsNotFound(err) || types.AsAPIError(err) != nil {
			return nil
		}
		return err
	}
	defer m.release(model.ID)

	if !model.State.Live() {
		return nil
	}

	status, err := m.driver.ContainerStatus(ctx, model.ContainerName)
	if err != nil {
		if runtime.IsNotFound(err) {
			return m.teardown(ctx, model, types.ModelStateFailed, "container disappeared")
		}
		return err
	}

	if status.State == runtime.StateStopped {
		reason := fmt.Sprintf("engine exited with code %d", status.ExitCode)
		log.WithModelID(model.ID).Warn().Int("exit_code", status.ExitCode).Msg("engine container exited")
		return m.teardown(ctx, model, types.ModelStateFailed, reason)
	}

	url := m.upstreamURL(model.HostPort)

	switch model.State {
	case types.ModelStateStarting:
		if status.State == runtime.StateRunning {
			model.State = types.ModelStateLoading
			if err := m.store.UpdateModel(model); err != nil {
				return err
			}
			log.WithModelID(model.ID).Info().Msg("engine process up, loading weights")
		}

	case types.ModelStateLoading:
		if m.poller.EverOK(url) {
			model.State = types.ModelStateRunning
			if err := m.store.UpdateModel(model); err != nil {
				return err
			}
			m.poller.SetLoading(url, false)
			if err := m.registry.Register(model.ServedName, types.UpstreamEntry{
				URL:       url,
				Task:      model.Task,
				ProbePath: engine.ProbePath(model.Engine),
			}); err != nil {
				log.WithModelID(model.ID).Error().Err(err).Msg("failed to register upstream")
			}
			log.WithModelID(model.ID).Info().
				Str("served_name", model.ServedName).
				Str("url", url).
				Msg("model ready")
		}
	}
	return nil
}

// SweepOrphans removes containers with our name prefix that no live model
// record claims. Runs once at startup, before the reconcile loop, so a
// crash between container creation and record persistence cannot leak.
func (m *Manager) SweepOrphans(ctx context.Context) {
	logger := log.WithComponent("lifecycle")

	names, err := m.driver.ListContainers(ctx, ContainerPrefix)
	if err != nil {
		logger.Error().Err(err).Msg("orphan sweep: failed to list containers")
		return
	}
	if len(names) == 0 {
		return
	}

	models, err := m.store.ListModels(true)
	if err != nil {
		logger.Error().Err(err).Msg("orphan sweep: failed to list models")
		return
	}
	claimed := make(map[string]bool)
	for _, model := range models {
		if model.State.Live() && model.ContainerName != "" {
			claimed[model.ContainerName] = true
		}
	}

	for _, name := range names {
		if claimed[name] {
			continue
		}
		logger.Warn().Str("container", name).Msg("removing orphaned container")
		id := idFromContainerName(name)
		kind := types.EngineTransformer
		if id != 0 {
			if model, err := m.store.GetModel(id); err == nil {
				kind = model.Engine
			}
		}
		if err := m.driver.StopContainer(ctx, name, stopTimeout(kind)); err != nil {
			logger.Warn().Err(err).Str("container", name).Msg("orphan stop failed")
		}
		if err := m.driver.DeleteContainer(ctx, name); err != nil {
			logger.Warn().Err(err).Str("container", name).Msg("orphan delete failed")
		}
	}
}

// RestoreLive re-registers probe records for models persisted in a live
// state, so a restarted gateway resumes observing them instead of
// forgetting their containers.
func (m *Manager) RestoreLive(ctx context.Context) {
	models, err := m.store.ListModels(false)
	if err != nil {
		log.WithComponent("lifecycle").Error().Err(err).Msg("restore: failed to list models")
		return
	}

	for _, model := range models {
		if !model.State.Live() || model.HostPort == 0 {
			continue
		}
		url := m.upstreamURL(model.HostPort)
		m.poller.Register(url, engine.ProbePath(model.Engine))
		m.poller.SetLoading(url, model.State != types.ModelStateRunning)
	}
}

func idFromContainerName(name string) uint64 {
	id, err := strconv.ParseUint(strings.TrimPrefix(name, ContainerPrefix), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
