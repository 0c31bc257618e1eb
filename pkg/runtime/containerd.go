package runtime

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const (
	// DefaultNamespace is the containerd namespace for Cortex
	DefaultNamespace = "cortex"

	// DefaultSocketPath is the default containerd socket
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// Mount is a bind mount into an engine container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ContainerSpec describes an engine container to create. Engines run with
// host networking and bind their assigned host port directly, so no port
// mapping layer is involved.
type ContainerSpec struct {
	Name       string
	Image      string
	Args       []string
	Env        []string
	Mounts     []Mount
	GPUIndices []int

	// Network names the private bridge the container belongs to, recorded
	// as a label. Empty means the runtime default.
	Network string
}

// Status is the observed state of a container.
type Status struct {
	State    string // "created", "running", "stopped", "unknown"
	ExitCode int
}

const (
	StateCreated = "created"
	StateRunning = "running"
	StateStopped = "stopped"
	StateUnknown = "unknown"
)

// ContainerdRuntime implements the container driver using containerd
type ContainerdRuntime struct {
	client    *containerd.Client
	namespace string
	logDir    string
}

// NewContainerdRuntime creates a new containerd runtime client. Container
// stdout/stderr is captured to files under logDir.
func NewContainerdRuntime(socketPath, logDir string) (*ContainerdRuntime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	if err := os.MkdirAll(logDir, 0755); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	return &ContainerdRuntime{
		client:    client,
		namespace: DefaultNamespace,
		logDir:    logDir,
	}, nil
}

// Close closes the containerd client connection
func (r *ContainerdRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// HasImage reports whether the image is present in the local content store.
func (r *ContainerdRuntime) HasImage(ctx context.Context, imageRef string) (bool, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	_, err := r.client.GetImage(ctx, imageRef)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to query image %s: %w", imageRef, err)
	}
	return true, nil
}

// ImageInfo describes one locally cached image.
type ImageInfo struct {
	Name      string
	SizeBytes int64
	Created   time.Time
}

// ListImages enumerates images in the Cortex namespace.
func (r *ContainerdRuntime) ListImages(ctx context.Context) ([]ImageInfo, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	images, err := r.client.ListImages(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}

	infos := make([]ImageInfo, 0, len(images))
	for _, img := range images {
		size, err := img.Size(ctx)
		if err != nil {
			size = 0
		}
		infos = append(infos, ImageInfo{
			Name:      img.Name(),
			SizeBytes: size,
			Created:   img.Metadata().CreatedAt,
		})
	}
	return infos, nil
}

// PullImage pulls a container image from a registry
func (r *ContainerdRuntime) PullImage(ctx context.Context, imageRef string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	_, err := r.client.Pull(ctx, imageRef, containerd.WithPullUnpack)
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageRef, err)
	}
	return nil
}

// CreateContainer creates an engine container from a spec
func (r *ContainerdRuntime) CreateContainer(ctx context.Context, spec *ContainerSpec) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	image, err := r.client.GetImage(ctx, spec.Image)
	if err != nil {
		return fmt.Errorf("failed to get image %s: %w", spec.Image, err)
	}

	env := spec.Env
	if len(spec.GPUIndices) > 0 {
		env = append(env, "NVIDIA_VISIBLE_DEVICES="+joinInts(spec.GPUIndices))
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(env),
		// Engines bind the assigned host port directly.
		oci.WithHostNamespace(specs.NetworkNamespace),
		oci.WithHostHostsFile,
		oci.WithHostResolvconf,
	}
	if len(spec.Args) > 0 {
		opts = append(opts, oci.WithProcessArgs(spec.Args...))
	}
	if len(spec.GPUIndices) > 0 {
		opts = append(opts, oci.WithAllDevicesAllowed, oci.WithHostDevices)
	}

	if len(spec.Mounts) > 0 {
		mounts := make([]specs.Mount, 0, len(spec.Mounts))
		for _, m := range spec.Mounts {
			options := []string{"rbind"}
			if m.ReadOnly {
				options = append(options, "ro")
			} else {
				options = append(options, "rw")
			}
			mounts = append(mounts, specs.Mount{
				Source:      m.Source,
				Destination: m.Target,
				Type:        "bind",
				Options:     options,
			})
		}
		opts = append(opts, oci.WithMounts(mounts))
	}

	cOpts := []containerd.NewContainerOpts{
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.Name+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	}
	if spec.Network != "" {
		cOpts = append(cOpts, containerd.WithContainerLabels(map[string]string{
			"cortex.network": spec.Network,
		}))
	}

	_, err = r.client.NewContainer(ctx, spec.Name, cOpts...)
	if err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}
	return nil
}

// StartContainer starts a created container, capturing output to a log file
func (r *ContainerdRuntime) StartContainer(ctx context.Context, name string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load container %s: %w", name, err)
	}

	task, err := container.NewTask(ctx, cio.LogFile(r.logPath(name)))
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("failed to start task: %w", err)
	}
	return nil
}

// StopContainer stops a running container, SIGTERM then SIGKILL after timeout
func (r *ContainerdRuntime) StopContainer(ctx context.Context, name string, timeout time.Duration) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to load container %s: %w", name, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		// No task means the container is not running
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to kill task: %w", err)
	}

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("failed to wait for task: %w", err)
	}

	select {
	case <-statusC:
		// Task exited
	case <-stopCtx.Done():
		// Timeout: force kill
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("failed to force kill task: %w", err)
		}
	}

	if _, err := task.Delete(ctx); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

// DeleteContainer removes a container and its snapshot
func (r *ContainerdRuntime) DeleteContainer(ctx context.Context, name string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, name)
	if err != nil {
		// Container might not exist
		return nil
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to delete container: %w", err)
	}

	os.Remove(r.logPath(name))
	return nil
}

// ContainerStatus returns the observed state of a container
func (r *ContainerdRuntime) ContainerStatus(ctx context.Context, name string) (Status, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return Status{State: StateUnknown}, &NotFoundError{Name: name}
		}
		return Status{State: StateUnknown}, fmt.Errorf("failed to load container %s: %w", name, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		// Created but never started, or task already deleted
		return Status{State: StateCreated}, nil
	}

	status, err := task.Status(ctx)
	if err != nil {
		return Status{State: StateUnknown}, fmt.Errorf("failed to get task status: %w", err)
	}

	switch status.Status {
	case containerd.Running, containerd.Paused:
		return Status{State: StateRunning}, nil
	case containerd.Stopped:
		return Status{State: StateStopped, ExitCode: int(status.ExitStatus)}, nil
	default:
		return Status{State: StateCreated}, nil
	}
}

// NotFoundError reports a container that does not exist.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("container not found: %s", e.Name)
}

// IsNotFound reports whether err is a missing-container error.
func IsNotFound(err error) bool {
	_, ok := err.(*NotFoundError)
	return ok
}

// ListContainers returns names of containers whose name carries the prefix
func (r *ContainerdRuntime) ListContainers(ctx context.Context, prefix string) ([]string, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	containers, err := r.client.Containers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	names := make([]string, 0, len(containers))
	for _, c := range containers {
		if prefix == "" || strings.HasPrefix(c.ID(), prefix) {
			names = append(names, c.ID())
		}
	}
	return names, nil
}

// ContainerLogs returns the last tail lines of the container's log file
func (r *ContainerdRuntime) ContainerLogs(ctx context.Context, name string, tail int) ([]string, error) {
	data, err := os.ReadFile(r.logPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &NotFoundError{Name: name}
		}
		return nil, fmt.Errorf("failed to read container log: %w", err)
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if tail > 0 && len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	return lines, nil
}

func (r *ContainerdRuntime) logPath(name string) string {
	return filepath.Join(r.logDir, name+".log")
}

func joinInts(xs []int) string {
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = fmt.Sprintf("%d", x)
	}
	return strings.Join(parts, ",")
}
