package runtime

import (
	"context"
	"time"
)

// Driver is the capability the lifecycle manager needs from the local
// container runtime. Implemented by ContainerdRuntime; tests substitute a
// fake.
type Driver interface {
	HasImage(ctx context.Context, imageRef string) (bool, error)
	ListImages(ctx context.Context) ([]ImageInfo, error)
	PullImage(ctx context.Context, imageRef string) error

	EnsureNetwork(ctx context.Context, name string) error
	CreateContainer(ctx context.Context, spec *ContainerSpec) error
	StartContainer(ctx context.Context, name string) error
	StopContainer(ctx context.Context, name string, timeout time.Duration) error
	DeleteContainer(ctx context.Context, name string) error
	ContainerStatus(ctx context.Context, name string) (Status, error)
	ListContainers(ctx context.Context, prefix string) ([]string, error)
	ContainerLogs(ctx context.Context, name string, tail int) ([]string, error)

	Close() error
}
