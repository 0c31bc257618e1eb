package images

import (
	"context"
	"strings"

	"github.com/cortexhub/cortex/pkg/log"
	"github.com/cortexhub/cortex/pkg/runtime"
	"github.com/cortexhub/cortex/pkg/types"
)

// Cache reports which engine images are locally available and enforces the
// offline policy: when offline, missing images are never pulled.
type Cache struct {
	driver   runtime.Driver
	offline  bool
	required []string
}

// NewCache creates an image cache layer over the container driver.
// required lists the engine images the current configuration needs.
func NewCache(driver runtime.Driver, offline bool, required []string) *Cache {
	return &Cache{
		driver:   driver,
		offline:  offline,
		required: required,
	}
}

// Offline reports whether the offline policy is active.
func (c *Cache) Offline() bool {
	return c.offline
}

// Required returns the images the current configuration needs.
func (c *Cache) Required() []string {
	return c.required
}

// Ensure makes the image available locally. In offline mode a missing image
// is a hard failure naming the image and the remedy.
func (c *Cache) Ensure(ctx context.Context, image string) error {
	have, err := c.driver.HasImage(ctx, image)
	if err != nil {
		return err
	}
	if have {
		return nil
	}

	if c.offline {
		return types.NewAPIError(types.CodeImageUnavailable,
			"engine image %s is not cached and offline mode forbids pulling; preload the image or disable offline mode", image).
			WithDetail("image", image)
	}

	logger := log.WithComponent("images")
	logger.Info().Str("image", image).Msg("pulling engine image")
	return c.driver.PullImage(ctx, image)
}

// Report returns the status of every required image plus any extra images
// present in the runtime namespace, and overall readiness.
func (c *Cache) Report(ctx context.Context) ([]types.ImageStatus, bool, error) {
	local, err := c.driver.ListImages(ctx)
	if err != nil {
		return nil, false, err
	}

	byName := make(map[string]runtime.ImageInfo, len(local))
	for _, img := range local {
		byName[img.Name] = img
	}

	statuses := make([]types.ImageStatus, 0, len(c.required))
	ready := true
	for _, name := range c.required {
		info, cached := byName[name]
		if !cached {
			// Tag-less references may be stored fully qualified.
			for storedName, stored := range byName {
				if strings.HasPrefix(storedName, name) {
					info, cached = stored, true
					break
				}
			}
		}
		if !cached {
			ready = false
		}
		statuses = append(statuses, types.ImageStatus{
			Name:    name,
			Cached:  cached,
			SizeMB:  info.SizeBytes / (1024 * 1024),
			Created: info.Created,
		})
	}
	return statuses, ready, nil
}
