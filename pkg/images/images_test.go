package images

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexhub/cortex/pkg/log"
	"github.com/cortexhub/cortex/pkg/runtime"
	"github.com/cortexhub/cortex/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
	os.Exit(m.Run())
}

type fakeDriver struct {
	runtime.Driver
	have   map[string]bool
	pulled []string
}

func (d *fakeDriver) HasImage(_ context.Context, ref string) (bool, error) {
	return d.have[ref], nil
}

func (d *fakeDriver) PullImage(_ context.Context, ref string) error {
	d.pulled = append(d.pulled, ref)
	d.have[ref] = true
	return nil
}

func (d *fakeDriver) ListImages(_ context.Context) ([]runtime.ImageInfo, error) {
	var out []runtime.ImageInfo
	for name := range d.have {
		out = append(out, runtime.ImageInfo{Name: name, SizeBytes: 2 << 30, Created: time.Now()})
	}
	return out, nil
}

func TestEnsureCachedImageIsNoop(t *testing.T) {
	d := &fakeDriver{have: map[string]bool{"img:latest": true}}
	c := NewCache(d, true, []string{"img:latest"})

	require.NoError(t, c.Ensure(context.Background(), "img:latest"))
	assert.Empty(t, d.pulled)
}

func TestEnsurePullsWhenOnline(t *testing.T) {
	d := &fakeDriver{have: map[string]bool{}}
	c := NewCache(d, false, []string{"img:latest"})

	require.NoError(t, c.Ensure(context.Background(), "img:latest"))
	assert.Equal(t, []string{"img:latest"}, d.pulled)
}

func TestEnsureOfflineRefusesMissing(t *testing.T) {
	d := &fakeDriver{have: map[string]bool{}}
	c := NewCache(d, true, []string{"img:latest"})

	err := c.Ensure(context.Background(), "img:latest")
	require.Error(t, err)
	ae := types.AsAPIError(err)
	require.NotNil(t, ae)
	assert.Equal(t, types.CodeImageUnavailable, ae.Code)
	assert.Equal(t, "img:latest", ae.Detail["image"])
	assert.Empty(t, d.pulled)
}

func TestReportReadiness(t *testing.T) {
	d := &fakeDriver{have: map[string]bool{"a:latest": true}}
	c := NewCache(d, false, []string{"a:latest", "b:latest"})

	statuses, ready, err := c.Report(context.Background())
	require.NoError(t, err)
	assert.False(t, ready)
	require.Len(t, statuses, 2)

	byName := map[string]types.ImageStatus{}
	for _, s := range statuses {
		byName[s.Name] = s
	}
	assert.True(t, byName["a:latest"].Cached)
	assert.Equal(t, int64(2048), byName["a:latest"].SizeMB)
	assert.False(t, byName["b:latest"].Cached)
}
