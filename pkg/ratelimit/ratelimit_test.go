package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexhub/cortex/pkg/cache"
	"github.com/cortexhub/cortex/pkg/log"
	"github.com/cortexhub/cortex/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
	os.Exit(m.Run())
}

func newCache(t *testing.T) *cache.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := cache.New(context.Background(), mr.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestNilLimiterAdmits(t *testing.T) {
	var l *Limiter
	assert.NoError(t, l.Allow(context.Background(), &types.Identity{ID: 1}))

	l = NewLimiter(nil, ModeTokenBucket, 1, 0)
	assert.NoError(t, l.Allow(context.Background(), &types.Identity{ID: 1}))
}

func TestTokenBucketRefusesOverBudget(t *testing.T) {
	l := NewLimiter(newCache(t), ModeTokenBucket, 2, 1)
	ctx := context.Background()
	identity := &types.Identity{ID: 7}

	// rps + burst tokens are available within one second.
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Allow(ctx, identity), "request %d", i)
	}

	err := l.Allow(ctx, identity)
	require.Error(t, err)
	ae := types.AsAPIError(err)
	require.NotNil(t, ae)
	assert.Equal(t, types.CodeRateLimited, ae.Code)
	assert.Contains(t, ae.Detail, "retry_after_ms")
}

func TestTokenBucketIsolatesIdentities(t *testing.T) {
	l := NewLimiter(newCache(t), ModeTokenBucket, 1, 0)
	ctx := context.Background()

	require.NoError(t, l.Allow(ctx, &types.Identity{ID: 1}))
	require.Error(t, l.Allow(ctx, &types.Identity{ID: 1}))
	assert.NoError(t, l.Allow(ctx, &types.Identity{ID: 2}),
		"one identity's budget must not drain another's")
}

func TestOverridesReplaceDefaults(t *testing.T) {
	// Deployment default would refuse the second request; the identity
	// override replaces it entirely.
	l := NewLimiter(newCache(t), ModeTokenBucket, 1, 0)
	ctx := context.Background()
	identity := &types.Identity{ID: 3, RateRPS: 10, RateBurst: 0}

	for i := 0; i < 10; i++ {
		require.NoError(t, l.Allow(ctx, identity))
	}
	assert.Error(t, l.Allow(ctx, identity))
}

func TestSlidingWindowCap(t *testing.T) {
	l := NewLimiter(newCache(t), ModeSlidingWindow, 1, 0)
	ctx := context.Background()
	identity := &types.Identity{ID: 9}

	// One rps over a 10 second window admits 10 before refusing.
	for i := 0; i < 10; i++ {
		require.NoError(t, l.Allow(ctx, identity), "request %d", i)
	}
	err := l.Allow(ctx, identity)
	require.Error(t, err)
	assert.Equal(t, types.CodeRateLimited, types.AsAPIError(err).Code)
}

func TestBrokenCacheFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := cache.New(context.Background(), mr.Addr(), "")
	require.NoError(t, err)
	mr.Close()

	l := NewLimiter(c, ModeTokenBucket, 1, 0)
	assert.NoError(t, l.Allow(context.Background(), &types.Identity{ID: 1}),
		"a dead cache must not take the data plane down")
}

func TestStreamGate(t *testing.T) {
	g := NewStreamGate(2)

	rel1, err := g.Acquire(context.Background())
	require.NoError(t, err)
	rel2, err := g.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = g.Acquire(ctx)
	require.Error(t, err)
	assert.Equal(t, types.CodeConcurrencyLimited, types.AsAPIError(err).Code)

	rel1()
	rel3, err := g.Acquire(context.Background())
	require.NoError(t, err)
	rel3()
	rel2()
}

func TestStreamGateDisabled(t *testing.T) {
	g := NewStreamGate(0)
	for i := 0; i < 100; i++ {
		release, err := g.Acquire(context.Background())
		require.NoError(t, err)
		release()
	}
}
