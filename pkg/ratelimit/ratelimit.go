package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/cortexhub/cortex/pkg/cache"
	"github.com/cortexhub/cortex/pkg/log"
	"github.com/cortexhub/cortex/pkg/types"
)

// Mode selects the admission algorithm.
type Mode string

const (
	ModeTokenBucket   Mode = "token_bucket"
	ModeSlidingWindow Mode = "sliding_window"
)

// Limiter applies the per-identity request budget against the shared
// cache. A nil cache client disables admission control (dev default).
type Limiter struct {
	cache  *cache.Client
	mode   Mode
	rps    float64
	burst  int
	window time.Duration
}

// NewLimiter creates a limiter with deployment defaults. Per-identity
// overrides replace these defaults entirely.
func NewLimiter(c *cache.Client, mode Mode, rps float64, burst int) *Limiter {
	if mode == "" {
		mode = ModeTokenBucket
	}
	return &Limiter{
		cache:  c,
		mode:   mode,
		rps:    rps,
		burst:  burst,
		window: 10 * time.Second,
	}
}

// Allow admits or refuses one request for the identity. A refusal carries
// a RATE_LIMITED error with a structured retry-after.
func (l *Limiter) Allow(ctx context.Context, identity *types.Identity) error {
	if l == nil || l.cache == nil {
		return nil
	}

	rps, burst := l.rps, l.burst
	if identity.RateRPS > 0 || identity.RateBurst > 0 {
		rps, burst = identity.RateRPS, identity.RateBurst
	}
	if rps <= 0 {
		return nil
	}

	key := fmt.Sprintf("id:%d", identity.ID)

	var (
		ok         bool
		retryAfter time.Duration
		err        error
	)
	switch l.mode {
	case ModeSlidingWindow:
		ok, retryAfter, err = l.cache.SlidingCount(ctx, key, rps, burst, l.window)
	default:
		ok, retryAfter, err = l.cache.TakeToken(ctx, key, rps, burst)
	}
	if err != nil {
		// A broken cache must not take the data plane down with it.
		log.WithComponent("ratelimit").Error().Err(err).Msg("rate counter unavailable, admitting")
		return nil
	}
	if ok {
		return nil
	}

	return types.NewAPIError(types.CodeRateLimited, "request rate limit exceeded").
		WithDetail("retry_after_ms", retryAfter.Milliseconds())
}

// StreamGate bounds concurrent streamed responses process-wide. The permit
// is acquired before the upstream stream opens and must be released on
// every exit path.
type StreamGate struct {
	sem *semaphore.Weighted
	cap int64
}

// NewStreamGate creates a gate admitting up to cap concurrent streams. A
// cap of zero disables the gate.
func NewStreamGate(cap int64) *StreamGate {
	if cap <= 0 {
		return &StreamGate{}
	}
	return &StreamGate{sem: semaphore.NewWeighted(cap), cap: cap}
}

// Acquire blocks until a permit is available or the request deadline
// fires. The returned release func is safe to call exactly once.
func (g *StreamGate) Acquire(ctx context.Context) (func(), error) {
	if g.sem == nil {
		return func() {}, nil
	}
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, types.NewAPIError(types.CodeConcurrencyLimited,
			"too many concurrent streams (cap %d)", g.cap)
	}
	return func() { g.sem.Release(1) }, nil
}
