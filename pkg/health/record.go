package health

import (
	"sync"
	"time"

	"github.com/cortexhub/cortex/pkg/metrics"
)

// historyBound is the number of probe samples kept per upstream.
const historyBound = 60

// Sample is one probe outcome in the rolling history.
type Sample struct {
	TS         time.Time `json:"ts"`
	OK         bool      `json:"ok"`
	LatencyMS  int64     `json:"latency_ms"`
	StatusCode int       `json:"status_code"`
}

// Record holds the health state of one upstream url. One mutex guards the
// history, the verdict and the breaker; probe writers and balancer readers
// share it.
type Record struct {
	mu sync.Mutex

	url       string
	probePath string

	history []Sample

	verdictOK      bool
	verdictExpires time.Time
	firstOKAt      time.Time

	// Engine-reported throughput parsed from probe responses, for
	// observability only.
	tokensPerSec float64

	breaker *Breaker

	// loading shortens the probe interval while an owning model loads.
	loading   bool
	nextProbe time.Time
	probing   bool
	cancel    func()
}

// View is a read-only copy of a record for the admin surface.
type View struct {
	URL              string       `json:"url"`
	OK               bool         `json:"ok"`
	ExpiresAt        time.Time    `json:"expires_at"`
	ConsecutiveFails int          `json:"consecutive_fails"`
	Breaker          BreakerState `json:"breaker"`
	TokensPerSec     float64      `json:"tokens_per_sec,omitempty"`
	History          []Sample     `json:"history"`
}

func newRecord(url, probePath string, breaker *Breaker) *Record {
	return &Record{
		url:       url,
		probePath: probePath,
		breaker:   breaker,
	}
}

// observe folds one probe result into the record.
func (r *Record) observe(s Sample, ttl time.Duration, tokensPerSec float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.history = append(r.history, s)
	if len(r.history) > historyBound {
		r.history = r.history[len(r.history)-historyBound:]
	}

	if s.OK {
		r.verdictOK = true
		r.verdictExpires = s.TS.Add(ttl)
		if r.firstOKAt.IsZero() {
			r.firstOKAt = s.TS
		}
		r.breaker.Observe(OutcomeSuccess, s.TS)
		if tokensPerSec > 0 {
			r.tokensPerSec = tokensPerSec
		}
	} else {
		r.verdictOK = false
		if r.breaker.Observe(OutcomeFailure, s.TS) {
			metrics.BreakerOpenTotal.Inc()
		}
	}
}

// healthy reports the routing verdict: fresh OK and breaker closed.
func (r *Record) healthy(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.verdictOK && now.Before(r.verdictExpires) && r.breaker.Allows(now)
}

// reportFailure feeds a proxied-request failure into the breaker outside
// the probe loop.
func (r *Record) reportFailure(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.breaker.Observe(OutcomeFailure, now) {
		metrics.BreakerOpenTotal.Inc()
	}
}

func (r *Record) view(now time.Time) View {
	r.mu.Lock()
	defer r.mu.Unlock()

	history := make([]Sample, len(r.history))
	copy(history, r.history)

	return View{
		URL:              r.url,
		OK:               r.verdictOK && now.Before(r.verdictExpires),
		ExpiresAt:        r.verdictExpires,
		ConsecutiveFails: r.breaker.ConsecutiveFails(),
		Breaker:          r.breaker.State(now),
		TokensPerSec:     r.tokensPerSec,
		History:          history,
	}
}

func (r *Record) everOK() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.firstOKAt.IsZero()
}
