package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/cortexhub/cortex/pkg/log"
	"github.com/cortexhub/cortex/pkg/metrics"
)

// Config tunes the poller and the breakers it owns.
type Config struct {
	// Interval between probes; LoadingInterval applies while the owning
	// model is still loading weights.
	Interval        time.Duration
	LoadingInterval time.Duration

	// TTL is how long a successful verdict stays fresh.
	TTL time.Duration

	// Timeout bounds a single probe.
	Timeout time.Duration

	// Workers bounds concurrent probes so slow upstreams do not starve
	// fast ones.
	Workers int

	BreakerEnabled   bool
	BreakerThreshold int
	BreakerCooldown  time.Duration

	// InternalKey is sent as a bearer token to the engines.
	InternalKey string
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Interval:         15 * time.Second,
		LoadingInterval:  3 * time.Second,
		TTL:              15 * time.Second,
		Timeout:          3 * time.Second,
		Workers:          4,
		BreakerThreshold: 5,
		BreakerCooldown:  30 * time.Second,
	}
}

// Poller owns one health record per registered upstream and probes each on
// a periodic tick. One scheduler goroutine decides when probes are due;
// probe work runs on a bounded worker pool.
type Poller struct {
	cfg    Config
	client *http.Client

	mu      sync.Mutex
	records map[string]*Record

	jobs   chan *Record
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewPoller creates a poller; Start must be called to begin probing.
func NewPoller(cfg Config) *Poller {
	if cfg.Workers < 1 {
		cfg.Workers = 4
	}
	return &Poller{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		records: make(map[string]*Record),
		jobs:    make(chan *Record, 64),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the scheduler and the worker pool.
func (p *Poller) Start() {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	p.wg.Add(1)
	go p.schedule()
}

// Stop cancels in-flight probes and waits for the pool to drain.
func (p *Poller) Stop() {
	close(p.stopCh)

	p.mu.Lock()
	for _, rec := range p.records {
		rec.mu.Lock()
		if rec.cancel != nil {
			rec.cancel()
		}
		rec.mu.Unlock()
	}
	p.mu.Unlock()

	p.wg.Wait()
}

// Register adds an upstream to the probe set. The first probe is scheduled
// immediately. Re-registering resets nothing; the existing record is kept.
func (p *Poller) Register(url, probePath string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.records[url]; exists {
		return
	}
	breaker := NewBreaker(p.cfg.BreakerEnabled, p.cfg.BreakerThreshold, p.cfg.BreakerCooldown)
	rec := newRecord(url, probePath, breaker)
	rec.nextProbe = time.Now()
	p.records[url] = rec
}

// Unregister removes an upstream, cancelling any in-flight probe.
func (p *Poller) Unregister(url string) {
	p.mu.Lock()
	rec := p.records[url]
	delete(p.records, url)
	p.mu.Unlock()

	if rec != nil {
		rec.mu.Lock()
		if rec.cancel != nil {
			rec.cancel()
		}
		rec.mu.Unlock()
	}
}

// SetLoading switches the upstream to the short probe interval while its
// owning model loads weights.
func (p *Poller) SetLoading(url string, loading bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if rec, ok := p.records[url]; ok {
		rec.mu.Lock()
		rec.loading = loading
		if loading {
			rec.nextProbe = time.Now()
		}
		rec.mu.Unlock()
	}
}

// Healthy reports the routing verdict for a url: fresh OK verdict and
// breaker closed. Unknown urls are unhealthy.
func (p *Poller) Healthy(url string) bool {
	p.mu.Lock()
	rec := p.records[url]
	p.mu.Unlock()

	if rec == nil {
		return false
	}
	return rec.healthy(time.Now())
}

// EverOK reports whether the url has seen at least one successful probe
// since registration. The lifecycle reconciler promotes loading models on
// this signal.
func (p *Poller) EverOK(url string) bool {
	p.mu.Lock()
	rec := p.records[url]
	p.mu.Unlock()

	return rec != nil && rec.everOK()
}

// ReportFailure feeds a proxied-request failure (5xx or network error)
// into the url's breaker.
func (p *Poller) ReportFailure(url string) {
	p.mu.Lock()
	rec := p.records[url]
	p.mu.Unlock()

	if rec != nil {
		rec.reportFailure(time.Now())
	}
}

// Views returns admin-facing copies of every record.
func (p *Poller) Views() map[string]View {
	p.mu.Lock()
	recs := make([]*Record, 0, len(p.records))
	for _, rec := range p.records {
		recs = append(recs, rec)
	}
	p.mu.Unlock()

	now := time.Now()
	out := make(map[string]View, len(recs))
	for _, rec := range recs {
		out[rec.url] = rec.view(now)
	}
	return out
}

// ProbeAll runs one synchronous probe of every registered url. Used by the
// admin refresh endpoint.
func (p *Poller) ProbeAll(ctx context.Context) {
	p.mu.Lock()
	recs := make([]*Record, 0, len(p.records))
	for _, rec := range p.records {
		recs = append(recs, rec)
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, rec := range recs {
		wg.Add(1)
		go func(rec *Record) {
			defer wg.Done()
			p.probe(ctx, rec)
		}(rec)
	}
	wg.Wait()
}

// schedule is the single goroutine deciding when probes are due.
func (p *Poller) schedule() {
	defer p.wg.Done()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.dispatchDue()
		case <-p.stopCh:
			close(p.jobs)
			return
		}
	}
}

func (p *Poller) dispatchDue() {
	now := time.Now()

	p.mu.Lock()
	var due []*Record
	healthy := 0
	for _, rec := range p.records {
		if rec.healthy(now) {
			healthy++
		}
		rec.mu.Lock()
		if !rec.probing && !now.Before(rec.nextProbe) {
			rec.probing = true
			interval := p.cfg.Interval
			if rec.loading {
				interval = p.cfg.LoadingInterval
			}
			rec.nextProbe = now.Add(interval)
			due = append(due, rec)
		}
		rec.mu.Unlock()
	}
	p.mu.Unlock()

	metrics.UpstreamsHealthy.Set(float64(healthy))

	for _, rec := range due {
		select {
		case p.jobs <- rec:
		default:
			// Pool saturated; the record stays due for the next tick.
			rec.mu.Lock()
			rec.probing = false
			rec.nextProbe = now
			rec.mu.Unlock()
		}
	}
}

func (p *Poller) worker() {
	defer p.wg.Done()

	for rec := range p.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Timeout)
		rec.mu.Lock()
		rec.cancel = cancel
		rec.mu.Unlock()

		p.probe(ctx, rec)
		cancel()

		rec.mu.Lock()
		rec.cancel = nil
		rec.probing = false
		rec.mu.Unlock()
	}
}

// probe issues one liveness request and folds the outcome into the record.
func (p *Poller) probe(ctx context.Context, rec *Record) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rec.url+rec.probePath, nil)
	if err != nil {
		rec.observe(Sample{TS: start, OK: false}, p.cfg.TTL, 0)
		metrics.ProbesTotal.WithLabelValues("error").Inc()
		return
	}
	if p.cfg.InternalKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.InternalKey)
	}

	resp, err := p.client.Do(req)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		rec.observe(Sample{TS: start, OK: false, LatencyMS: latency}, p.cfg.TTL, 0)
		metrics.ProbesTotal.WithLabelValues("error").Inc()
		return
	}
	defer resp.Body.Close()

	ok := resp.StatusCode >= 200 && resp.StatusCode < 400
	if ok {
		metrics.ProbesTotal.WithLabelValues("ok").Inc()
	} else {
		metrics.ProbesTotal.WithLabelValues("fail").Inc()
	}
	tps := parseTokensPerSec(resp)

	rec.observe(Sample{
		TS:         start,
		OK:         ok,
		LatencyMS:  latency,
		StatusCode: resp.StatusCode,
	}, p.cfg.TTL, tps)

	if !ok {
		log.WithComponent("health").Debug().
			Str("url", rec.url).
			Int("status", resp.StatusCode).
			Msg("probe failed")
	}
}

// parseTokensPerSec extracts the engine-reported throughput counter when
// the probe response carries one.
func parseTokensPerSec(resp *http.Response) float64 {
	var body struct {
		TokensPerSecond float64 `json:"tokens_per_second"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0
	}
	return body.TokensPerSecond
}
