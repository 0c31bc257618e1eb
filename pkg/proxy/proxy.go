package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/cortexhub/cortex/pkg/auth"
	"github.com/cortexhub/cortex/pkg/balancer"
	"github.com/cortexhub/cortex/pkg/log"
	"github.com/cortexhub/cortex/pkg/metrics"
	"github.com/cortexhub/cortex/pkg/ratelimit"
	"github.com/cortexhub/cortex/pkg/types"
)

const (
	// maxBodyBytes bounds a client request body.
	maxBodyBytes = 32 << 20

	// retryBackoff is the pause before the single unary retry.
	retryBackoff = 250 * time.Millisecond
)

// FailureReporter feeds proxied-request failures into the health breakers.
// Implemented by the health poller.
type FailureReporter interface {
	ReportFailure(url string)
}

// Config tunes the proxy.
type Config struct {
	// UnaryTimeout bounds a buffered request end to end; StreamTimeout
	// bounds a streamed one.
	UnaryTimeout  time.Duration
	StreamTimeout time.Duration

	// InternalKey authenticates the gateway to the engines.
	InternalKey string
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		UnaryTimeout:  120 * time.Second,
		StreamTimeout: 600 * time.Second,
	}
}

// Proxy forwards OpenAI-compatible inference requests to engine upstreams.
// Buffered requests get one retry against a re-chosen upstream; streamed
// requests are passed through byte for byte with no retry.
type Proxy struct {
	cfg      Config
	balancer *balancer.Balancer
	reporter FailureReporter
	gate     *ratelimit.StreamGate
	usage    *Recorder

	// client serves buffered requests; streamClient has no client-level
	// timeout so long generations are bounded by the request context only.
	client       *http.Client
	streamClient *http.Client
}

// New creates a proxy.
func New(cfg Config, b *balancer.Balancer, reporter FailureReporter, gate *ratelimit.StreamGate, usage *Recorder) *Proxy {
	if cfg.UnaryTimeout <= 0 {
		cfg.UnaryTimeout = 120 * time.Second
	}
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = 600 * time.Second
	}
	return &Proxy{
		cfg:          cfg,
		balancer:     b,
		reporter:     reporter,
		gate:         gate,
		usage:        usage,
		client:       &http.Client{},
		streamClient: &http.Client{},
	}
}

// WriteError encodes a structured error body. Non-API errors collapse to an
// opaque 500 so internals never leak to clients.
func WriteError(w http.ResponseWriter, err error) {
	ae := types.AsAPIError(err)
	if ae == nil {
		ae = &types.APIError{Code: "INTERNAL", Message: "internal error"}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ae.HTTPStatus())
	_ = json.NewEncoder(w).Encode(map[string]any{"error": ae})
}

// Handle serves one inference request for the given task.
func (p *Proxy) Handle(w http.ResponseWriter, r *http.Request, task types.Task) {
	requestID := uuid.NewString()
	w.Header().Set("X-Request-Id", requestID)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		WriteError(w, types.NewAPIError(types.CodeInvalidRequest, "failed to read request body"))
		return
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		WriteError(w, types.NewAPIError(types.CodeInvalidRequest, "request body is not valid json"))
		return
	}

	var servedName string
	if raw, ok := fields["model"]; ok {
		_ = json.Unmarshal(raw, &servedName)
	}
	if servedName == "" {
		WriteError(w, types.NewAPIError(types.CodeInvalidRequest, "request body missing model"))
		return
	}

	var stream bool
	if raw, ok := fields["stream"]; ok {
		_ = json.Unmarshal(raw, &stream)
	}

	req := &inflight{
		id:         requestID,
		task:       task,
		servedName: servedName,
		path:       r.URL.Path,
		body:       body,
		fields:     fields,
		identity:   auth.IdentityFrom(r.Context()),
		started:    time.Now(),
	}

	if stream && task == types.TaskGenerate {
		p.serveStream(w, r, req)
		return
	}
	p.serveUnary(w, r, req)
}

// inflight carries one request through the proxy.
type inflight struct {
	id         string
	task       types.Task
	servedName string
	path       string
	body       []byte
	fields     map[string]json.RawMessage
	identity   *types.Identity
	started    time.Time
}

func (p *Proxy) finish(req *inflight, status, promptTokens, completionTokens int) {
	latency := time.Since(req.started)

	metrics.RequestsTotal.WithLabelValues(req.servedName, strconv.Itoa(status)).Inc()
	metrics.RequestDuration.WithLabelValues(req.servedName).Observe(latency.Seconds())
	if promptTokens > 0 {
		metrics.TokensTotal.WithLabelValues(req.servedName, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		metrics.TokensTotal.WithLabelValues(req.servedName, "completion").Add(float64(completionTokens))
	}

	row := types.UsageRow{
		RequestID:        req.id,
		ServedName:       req.servedName,
		Task:             req.task,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		LatencyMS:        latency.Milliseconds(),
		Status:           status,
		StartedAt:        req.started,
	}
	if req.identity != nil {
		row.IdentityID = req.identity.ID
	}
	p.usage.Record(row)
}

func (p *Proxy) upstreamRequest(ctx context.Context, url, path string, body []byte) (*http.Request, error) {
	r, err := http.NewRequestWithContext(ctx, http.MethodPost, url+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	r.Header.Set("Content-Type", "application/json")
	if p.cfg.InternalKey != "" {
		r.Header.Set("Authorization", "Bearer "+p.cfg.InternalKey)
	}
	return r, nil
}

// serveUnary forwards one buffered request. A network error or 5xx feeds
// the breaker and earns exactly one retry against a freshly chosen
// upstream.
func (p *Proxy) serveUnary(w http.ResponseWriter, r *http.Request, req *inflight) {
	ctx, cancel := context.WithTimeout(r.Context(), p.cfg.UnaryTimeout)
	defer cancel()

	logger := log.WithRequestID(req.id)

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryBackoff):
			case <-ctx.Done():
				p.finish(req, http.StatusGatewayTimeout, 0, 0)
				WriteError(w, types.NewAPIError(types.CodeUpstreamTimeout,
					"upstream deadline exceeded for model %s", req.servedName))
				return
			}
		}

		url, err := p.balancer.Choose(req.servedName, req.task)
		if err != nil {
			// NO_UPSTREAM / TASK_MISMATCH: refused before any upstream was
			// touched, so no usage row is recorded.
			WriteError(w, err)
			return
		}

		status, respBody, contentType, err := p.roundTrip(ctx, url, req.path, req.body)
		if err != nil {
			p.reporter.ReportFailure(url)
			lastErr = err
			logger.Warn().Err(err).Str("url", url).Int("attempt", attempt).Msg("upstream request failed")
			continue
		}
		if status >= 500 {
			p.reporter.ReportFailure(url)
			lastErr = types.NewAPIError(types.CodeUpstreamError,
				"upstream returned %d for model %s", status, req.servedName)
			logger.Warn().Int("status", status).Str("url", url).Int("attempt", attempt).Msg("upstream 5xx")
			continue
		}

		// Quantized engines refuse chat requests for weights without a chat
		// template; rewrite to a plain completion and wrap the answer back.
		if req.task == types.TaskGenerate && missingChatTemplate(status, respBody) && req.fields["messages"] != nil {
			if fbStatus, fbBody, fbType, ok := p.chatFallback(ctx, url, req); ok {
				status, respBody, contentType = fbStatus, fbBody, fbType
			}
		}

		prompt, completion := p.account(req, respBody, status)
		p.finish(req, status, prompt, completion)

		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(status)
		_, _ = w.Write(respBody)
		return
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		p.finish(req, http.StatusGatewayTimeout, 0, 0)
		WriteError(w, types.NewAPIError(types.CodeUpstreamTimeout,
			"upstream deadline exceeded for model %s", req.servedName))
		return
	}

	p.finish(req, http.StatusBadGateway, 0, 0)
	if ae := types.AsAPIError(lastErr); ae != nil {
		WriteError(w, ae)
		return
	}
	WriteError(w, types.NewAPIError(types.CodeUpstreamError,
		"all upstream attempts failed for model %s", req.servedName))
}

func (p *Proxy) roundTrip(ctx context.Context, url, path string, body []byte) (int, []byte, string, error) {
	upReq, err := p.upstreamRequest(ctx, url, path, body)
	if err != nil {
		return 0, nil, "", err
	}
	resp, err := p.client.Do(upReq)
	if err != nil {
		return 0, nil, "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, "", err
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	return resp.StatusCode, respBody, contentType, nil
}

// chatFallback retries the request as a plain completion against the same
// upstream and re-wraps the result as a chat response.
func (p *Proxy) chatFallback(ctx context.Context, url string, req *inflight) (int, []byte, string, bool) {
	converted, err := chatToCompletion(req.fields)
	if err != nil {
		return 0, nil, "", false
	}

	status, respBody, contentType, err := p.roundTrip(ctx, url, "/v1/completions", converted)
	if err != nil || status >= 400 {
		return 0, nil, "", false
	}

	wrapped, ok := completionToChat(respBody)
	if !ok {
		return 0, nil, "", false
	}
	log.WithRequestID(req.id).Debug().Str("model", req.servedName).Msg("served chat via completion fallback")
	return status, wrapped, contentType, true
}

// account derives token counts from the upstream response, falling back to
// a word-count estimate when the engine reports none.
func (p *Proxy) account(req *inflight, respBody []byte, status int) (prompt, completion int) {
	if status >= 400 {
		return 0, 0
	}
	if u := responseUsage(respBody); u != nil {
		return u.PromptTokens, u.CompletionTokens
	}
	prompt = estimateTokens(requestText(req.fields))
	if req.task == types.TaskGenerate {
		completion = estimateTokens(responseText(respBody))
	}
	return prompt, completion
}

// serveStream forwards one streamed request. The upstream's SSE bytes are
// relayed as they arrive; each chunk is written (and flushed) before the
// next read so a slow client back-pressures the upstream. After the first
// byte reaches the client there is no retry; a mid-stream failure is
// reported as a terminal SSE error event.
func (p *Proxy) serveStream(w http.ResponseWriter, r *http.Request, req *inflight) {
	release, err := p.gate.Acquire(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}
	defer release()

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, types.NewAPIError(types.CodeUpstreamError, "streaming unsupported by connection"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), p.cfg.StreamTimeout)
	defer cancel()

	url, err := p.balancer.Choose(req.servedName, req.task)
	if err != nil {
		WriteError(w, err)
		return
	}

	upReq, err := p.upstreamRequest(ctx, url, req.path, req.body)
	if err != nil {
		WriteError(w, types.NewAPIError(types.CodeUpstreamError, "failed to build upstream request"))
		return
	}
	upReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.streamClient.Do(upReq)
	if err != nil {
		p.reporter.ReportFailure(url)
		p.finish(req, http.StatusBadGateway, 0, 0)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			WriteError(w, types.NewAPIError(types.CodeUpstreamTimeout,
				"upstream deadline exceeded for model %s", req.servedName))
			return
		}
		WriteError(w, types.NewAPIError(types.CodeUpstreamError,
			"upstream unreachable for model %s", req.servedName))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		if resp.StatusCode >= 500 {
			p.reporter.ReportFailure(url)
		}
		p.finish(req, resp.StatusCode, 0, 0)
		w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(respBody)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	metrics.StreamsActive.Inc()
	defer metrics.StreamsActive.Dec()

	acc := newStreamAccumulator()
	reader := bufio.NewReaderSize(resp.Body, 64<<10)

	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			acc.observe(line)
			if _, werr := w.Write(line); werr != nil {
				// Client went away; stop pulling from the upstream.
				p.finish(req, http.StatusOK, acc.promptTokens(req), acc.completionTokens())
				return
			}
			flusher.Flush()
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				p.finish(req, http.StatusOK, acc.promptTokens(req), acc.completionTokens())
				return
			}
			// Mid-stream upstream failure: terminal error event, no retry.
			p.reporter.ReportFailure(url)
			p.finish(req, http.StatusBadGateway, acc.promptTokens(req), acc.completionTokens())
			writeSSEError(w, flusher, req.servedName)
			log.WithRequestID(req.id).Warn().Err(err).Str("url", url).Msg("stream interrupted")
			return
		}
	}
}

func writeSSEError(w http.ResponseWriter, flusher http.Flusher, servedName string) {
	payload, _ := json.Marshal(map[string]any{
		"error": types.NewAPIError(types.CodeUpstreamError, "stream interrupted for model %s", servedName),
	})
	_, _ = w.Write([]byte("event: error\ndata: " + string(payload) + "\n\n"))
	flusher.Flush()
}

// streamAccumulator watches SSE data lines for token accounting: the final
// usage chunk when the engine emits one, a delta word count otherwise.
type streamAccumulator struct {
	usage *usageBlock
	text  bytes.Buffer
}

func newStreamAccumulator() *streamAccumulator {
	return &streamAccumulator{}
}

func (a *streamAccumulator) observe(line []byte) {
	data, ok := bytes.CutPrefix(bytes.TrimSpace(line), []byte("data: "))
	if !ok || bytes.Equal(data, []byte("[DONE]")) {
		return
	}

	var chunk struct {
		Choices []struct {
			Text  string `json:"text"`
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
		} `json:"choices"`
		Usage *usageBlock `json:"usage"`
	}
	if err := json.Unmarshal(data, &chunk); err != nil {
		return
	}
	if chunk.Usage != nil && (chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0) {
		a.usage = chunk.Usage
	}
	for _, c := range chunk.Choices {
		a.text.WriteString(c.Text)
		a.text.WriteString(c.Delta.Content)
	}
}

func (a *streamAccumulator) promptTokens(req *inflight) int {
	if a.usage != nil {
		return a.usage.PromptTokens
	}
	return estimateTokens(requestText(req.fields))
}

func (a *streamAccumulator) completionTokens() int {
	if a.usage != nil {
		return a.usage.CompletionTokens
	}
	return estimateTokens(a.text.String())
}
