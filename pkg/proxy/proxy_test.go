package proxy

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexhub/cortex/pkg/balancer"
	"github.com/cortexhub/cortex/pkg/log"
	"github.com/cortexhub/cortex/pkg/ratelimit"
	"github.com/cortexhub/cortex/pkg/registry"
	"github.com/cortexhub/cortex/pkg/storage"
	"github.com/cortexhub/cortex/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
	os.Exit(m.Run())
}

// noopReporter absorbs failure reports.
type noopReporter struct{ count atomic.Int64 }

func (r *noopReporter) ReportFailure(url string) { r.count.Add(1) }

type fixture struct {
	proxy    *Proxy
	store    storage.Store
	registry *registry.Registry
	reporter *noopReporter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg := registry.New(store)
	reporter := &noopReporter{}
	// No poller verdicts in these tests: the balancer runs degraded over
	// the full pool, which is what we want for deterministic selection.
	bal := balancer.New(reg, stubHealth{})
	usage := NewRecorder(store, 64)
	t.Cleanup(usage.Close)

	p := New(Config{
		UnaryTimeout:  5 * time.Second,
		StreamTimeout: 5 * time.Second,
		InternalKey:   "sekrit",
	}, bal, reporter, ratelimit.NewStreamGate(4), usage)

	return &fixture{proxy: p, store: store, registry: reg, reporter: reporter}
}

type stubHealth map[string]bool

func (s stubHealth) Healthy(url string) bool { return s[url] }

func (f *fixture) register(t *testing.T, name string, task types.Task, url string) {
	t.Helper()
	require.NoError(t, f.registry.Register(name, types.UpstreamEntry{URL: url, Task: task, ProbePath: "/health"}))
}

func (f *fixture) do(t *testing.T, path, body string, task types.Task) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.proxy.Handle(rec, req, task)
	return rec
}

func (f *fixture) waitUsage(t *testing.T) *types.UsageRow {
	t.Helper()
	var row *types.UsageRow
	require.Eventually(t, func() bool {
		rows, err := f.store.ListUsage(time.Time{}, 1)
		if err != nil || len(rows) == 0 {
			return false
		}
		row = rows[0]
		return true
	}, 2*time.Second, 10*time.Millisecond, "usage row not recorded")
	return row
}

func TestUnaryChatPassthrough(t *testing.T) {
	f := newFixture(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sekrit", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"hi"}}],"usage":{"prompt_tokens":12,"completion_tokens":3}}`))
	}))
	defer upstream.Close()
	f.register(t, "llama", types.TaskGenerate, upstream.URL)

	rec := f.do(t, "/v1/chat/completions",
		`{"model":"llama","messages":[{"role":"user","content":"hello there"}]}`,
		types.TaskGenerate)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"content":"hi"`)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	row := f.waitUsage(t)
	assert.Equal(t, "llama", row.ServedName)
	assert.Equal(t, 12, row.PromptTokens)
	assert.Equal(t, 3, row.CompletionTokens)
	assert.Equal(t, http.StatusOK, row.Status)
}

func TestUnaryNoUpstream(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "/v1/chat/completions", `{"model":"ghost","messages":[]}`, types.TaskGenerate)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), types.CodeNoUpstream)

	rows, err := f.store.ListUsage(time.Time{}, 10)
	require.NoError(t, err)
	assert.Empty(t, rows, "refusals before an upstream is touched record no usage")
}

func TestUnaryRejectsBadRequestBodies(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "/v1/completions", `{"prompt":"hi"}`, types.TaskGenerate)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing model field")
	assert.Contains(t, rec.Body.String(), types.CodeInvalidRequest)

	rec = f.do(t, "/v1/completions", `{"prompt": not-json`, types.TaskGenerate)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "malformed json")
	assert.Contains(t, rec.Body.String(), types.CodeInvalidRequest)
}

func TestUnaryTaskMismatch(t *testing.T) {
	f := newFixture(t)
	f.register(t, "embedder", types.TaskEmbed, "http://127.0.0.1:1")

	rec := f.do(t, "/v1/chat/completions", `{"model":"embedder","messages":[]}`, types.TaskGenerate)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), types.CodeTaskMismatch)
}

func TestUnaryRetriesOnceAfter5xx(t *testing.T) {
	f := newFixture(t)

	var calls atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"choices":[{"text":"ok"}]}`))
	}))
	defer upstream.Close()
	f.register(t, "llama", types.TaskGenerate, upstream.URL)

	rec := f.do(t, "/v1/completions", `{"model":"llama","prompt":"hi"}`, types.TaskGenerate)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(2), calls.Load(), "exactly one retry")
	assert.Equal(t, int64(1), f.reporter.count.Load(), "the 5xx fed the breaker")
}

func TestUnaryGivesUpAfterSecondFailure(t *testing.T) {
	f := newFixture(t)

	var calls atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer upstream.Close()
	f.register(t, "llama", types.TaskGenerate, upstream.URL)

	rec := f.do(t, "/v1/completions", `{"model":"llama","prompt":"hi"}`, types.TaskGenerate)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), types.CodeUpstreamError)
	assert.Equal(t, int64(2), calls.Load())
}

func TestUnary4xxPassesThroughWithoutRetry(t *testing.T) {
	f := newFixture(t)

	var calls atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":"bad sampling params"}`))
	}))
	defer upstream.Close()
	f.register(t, "llama", types.TaskGenerate, upstream.URL)

	rec := f.do(t, "/v1/completions", `{"model":"llama","prompt":"hi"}`, types.TaskGenerate)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, int64(1), calls.Load(), "client errors are not retried")
	assert.Equal(t, int64(0), f.reporter.count.Load(), "client errors do not feed the breaker")
}

func TestChatTemplateFallback(t *testing.T) {
	f := newFixture(t)

	var completionBody map[string]any
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/chat/completions":
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"this model has no chat template"}`))
		case "/v1/completions":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&completionBody))
			w.Write([]byte(`{"choices":[{"index":0,"text":" General Kenobi.","finish_reason":"stop"}]}`))
		}
	}))
	defer upstream.Close()
	f.register(t, "gguf", types.TaskGenerate, upstream.URL)

	rec := f.do(t, "/v1/chat/completions",
		`{"model":"gguf","messages":[{"role":"system","content":"be brief"},{"role":"user","content":"hello there"}]}`,
		types.TaskGenerate)

	require.Equal(t, http.StatusOK, rec.Code)

	prompt, _ := completionBody["prompt"].(string)
	assert.Equal(t, "system: be brief\n\nuser: hello there\n\nassistant:", prompt)

	var resp struct {
		Object  string `json:"object"`
		Choices []struct {
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "chat.completion", resp.Object)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "assistant", resp.Choices[0].Message.Role)
	assert.Equal(t, "General Kenobi.", resp.Choices[0].Message.Content)
}

func TestStreamingPassthrough(t *testing.T) {
	f := newFixture(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		for _, chunk := range []string{
			`data: {"choices":[{"delta":{"content":"Hello"}}]}`,
			`data: {"choices":[{"delta":{"content":" world"}}]}`,
			`data: [DONE]`,
		} {
			w.Write([]byte(chunk + "\n\n"))
			flusher.Flush()
		}
	}))
	defer upstream.Close()
	f.register(t, "llama", types.TaskGenerate, upstream.URL)

	rec := f.do(t, "/v1/chat/completions",
		`{"model":"llama","stream":true,"messages":[{"role":"user","content":"hi"}]}`,
		types.TaskGenerate)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `"content":"Hello"`)
	assert.Contains(t, rec.Body.String(), "data: [DONE]")

	row := f.waitUsage(t)
	assert.Equal(t, http.StatusOK, row.Status)
	assert.Equal(t, 3, row.CompletionTokens, "two words estimated at 0.75 words per token")
}

func TestStreamingUsageChunkWins(t *testing.T) {
	f := newFixture(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(`data: {"choices":[{"delta":{"content":"hi"}}]}` + "\n\n"))
		w.Write([]byte(`data: {"choices":[],"usage":{"prompt_tokens":21,"completion_tokens":8}}` + "\n\n"))
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer upstream.Close()
	f.register(t, "llama", types.TaskGenerate, upstream.URL)

	rec := f.do(t, "/v1/completions", `{"model":"llama","stream":true,"prompt":"hi"}`, types.TaskGenerate)
	require.Equal(t, http.StatusOK, rec.Code)

	row := f.waitUsage(t)
	assert.Equal(t, 21, row.PromptTokens)
	assert.Equal(t, 8, row.CompletionTokens)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, estimateTokens(""))
	assert.Equal(t, 2, estimateTokens("one"))
	assert.Equal(t, 4, estimateTokens("one two three"))
	assert.Equal(t, 8, estimateTokens("a b c d e f"))
}

func TestEmbeddingsIgnoreStreamFlag(t *testing.T) {
	f := newFixture(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"embedding":[0.1,0.2]}],"usage":{"prompt_tokens":4,"completion_tokens":0}}`))
	}))
	defer upstream.Close()
	f.register(t, "embedder", types.TaskEmbed, upstream.URL)

	rec := f.do(t, "/v1/embeddings", `{"model":"embedder","stream":true,"input":"some text"}`, types.TaskEmbed)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEqual(t, "text/event-stream", rec.Header().Get("Content-Type"))
}
