package types

import (
	"time"
)

// EngineKind identifies which inference engine backs a model.
type EngineKind string

const (
	// EngineTransformer is the tensor-parallel server for standard
	// transformer checkpoints.
	EngineTransformer EngineKind = "transformer"

	// EngineQuantized is the GGUF server for pre-quantized weight files.
	EngineQuantized EngineKind = "quantized"
)

// Task is the kind of inference a model performs.
type Task string

const (
	TaskGenerate Task = "generate"
	TaskEmbed    Task = "embed"
)

// ModelState represents the lifecycle state of a model.
type ModelState string

const (
	ModelStateStopped  ModelState = "stopped"
	ModelStateStarting ModelState = "starting"
	ModelStateLoading  ModelState = "loading"
	ModelStateRunning  ModelState = "running"
	ModelStateFailed   ModelState = "failed"
	ModelStateArchived ModelState = "archived"
)

// Live reports whether a state owns a container.
func (s ModelState) Live() bool {
	switch s {
	case ModelStateStarting, ModelStateLoading, ModelStateRunning:
		return true
	}
	return false
}

// Model is the declared unit of inference capacity.
type Model struct {
	ID         uint64     `json:"id"`
	Name       string     `json:"name"`
	ServedName string     `json:"served_name"`
	Engine     EngineKind `json:"engine"`
	Task       Task       `json:"task"`

	// Exactly one of RepoID / LocalPath is set, except for quantized
	// engines where LocalPath is mandatory.
	RepoID    string `json:"repo_id,omitempty"`
	LocalPath string `json:"local_path,omitempty"` // relative to models root

	Params EngineParams `json:"params"`

	State ModelState `json:"state"`

	// Runtime fields, written only by the lifecycle manager.
	HostPort      int    `json:"host_port,omitempty"`
	ContainerName string `json:"container_name,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EngineParams is the sparse engine parameter set. Only fields the engine
// kind recognizes are rendered onto its command line; the rest are ignored.
type EngineParams struct {
	Dtype          string  `json:"dtype,omitempty"`
	TensorParallel int     `json:"tensor_parallel,omitempty"`
	GPUMemFraction float64 `json:"gpu_mem_fraction,omitempty"`
	MaxContextLen  int     `json:"max_context_len,omitempty"`
	KVCacheDtype   string  `json:"kv_cache_dtype,omitempty"`
	Quantization   string  `json:"quantization,omitempty"`
	MaxBatchSize   int     `json:"max_batch_size,omitempty"`
	PageSize       int     `json:"page_size,omitempty"`
	GPUIndices     []int   `json:"gpu_indices,omitempty"`
	NUMAPolicy     string  `json:"numa_policy,omitempty"`
	FlashAttention bool    `json:"flash_attention,omitempty"`
	DraftModelPath string  `json:"draft_model_path,omitempty"`
	GPULayers      int     `json:"gpu_layers,omitempty"` // quantized only
	Threads        int     `json:"threads,omitempty"`    // quantized only
}

// UpstreamEntry is one member of the pool behind a served name.
type UpstreamEntry struct {
	URL  string `json:"url"`
	Task Task   `json:"task"`

	// ProbePath is the liveness endpoint used by the health poller. The
	// transformer engine exposes a dedicated /health; the quantized engine
	// has none, so /v1/models is used as a proxy.
	ProbePath string `json:"probe_path"`
}

// Identity is the resolution target of an API credential.
type Identity struct {
	ID        uint64    `json:"id"`
	Name      string    `json:"name"`
	Scopes    []Scope   `json:"scopes"`
	CreatedAt time.Time `json:"created_at"`

	// Optional per-identity rate overrides. Zero means "use deployment
	// default"; when set they replace the defaults.
	RateRPS   float64 `json:"rate_rps,omitempty"`
	RateBurst int     `json:"rate_burst,omitempty"`
}

// Scope is a permitted operation class for an identity.
type Scope string

const (
	ScopeChat        Scope = "chat"
	ScopeCompletions Scope = "completions"
	ScopeEmbeddings  Scope = "embeddings"
)

// HasScope reports whether the identity carries the given scope.
func (i *Identity) HasScope(s Scope) bool {
	for _, have := range i.Scopes {
		if have == s {
			return true
		}
	}
	return false
}

// APIKey is the stored form of a credential. The raw token is never
// persisted; only its hash and a lookup prefix.
type APIKey struct {
	HashPrefix string    `json:"hash_prefix"` // first 8 hex chars of the hash
	Hash       string    `json:"hash"`        // hex SHA-256 of the raw token
	IdentityID uint64    `json:"identity_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// UsageRow is one append-only audit record of a served request.
type UsageRow struct {
	RequestID        string    `json:"request_id"`
	IdentityID       uint64    `json:"identity_id"`
	ServedName       string    `json:"served_name"`
	Task             Task      `json:"task"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	LatencyMS        int64     `json:"latency_ms"`
	Status           int       `json:"status"`
	StartedAt        time.Time `json:"started_at"`
}

// ImageStatus describes one engine image on the local node.
type ImageStatus struct {
	Name    string    `json:"name"`
	Cached  bool      `json:"cached"`
	SizeMB  int64     `json:"size_mb"`
	Created time.Time `json:"created"`
}
