package engine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cortexhub/cortex/pkg/types"
)

// Resolved carries the paths and port pre-flight validation produced. The
// command line is a pure function of (engine kind, params, Resolved).
type Resolved struct {
	// ModelRef is the weight file path (quantized) or the container-side
	// model path / remote repo id (transformer).
	ModelRef string

	ServedName string
	Port       int
}

// RenderArgs renders the engine's command-line form for the given model
// parameters. Unknown fields for an engine kind are simply not rendered.
func RenderArgs(kind types.EngineKind, p types.EngineParams, r Resolved) []string {
	switch kind {
	case types.EngineQuantized:
		return renderQuantized(p, r)
	default:
		return renderTransformer(p, r)
	}
}

func renderTransformer(p types.EngineParams, r Resolved) []string {
	args := []string{
		"--model", r.ModelRef,
		"--served-model-name", r.ServedName,
		"--host", "0.0.0.0",
		"--port", strconv.Itoa(r.Port),
	}
	if p.Dtype != "" {
		args = append(args, "--dtype", p.Dtype)
	}
	if p.TensorParallel > 0 {
		args = append(args, "--tensor-parallel-size", strconv.Itoa(p.TensorParallel))
	}
	if p.GPUMemFraction > 0 {
		args = append(args, "--gpu-memory-utilization", fmt.Sprintf("%g", p.GPUMemFraction))
	}
	if p.MaxContextLen > 0 {
		args = append(args, "--max-model-len", strconv.Itoa(p.MaxContextLen))
	}
	if p.KVCacheDtype != "" {
		args = append(args, "--kv-cache-dtype", p.KVCacheDtype)
	}
	if p.Quantization != "" {
		args = append(args, "--quantization", p.Quantization)
	}
	if p.MaxBatchSize > 0 {
		args = append(args, "--max-num-seqs", strconv.Itoa(p.MaxBatchSize))
	}
	if p.PageSize > 0 {
		args = append(args, "--block-size", strconv.Itoa(p.PageSize))
	}
	if p.FlashAttention {
		args = append(args, "--enable-flash-attn")
	}
	if p.DraftModelPath != "" {
		args = append(args, "--speculative-model", p.DraftModelPath)
	}
	return args
}

func renderQuantized(p types.EngineParams, r Resolved) []string {
	args := []string{
		"--model", r.ModelRef,
		"--alias", r.ServedName,
		"--host", "0.0.0.0",
		"--port", strconv.Itoa(r.Port),
	}
	if p.MaxContextLen > 0 {
		args = append(args, "--ctx-size", strconv.Itoa(p.MaxContextLen))
	}
	if p.GPULayers > 0 {
		args = append(args, "--n-gpu-layers", strconv.Itoa(p.GPULayers))
	}
	if p.Threads > 0 {
		args = append(args, "--threads", strconv.Itoa(p.Threads))
	}
	if p.MaxBatchSize > 0 {
		args = append(args, "--batch-size", strconv.Itoa(p.MaxBatchSize))
	}
	if p.KVCacheDtype != "" {
		args = append(args, "--cache-type-k", p.KVCacheDtype, "--cache-type-v", p.KVCacheDtype)
	}
	if p.NUMAPolicy != "" {
		args = append(args, "--numa", p.NUMAPolicy)
	}
	if p.FlashAttention {
		args = append(args, "--flash-attn")
	}
	if p.DraftModelPath != "" {
		args = append(args, "--model-draft", p.DraftModelPath)
	}
	return args
}

// ProbePath returns the liveness endpoint for an engine kind. The
// transformer engine has a dedicated health endpoint; the quantized engine
// tolerates a list-models probe.
func ProbePath(kind types.EngineKind) string {
	if kind == types.EngineQuantized {
		return "/v1/models"
	}
	return "/health"
}

// CommandLine formats rendered args for display (dry-run output).
func CommandLine(args []string) string {
	return strings.Join(args, " ")
}
