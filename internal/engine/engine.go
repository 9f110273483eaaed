// Package engine defines the capability surfaces the session layer consumes
// from the underlying inference runtime (tokenize, decode step, detokenize)
// and wraps the decode step with the cache and staleness guarantees the
// sessions rely on. The tensor math itself lives behind the Forward
// capability and is not implemented here.
package engine

import (
	"context"

	"inferd/internal/kvcache"
	"inferd/internal/llmerr"
	"inferd/internal/model"
)

// Tokenizer converts between text and token ids against a specific model's
// vocabulary. Implementations resolve their runtime state from the handle.
type Tokenizer interface {
	Tokenize(h *model.Handle, text string) ([]int, error)
	Detokenize(h *model.Handle, tokens []int) (string, error)
}

// StepResult is the output of one forward pass: raw scores over the
// vocabulary plus the new position's per-layer key/value rows. Keys/Values
// may be nil when the backend keeps its own tensor storage; position
// accounting still happens in the session's cache.
type StepResult struct {
	Logits []float32
	Keys   [][]float32
	Values [][]float32
}

// Forward computes one transformer step for tokenID at position past.
// Implementations must not retain references into the result after return.
type Forward interface {
	Forward(ctx context.Context, h *model.Handle, past int, tokenID int) (StepResult, error)
}

// Backend aggregates the capabilities a session consumes, plus the
// end-of-sequence marker and configuration passthrough.
type Backend interface {
	Tokenizer
	Forward
	// EOS returns the token id that terminates generation naturally for the
	// model behind h.
	EOS(h *model.Handle) int
	// SetThreads is a passthrough to the runtime; safe before sessions start.
	SetThreads(n int)
	// SetGPULayers is a passthrough to the runtime (0 disables GPU offload).
	SetGPULayers(n int)
}

// Engine drives single decode steps against a model handle and cache. It is
// stateless; all mutable decode state lives in the cache passed per call.
type Engine struct {
	fwd Forward
}

// New wraps a Forward capability.
func New(fwd Forward) *Engine { return &Engine{fwd: fwd} }

// DecodeStep runs one forward pass for tokenID, appends the position to the
// cache, and returns the logits. On any failure the cache is left unchanged:
// the forward pass runs before the cache is extended, and a stale handle or
// full cache is rejected up front.
func (e *Engine) DecodeStep(ctx context.Context, h *model.Handle, c *kvcache.Cache, tokenID int) ([]float32, error) {
	if h.Stale() {
		return nil, llmerr.New(llmerr.KindInferenceFailed, "model %q unloaded mid-session", h.ID())
	}
	if c.Full() {
		return nil, llmerr.New(llmerr.KindContextCreationFailed, "kv cache full at %d positions", c.Capacity())
	}
	if tokenID < 0 || tokenID >= h.VocabSize() {
		return nil, llmerr.New(llmerr.KindInferenceFailed, "token id %d outside vocabulary of %d", tokenID, h.VocabSize())
	}
	res, err := e.fwd.Forward(ctx, h, c.Len(), tokenID)
	if err != nil {
		if llmerr.KindOf(err) != llmerr.KindUnknown {
			return nil, err
		}
		return nil, llmerr.Wrap(llmerr.KindInferenceFailed, err, "forward pass")
	}
	if len(res.Logits) != h.VocabSize() {
		// The handle may have gone stale during the blocking forward call.
		if h.Stale() {
			return nil, llmerr.New(llmerr.KindInferenceFailed, "model %q unloaded mid-step", h.ID())
		}
		return nil, llmerr.New(llmerr.KindInferenceFailed, "logits size %d, vocabulary %d", len(res.Logits), h.VocabSize())
	}
	if _, err := c.Extend(res.Keys, res.Values); err != nil {
		return nil, err
	}
	return res.Logits, nil
}
