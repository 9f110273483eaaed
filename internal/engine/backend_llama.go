//go:build llama

package engine

import (
	"context"
	"sync"

	llama "github.com/go-skynet/go-llama.cpp"

	"inferd/internal/llmerr"
	"inferd/internal/model"
)

// llamaEOS is the end-of-sequence id for llama-family vocabularies. The
// binding does not expose the vocabulary's eos id directly.
const llamaEOS = 2

// llamaBackend implements the tokenizer capability via go-llama.cpp. Runtime
// model state is opened lazily per handle path and reused across calls.
type llamaBackend struct {
	mu        sync.Mutex
	models    map[string]*llama.LLama
	threads   int
	gpuLayers int
}

// NewDefault returns the cgo-backed llama backend.
func NewDefault(threads, gpuLayers int) Backend {
	return &llamaBackend{models: make(map[string]*llama.LLama), threads: threads, gpuLayers: gpuLayers}
}

func (b *llamaBackend) get(h *model.Handle) (*llama.LLama, error) {
	if h.Stale() {
		return nil, llmerr.New(llmerr.KindNoModelLoaded, "model %q is not loaded", h.ID())
	}
	path := h.Path()
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.models[path]; ok {
		return m, nil
	}
	opts := []llama.ModelOption{llama.SetContext(h.ContextSize())}
	if b.gpuLayers > 0 {
		opts = append(opts, llama.SetGPULayers(b.gpuLayers))
	}
	m, err := llama.New(path, opts...)
	if err != nil {
		return nil, llmerr.Wrap(llmerr.KindModelLoadFailed, err, "open llama model %s", path)
	}
	b.models[path] = m
	return m, nil
}

func (b *llamaBackend) Tokenize(h *model.Handle, text string) ([]int, error) {
	m, err := b.get(h)
	if err != nil {
		return nil, err
	}
	_, ids, err := m.TokenizeString(text)
	if err != nil {
		return nil, llmerr.Wrap(llmerr.KindTokenizationFailed, err, "tokenize against %s", h.ID())
	}
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = int(id)
	}
	return out, nil
}

func (b *llamaBackend) Detokenize(h *model.Handle, tokens []int) (string, error) {
	// go-llama.cpp exposes no token-to-text surface.
	return "", llmerr.New(llmerr.KindTokenizationFailed, "detokenize not supported by the go-llama.cpp backend")
}

func (b *llamaBackend) Forward(ctx context.Context, h *model.Handle, past, tokenID int) (StepResult, error) {
	// go-llama.cpp drives whole-prompt prediction internally and does not
	// expose per-step logits; single-step decode needs a Forward-capable
	// runtime.
	return StepResult{}, llmerr.New(llmerr.KindInferenceFailed, "single-step decode not supported by the go-llama.cpp backend")
}

func (b *llamaBackend) EOS(h *model.Handle) int { return llamaEOS }

func (b *llamaBackend) SetThreads(n int) {
	b.mu.Lock()
	b.threads = n
	b.mu.Unlock()
}

func (b *llamaBackend) SetGPULayers(n int) {
	b.mu.Lock()
	b.gpuLayers = n
	b.mu.Unlock()
}
