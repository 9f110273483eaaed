// Package model owns loaded model handles: immutable metadata plus an
// exclusively held weight file reference. Handles never block unload; stale
// detection happens on next use.
package model

import (
	"os"
	"sync"
	"sync/atomic"

	"inferd/internal/llmerr"
)

// DefaultContextSize applies when a load request does not specify one.
const DefaultContextSize = 2048

// Handle owns a loaded model. Metadata is immutable after Load; Unload marks
// the handle stale and releases the weight reference without waiting for
// in-flight sessions.
type Handle struct {
	id          string
	path        string
	contextSize int
	meta        Metadata
	weightBytes int64

	stale atomic.Bool

	mu      sync.Mutex
	weights *os.File
}

// Load validates and opens the model at path. The GGUF magic is checked
// before the header is parsed; contextSize <= 0 selects DefaultContextSize.
func Load(id, path string, contextSize int) (*Handle, error) {
	if contextSize < 0 {
		return nil, llmerr.New(llmerr.KindContextCreationFailed, "context size %d must be positive", contextSize)
	}
	if contextSize == 0 {
		contextSize = DefaultContextSize
	}
	fi, err := os.Stat(path)
	if err != nil {
		return nil, llmerr.Wrap(llmerr.KindModelNotFound, err, "model file %s", path)
	}
	if fi.IsDir() {
		return nil, llmerr.New(llmerr.KindModelNotFound, "model path %s is a directory", path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, llmerr.Wrap(llmerr.KindModelLoadFailed, err, "open model %s", path)
	}
	meta, err := ReadMetadata(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Handle{
		id:          id,
		path:        path,
		contextSize: contextSize,
		meta:        meta,
		weightBytes: fi.Size(),
		weights:     f,
	}, nil
}

// ID returns the registry id the handle was loaded under.
func (h *Handle) ID() string { return h.id }

// Path returns the model file path.
func (h *Handle) Path() string { return h.path }

// Loaded reports whether the handle still holds weights.
func (h *Handle) Loaded() bool { return !h.stale.Load() }

// Stale reports whether Unload has been called.
func (h *Handle) Stale() bool { return h.stale.Load() }

// VocabSize returns the vocabulary size, or 0 when unloaded.
func (h *Handle) VocabSize() int {
	if h.stale.Load() {
		return 0
	}
	return h.meta.VocabSize
}

// ContextSize returns the session context length, or 0 when unloaded.
func (h *Handle) ContextSize() int {
	if h.stale.Load() {
		return 0
	}
	return h.contextSize
}

// EmbeddingSize returns the embedding dimension, or 0 when unloaded.
func (h *Handle) EmbeddingSize() int {
	if h.stale.Load() {
		return 0
	}
	return h.meta.EmbeddingSize
}

// LayerCount returns the transformer layer count, or 0 when unloaded.
func (h *Handle) LayerCount() int {
	if h.stale.Load() {
		return 0
	}
	return h.meta.LayerCount
}

// MemoryBytes returns the weight bytes held, or 0 when unloaded.
func (h *Handle) MemoryBytes() int64 {
	if h.stale.Load() {
		return 0
	}
	return h.weightBytes
}

// Unload marks the handle stale and releases the weight reference. Sessions
// referencing the handle observe staleness on their next decode step; Unload
// never waits for them. Idempotent.
func (h *Handle) Unload() {
	if h.stale.Swap(true) {
		return
	}
	h.mu.Lock()
	if h.weights != nil {
		_ = h.weights.Close()
		h.weights = nil
	}
	h.mu.Unlock()
}
