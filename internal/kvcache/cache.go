// Package kvcache implements the per-session attention key/value buffers.
// A cache is exclusively owned by one generation session; the registry is
// the only other writer (release on eviction).
package kvcache

import (
	"sync"

	"inferd/internal/llmerr"
	"inferd/internal/model"
)

// Cache holds per-layer key/value rows indexed by position. Buffers are
// preallocated at context length so Clear is O(1) and generation never
// reallocates.
type Cache struct {
	layers     int
	contextLen int
	embedDim   int

	mu       sync.Mutex
	keys     [][]float32 // keys[layer] is contextLen*embedDim, row-major
	values   [][]float32
	length   int
	position uint64 // monotonic, survives Clear
	released bool
}

// SizeBytes returns the allocation size for a cache over h:
// 2 x layers x contextLen x embedDim x 4 bytes (float32).
func SizeBytes(h *model.Handle) int64 {
	return 2 * int64(h.LayerCount()) * int64(h.ContextSize()) * int64(h.EmbeddingSize()) * 4
}

// New allocates a cache sized for h. Budget admission is the registry's job;
// New only refuses handles with no loaded model.
func New(h *model.Handle) (*Cache, error) {
	layers, ctxLen, embd := h.LayerCount(), h.ContextSize(), h.EmbeddingSize()
	if layers <= 0 || ctxLen <= 0 || embd <= 0 {
		return nil, llmerr.New(llmerr.KindNoModelLoaded, "cannot size kv cache: model %q not loaded", h.ID())
	}
	c := &Cache{
		layers:     layers,
		contextLen: ctxLen,
		embedDim:   embd,
		keys:       make([][]float32, layers),
		values:     make([][]float32, layers),
	}
	for i := 0; i < layers; i++ {
		c.keys[i] = make([]float32, ctxLen*embd)
		c.values[i] = make([]float32, ctxLen*embd)
	}
	return c, nil
}

// Len returns the current fill length in positions.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.length
}

// Capacity returns the context length the cache was sized for.
func (c *Cache) Capacity() int { return c.contextLen }

// Position returns the monotonic position counter. Unlike Len it is not
// reset by Clear.
func (c *Cache) Position() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.position
}

// Full reports whether the cache has no free positions left.
func (c *Cache) Full() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.length >= c.contextLen
}

// Extend records key/value rows for one new position and returns that
// position. keys/values hold one embedDim row per layer; both may be nil
// when the backend owns the tensor storage and the cache only accounts
// positions. Extending a full cache fails without mutating state.
func (c *Cache) Extend(keys, values [][]float32) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return 0, llmerr.New(llmerr.KindInferenceFailed, "kv cache released")
	}
	if c.length >= c.contextLen {
		return 0, llmerr.New(llmerr.KindContextCreationFailed, "kv cache full at %d positions", c.contextLen)
	}
	if keys != nil || values != nil {
		if len(keys) != c.layers || len(values) != c.layers {
			return 0, llmerr.New(llmerr.KindInferenceFailed, "kv rows for %d layers, cache has %d", len(keys), c.layers)
		}
		for l := 0; l < c.layers; l++ {
			if len(keys[l]) != c.embedDim || len(values[l]) != c.embedDim {
				return 0, llmerr.New(llmerr.KindInferenceFailed, "kv row dim %d, want %d", len(keys[l]), c.embedDim)
			}
		}
		off := c.length * c.embedDim
		for l := 0; l < c.layers; l++ {
			copy(c.keys[l][off:off+c.embedDim], keys[l])
			copy(c.values[l][off:off+c.embedDim], values[l])
		}
	}
	pos := c.length
	c.length++
	c.position++
	return pos, nil
}

// Clear resets the fill length to 0 without deallocating buffers, so a
// session can restart its context at no reallocation cost. The monotonic
// position counter is preserved.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.length = 0
	c.mu.Unlock()
}

// MemoryUsage returns the exact current allocation size in bytes; 0 after
// Release.
func (c *Cache) MemoryUsage() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return 0
	}
	return 2 * int64(c.layers) * int64(c.contextLen) * int64(c.embedDim) * 4
}

// Release drops the buffers for good. Further Extend calls fail. Idempotent;
// returns the bytes freed (0 on repeat calls).
func (c *Cache) Release() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return 0
	}
	freed := 2 * int64(c.layers) * int64(c.contextLen) * int64(c.embedDim) * 4
	c.released = true
	c.keys = nil
	c.values = nil
	c.length = 0
	return freed
}

// Released reports whether the buffers have been dropped.
func (c *Cache) Released() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}
