package kvcache

import (
	"testing"

	"inferd/internal/llmerr"
	"inferd/internal/model"
	"inferd/internal/model/modeltest"
)

// newTestCache builds a cache over a 2-layer, 4-dim model with 8 positions
// of context: 2*2*8*4*4 = 512 bytes.
func newTestCache(t *testing.T) (*Cache, *model.Handle) {
	t.Helper()
	spec := modeltest.Spec{Arch: "llama", Vocab: 32, Embedding: 4, Layers: 2, Context: 8}
	path := modeltest.WriteGGUF(t, t.TempDir(), "tiny.gguf", spec)
	h, err := model.Load("tiny.gguf", path, 8)
	if err != nil {
		t.Fatalf("load model: %v", err)
	}
	t.Cleanup(h.Unload)
	c, err := New(h)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return c, h
}

func TestSizeBytes(t *testing.T) {
	c, h := newTestCache(t)
	if got := SizeBytes(h); got != 512 {
		t.Fatalf("SizeBytes = %d, want 512", got)
	}
	if c.MemoryUsage() != SizeBytes(h) {
		t.Fatalf("MemoryUsage %d != SizeBytes %d", c.MemoryUsage(), SizeBytes(h))
	}
}

func TestNewRequiresLoadedModel(t *testing.T) {
	_, h := newTestCache(t)
	h.Unload()
	if _, err := New(h); !llmerr.IsNoModelLoaded(err) {
		t.Fatalf("New on stale handle: %v, want no_model_loaded", err)
	}
}

func TestExtendToFull(t *testing.T) {
	c, _ := newTestCache(t)
	for i := 0; i < c.Capacity(); i++ {
		pos, err := c.Extend(nil, nil)
		if err != nil {
			t.Fatalf("Extend %d: %v", i, err)
		}
		if pos != i {
			t.Fatalf("Extend returned position %d, want %d", pos, i)
		}
	}
	if !c.Full() {
		t.Fatal("cache should be full")
	}
	if _, err := c.Extend(nil, nil); !llmerr.IsContextCreationFailed(err) {
		t.Fatalf("Extend on full cache: %v, want context_creation_failed", err)
	}
	if c.Len() != c.Capacity() {
		t.Fatalf("failed Extend mutated length: %d", c.Len())
	}
}

func TestExtendCopiesRows(t *testing.T) {
	c, _ := newTestCache(t)
	k := [][]float32{{1, 2, 3, 4}, {5, 6, 7, 8}}
	v := [][]float32{{-1, -2, -3, -4}, {-5, -6, -7, -8}}
	if _, err := c.Extend(k, v); err != nil {
		t.Fatalf("Extend: %v", err)
	}
	// Mutating caller slices must not reach the cache.
	k[0][0] = 99
	if c.keys[0][0] != 1 || c.values[1][3] != -8 {
		t.Fatalf("rows not copied: keys[0][0]=%v values[1][3]=%v", c.keys[0][0], c.values[1][3])
	}

	// Second position lands at the next row offset.
	if _, err := c.Extend(k, v); err != nil {
		t.Fatal(err)
	}
	if c.keys[0][4] != 99 {
		t.Fatalf("second row offset wrong: keys[0][4]=%v", c.keys[0][4])
	}
}

func TestExtendRowValidation(t *testing.T) {
	c, _ := newTestCache(t)
	if _, err := c.Extend([][]float32{{1}}, [][]float32{{1}}); !llmerr.IsInferenceFailed(err) {
		t.Fatalf("wrong layer count: %v, want inference_failed", err)
	}
	short := [][]float32{{1, 2}, {3, 4}}
	if _, err := c.Extend(short, short); !llmerr.IsInferenceFailed(err) {
		t.Fatalf("wrong row dim: %v, want inference_failed", err)
	}
	if c.Len() != 0 {
		t.Fatalf("failed Extend mutated length: %d", c.Len())
	}
}

func TestClearKeepsAllocationAndPosition(t *testing.T) {
	c, _ := newTestCache(t)
	for i := 0; i < 3; i++ {
		if _, err := c.Extend(nil, nil); err != nil {
			t.Fatal(err)
		}
	}
	before := c.MemoryUsage()
	c.Clear()
	if c.Len() != 0 {
		t.Fatalf("Len after Clear = %d", c.Len())
	}
	if c.Position() != 3 {
		t.Fatalf("Position after Clear = %d, want 3", c.Position())
	}
	if c.MemoryUsage() != before {
		t.Fatal("Clear must not change allocation size")
	}
	if pos, err := c.Extend(nil, nil); err != nil || pos != 0 {
		t.Fatalf("Extend after Clear: pos=%d err=%v", pos, err)
	}
}

func TestReleaseExactlyOnce(t *testing.T) {
	c, _ := newTestCache(t)
	if freed := c.Release(); freed != 512 {
		t.Fatalf("Release freed %d, want 512", freed)
	}
	if freed := c.Release(); freed != 0 {
		t.Fatalf("second Release freed %d, want 0", freed)
	}
	if !c.Released() || c.MemoryUsage() != 0 {
		t.Fatal("released cache must report zero usage")
	}
	if _, err := c.Extend(nil, nil); !llmerr.IsInferenceFailed(err) {
		t.Fatalf("Extend after Release: %v, want inference_failed", err)
	}
}
