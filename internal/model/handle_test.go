package model

import (
	"os"
	"path/filepath"
	"testing"

	"inferd/internal/llmerr"
	"inferd/internal/model/modeltest"
)

func TestLoadAndAccessors(t *testing.T) {
	dir := t.TempDir()
	spec := modeltest.DefaultSpec()
	path := modeltest.WriteGGUF(t, dir, "tiny.gguf", spec)
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}

	h, err := Load("tiny.gguf", path, 0)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer h.Unload()

	if h.ID() != "tiny.gguf" || h.Path() != path {
		t.Errorf("identity: id=%q path=%q", h.ID(), h.Path())
	}
	if !h.Loaded() || h.Stale() {
		t.Error("fresh handle should be loaded and not stale")
	}
	if h.ContextSize() != DefaultContextSize {
		t.Errorf("ContextSize = %d, want default %d", h.ContextSize(), DefaultContextSize)
	}
	if h.VocabSize() != spec.Vocab || h.EmbeddingSize() != spec.Embedding || h.LayerCount() != spec.Layers {
		t.Errorf("dimensions: vocab=%d embd=%d layers=%d", h.VocabSize(), h.EmbeddingSize(), h.LayerCount())
	}
	if h.MemoryBytes() != fi.Size() {
		t.Errorf("MemoryBytes = %d, want file size %d", h.MemoryBytes(), fi.Size())
	}
}

func TestLoadExplicitContext(t *testing.T) {
	path := modeltest.WriteGGUF(t, t.TempDir(), "tiny.gguf", modeltest.DefaultSpec())
	h, err := Load("tiny.gguf", path, 512)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer h.Unload()
	if h.ContextSize() != 512 {
		t.Fatalf("ContextSize = %d, want 512", h.ContextSize())
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := Load("x", filepath.Join(dir, "missing.gguf"), 0); !llmerr.IsModelNotFound(err) {
		t.Errorf("missing file: %v, want model_not_found", err)
	}
	if _, err := Load("x", dir, 0); !llmerr.IsModelNotFound(err) {
		t.Errorf("directory: %v, want model_not_found", err)
	}

	bad := filepath.Join(dir, "bad.gguf")
	if err := os.WriteFile(bad, []byte("not a model"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load("x", bad, 0); !llmerr.IsModelLoadFailed(err) {
		t.Errorf("bad header: %v, want model_load_failed", err)
	}

	good := modeltest.WriteGGUF(t, dir, "good.gguf", modeltest.DefaultSpec())
	if _, err := Load("x", good, -1); !llmerr.IsContextCreationFailed(err) {
		t.Errorf("negative context: %v, want context_creation_failed", err)
	}
}

func TestUnload(t *testing.T) {
	path := modeltest.WriteGGUF(t, t.TempDir(), "tiny.gguf", modeltest.DefaultSpec())
	h, err := Load("tiny.gguf", path, 0)
	if err != nil {
		t.Fatal(err)
	}

	h.Unload()
	h.Unload() // idempotent

	if h.Loaded() || !h.Stale() {
		t.Error("handle should be stale after Unload")
	}
	if h.VocabSize() != 0 || h.ContextSize() != 0 || h.EmbeddingSize() != 0 || h.LayerCount() != 0 || h.MemoryBytes() != 0 {
		t.Error("stale handle must report zero dimensions")
	}
}
