// Package modeltest builds minimal GGUF headers for tests. The files carry
// real metadata but no tensor data, so handles load instantly.
package modeltest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// Spec describes the synthetic model file to write.
type Spec struct {
	Arch      string
	Vocab     int
	Embedding int
	Layers    int
	Context   int
}

// DefaultSpec is a small model that keeps test KV caches tiny.
func DefaultSpec() Spec {
	return Spec{Arch: "llama", Vocab: 32, Embedding: 4, Layers: 2, Context: 16}
}

// WriteGGUF writes a parseable GGUF header to dir/name and returns its path.
func WriteGGUF(t testing.TB, dir, name string, spec Spec) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, Encode(spec), 0o644); err != nil {
		t.Fatalf("write gguf fixture: %v", err)
	}
	return path
}

// GGUF value type tags used by Encode.
const (
	typeUint32  = 4
	typeFloat32 = 6
	typeString  = 8
	typeArray   = 9
)

// Encode renders the GGUF header bytes for spec: magic, version 3, zero
// tensors, and the metadata keys the loader reads (plus a numeric array to
// exercise the skip path).
func Encode(spec Spec) []byte {
	var buf bytes.Buffer
	w := func(v any) { _ = binary.Write(&buf, binary.LittleEndian, v) }
	ws := func(s string) {
		w(uint64(len(s)))
		buf.WriteString(s)
	}

	w(uint32(0x46554747)) // "GGUF"
	w(uint32(3))
	w(uint64(0)) // tensor count
	w(uint64(7)) // kv count

	ws("general.architecture")
	w(uint32(typeString))
	ws(spec.Arch)

	ws("general.alignment")
	w(uint32(typeUint32))
	w(uint32(32))

	ws(spec.Arch + ".embedding_length")
	w(uint32(typeUint32))
	w(uint32(spec.Embedding))

	ws(spec.Arch + ".block_count")
	w(uint32(typeUint32))
	w(uint32(spec.Layers))

	ws(spec.Arch + ".context_length")
	w(uint32(typeUint32))
	w(uint32(spec.Context))

	ws("tokenizer.ggml.tokens")
	w(uint32(typeArray))
	w(uint32(typeString))
	w(uint64(spec.Vocab))
	for i := 0; i < spec.Vocab; i++ {
		ws(fmt.Sprintf("tok%d", i))
	}

	ws("tokenizer.ggml.scores")
	w(uint32(typeArray))
	w(uint32(typeFloat32))
	w(uint64(spec.Vocab))
	for i := 0; i < spec.Vocab; i++ {
		w(float32(i))
	}
	return buf.Bytes()
}
