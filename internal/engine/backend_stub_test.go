//go:build !llama

package engine

import (
	"context"
	"testing"

	"inferd/internal/llmerr"
)

// Without the llama tag the default backend must refuse every capability with
// a typed error instead of pretending to work.
func TestDefaultBackendWithoutRuntime(t *testing.T) {
	h, _ := newTestHandle(t)
	b := NewDefault(4, 0)

	if _, err := b.Tokenize(h, "hello"); !llmerr.IsTokenizationFailed(err) {
		t.Fatalf("Tokenize err = %v, want tokenization_failed", err)
	}
	if _, err := b.Detokenize(h, []int{1, 2}); !llmerr.IsTokenizationFailed(err) {
		t.Fatalf("Detokenize err = %v, want tokenization_failed", err)
	}
	if _, err := b.Forward(context.Background(), h, 0, 1); !llmerr.IsInferenceFailed(err) {
		t.Fatalf("Forward err = %v, want inference_failed", err)
	}
	if got := b.EOS(h); got != -1 {
		t.Fatalf("EOS = %d, want -1", got)
	}
}
