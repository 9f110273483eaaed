//go:build !llama

package engine

import (
	"context"

	"inferd/internal/llmerr"
	"inferd/internal/model"
)

// This file provides a no-CGO stub backend compiled when the 'llama' build
// tag is NOT set, keeping default builds and CI CGO-free. It fails fast
// rather than mocking inference; tests install their own capabilities.

type stubBackend struct{}

// NewDefault returns the build's default backend. Without the 'llama' tag
// every capability call reports the missing runtime.
func NewDefault(threads, gpuLayers int) Backend {
	return stubBackend{}
}

func (stubBackend) Tokenize(h *model.Handle, text string) ([]int, error) {
	return nil, llmerr.New(llmerr.KindTokenizationFailed, "llama support not built (missing 'llama' build tag)")
}

func (stubBackend) Detokenize(h *model.Handle, tokens []int) (string, error) {
	return "", llmerr.New(llmerr.KindTokenizationFailed, "llama support not built (missing 'llama' build tag)")
}

func (stubBackend) Forward(ctx context.Context, h *model.Handle, past, tokenID int) (StepResult, error) {
	return StepResult{}, llmerr.New(llmerr.KindInferenceFailed, "llama support not built (missing 'llama' build tag)")
}

func (stubBackend) EOS(h *model.Handle) int { return -1 }

func (stubBackend) SetThreads(n int) {}

func (stubBackend) SetGPULayers(n int) {}
