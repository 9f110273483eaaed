package engine

import (
	"context"
	"errors"
	"testing"

	"inferd/internal/kvcache"
	"inferd/internal/llmerr"
	"inferd/internal/model"
	"inferd/internal/model/modeltest"
)

type forwardFunc func(ctx context.Context, h *model.Handle, past, tokenID int) (StepResult, error)

func (f forwardFunc) Forward(ctx context.Context, h *model.Handle, past, tokenID int) (StepResult, error) {
	return f(ctx, h, past, tokenID)
}

func newTestHandle(t *testing.T) (*model.Handle, *kvcache.Cache) {
	t.Helper()
	spec := modeltest.Spec{Arch: "llama", Vocab: 8, Embedding: 4, Layers: 2, Context: 4}
	path := modeltest.WriteGGUF(t, t.TempDir(), "tiny.gguf", spec)
	h, err := model.Load("tiny.gguf", path, 4)
	if err != nil {
		t.Fatalf("load model: %v", err)
	}
	t.Cleanup(h.Unload)
	c, err := kvcache.New(h)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return h, c
}

func TestDecodeStep(t *testing.T) {
	h, c := newTestHandle(t)
	var gotPast, gotToken int
	eng := New(forwardFunc(func(ctx context.Context, fh *model.Handle, past, tokenID int) (StepResult, error) {
		gotPast, gotToken = past, tokenID
		logits := make([]float32, fh.VocabSize())
		logits[tokenID] = 1
		return StepResult{Logits: logits}, nil
	}))

	logits, err := eng.DecodeStep(context.Background(), h, c, 3)
	if err != nil {
		t.Fatalf("DecodeStep: %v", err)
	}
	if gotPast != 0 || gotToken != 3 {
		t.Fatalf("forward saw past=%d token=%d", gotPast, gotToken)
	}
	if len(logits) != h.VocabSize() || logits[3] != 1 {
		t.Fatalf("unexpected logits: %v", logits)
	}
	if c.Len() != 1 {
		t.Fatalf("cache Len = %d, want 1", c.Len())
	}

	if _, err := eng.DecodeStep(context.Background(), h, c, 5); err != nil {
		t.Fatal(err)
	}
	if gotPast != 1 {
		t.Fatalf("second step past = %d, want 1", gotPast)
	}
}

func TestDecodeStepStaleHandle(t *testing.T) {
	h, c := newTestHandle(t)
	eng := New(forwardFunc(func(ctx context.Context, fh *model.Handle, past, tokenID int) (StepResult, error) {
		t.Fatal("forward must not run against a stale handle")
		return StepResult{}, nil
	}))
	h.Unload()
	if _, err := eng.DecodeStep(context.Background(), h, c, 0); !llmerr.IsInferenceFailed(err) {
		t.Fatalf("err = %v, want inference_failed", err)
	}
	if c.Len() != 0 {
		t.Fatal("failed step mutated cache")
	}
}

func TestDecodeStepFullCache(t *testing.T) {
	h, c := newTestHandle(t)
	for i := 0; i < c.Capacity(); i++ {
		if _, err := c.Extend(nil, nil); err != nil {
			t.Fatal(err)
		}
	}
	eng := New(forwardFunc(func(ctx context.Context, fh *model.Handle, past, tokenID int) (StepResult, error) {
		t.Fatal("forward must not run against a full cache")
		return StepResult{}, nil
	}))
	if _, err := eng.DecodeStep(context.Background(), h, c, 0); !llmerr.IsContextCreationFailed(err) {
		t.Fatalf("err = %v, want context_creation_failed", err)
	}
}

func TestDecodeStepTokenRange(t *testing.T) {
	h, c := newTestHandle(t)
	eng := New(forwardFunc(func(ctx context.Context, fh *model.Handle, past, tokenID int) (StepResult, error) {
		return StepResult{}, nil
	}))
	for _, tok := range []int{-1, h.VocabSize()} {
		if _, err := eng.DecodeStep(context.Background(), h, c, tok); !llmerr.IsInferenceFailed(err) {
			t.Errorf("token %d: %v, want inference_failed", tok, err)
		}
	}
}

func TestDecodeStepBadLogits(t *testing.T) {
	h, c := newTestHandle(t)
	eng := New(forwardFunc(func(ctx context.Context, fh *model.Handle, past, tokenID int) (StepResult, error) {
		return StepResult{Logits: make([]float32, 2)}, nil
	}))
	if _, err := eng.DecodeStep(context.Background(), h, c, 0); !llmerr.IsInferenceFailed(err) {
		t.Fatalf("err = %v, want inference_failed", err)
	}
	if c.Len() != 0 {
		t.Fatal("failed step mutated cache")
	}
}

func TestDecodeStepForwardErrors(t *testing.T) {
	h, c := newTestHandle(t)

	// Untyped errors are wrapped as inference failures.
	eng := New(forwardFunc(func(ctx context.Context, fh *model.Handle, past, tokenID int) (StepResult, error) {
		return StepResult{}, errors.New("gpu fell over")
	}))
	if _, err := eng.DecodeStep(context.Background(), h, c, 0); !llmerr.IsInferenceFailed(err) {
		t.Fatalf("err = %v, want inference_failed", err)
	}

	// Typed errors pass through with their kind intact.
	eng = New(forwardFunc(func(ctx context.Context, fh *model.Handle, past, tokenID int) (StepResult, error) {
		return StepResult{}, llmerr.New(llmerr.KindOutOfMemory, "backend oom")
	}))
	if _, err := eng.DecodeStep(context.Background(), h, c, 0); !llmerr.IsOutOfMemory(err) {
		t.Fatalf("err = %v, want out_of_memory", err)
	}
	if c.Len() != 0 {
		t.Fatal("failed steps mutated cache")
	}
}
