package session

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"inferd/internal/engine"
	"inferd/internal/model"
	"inferd/internal/model/modeltest"
	"inferd/pkg/types"
)

const (
	testModelID = "tiny.gguf"
	testVocab   = 32
)

// fakeBackend is a deterministic inference runtime: word i of the prompt
// tokenizes to id i, and the forward pass for token t puts all probability
// mass on (t+1) mod vocab, so argmax decoding walks the vocabulary in order.
// A non-nil gate makes every Forward call block until a permit is received,
// which lets tests hold sessions at a decode step boundary.
type fakeBackend struct {
	eos  int
	gate chan struct{}

	threads   int
	gpuLayers int

	tokenized *model.Handle
}

func (b *fakeBackend) Tokenize(h *model.Handle, text string) ([]int, error) {
	b.tokenized = h
	words := strings.Fields(text)
	toks := make([]int, 0, len(words))
	for i := range words {
		toks = append(toks, i%testVocab)
	}
	return toks, nil
}

func (b *fakeBackend) Detokenize(h *model.Handle, tokens []int) (string, error) {
	var sb strings.Builder
	for _, tok := range tokens {
		fmt.Fprintf(&sb, "<%d>", tok)
	}
	return sb.String(), nil
}

func (b *fakeBackend) Forward(ctx context.Context, h *model.Handle, past, tokenID int) (engine.StepResult, error) {
	if b.gate != nil {
		<-b.gate
	}
	logits := make([]float32, testVocab)
	logits[(tokenID+1)%testVocab] = 1
	return engine.StepResult{Logits: logits}, nil
}

func (b *fakeBackend) EOS(h *model.Handle) int { return b.eos }
func (b *fakeBackend) SetThreads(n int)        { b.threads = n }
func (b *fakeBackend) SetGPULayers(n int)      { b.gpuLayers = n }

// newTestRegistry writes a synthetic model file, builds a registry around b,
// and loads the model with the given context size.
func newTestRegistry(t *testing.T, b engine.Backend, budget int64, streamBuf, ctxSize int) *Registry {
	t.Helper()
	spec := modeltest.Spec{Arch: "llama", Vocab: testVocab, Embedding: 4, Layers: 2, Context: ctxSize}
	path := modeltest.WriteGGUF(t, t.TempDir(), testModelID, spec)
	r := NewRegistry(Config{
		Catalog:      []types.Model{{ID: testModelID, Name: testModelID, Path: path}},
		Backend:      b,
		BudgetBytes:  budget,
		StreamBuffer: streamBuf,
		ContextSize:  ctxSize,
		Logger:       zerolog.Nop(),
	})
	if _, err := r.LoadModel(testModelID, ctxSize); err != nil {
		t.Fatalf("load model: %v", err)
	}
	return r
}

func greedyParams(maxTokens int) engine.Params {
	return engine.Params{Temperature: 0, TopP: 1, MaxTokens: maxTokens, Seed: 1}
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("session %s never finished (state %s)", s.ID(), s.State())
	}
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("session %s never reached %s (state %s)", s.ID(), want, s.State())
}
