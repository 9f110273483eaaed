package engine

import (
	"math/rand"
	"testing"

	"inferd/internal/llmerr"
)

func TestParamsValidate(t *testing.T) {
	good := Params{Temperature: 0.7, TopP: 0.9, MaxTokens: 16}
	if err := good.Validate(); err != nil {
		t.Fatalf("valid params rejected: %v", err)
	}
	cases := []Params{
		{Temperature: -0.1, TopP: 0.9, MaxTokens: 16},
		{Temperature: 0.7, TopP: 0, MaxTokens: 16},
		{Temperature: 0.7, TopP: 1.5, MaxTokens: 16},
		{Temperature: 0.7, TopP: 0.9, MaxTokens: 0},
		{Temperature: 0.7, TopP: 0.9, MaxTokens: -3},
	}
	for i, p := range cases {
		if err := p.Validate(); !llmerr.IsInvalidParameters(err) {
			t.Errorf("case %d: %v, want invalid_parameters", i, err)
		}
	}
}

func TestArgmax(t *testing.T) {
	if got := Argmax([]float32{0.1, 3, 1.5}); got != 1 {
		t.Fatalf("Argmax = %d, want 1", got)
	}
	// Ties resolve to the lowest token id.
	if got := Argmax([]float32{1, 3, 3, 2}); got != 1 {
		t.Fatalf("Argmax tie = %d, want 1", got)
	}
}

func TestSampleTemperatureZeroIsArgmax(t *testing.T) {
	logits := []float32{0.5, 2, 9, 1}
	p := Params{Temperature: 0, TopP: 1, MaxTokens: 1}
	for seed := int64(1); seed <= 5; seed++ {
		rng := rand.New(rand.NewSource(seed))
		if got := Sample(logits, p, rng); got != 2 {
			t.Fatalf("seed %d: Sample = %d, want argmax 2", seed, got)
		}
	}
}

func TestSampleDeterministicWithSeed(t *testing.T) {
	logits := []float32{1, 2, 3, 2.5, 0.5}
	p := Params{Temperature: 0.8, TopP: 0.95, MaxTokens: 1}
	a := Sample(logits, p, rand.New(rand.NewSource(42)))
	b := Sample(logits, p, rand.New(rand.NewSource(42)))
	if a != b {
		t.Fatalf("same seed diverged: %d vs %d", a, b)
	}
}

func TestSampleNarrowNucleus(t *testing.T) {
	// One token holds nearly all the mass; a tight nucleus must always pick it.
	logits := []float32{0, 10, 0, 0}
	p := Params{Temperature: 0.5, TopP: 0.5, MaxTokens: 1}
	for seed := int64(1); seed <= 10; seed++ {
		if got := Sample(logits, p, rand.New(rand.NewSource(seed))); got != 1 {
			t.Fatalf("seed %d: Sample = %d, want 1", seed, got)
		}
	}
}

func TestSampleUniformStaysInNucleus(t *testing.T) {
	// Four equal logits with top-p 0.5: only the two lowest ids survive the
	// stable tie-break.
	logits := []float32{1, 1, 1, 1}
	p := Params{Temperature: 1, TopP: 0.5, MaxTokens: 1}
	for seed := int64(1); seed <= 20; seed++ {
		got := Sample(logits, p, rand.New(rand.NewSource(seed)))
		if got != 0 && got != 1 {
			t.Fatalf("seed %d: Sample = %d outside nucleus {0,1}", seed, got)
		}
	}
}

func TestSampleEmptyLogits(t *testing.T) {
	if got := Sample(nil, Params{Temperature: 1, TopP: 1}, rand.New(rand.NewSource(1))); got != 0 {
		t.Fatalf("Sample(nil) = %d, want 0", got)
	}
}
