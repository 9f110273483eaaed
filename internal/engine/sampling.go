package engine

import (
	"math"
	"math/rand"
	"sort"

	"inferd/internal/llmerr"
)

// Params are the sampling knobs for one generation session.
type Params struct {
	// Temperature >= 0; 0 selects deterministic argmax.
	Temperature float64
	// TopP in (0, 1]; 1 disables nucleus filtering.
	TopP float64
	// MaxTokens > 0 bounds the number of generated tokens.
	MaxTokens int
	// Seed for the sampling RNG; 0 lets the caller pick.
	Seed int64
}

// Validate rejects out-of-range parameters before any resources are
// committed.
func (p Params) Validate() error {
	if p.Temperature < 0 {
		return llmerr.New(llmerr.KindInvalidParameters, "temperature %g must be >= 0", p.Temperature)
	}
	if p.TopP <= 0 || p.TopP > 1 {
		return llmerr.New(llmerr.KindInvalidParameters, "top_p %g must be in (0, 1]", p.TopP)
	}
	if p.MaxTokens <= 0 {
		return llmerr.New(llmerr.KindInvalidParameters, "max_tokens %d must be > 0", p.MaxTokens)
	}
	return nil
}

// Argmax returns the index of the highest logit; ties resolve to the lowest
// token id.
func Argmax(logits []float32) int {
	best := 0
	for i := 1; i < len(logits); i++ {
		if logits[i] > logits[best] {
			best = i
		}
	}
	return best
}

// Sample picks the next token from raw logits: temperature scaling, softmax,
// top-p nucleus filtering, then a draw from the renormalized distribution.
// Temperature 0 short-circuits to Argmax so there is no division by zero and
// output is deterministic.
func Sample(logits []float32, p Params, rng *rand.Rand) int {
	if len(logits) == 0 {
		return 0
	}
	if p.Temperature == 0 {
		return Argmax(logits)
	}

	// Softmax over temperature-scaled logits, shifted by the max for
	// numerical stability.
	maxLogit := logits[Argmax(logits)]
	probs := make([]float64, len(logits))
	var sum float64
	for i, l := range logits {
		v := math.Exp((float64(l) - float64(maxLogit)) / p.Temperature)
		probs[i] = v
		sum += v
	}
	for i := range probs {
		probs[i] /= sum
	}

	// Sort token ids by probability descending; ties stable by id ascending.
	ids := make([]int, len(probs))
	for i := range ids {
		ids[i] = i
	}
	sort.SliceStable(ids, func(a, b int) bool {
		return probs[ids[a]] > probs[ids[b]]
	})

	// Keep the smallest prefix whose cumulative mass reaches top-p.
	var cum float64
	cut := len(ids)
	for i, id := range ids {
		cum += probs[id]
		if cum >= p.TopP {
			cut = i + 1
			break
		}
	}
	ids = ids[:cut]

	// Renormalize and draw.
	var mass float64
	for _, id := range ids {
		mass += probs[id]
	}
	r := rng.Float64() * mass
	for _, id := range ids {
		r -= probs[id]
		if r <= 0 {
			return id
		}
	}
	return ids[len(ids)-1]
}
