// Package sampler turns a row of logits into a token id. Its parameter
// set mirrors the field names llama_sampling.go's SamplingParams uses
// (top_k, top_p, temp) so callers porting configs from that layer don't
// have to relearn names, but the actual selection runs in pure Go over
// kernel.Backend's Softmax/Argmax/TopK rather than through cgo.
package sampler

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	"github.com/doppler/engine/engine"
	"github.com/doppler/engine/kernel"
)

func expApprox(x float32) float32 { return float32(math.Exp(float64(x))) }

// Options configures one Sampler. Zero value selects pure greedy.
type Options struct {
	Temp  float32 // <epsilon promotes to greedy
	TopK  int     // 0 disables top-k narrowing
	TopP  float32 // 0 disables top-p narrowing
	Seed  uint64  // deterministic source seed
}

// epsilon is the temperature floor below which sampling degenerates to
// greedy argmax, per spec.
const epsilon = 1e-2

// Sampler draws token ids from logits using a seeded, deterministic
// random source: the same seed and inputs always produce the same
// sequence of draws.
type Sampler struct {
	opts Options
	rng  *rand.Rand
}

// New builds a Sampler from opts. Its random source is seeded from
// opts.Seed alone, so two Samplers built with the same seed draw
// identical sequences regardless of call order elsewhere in the
// process.
func New(opts Options) *Sampler {
	return &Sampler{
		opts: opts,
		rng:  rand.New(rand.NewPCG(opts.Seed, opts.Seed>>32|1)),
	}
}

// Sample draws one token id from a single row of logits (length
// vocab_size). Greedy tie-breaks pick the lowest index.
func (s *Sampler) Sample(ctx context.Context, b kernel.Backend, logits kernel.Tensor) (int, error) {
	if len(logits.Shape()) != 1 {
		return 0, fmt.Errorf("sampler: logits must be a single row, got shape %v: %w", logits.Shape(), engine.ErrShapeMismatch)
	}

	if s.opts.Temp < epsilon {
		return b.Argmax(ctx, logits)
	}

	data := scaled(logits.Data(), s.opts.Temp)
	ids, probs, err := candidates(ctx, b, kernel.NewTensor(logits.DType(), logits.Shape(), data), s.opts.TopK)
	if err != nil {
		return 0, err
	}
	ids, probs = topP(ids, probs, s.opts.TopP)

	return s.draw(ids, probs), nil
}

func scaled(logits []float32, temp float32) []float32 {
	out := make([]float32, len(logits))
	for i, v := range logits {
		out[i] = v / temp
	}
	return out
}

// candidates narrows logits to its top k entries (or the full
// distribution's softmax if k <= 0) and returns their ids alongside
// normalized probabilities, both sorted by descending probability.
func candidates(ctx context.Context, b kernel.Backend, logits kernel.Tensor, k int) ([]int, []float32, error) {
	if k <= 0 || k >= logits.NumElements() {
		probTensor, err := b.Softmax(ctx, logits)
		if err != nil {
			return nil, nil, err
		}
		probs := probTensor.Data()
		ids := make([]int, len(probs))
		for i := range ids {
			ids[i] = i
		}
		sort.Slice(ids, func(i, j int) bool { return probs[ids[i]] > probs[ids[j]] })
		sortedProbs := make([]float32, len(ids))
		for i, id := range ids {
			sortedProbs[i] = probs[id]
		}
		return ids, sortedProbs, nil
	}

	ids, vals, err := b.TopK(ctx, logits, k)
	if err != nil {
		return nil, nil, err
	}
	// TopK returns raw logit values, sorted descending (already the
	// order candidates promises its caller); softmax them in isolation
	// so top_p's cumulative-probability cut (§4.8) and draw's weighted
	// pick operate on an actual distribution over just these k
	// candidates, not on raw (possibly negative) logits.
	return ids, softmaxSorted(vals), nil
}

// softmaxSorted applies a numerically stable softmax to vals, which may
// be in any order — the subtract-max step makes the result correct
// regardless, and candidates always hands it values already sorted by
// descending logit (and therefore descending probability).
func softmaxSorted(vals []float32) []float32 {
	if len(vals) == 0 {
		return vals
	}
	max := vals[0]
	for _, v := range vals {
		if v > max {
			max = v
		}
	}
	out := make([]float32, len(vals))
	var sum float32
	for i, v := range vals {
		out[i] = expApprox(v - max)
		sum += out[i]
	}
	if sum == 0 {
		return out
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// topP takes the smallest prefix of the (already probability-sorted)
// candidates whose cumulative mass reaches p. p <= 0 disables the cut.
func topP(ids []int, probs []float32, p float32) ([]int, []float32) {
	if p <= 0 || p >= 1 {
		return ids, probs
	}
	var sum float32
	for i, pr := range probs {
		sum += pr
		if sum >= p {
			return ids[:i+1], probs[:i+1]
		}
	}
	return ids, probs
}

// draw makes one weighted random pick over ids/probs.
func (s *Sampler) draw(ids []int, probs []float32) int {
	var total float32
	for _, p := range probs {
		total += p
	}
	if total == 0 {
		return ids[0]
	}

	target := float32(s.rng.Float64()) * total
	var cum float32
	for i, p := range probs {
		cum += p
		if cum >= target {
			return ids[i]
		}
	}
	return ids[len(ids)-1]
}
