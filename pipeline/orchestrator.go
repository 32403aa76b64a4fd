// Package pipeline drives the prefill/decode state machine that turns
// a prompt's token ids into a stream of generated token ids, collapsing
// runner_compute.go's computeBatch down to the single in-flight
// sequence this engine ever runs (no batchInputs slice, no per-sequence
// iBatches bookkeeping — one cache, one sampler, one hidden-state row
// at a time).
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/doppler/engine/engine"
	"github.com/doppler/engine/kernel"
	"github.com/doppler/engine/kvcache"
	"github.com/doppler/engine/layer"
	"github.com/doppler/engine/logutil"
	"github.com/doppler/engine/manifest"
	"github.com/doppler/engine/profiler"
	"github.com/doppler/engine/sampler"
	"github.com/doppler/engine/weights"
)

// State names one point in the per-generation state machine:
// Idle -> Prefilling -> Decoding -> Stopped.
type State int

const (
	Idle State = iota
	Prefilling
	Decoding
	Stopped
)

// Options enumerates the recognized generation knobs, the set §6.4
// names at the caller boundary.
type Options struct {
	MaxTokens    uint32
	Temperature  float32
	TopK         uint32
	TopP         float32
	StopTokenIDs map[int32]struct{}
	Seed         uint64
}

// Event is one item of a generation stream. HasToken is false on a
// terminal event that carries no token: the one sent when max_tokens is
// reached, and every error event. Done marks the final event of the
// stream; a non-nil Err means it ended early rather than cleanly (stop
// token or max_tokens).
type Event struct {
	TokenID  int32
	HasToken bool
	Done     bool
	Err      error
}

// Orchestrator owns everything one generation needs: the compiled
// per-layer blocks, the KV cache pair, and the resolved
// embedding/final-norm/lm_head tensors. It is built once per loaded
// model and reset between independent generations.
type Orchestrator struct {
	backend kernel.Backend
	m       *manifest.Manifest

	layers []layer.Block
	cache  *kvcache.Pair

	embed     kernel.Tensor
	finalNorm kernel.Tensor
	lmHead    kernel.Tensor

	state State
	used  int32

	prof *profiler.Profiler // nil disables tracking entirely
}

// SetProfiler attaches p so every layer pass records a submit and its
// wall time under the prefill/decode scope it belongs to. Pass nil to
// disable tracking again.
func (o *Orchestrator) SetProfiler(p *profiler.Profiler) {
	o.prof = p
}

// New resolves every per-layer block and the embedding/output tensors
// out of w, per the blk.<i>.* / token_embd.weight / output_norm.weight
// / output.weight gguf-tag naming layer.FromLoaded already establishes.
// A model with tied embedding/lm_head weights (no output.weight tensor)
// reuses the embedding table directly as the lm_head matmul operand,
// since both are already laid out (vocab_size, hidden_size) — the
// (out, in) shape Matmul expects (§9 open question 3).
func New(ctx context.Context, b kernel.Backend, m *manifest.Manifest, w *weights.Weights) (*Orchestrator, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	embedT, err := w.Get("token_embd.weight")
	if err != nil {
		return nil, err
	}
	embed, err := embedT.AsKernel()
	if err != nil {
		return nil, err
	}

	finalNormT, err := w.Get("output_norm.weight")
	if err != nil {
		return nil, err
	}
	finalNorm, err := finalNormT.AsKernel()
	if err != nil {
		return nil, err
	}

	lmHead := embed
	if outT, err := w.Get("output.weight"); err == nil {
		if lmHead, err = outT.AsKernel(); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, engine.ErrManifestInvalid) {
		return nil, err
	}

	hasQKNorm := tensorExists(m, "blk.0.attn_q_norm.weight")
	hasSandwich := tensorExists(m, "blk.0.post_attention_norm.weight")

	layers := make([]layer.Block, m.NumLayers)
	for i := 0; i < m.NumLayers; i++ {
		lw, err := layer.FromLoaded(w, i, hasQKNorm, hasSandwich)
		if err != nil {
			return nil, fmt.Errorf("pipeline: resolve layer %d: %w", i, err)
		}
		layers[i] = layer.Block{
			Index:     i,
			IsLocal:   m.IsLocalLayer(i),
			Window:    int32(m.SlidingWindowSize),
			RopeTheta: m.RopeTheta(i),
			W:         lw,
		}
	}

	cache := kvcache.NewPair(m.MaxPosition, m.SlidingWindowSize, m.NumHeadsKV, m.HeadDim, m.IsLocalLayer)

	return &Orchestrator{
		backend:   b,
		m:         m,
		layers:    layers,
		cache:     cache,
		embed:     embed,
		finalNorm: finalNorm,
		lmHead:    lmHead,
		state:     Idle,
	}, nil
}

func tensorExists(m *manifest.Manifest, name string) bool {
	_, err := m.Tensor(name)
	return err == nil
}

// Reset clears the KV cache and returns the state machine to Idle. The
// sampler is reconstructed per Generate call, so there is no sampler
// state here to clear.
func (o *Orchestrator) Reset() {
	o.cache.Global.Reset()
	if o.cache.Local != o.cache.Global {
		o.cache.Local.Reset()
	}
	o.state = Idle
	o.used = 0
}

// Generate runs one full prefill-then-decode generation and streams its
// tokens on the returned channel, which is closed after the final
// Event. Cancelling ctx between tokens ends the stream with
// engine.ErrCancelled; the KV cache remains valid for a subsequent call
// without Reset, per §7's Cancelled policy.
func (o *Orchestrator) Generate(ctx context.Context, promptIDs []int32, opts Options) <-chan Event {
	out := make(chan Event, 8)
	go func() {
		defer close(out)
		o.run(ctx, promptIDs, opts, out)
	}()
	return out
}

func (o *Orchestrator) run(ctx context.Context, promptIDs []int32, opts Options, out chan<- Event) {
	if len(promptIDs) == 0 {
		out <- Event{Done: true, Err: fmt.Errorf("pipeline: empty prompt: %w", engine.ErrShapeMismatch)}
		o.state = Stopped
		return
	}

	genID := uuid.NewString()
	logutil.Trace("pipeline: generation start", "gen_id", genID, "prompt_tokens", len(promptIDs))
	defer logutil.Trace("pipeline: generation end", "gen_id", genID)

	s := sampler.New(sampler.Options{
		Temp: opts.Temperature,
		TopK: int(opts.TopK),
		TopP: opts.TopP,
		Seed: opts.Seed,
	})

	o.state = Prefilling
	positions := make([]int32, len(promptIDs))
	for i := range positions {
		positions[i] = int32(i)
	}

	x, err := o.gather(ctx, promptIDs)
	if err != nil {
		o.fail(out, err)
		return
	}

	for i := range o.layers {
		if ctx.Err() != nil {
			o.fail(out, fmt.Errorf("pipeline: %w", engine.ErrCancelled))
			return
		}
		x, err = o.runLayer(ctx, profiler.ScopePrefill, i, layer.Prefill, x, positions)
		if err != nil {
			o.fail(out, translateLayerErr(err))
			return
		}
	}

	o.used = positions[len(positions)-1] + 1
	logutil.Trace("pipeline: prefill done", "gen_id", genID, "used", o.used)

	token, err := o.sampleNext(ctx, x, s)
	if err != nil {
		o.fail(out, err)
		return
	}

	o.state = Decoding
	emitted := uint32(0)
	if !o.emit(out, token, opts, &emitted) {
		o.state = Stopped
		return
	}

	for {
		if opts.MaxTokens > 0 && emitted >= opts.MaxTokens {
			out <- Event{Done: true}
			o.state = Stopped
			return
		}
		if ctx.Err() != nil {
			o.fail(out, fmt.Errorf("pipeline: %w", engine.ErrCancelled))
			return
		}

		x, err = o.gather(ctx, []int32{token})
		if err != nil {
			o.fail(out, err)
			return
		}

		pos := []int32{o.used}
		for i := range o.layers {
			x, err = o.runLayer(ctx, profiler.ScopeDecode, i, layer.Decode, x, pos)
			if err != nil {
				o.fail(out, translateLayerErr(err))
				return
			}
		}
		o.used++
		logutil.Trace("pipeline: decode step", "gen_id", genID, "used", o.used)

		token, err = o.sampleNext(ctx, x, s)
		if err != nil {
			o.fail(out, err)
			return
		}
		if !o.emit(out, token, opts, &emitted) {
			o.state = Stopped
			return
		}
	}
}

// runLayer runs one layer's Run, recording a submit and its wall time
// under scope when a profiler is attached.
func (o *Orchestrator) runLayer(ctx context.Context, scope profiler.Scope, i int, mode layer.Mode, x kernel.Tensor, positions []int32) (kernel.Tensor, error) {
	if o.prof == nil {
		return o.layers[i].Run(ctx, o.backend, mode, x, positions, o.cache, o.m)
	}
	done := o.prof.Track(scope)
	defer done()
	out, err := o.layers[i].Run(ctx, o.backend, mode, x, positions, o.cache, o.m)
	o.prof.RecordSubmit(scope)
	return out, err
}

// gather embeds ids and applies §4.2.1's √H scale when the manifest
// calls for it.
func (o *Orchestrator) gather(ctx context.Context, ids []int32) (kernel.Tensor, error) {
	x, err := o.backend.Gather(ctx, o.embed, ids)
	if err != nil {
		return kernel.Tensor{}, fmt.Errorf("pipeline: gather: %w", err)
	}
	if o.m.ScaleEmbeddings {
		scale := float32(math.Sqrt(float64(o.m.HiddenSize)))
		data := x.Data()
		for i := range data {
			data[i] *= scale
		}
	}
	return x, nil
}

// sampleNext runs the final norm and lm_head projection over the last
// hidden-state row and draws a token from the resulting logits.
func (o *Orchestrator) sampleNext(ctx context.Context, x kernel.Tensor, s *sampler.Sampler) (int32, error) {
	plusOne := o.m.NormConvention == manifest.NormPlusOne
	normed, err := o.backend.RMSNorm(ctx, x, o.finalNorm, o.m.RMSNormEps, plusOne)
	if err != nil {
		return 0, fmt.Errorf("pipeline: final norm: %w", err)
	}

	last := lastRow(normed, o.m.HiddenSize)
	logits, err := o.backend.Matmul(ctx, last, o.lmHead)
	if err != nil {
		return 0, fmt.Errorf("pipeline: lm head: %w", err)
	}

	logitsVec := kernel.NewTensor(kernel.F32, []int{o.m.VocabSize}, logits.Data())
	id, err := s.Sample(ctx, o.backend, logitsVec)
	if err != nil {
		return 0, fmt.Errorf("pipeline: sample: %w", err)
	}
	return int32(id), nil
}

// lastRow extracts the final hidden-size-wide row of a (rows, hidden)
// tensor as a (1, hidden) tensor, the X[last] / X[0] slice steps 4 and
// 3 of prefill/decode both need.
func lastRow(x kernel.Tensor, hidden int) kernel.Tensor {
	data := x.Data()
	row := data[len(data)-hidden:]
	return kernel.NewTensor(kernel.F32, []int{1, hidden}, row)
}

// emit sends one generated token, returning false when it was a stop
// token and the stream has ended (the caller must not continue decoding
// after a false return). Cancellation is checked by the caller, not here.
func (o *Orchestrator) emit(out chan<- Event, token int32, opts Options, emitted *uint32) bool {
	*emitted++
	_, stop := opts.StopTokenIDs[token]
	out <- Event{TokenID: token, HasToken: true, Done: stop}
	return !stop
}

func (o *Orchestrator) fail(out chan<- Event, err error) {
	out <- Event{Done: true, Err: err}
	o.state = Stopped
}

// translateLayerErr surfaces a layer's wrapped engine.ErrOutOfSeq as the
// orchestrator's own end-of-generation reason rather than a bare
// propagated kernel error, per §7's translation policy.
func translateLayerErr(err error) error {
	if errors.Is(err, engine.ErrOutOfSeq) {
		return fmt.Errorf("pipeline: kv cache exhausted: %w", err)
	}
	return err
}

// State reports the orchestrator's current position in the state
// machine, mainly for tests and debug tooling.
func (o *Orchestrator) State() State {
	return o.state
}
