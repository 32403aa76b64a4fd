// Package layer composes one transformer block out of kernel calls: the
// eleven-step norm/QKV/RoPE/attention/output-proj/residual/FFN/residual
// sequence every Gemma3n TextLayer runs, trimmed of that model's
// AltUp/Laurel/per-layer-projection machinery (see text_layer.go /
// text_attention.go) since this engine targets one hidden-state stream
// per token rather than Gemma3n's multi-stream AltUp design.
package layer

import (
	"context"
	"fmt"
	"math"

	"github.com/doppler/engine/engine"
	"github.com/doppler/engine/kernel"
	"github.com/doppler/engine/kvcache"
	"github.com/doppler/engine/manifest"
	"github.com/doppler/engine/weights"
)

// Mode selects which attention path Run takes: the full causal pass
// over a freshly appended K/V range (Prefill) or the single-query-row
// path over the whole cache history (Decode).
type Mode int

const (
	Prefill Mode = iota
	Decode
)

// Weights names the per-layer tensors Run needs, one field per gguf
// tensor name in text_layer.go's tag set, minus the Gemma3n-specific
// AltUp/Laurel fields this spec has no use for.
type Weights struct {
	AttnNorm kernel.Tensor

	Wq, Wk, Wv, Wo kernel.Tensor
	QNorm, KNorm   *kernel.Tensor // optional per-head pre-RoPE norm

	PostAttnNorm *kernel.Tensor // optional sandwich norm

	FFNNorm               kernel.Tensor
	GateW, UpW, DownW     kernel.Tensor
	PostFFNNorm           *kernel.Tensor // optional sandwich norm
}

// FromLoaded resolves one layer's weight set out of a fully loaded
// Weights map by the teacher's gguf-tag naming convention
// (blk.<i>.attn_norm.weight, blk.<i>.attn_q.weight, ...).
func FromLoaded(w *weights.Weights, idx int, hasQKNorm, hasSandwichNorm bool) (Weights, error) {
	prefix := fmt.Sprintf("blk.%d.", idx)
	get := func(name string) (kernel.Tensor, error) {
		t, err := w.Get(prefix + name)
		if err != nil {
			return kernel.Tensor{}, err
		}
		return t.AsKernel()
	}
	getOpt := func(name string) (*kernel.Tensor, error) {
		t, err := w.Get(prefix + name)
		if err != nil {
			return nil, nil
		}
		kt, err := t.AsKernel()
		if err != nil {
			return nil, err
		}
		return &kt, nil
	}

	var lw Weights
	var err error
	if lw.AttnNorm, err = get("attn_norm.weight"); err != nil {
		return Weights{}, err
	}
	if lw.Wq, err = get("attn_q.weight"); err != nil {
		return Weights{}, err
	}
	if lw.Wk, err = get("attn_k.weight"); err != nil {
		return Weights{}, err
	}
	if lw.Wv, err = get("attn_v.weight"); err != nil {
		return Weights{}, err
	}
	if lw.Wo, err = get("attn_output.weight"); err != nil {
		return Weights{}, err
	}
	if lw.FFNNorm, err = get("ffn_norm.weight"); err != nil {
		return Weights{}, err
	}
	if lw.GateW, err = get("ffn_gate.weight"); err != nil {
		return Weights{}, err
	}
	if lw.UpW, err = get("ffn_up.weight"); err != nil {
		return Weights{}, err
	}
	if lw.DownW, err = get("ffn_down.weight"); err != nil {
		return Weights{}, err
	}

	if hasQKNorm {
		if lw.QNorm, err = getOpt("attn_q_norm.weight"); err != nil {
			return Weights{}, err
		}
		if lw.KNorm, err = getOpt("attn_k_norm.weight"); err != nil {
			return Weights{}, err
		}
	}
	if hasSandwichNorm {
		if lw.PostAttnNorm, err = getOpt("post_attention_norm.weight"); err != nil {
			return Weights{}, err
		}
		if lw.PostFFNNorm, err = getOpt("post_ffw_norm.weight"); err != nil {
			return Weights{}, err
		}
	}
	return lw, nil
}

// Block runs one transformer layer's forward pass against a kernel
// Backend, per §4.6's eleven numbered steps.
type Block struct {
	Index      int
	IsLocal    bool
	Window     int32
	RopeTheta  float32
	W          Weights
}

// dequantIfNeeded runs DequantizeQ4K on a weight operand so Matmul
// always receives an f32-backed Tensor; this is the "dequant then
// matmul" path of kernel/dispatch's selection rule 2, run eagerly here
// rather than inside a fused kernel.
func dequantIfNeeded(ctx context.Context, b kernel.Backend, t kernel.Tensor) (kernel.Tensor, error) {
	if t.DType() != kernel.Q4K {
		return t, nil
	}
	return b.DequantizeQ4K(ctx, t)
}

// Run executes the eleven-step block body against hidden state x, shape
// (N, H), returning the next hidden state of the same shape.
func (blk Block) Run(ctx context.Context, b kernel.Backend, mode Mode, x kernel.Tensor, positions []int32, cache *kvcache.Pair, m *manifest.Manifest) (kernel.Tensor, error) {
	plusOne := m.NormConvention == manifest.NormPlusOne

	// 1. h = RMSNorm(x, attn_norm, eps, conv)
	h, err := b.RMSNorm(ctx, x, blk.W.AttnNorm, m.RMSNormEps, plusOne)
	if err != nil {
		return kernel.Tensor{}, fmt.Errorf("layer %d: attn norm: %w", blk.Index, err)
	}

	// 2. Q/K/V projections.
	wq, err := dequantIfNeeded(ctx, b, blk.W.Wq)
	if err != nil {
		return kernel.Tensor{}, err
	}
	wk, err := dequantIfNeeded(ctx, b, blk.W.Wk)
	if err != nil {
		return kernel.Tensor{}, err
	}
	wv, err := dequantIfNeeded(ctx, b, blk.W.Wv)
	if err != nil {
		return kernel.Tensor{}, err
	}

	q, err := b.Matmul(ctx, h, wq)
	if err != nil {
		return kernel.Tensor{}, fmt.Errorf("layer %d: q proj: %w", blk.Index, err)
	}
	k, err := b.Matmul(ctx, h, wk)
	if err != nil {
		return kernel.Tensor{}, fmt.Errorf("layer %d: k proj: %w", blk.Index, err)
	}
	v, err := b.Matmul(ctx, h, wv)
	if err != nil {
		return kernel.Tensor{}, fmt.Errorf("layer %d: v proj: %w", blk.Index, err)
	}

	// 3. Optional per-head pre-RoPE norm — always standard convention,
	// even when the surrounding sandwich norms use plus-one (§4.6 step 3).
	if blk.W.QNorm != nil {
		if q, err = b.RMSNorm(ctx, q, *blk.W.QNorm, m.RMSNormEps, false); err != nil {
			return kernel.Tensor{}, fmt.Errorf("layer %d: q norm: %w", blk.Index, err)
		}
	}
	if blk.W.KNorm != nil {
		if k, err = b.RMSNorm(ctx, k, *blk.W.KNorm, m.RMSNormEps, false); err != nil {
			return kernel.Tensor{}, fmt.Errorf("layer %d: k norm: %w", blk.Index, err)
		}
	}

	// 4. RoPE on Q and K at this layer's theta, starting at kv.used.
	// Rotation happens within each head's own head_dim span, not across
	// the flattened Hq*D/Hkv*D row (§4.2.5) — both Q's NumHeadsQ heads
	// and K's NumHeadsKV heads share the same per-dim head_dim.
	if q, err = b.RoPE(ctx, q, positions, blk.RopeTheta, m.HeadDim, m.RopeInterleaved); err != nil {
		return kernel.Tensor{}, fmt.Errorf("layer %d: q rope: %w", blk.Index, err)
	}
	if k, err = b.RoPE(ctx, k, positions, blk.RopeTheta, m.HeadDim, m.RopeInterleaved); err != nil {
		return kernel.Tensor{}, fmt.Errorf("layer %d: k rope: %w", blk.Index, err)
	}

	// 5. kv.append(i, K_new, V_new, N)
	layerCache := cache.For(blk.Index)
	for i, pos := range positions {
		rowLen := m.NumHeadsKV * m.HeadDim
		kRow := k.Data()[i*rowLen : (i+1)*rowLen]
		vRow := v.Data()[i*rowLen : (i+1)*rowLen]
		if err := layerCache.Append(blk.Index, pos, kRow, vRow); err != nil {
			return kernel.Tensor{}, fmt.Errorf("layer %d: kv append: %w", blk.Index, err)
		}
	}

	// 6. Attention: prefill walks every query row against the cache it
	// just extended; decode runs the single-row specialization.
	attnOut, err := blk.attention(ctx, b, mode, q, layerCache, positions, m)
	if err != nil {
		return kernel.Tensor{}, fmt.Errorf("layer %d: attention: %w", blk.Index, err)
	}

	// 7. out = attn @ W_o
	wo, err := dequantIfNeeded(ctx, b, blk.W.Wo)
	if err != nil {
		return kernel.Tensor{}, err
	}
	out, err := b.Matmul(ctx, attnOut, wo)
	if err != nil {
		return kernel.Tensor{}, fmt.Errorf("layer %d: output proj: %w", blk.Index, err)
	}

	// Optional post-attention sandwich norm, applied before the residual.
	if blk.W.PostAttnNorm != nil {
		if out, err = b.RMSNorm(ctx, out, *blk.W.PostAttnNorm, m.RMSNormEps, plusOne); err != nil {
			return kernel.Tensor{}, fmt.Errorf("layer %d: post attn norm: %w", blk.Index, err)
		}
	}

	// 8. X_mid = X_in + out
	xMid, err := b.ResidualAdd(ctx, x, out)
	if err != nil {
		return kernel.Tensor{}, fmt.Errorf("layer %d: attn residual: %w", blk.Index, err)
	}

	// 9. h2 = RMSNorm(X_mid, post_attn_ln, eps, conv)
	h2, err := b.RMSNorm(ctx, xMid, blk.W.FFNNorm, m.RMSNormEps, plusOne)
	if err != nil {
		return kernel.Tensor{}, fmt.Errorf("layer %d: ffn norm: %w", blk.Index, err)
	}

	// 10. FFN via the SiLU-gated path.
	gateW, err := dequantIfNeeded(ctx, b, blk.W.GateW)
	if err != nil {
		return kernel.Tensor{}, err
	}
	upW, err := dequantIfNeeded(ctx, b, blk.W.UpW)
	if err != nil {
		return kernel.Tensor{}, err
	}
	downW, err := dequantIfNeeded(ctx, b, blk.W.DownW)
	if err != nil {
		return kernel.Tensor{}, err
	}
	ffnOut, err := b.SiluFFN(ctx, h2, gateW, upW, downW)
	if err != nil {
		return kernel.Tensor{}, fmt.Errorf("layer %d: ffn: %w", blk.Index, err)
	}

	if blk.W.PostFFNNorm != nil {
		if ffnOut, err = b.RMSNorm(ctx, ffnOut, *blk.W.PostFFNNorm, m.RMSNormEps, plusOne); err != nil {
			return kernel.Tensor{}, fmt.Errorf("layer %d: post ffn norm: %w", blk.Index, err)
		}
	}

	// 11. X_out = X_mid + ffn_out
	xOut, err := b.ResidualAdd(ctx, xMid, ffnOut)
	if err != nil {
		return kernel.Tensor{}, fmt.Errorf("layer %d: ffn residual: %w", blk.Index, err)
	}
	return xOut, nil
}

func (blk Block) attention(ctx context.Context, b kernel.Backend, mode Mode, q kernel.Tensor, layerCache *kvcache.Cache, positions []int32, m *manifest.Manifest) (kernel.Tensor, error) {
	if len(positions) == 0 {
		return kernel.Tensor{}, fmt.Errorf("layer %d: attention with no query positions: %w", blk.Index, engine.ErrShapeMismatch)
	}
	lastPos := positions[len(positions)-1]

	keys, values, kvPositions := layerCache.View(blk.Index, lastPos)
	mask := kvcache.BuildMask(positions, kvPositions, blk.Window)

	kTensor := kernel.NewTensor(kernel.F32, []int{len(kvPositions), m.NumHeadsKV, m.HeadDim}, keys)
	vTensor := kernel.NewTensor(kernel.F32, []int{len(kvPositions), m.NumHeadsKV, m.HeadDim}, values)
	maskTensor := mask

	params := kernel.AttentionParams{
		NumHeadsQ:  m.NumHeadsQ,
		NumHeadsKV: m.NumHeadsKV,
		HeadDim:    m.HeadDim,
		Scale:      1.0 / float32(math.Sqrt(float64(m.HeadDim))),
	}

	if mode == Prefill {
		return b.AttentionPrefill(ctx, q, kTensor, vTensor, maskTensor, params)
	}
	return b.AttentionDecode(ctx, q, kTensor, vTensor, maskTensor, params)
}
