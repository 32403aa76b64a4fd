package wgpubackend

import (
	"context"

	"github.com/doppler/engine/kernel"
)

// Gather, SiluFFN, RoPE, AttentionPrefill, AttentionDecode, Argmax and
// TopK don't carry enough arithmetic per element to be worth a
// dedicated shader at this stage — each would mostly pay for its own
// upload/dispatch/readback round trip without beating the CPU path on
// the small per-token shapes decode runs at. They delegate to the CPU
// reference backend, the same fallback posture kernel/dispatch.Select
// falls back to generic f32 when no fused variant is registered.
func (b *Backend) Gather(ctx context.Context, table kernel.Tensor, ids []int32) (kernel.Tensor, error) {
	return b.cpu.Gather(ctx, table, ids)
}

func (b *Backend) SiluFFN(ctx context.Context, x, gateW, upW, downW kernel.Tensor) (kernel.Tensor, error) {
	return b.cpu.SiluFFN(ctx, x, gateW, upW, downW)
}

func (b *Backend) RoPE(ctx context.Context, x kernel.Tensor, positions []int32, theta float32, headDim int, interleaved bool) (kernel.Tensor, error) {
	return b.cpu.RoPE(ctx, x, positions, theta, headDim, interleaved)
}

func (b *Backend) AttentionPrefill(ctx context.Context, q, k, v kernel.Tensor, mask []float32, p kernel.AttentionParams) (kernel.Tensor, error) {
	return b.cpu.AttentionPrefill(ctx, q, k, v, mask, p)
}

func (b *Backend) AttentionDecode(ctx context.Context, q, k, v kernel.Tensor, mask []float32, p kernel.AttentionParams) (kernel.Tensor, error) {
	return b.cpu.AttentionDecode(ctx, q, k, v, mask, p)
}

func (b *Backend) Argmax(ctx context.Context, x kernel.Tensor) (int, error) {
	return b.cpu.Argmax(ctx, x)
}

func (b *Backend) TopK(ctx context.Context, x kernel.Tensor, k int) ([]int, []float32, error) {
	return b.cpu.TopK(ctx, x, k)
}
