package kernel

import "context"

// AttentionParams bundles the shape/scale knobs attention needs beyond
// its tensor operands, mirroring the fields a GPU kernel would pack
// into a uniform buffer (see UniformDescriptor).
type AttentionParams struct {
	NumHeadsQ  int
	NumHeadsKV int
	HeadDim    int
	Scale      float32
}

// Backend is the numeric contract every layer composes against. It is
// implemented twice: once by the CPU backend in this package (the
// generic f32 fallback), once by kernel/wgpubackend against a live GPU
// device. kernel/dispatch picks between kernel variants within a
// single Backend; picking the Backend itself (CPU vs GPU) is the
// pipeline's job at startup.
type Backend interface {
	Gather(ctx context.Context, table Tensor, ids []int32) (Tensor, error)
	RMSNorm(ctx context.Context, x, weight Tensor, eps float32, plusOne bool) (Tensor, error)
	Matmul(ctx context.Context, x, weight Tensor) (Tensor, error)
	SiluFFN(ctx context.Context, x, gateW, upW, downW Tensor) (Tensor, error)
	RoPE(ctx context.Context, x Tensor, positions []int32, theta float32, headDim int, interleaved bool) (Tensor, error)
	AttentionPrefill(ctx context.Context, q, k, v Tensor, mask []float32, p AttentionParams) (Tensor, error)
	AttentionDecode(ctx context.Context, q, k, v Tensor, mask []float32, p AttentionParams) (Tensor, error)
	ResidualAdd(ctx context.Context, a, b Tensor) (Tensor, error)
	Softmax(ctx context.Context, x Tensor) (Tensor, error)
	Argmax(ctx context.Context, x Tensor) (int, error)
	TopK(ctx context.Context, x Tensor, k int) ([]int, []float32, error)
	DequantizeQ4K(ctx context.Context, raw Tensor) (Tensor, error)
}
