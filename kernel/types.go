// Package kernel implements the numeric operations the inference loop
// composes into a layer: gather, RMSNorm, matmul, the gated FFN
// nonlinearity, RoPE, attention (prefill and decode), residual add,
// softmax/argmax/top-k, and Q4_K dequantization. Every operation is
// implemented twice — once on the CPU (package kernel, the generic
// f32 fallback per the teacher's own CPU backend) and once on the GPU
// (package kernel/wgpubackend) — against the identical Backend
// contract, the same two-backend shape ml.Backend takes in the
// teacher, trimmed to exactly the operations this engine needs.
package kernel

import (
	"fmt"

	"github.com/doppler/engine/engine"
)

// DType is the runtime operand type a kernel call operates on. It is
// distinct from manifest.DType: a manifest tensor declared BF16 is
// always widened to F32 before it ever reaches a kernel (see
// weights.widen), so BF16 never appears here.
type DType int

const (
	F32 DType = iota
	F16
	Q4K
	Q8
)

func (d DType) String() string {
	switch d {
	case F32:
		return "f32"
	case F16:
		return "f16"
	case Q4K:
		return "q4_k"
	case Q8:
		return "q8"
	default:
		return "unknown"
	}
}

func (d DType) ElemSize() int {
	switch d {
	case F32:
		return 4
	case F16:
		return 2
	case Q8:
		return 1
	default:
		return 0 // Q4K is block-packed, not per-element
	}
}

// Tensor is a shaped, dtyped view over a flat buffer. Shape is
// row-major: the last dimension is the contiguous, fastest-varying one,
// so a linear weight is shaped (out, in) and activations (rows, hidden).
type Tensor struct {
	shape []int
	dtype DType
	data  []float32 // always f32-equivalent; nil for Q4_K/Q8 operands built by NewRawTensor, which carry their packed bytes in raw
	raw   []byte     // backing bytes for Q4_K/Q8 operands, nil otherwise
}

// NewTensor wraps an f32 buffer with a shape.
func NewTensor(dtype DType, shape []int, data []float32) Tensor {
	return Tensor{shape: shape, dtype: dtype, data: data}
}

// NewRawTensor wraps a packed byte buffer (Q4_K blocks) with a shape.
func NewRawTensor(dtype DType, shape []int, raw []byte) Tensor {
	return Tensor{shape: shape, dtype: dtype, raw: raw}
}

func (t Tensor) Shape() []int { return t.shape }
func (t Tensor) DType() DType { return t.dtype }
func (t Tensor) Data() []float32 { return t.data }
func (t Tensor) Raw() []byte { return t.raw }

func (t Tensor) NumElements() int {
	n := 1
	for _, d := range t.shape {
		n *= d
	}
	return n
}

// checkShape returns an error if got does not equal want, element by
// element, used throughout the CPU backend to fail fast with a
// descriptive message rather than an out-of-range panic.
func checkShape(op string, got, want []int) error {
	if len(got) != len(want) {
		return fmt.Errorf("kernel: %s: rank mismatch: got %v want %v: %w", op, got, want, engine.ErrShapeMismatch)
	}
	for i := range got {
		if got[i] != want[i] {
			return fmt.Errorf("kernel: %s: shape mismatch: got %v want %v: %w", op, got, want, engine.ErrShapeMismatch)
		}
	}
	return nil
}
