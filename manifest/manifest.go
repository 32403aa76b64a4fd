// Package manifest models the architecture/tensor description the
// inference core is handed before any weight is loaded. It mirrors the
// shape of fs/ggml's KV/Tensors split but is scoped to exactly the fields
// the pipeline needs (§3.1 of the spec this core implements).
package manifest

import (
	"fmt"

	"github.com/doppler/engine/engine"
)

// DType is the on-disk element type of a tensor, distinct from the
// runtime kernel dtype enum in package kernel — a manifest tensor
// declared Q4_K is dequantized or fused-matmul'd, never itself a kernel
// operand dtype directly.
type DType int

const (
	DTypeF32 DType = iota
	DTypeF16
	DTypeBF16
	DTypeQ4K
	DTypeQ8
)

func (d DType) String() string {
	switch d {
	case DTypeF32:
		return "F32"
	case DTypeF16:
		return "F16"
	case DTypeBF16:
		return "BF16"
	case DTypeQ4K:
		return "Q4_K"
	case DTypeQ8:
		return "Q8"
	default:
		return "unknown"
	}
}

// NormConvention selects how a learned RMSNorm weight is applied.
// Plus-one is used by model families that store weights centered at 0;
// standard is used by families that store weights centered at 1.
type NormConvention int

const (
	NormStandard NormConvention = iota
	NormPlusOne
)

// TensorDescriptor names one tensor and where its bytes live.
type TensorDescriptor struct {
	Name    string
	DType   DType
	Shape   []int
	ShardID string
	Offset  int64
	Length  int64
}

// NumElements returns the product of the declared shape.
func (t TensorDescriptor) NumElements() int64 {
	n := int64(1)
	for _, d := range t.Shape {
		n *= int64(d)
	}
	return n
}

// Manifest is the immutable, load-once architecture description of §3.1.
// Nothing in the pipeline mutates a Manifest after Validate succeeds.
type Manifest struct {
	VocabSize    int
	HiddenSize   int
	NumLayers    int
	NumHeadsQ    int
	NumHeadsKV   int
	HeadDim      int
	Intermediate int
	RMSNormEps   float32

	RopeThetaGlobal      float32
	RopeThetaLocal       float32 // 0 means "same as global"
	RopeInterleaved      bool    // false: split pairs (j, j+D/2); true: interleaved (2j, 2j+1)
	SlidingWindowPattern int     // 0 disables local/global alternation
	SlidingWindowSize    int

	MaxPosition int

	NormConvention  NormConvention
	ScaleEmbeddings bool

	Tensors map[string]TensorDescriptor
}

// IsLocalLayer reports whether layer index i is windowed attention,
// per §3.1: "layer index i is local/windowed when i % pattern != 0".
func (m *Manifest) IsLocalLayer(i int) bool {
	if m.SlidingWindowPattern == 0 {
		return false
	}
	return i%m.SlidingWindowPattern != 0
}

// RopeTheta returns the base frequency for layer i, honoring the dual
// global/local theta design note.
func (m *Manifest) RopeTheta(i int) float32 {
	if m.IsLocalLayer(i) && m.RopeThetaLocal != 0 {
		return m.RopeThetaLocal
	}
	return m.RopeThetaGlobal
}

// Tensor looks up a tensor descriptor by name, wrapping engine.ErrManifestInvalid
// when absent so loader call sites can propagate a single sentinel.
func (m *Manifest) Tensor(name string) (TensorDescriptor, error) {
	t, ok := m.Tensors[name]
	if !ok {
		return TensorDescriptor{}, fmt.Errorf("tensor %q: %w", name, engine.ErrManifestInvalid)
	}
	return t, nil
}
