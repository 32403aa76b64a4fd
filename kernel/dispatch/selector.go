// Package dispatch chooses which kernel variant serves a matmul call,
// mirroring the teacher's ggml backend dispatch
// (ml/backend/ggml/tensor_matrix.go routes Q4_K operands to a fused
// kernel when one is registered, else falls back to dequantize-then-
// matmul) and its subgroup-gemv preference
// (ml/device_info.go's FlashAttentionSupported-style capability gate).
package dispatch

import (
	"github.com/doppler/engine/envconfig"
	"github.com/doppler/engine/gpu"
	"github.com/doppler/engine/kernel"
)

// Variant names the chosen kernel path for a matmul call.
type Variant int

const (
	// VariantFusedQ4K runs dequantize+matmul in one fused kernel pass.
	VariantFusedQ4K Variant = iota
	// VariantDequantThenMatmulF16 dequantizes to a pooled f16 buffer,
	// then runs the plain f16 matmul kernel.
	VariantDequantThenMatmulF16
	// VariantSubgroupGemv runs the subgroup-accelerated gemv kernel
	// for batch-size-1 (decode-shaped) matmuls.
	VariantSubgroupGemv
	// VariantGenericF32 is the CPU-backend-compatible fallback: plain
	// f32 matmul, always available.
	VariantGenericF32
)

func (v Variant) String() string {
	switch v {
	case VariantFusedQ4K:
		return "fused_q4k"
	case VariantDequantThenMatmulF16:
		return "dequant_then_matmul_f16"
	case VariantSubgroupGemv:
		return "subgroup_gemv"
	default:
		return "generic_f32"
	}
}

// Registry names which fused kernels are actually wired for this
// build. It holds a single flag, whether a fused Q4_K kernel exists;
// no other dtype+shape class can be registered.
type Registry struct {
	FusedQ4KAvailable bool
}

// Select picks a variant in this order: DOPPLER_FORCE_CPU forces the
// generic f32 fallback; a Q4_K operand gets the fused Q4_K kernel when
// the registry has one and DOPPLER_FUSED_QUANT allows it, else the
// dequant-then-matmul path; a gemv-shaped call on a subgroup-capable
// device gets the subgroup gemv kernel; anything else gets the generic
// f32 fallback. There is no separate exact dtype+shape-class lookup:
// the registry's fused-Q4_K flag is the only registered variant.
func Select(reg Registry, features gpu.Features, dtype kernel.DType, isGemvShaped bool) Variant {
	if envconfig.ForceCPU() {
		return VariantGenericF32
	}

	if dtype == kernel.Q4K {
		if reg.FusedQ4KAvailable && envconfig.FusedQuant(true) {
			return VariantFusedQ4K
		}
		return VariantDequantThenMatmulF16
	}

	if isGemvShaped && features.Subgroups && envconfig.Subgroups(true) {
		return VariantSubgroupGemv
	}

	return VariantGenericF32
}
