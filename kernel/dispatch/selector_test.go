package dispatch

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/doppler/engine/gpu"
	"github.com/doppler/engine/kernel"
)

func TestSelectPrefersFusedQ4KWhenRegistered(t *testing.T) {
	v := Select(Registry{FusedQ4KAvailable: true}, gpu.Features{}, kernel.Q4K, false)
	require.Equal(t, VariantFusedQ4K, v)
}

func TestSelectFallsBackToDequantWhenFusedUnavailable(t *testing.T) {
	v := Select(Registry{FusedQ4KAvailable: false}, gpu.Features{}, kernel.Q4K, false)
	require.Equal(t, VariantDequantThenMatmulF16, v)
}

func TestSelectPrefersSubgroupGemvWhenShapedAndSupported(t *testing.T) {
	v := Select(Registry{}, gpu.Features{Subgroups: true}, kernel.F32, true)
	require.Equal(t, VariantSubgroupGemv, v)
}

func TestSelectFallsBackToGenericF32(t *testing.T) {
	v := Select(Registry{}, gpu.Features{}, kernel.F32, false)
	require.Equal(t, VariantGenericF32, v)
}
