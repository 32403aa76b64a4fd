package weights

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/doppler/engine/manifest"
)

func TestWidenPassesThroughF32Unchanged(t *testing.T) {
	raw := []byte{1, 2, 3, 4}
	out, dtype := widen(raw, manifest.DTypeF32)
	require.Equal(t, raw, out)
	require.Equal(t, manifest.DTypeF32, dtype)
}

func TestWidenPassesThroughQ4KUnchanged(t *testing.T) {
	raw := make([]byte, 144)
	out, dtype := widen(raw, manifest.DTypeQ4K)
	require.Equal(t, raw, out)
	require.Equal(t, manifest.DTypeQ4K, dtype)
}

func TestWidenExpandsF16ToF32(t *testing.T) {
	// ieee f16 encoding of 2.0: sign 0, exponent 16 (2^1 -> biased 16), mantissa 0.
	raw := make([]byte, 2)
	binary.LittleEndian.PutUint16(raw, 0x4000)

	out, dtype := widen(raw, manifest.DTypeF16)
	require.Equal(t, manifest.DTypeF32, dtype)
	require.Len(t, out, 4)

	got := math.Float32frombits(binary.LittleEndian.Uint32(out))
	require.InDelta(t, float32(2.0), got, 1e-6)
}

func TestWidenExpandsBF16ToF32(t *testing.T) {
	// bf16 encoding of 1.0 is the top 16 bits of float32(1.0)'s bit pattern.
	bits := math.Float32bits(1.0)
	bf16Bits := uint16(bits >> 16)
	raw := make([]byte, 2)
	binary.LittleEndian.PutUint16(raw, bf16Bits)

	out, dtype := widen(raw, manifest.DTypeBF16)
	require.Equal(t, manifest.DTypeF32, dtype)
	require.Len(t, out, 4)

	got := math.Float32frombits(binary.LittleEndian.Uint32(out))
	require.InDelta(t, float32(1.0), got, 1e-6)
}
