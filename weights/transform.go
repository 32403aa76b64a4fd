package weights

import (
	"encoding/binary"
	"math"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"github.com/doppler/engine/manifest"
)

// widen converts raw shard bytes into the byte layout a kernel operand
// actually expects. Neither bf16 nor ieee f16 have a dedicated math path
// in kernel.CPUBackend — a kernel.Tensor's data is always f32-equivalent
// — so both are widened to f32 on load, the way convert.go's writer
// widens narrow source tensors before they ever reach disk. Q4K/Q8
// tensors pass through untouched; DequantizeQ4K reads the packed layout
// directly.
func widen(raw []byte, dtype manifest.DType) ([]byte, manifest.DType) {
	switch dtype {
	case manifest.DTypeBF16:
		values := bfloat16.DecodeFloat32(raw)
		return float32SliceToBytes(values), manifest.DTypeF32

	case manifest.DTypeF16:
		n := len(raw) / 2
		values := make([]float32, n)
		for i := 0; i < n; i++ {
			bits := binary.LittleEndian.Uint16(raw[i*2:])
			values[i] = float16.Frombits(bits).Float32()
		}
		return float32SliceToBytes(values), manifest.DTypeF32

	default:
		return raw, dtype
	}
}

func float32SliceToBytes(values []float32) []byte {
	out := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}
