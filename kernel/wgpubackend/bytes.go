package wgpubackend

import (
	"encoding/binary"
	"math"
)

// float32SliceToBytes packs a float32 slice little-endian, the same
// per-element encoding.LittleEndian.PutUint32(buf, math.Float32bits(v))
// pattern the teacher's gpu buffer manager uses for uniform uploads.
func float32SliceToBytes(xs []float32) []byte {
	buf := make([]byte, len(xs)*4)
	for i, v := range xs {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// bytesToFloat32Slice unpacks n little-endian float32 values from buf.
func bytesToFloat32Slice(buf []byte, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		bits := binary.LittleEndian.Uint32(buf[i*4:])
		out[i] = math.Float32frombits(bits)
	}
	return out
}
