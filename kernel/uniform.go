package kernel

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// UniformDescriptor is the fixed-layout struct every compute-shader
// invocation in kernel/wgpubackend uploads as its uniform buffer. The
// field order is part of the wire contract with the WGSL shaders (see
// the design note on uniform buffer field order): it must never change
// without updating every shader's struct declaration in lockstep, so
// it lives in exactly one place and every kernel builds one through
// NewUniformDescriptor rather than hand-assembling bytes.
type UniformDescriptor struct {
	Rows       uint32
	Cols       uint32
	Stride     uint32
	BatchSize  uint32
	HeadDim    uint32
	NumHeads   uint32
	NumHeadsKV uint32
	Scale      float32
	Theta      float32
	Flags      uint32
	_          uint32 // pad0
	_          uint32 // pad1
}

const UniformDescriptorSize = 48

// Encode packs the descriptor into its wire bytes, little-endian, in
// declared field order.
func (u UniformDescriptor) Encode() []byte {
	var buf bytes.Buffer
	buf.Grow(UniformDescriptorSize)
	_ = binary.Write(&buf, binary.LittleEndian, u)
	return buf.Bytes()
}

// DecodeUniformDescriptor is the exact inverse of Encode, used by tests
// to assert the byte layout round-trips and stays a stable ABI.
func DecodeUniformDescriptor(raw []byte) (UniformDescriptor, error) {
	var u UniformDescriptor
	if len(raw) != UniformDescriptorSize {
		return u, fmt.Errorf("kernel: uniform descriptor must be %d bytes, got %d", UniformDescriptorSize, len(raw))
	}
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &u); err != nil {
		return u, err
	}
	return u, nil
}
