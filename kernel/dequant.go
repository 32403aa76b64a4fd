package kernel

import (
	"context"
	"fmt"

	"github.com/doppler/engine/quant"
)

// DequantizeQ4K expands every 144-byte Q4_K block in raw into 256 f32
// values, producing a same-shape f32 tensor. Shape's product must be a
// multiple of quant.BlockElements, the same invariant manifest.Validate
// checks for every Q4_K tensor descriptor.
func (CPUBackend) DequantizeQ4K(ctx context.Context, raw Tensor) (Tensor, error) {
	n := raw.NumElements()
	if n%quant.BlockElements != 0 {
		return Tensor{}, fmt.Errorf("kernel: dequantize_q4k: %d elements not divisible by block size %d", n, quant.BlockElements)
	}

	numBlocks := n / quant.BlockElements
	bytes := raw.Raw()
	if len(bytes) != numBlocks*quant.BlockBytes {
		return Tensor{}, fmt.Errorf("kernel: dequantize_q4k: expected %d raw bytes, got %d", numBlocks*quant.BlockBytes, len(bytes))
	}

	out := make([]float32, n)
	for b := 0; b < numBlocks; b++ {
		block, err := quant.Decode(bytes[b*quant.BlockBytes : (b+1)*quant.BlockBytes])
		if err != nil {
			return Tensor{}, err
		}
		values := quant.Dequantize(block)
		copy(out[b*quant.BlockElements:(b+1)*quant.BlockElements], values[:])
	}

	return NewTensor(F32, raw.Shape(), out), nil
}
