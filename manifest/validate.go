package manifest

import (
	"fmt"

	"github.com/doppler/engine/engine"
)

// q4kBlockElements mirrors quant.BlockElements without importing the quant
// package, which would make manifest depend on the codec it only needs to
// reason about in terms of element-count arithmetic.
const q4kBlockElements = 256

// Validate checks the invariants §3.1 promises the pipeline: shapes
// multiply out exactly, GQA head counts divide evenly, and quantized
// tensors have element counts divisible by their block size. It wraps
// every failure with engine.ErrManifestInvalid.
func (m *Manifest) Validate() error {
	if m.NumHeadsKV == 0 || m.NumHeadsQ%m.NumHeadsKV != 0 {
		return fmt.Errorf("num_attention_heads (%d) not divisible by num_kv_heads (%d): %w",
			m.NumHeadsQ, m.NumHeadsKV, engine.ErrManifestInvalid)
	}

	if m.HiddenSize != m.NumHeadsQ*m.HeadDim {
		return fmt.Errorf("hidden_size (%d) != num_attention_heads*head_dim (%d*%d=%d): %w",
			m.HiddenSize, m.NumHeadsQ, m.HeadDim, m.NumHeadsQ*m.HeadDim, engine.ErrManifestInvalid)
	}

	if m.VocabSize <= 0 || m.NumLayers <= 0 || m.Intermediate <= 0 {
		return fmt.Errorf("vocab_size/num_layers/intermediate_size must be positive: %w", engine.ErrManifestInvalid)
	}

	for name, t := range m.Tensors {
		if t.DType == DTypeQ4K && t.NumElements()%q4kBlockElements != 0 {
			return fmt.Errorf("tensor %q: Q4_K element count %d not divisible by block size %d: %w",
				name, t.NumElements(), q4kBlockElements, engine.ErrManifestInvalid)
		}
	}

	return nil
}
