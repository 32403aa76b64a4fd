package layer

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/doppler/engine/kernel"
	"github.com/doppler/engine/kvcache"
	"github.com/doppler/engine/manifest"
)

// identityWeight builds an (out,in) linear weight tensor that is the
// identity when out == in, so a test block's QKV/output/FFN
// projections are easy to reason about by hand.
func identityWeight(dim int) kernel.Tensor {
	data := make([]float32, dim*dim)
	for i := 0; i < dim; i++ {
		data[i*dim+i] = 1
	}
	return kernel.NewTensor(kernel.F32, []int{dim, dim}, data)
}

func onesWeight(out, in int) kernel.Tensor {
	data := make([]float32, out*in)
	for i := range data {
		data[i] = 1
	}
	return kernel.NewTensor(kernel.F32, []int{out, in}, data)
}

func normWeight(dim int) kernel.Tensor {
	data := make([]float32, dim)
	for i := range data {
		data[i] = 1
	}
	return kernel.NewTensor(kernel.F32, []int{dim}, data)
}

func testManifest() *manifest.Manifest {
	return &manifest.Manifest{
		HiddenSize:   8,
		NumHeadsQ:    2,
		NumHeadsKV:   2,
		HeadDim:      4,
		Intermediate: 8,
		RMSNormEps:   1e-6,
		MaxPosition:  16,
	}
}

func testBlock(m *manifest.Manifest) Block {
	h := m.HiddenSize
	i := m.Intermediate
	return Block{
		Index:     0,
		RopeTheta: 10000,
		W: Weights{
			AttnNorm: normWeight(h),
			Wq:       identityWeight(h),
			Wk:       identityWeight(h),
			Wv:       identityWeight(h),
			Wo:       identityWeight(h),
			FFNNorm:  normWeight(h),
			GateW:    onesWeight(i, h),
			UpW:      onesWeight(i, h),
			DownW:    onesWeight(h, i),
		},
	}
}

func TestBlockRunPrefillProducesHiddenShapedOutput(t *testing.T) {
	m := testManifest()
	blk := testBlock(m)
	backend := kernel.NewCPUBackend()
	pair := kvcache.NewPair(m.MaxPosition, 0, m.NumHeadsKV, m.HeadDim, func(int) bool { return false })

	x := kernel.NewTensor(kernel.F32, []int{2, m.HiddenSize}, []float32{
		1, 0, 0, 0, 0, 0, 0, 0,
		0, 1, 0, 0, 0, 0, 0, 0,
	})
	positions := []int32{0, 1}

	out, err := blk.Run(context.Background(), backend, Prefill, x, positions, pair, m)
	require.NoError(t, err)
	require.Equal(t, []int{2, m.HiddenSize}, out.Shape())
}

// TestBlockRunPrefillIsCausalAcrossBatchRows pins §8 property 5: the
// first row of a batched prefill must not be influenced by tokens that
// appear later in the same batch, even though both rows share one
// Run call and therefore one kv.Append/attention pass.
func TestBlockRunPrefillIsCausalAcrossBatchRows(t *testing.T) {
	m := testManifest()
	backend := kernel.NewCPUBackend()

	runFirstRowOutput := func(secondTokenActive bool) []float32 {
		blk := testBlock(m)
		pair := kvcache.NewPair(m.MaxPosition, 0, m.NumHeadsKV, m.HeadDim, func(int) bool { return false })
		row0 := []float32{1, 0, 0, 0, 0, 0, 0, 0}
		row1 := make([]float32, m.HiddenSize)
		if secondTokenActive {
			row1 = []float32{0, 0, 0, 1, 0, 0, 0, 0}
		}
		x := kernel.NewTensor(kernel.F32, []int{2, m.HiddenSize}, append(append([]float32{}, row0...), row1...))
		out, err := blk.Run(context.Background(), backend, Prefill, x, []int32{0, 1}, pair, m)
		require.NoError(t, err)
		return append([]float32{}, out.Data()[:m.HiddenSize]...)
	}

	withInertSecondToken := runFirstRowOutput(false)
	withDifferentSecondToken := runFirstRowOutput(true)
	require.Equal(t, withInertSecondToken, withDifferentSecondToken)
}

// TestBlockRunPrefillSlidingWindowSurvivesPromptLongerThanWindow pins
// §4.2.6/§8 property 6: a local layer's attention output for an early
// query row must stay finite and in-window, even when the prefill is
// longer than the window. A local cache physically sized to the window
// (rather than max_position) would overwrite the early keys an early
// row needs before attention runs, masking that row to all -inf and
// producing NaN softmax output.
func TestBlockRunPrefillSlidingWindowSurvivesPromptLongerThanWindow(t *testing.T) {
	m := testManifest()
	window := int32(2)
	blk := testBlock(m)
	blk.Window = window
	backend := kernel.NewCPUBackend()

	isLocal := func(int) bool { return true }
	pair := kvcache.NewPair(m.MaxPosition, int(window), m.NumHeadsKV, m.HeadDim, isLocal)

	const n = 6
	data := make([]float32, n*m.HiddenSize)
	for i := 0; i < n; i++ {
		data[i*m.HiddenSize+(i%m.HiddenSize)] = 1
	}
	x := kernel.NewTensor(kernel.F32, []int{n, m.HiddenSize}, data)
	positions := make([]int32, n)
	for i := range positions {
		positions[i] = int32(i)
	}

	out, err := blk.Run(context.Background(), backend, Prefill, x, positions, pair, m)
	require.NoError(t, err)
	for _, v := range out.Data() {
		require.False(t, math.IsNaN(float64(v)), "sliding-window prefill produced NaN output")
	}
}

func TestBlockRunDecodeAdvancesCacheByOne(t *testing.T) {
	m := testManifest()
	blk := testBlock(m)
	backend := kernel.NewCPUBackend()
	pair := kvcache.NewPair(m.MaxPosition, 0, m.NumHeadsKV, m.HeadDim, func(int) bool { return false })

	x0 := kernel.NewTensor(kernel.F32, []int{1, m.HiddenSize}, make([]float32, m.HiddenSize))
	if _, err := blk.Run(context.Background(), backend, Prefill, x0, []int32{0}, pair, m); err != nil {
		t.Fatalf("prefill: %v", err)
	}

	x1 := kernel.NewTensor(kernel.F32, []int{1, m.HiddenSize}, make([]float32, m.HiddenSize))
	out, err := blk.Run(context.Background(), backend, Decode, x1, []int32{1}, pair, m)
	require.NoError(t, err)
	require.Equal(t, []int{1, m.HiddenSize}, out.Shape())
	require.Equal(t, 2, pair.Global.Len())
}
