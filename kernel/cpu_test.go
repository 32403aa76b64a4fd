package kernel

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGatherPicksRows(t *testing.T) {
	b := CPUBackend{}
	table := NewTensor(F32, []int{3, 2}, []float32{1, 2, 3, 4, 5, 6})
	out, err := b.Gather(context.Background(), table, []int32{2, 0})
	require.NoError(t, err)
	require.Equal(t, []float32{5, 6, 1, 2}, out.Data())
}

func TestGatherRejectsOutOfRange(t *testing.T) {
	b := CPUBackend{}
	table := NewTensor(F32, []int{2, 2}, []float32{1, 2, 3, 4})
	_, err := b.Gather(context.Background(), table, []int32{5})
	require.Error(t, err)
}

func TestRMSNormNormalizesToUnitRMS(t *testing.T) {
	b := CPUBackend{}
	x := NewTensor(F32, []int{1, 4}, []float32{1, 2, 3, 4})
	w := NewTensor(F32, []int{4}, []float32{1, 1, 1, 1})

	out, err := b.RMSNorm(context.Background(), x, w, 1e-6, false)
	require.NoError(t, err)

	var ss float64
	for _, v := range out.Data() {
		ss += float64(v) * float64(v)
	}
	rms := math.Sqrt(ss / 4)
	require.InDelta(t, 1.0, rms, 1e-3)
}

func TestMatmulComputesDotProducts(t *testing.T) {
	b := CPUBackend{}
	x := NewTensor(F32, []int{1, 2}, []float32{1, 2})
	w := NewTensor(F32, []int{3, 2}, []float32{1, 0, 0, 1, 1, 1})
	out, err := b.Matmul(context.Background(), x, w)
	require.NoError(t, err)
	require.Equal(t, []float32{1, 2, 3}, out.Data())
}

func TestSoftmaxSumsToOne(t *testing.T) {
	b := CPUBackend{}
	x := NewTensor(F32, []int{3}, []float32{1, 2, 3})
	out, err := b.Softmax(context.Background(), x)
	require.NoError(t, err)
	var sum float32
	for _, v := range out.Data() {
		sum += v
	}
	require.InDelta(t, float32(1.0), sum, 1e-5)
}

func TestArgmaxPicksLargest(t *testing.T) {
	b := CPUBackend{}
	x := NewTensor(F32, []int{4}, []float32{0.1, 0.9, 0.2, 0.05})
	idx, err := b.Argmax(context.Background(), x)
	require.NoError(t, err)
	require.Equal(t, 1, idx)
}

func TestTopKReturnsLargestKDescending(t *testing.T) {
	b := CPUBackend{}
	x := NewTensor(F32, []int{5}, []float32{3, 1, 4, 1, 5})
	ids, vals, err := b.TopK(context.Background(), x, 2)
	require.NoError(t, err)
	require.Equal(t, []int{4, 2}, ids)
	require.Equal(t, []float32{5, 4}, vals)
}

func TestResidualAddRejectsShapeMismatch(t *testing.T) {
	b := CPUBackend{}
	a := NewTensor(F32, []int{2}, []float32{1, 2})
	c := NewTensor(F32, []int{3}, []float32{1, 2, 3})
	_, err := b.ResidualAdd(context.Background(), a, c)
	require.Error(t, err)
}

func TestRoPEPreservesVectorNorm(t *testing.T) {
	b := CPUBackend{}
	x := NewTensor(F32, []int{1, 4}, []float32{1, 0, 1, 0})
	out, err := b.RoPE(context.Background(), x, []int32{5}, 10000, 4, false)
	require.NoError(t, err)

	var before, after float64
	for _, v := range x.Data() {
		before += float64(v) * float64(v)
	}
	for _, v := range out.Data() {
		after += float64(v) * float64(v)
	}
	require.InDelta(t, before, after, 1e-4)
}

// TestRoPERotatesEachHeadIndependently pins §4.2.5: rotation happens
// within each head's own head_dim span, using frequencies derived from
// head_dim alone, not from the flattened numHeads*head_dim row width.
// Two heads fed identical per-head data must come out identical, and
// the per-head result must match the single-head formula applied to
// head_dim (4), never the pre-fix formula that treated the whole
// 8-wide row as one head.
func TestRoPERotatesEachHeadIndependently(t *testing.T) {
	b := CPUBackend{}
	headDim := 4
	row := []float32{1, 0, 0, 0, 1, 0, 0, 0} // two heads, each [1,0,0,0]
	x := NewTensor(F32, []int{1, 2 * headDim}, row)

	out, err := b.RoPE(context.Background(), x, []int32{1}, 10000, headDim, false)
	require.NoError(t, err)

	singleHead := NewTensor(F32, []int{1, headDim}, []float32{1, 0, 0, 0})
	wantHead, err := b.RoPE(context.Background(), singleHead, []int32{1}, 10000, headDim, false)
	require.NoError(t, err)

	got := out.Data()
	require.InDeltaSlice(t, wantHead.Data(), got[:headDim], 1e-5)
	require.InDeltaSlice(t, wantHead.Data(), got[headDim:], 1e-5)
}

func TestRoPERejectsHeadDimNotDividingRowWidth(t *testing.T) {
	b := CPUBackend{}
	x := NewTensor(F32, []int{1, 6}, make([]float32, 6))
	_, err := b.RoPE(context.Background(), x, []int32{0}, 10000, 4, false)
	require.Error(t, err)
}

func TestAttentionPrefillAttendsOnlyWithinMask(t *testing.T) {
	b := CPUBackend{}
	p := AttentionParams{NumHeadsQ: 1, NumHeadsKV: 1, HeadDim: 2, Scale: 1}
	q := NewTensor(F32, []int{1, 2}, []float32{1, 0})
	k := NewTensor(F32, []int{2, 2}, []float32{1, 0, 0, 1})
	v := NewTensor(F32, []int{2, 2}, []float32{10, 20, 30, 40})

	// mask out the second key entirely
	mask := []float32{0, float32(math.Inf(-1))}
	out, err := b.AttentionPrefill(context.Background(), q, k, v, mask, p)
	require.NoError(t, err)
	require.InDelta(t, 10, out.Data()[0], 1e-3)
	require.InDelta(t, 20, out.Data()[1], 1e-3)
}
