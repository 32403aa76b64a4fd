package pipeline

import (
	"context"
	"math"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/doppler/engine/kernel"
	"github.com/doppler/engine/manifest"
	"github.com/doppler/engine/profiler"
	"github.com/doppler/engine/weights"
)

func identityBytes(dim int) []byte {
	data := make([]float32, dim*dim)
	for i := 0; i < dim; i++ {
		data[i*dim+i] = 1
	}
	return floatsToBytes(data)
}

func onesBytes(out, in int) []byte {
	data := make([]float32, out*in)
	for i := range data {
		data[i] = 1
	}
	return floatsToBytes(data)
}

func normBytes(dim int) []byte {
	data := make([]float32, dim)
	for i := range data {
		data[i] = 1
	}
	return floatsToBytes(data)
}

func floatsToBytes(data []float32) []byte {
	out := make([]byte, len(data)*4)
	for i, v := range data {
		b := math.Float32bits(v)
		out[i*4] = byte(b)
		out[i*4+1] = byte(b >> 8)
		out[i*4+2] = byte(b >> 16)
		out[i*4+3] = byte(b >> 24)
	}
	return out
}

func testManifest(vocab, hidden, layers int) *manifest.Manifest {
	return &manifest.Manifest{
		VocabSize:    vocab,
		HiddenSize:   hidden,
		NumLayers:    layers,
		NumHeadsQ:    2,
		NumHeadsKV:   2,
		HeadDim:      hidden / 2,
		Intermediate: hidden,
		RMSNormEps:   1e-6,
		MaxPosition:  32,
		Tensors:      map[string]manifest.TensorDescriptor{},
	}
}

func testWeights(m *manifest.Manifest) *weights.Weights {
	h := m.HiddenSize
	i := m.Intermediate
	tensors := map[string]*weights.Tensor{
		"token_embd.weight": weights.NewHostTensor(
			manifest.TensorDescriptor{Name: "token_embd.weight", DType: manifest.DTypeF32, Shape: []int{m.VocabSize, h}},
			identityEmbedBytes(m.VocabSize, h),
		),
		"output_norm.weight": weights.NewHostTensor(
			manifest.TensorDescriptor{Name: "output_norm.weight", DType: manifest.DTypeF32, Shape: []int{h}},
			normBytes(h),
		),
	}
	for l := 0; l < m.NumLayers; l++ {
		prefix := "blk." + strconv.Itoa(l) + "."
		tensors[prefix+"attn_norm.weight"] = weights.NewHostTensor(manifest.TensorDescriptor{DType: manifest.DTypeF32, Shape: []int{h}}, normBytes(h))
		tensors[prefix+"attn_q.weight"] = weights.NewHostTensor(manifest.TensorDescriptor{DType: manifest.DTypeF32, Shape: []int{h, h}}, identityBytes(h))
		tensors[prefix+"attn_k.weight"] = weights.NewHostTensor(manifest.TensorDescriptor{DType: manifest.DTypeF32, Shape: []int{h, h}}, identityBytes(h))
		tensors[prefix+"attn_v.weight"] = weights.NewHostTensor(manifest.TensorDescriptor{DType: manifest.DTypeF32, Shape: []int{h, h}}, identityBytes(h))
		tensors[prefix+"attn_output.weight"] = weights.NewHostTensor(manifest.TensorDescriptor{DType: manifest.DTypeF32, Shape: []int{h, h}}, identityBytes(h))
		tensors[prefix+"ffn_norm.weight"] = weights.NewHostTensor(manifest.TensorDescriptor{DType: manifest.DTypeF32, Shape: []int{h}}, normBytes(h))
		tensors[prefix+"ffn_gate.weight"] = weights.NewHostTensor(manifest.TensorDescriptor{DType: manifest.DTypeF32, Shape: []int{i, h}}, onesBytes(i, h))
		tensors[prefix+"ffn_up.weight"] = weights.NewHostTensor(manifest.TensorDescriptor{DType: manifest.DTypeF32, Shape: []int{i, h}}, onesBytes(i, h))
		tensors[prefix+"ffn_down.weight"] = weights.NewHostTensor(manifest.TensorDescriptor{DType: manifest.DTypeF32, Shape: []int{h, i}}, onesBytes(h, i))
	}
	return weights.NewLoaded(tensors)
}

func identityEmbedBytes(vocab, hidden int) []byte {
	n := vocab
	if hidden < n {
		n = hidden
	}
	data := make([]float32, vocab*hidden)
	for i := 0; i < n; i++ {
		data[i*hidden+i] = 1
	}
	return floatsToBytes(data)
}

func TestGenerateProducesMaxTokensThenStops(t *testing.T) {
	m := testManifest(16, 8, 2)
	w := testWeights(m)
	backend := kernel.NewCPUBackend()

	orch, err := New(context.Background(), backend, m, w)
	require.NoError(t, err)

	events := orch.Generate(context.Background(), []int32{1, 2, 3}, Options{MaxTokens: 4})

	var got []Event
	for ev := range events {
		got = append(got, ev)
	}

	require.NoError(t, got[len(got)-1].Err)
	require.True(t, got[len(got)-1].Done)
	require.Equal(t, Stopped, orch.State())

	produced := 0
	for _, ev := range got {
		if ev.HasToken {
			produced++
		}
	}
	require.Equal(t, 4, produced)
}

func TestGenerateStopsOnStopToken(t *testing.T) {
	m := testManifest(4, 8, 1)
	w := testWeights(m)
	backend := kernel.NewCPUBackend()

	orch, err := New(context.Background(), backend, m, w)
	require.NoError(t, err)

	events := orch.Generate(context.Background(), []int32{0}, Options{
		MaxTokens:    100,
		StopTokenIDs: map[int32]struct{}{0: {}, 1: {}, 2: {}, 3: {}},
	})

	var count int
	for range events {
		count++
	}
	require.LessOrEqual(t, count, 2)
	require.Equal(t, Stopped, orch.State())
}

func TestResetReturnsToIdleAndClearsCache(t *testing.T) {
	m := testManifest(8, 8, 1)
	w := testWeights(m)
	backend := kernel.NewCPUBackend()

	orch, err := New(context.Background(), backend, m, w)
	require.NoError(t, err)

	for range orch.Generate(context.Background(), []int32{0, 1}, Options{MaxTokens: 2}) {
	}
	require.Equal(t, Stopped, orch.State())

	orch.Reset()
	require.Equal(t, Idle, orch.State())
	require.Equal(t, 0, orch.cache.Global.Len())
}

func TestSetProfilerRecordsSubmitsPerLayerPass(t *testing.T) {
	m := testManifest(8, 8, 3)
	w := testWeights(m)
	backend := kernel.NewCPUBackend()

	orch, err := New(context.Background(), backend, m, w)
	require.NoError(t, err)

	p := profiler.New(false)
	orch.SetProfiler(p)

	for range orch.Generate(context.Background(), []int32{0, 1}, Options{MaxTokens: 2}) {
	}

	stats := p.Resolve()
	require.Equal(t, uint64(m.NumLayers), stats[profiler.ScopePrefill].Submits)
	// MaxTokens 2: prefill samples the first token, one decode pass the second.
	require.Equal(t, uint64(m.NumLayers), stats[profiler.ScopeDecode].Submits)
}
