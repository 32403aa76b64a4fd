package manifest

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func validManifest() *Manifest {
	return &Manifest{
		VocabSize:            100,
		HiddenSize:           64,
		NumLayers:            4,
		NumHeadsQ:            8,
		NumHeadsKV:           4,
		HeadDim:              8,
		Intermediate:         256,
		RMSNormEps:           1e-6,
		SlidingWindowPattern: 4,
		Tensors: map[string]TensorDescriptor{
			"blk.0.attn_q.weight": {
				Name:  "blk.0.attn_q.weight",
				DType: DTypeQ4K,
				Shape: []int{512},
			},
		},
	}
}

func TestValidateAcceptsWellFormedManifest(t *testing.T) {
	require.NoError(t, validManifest().Validate())
}

func TestValidateRejectsUnevenGQA(t *testing.T) {
	m := validManifest()
	m.NumHeadsKV = 3
	require.Error(t, m.Validate())
}

func TestValidateRejectsShapeMismatch(t *testing.T) {
	m := validManifest()
	m.HiddenSize = 63
	require.Error(t, m.Validate())
}

func TestValidateRejectsMisalignedQ4KTensor(t *testing.T) {
	m := validManifest()
	m.Tensors["bad"] = TensorDescriptor{Name: "bad", DType: DTypeQ4K, Shape: []int{300}}
	require.Error(t, m.Validate())
}

func TestIsLocalLayerFollowsPattern(t *testing.T) {
	m := validManifest() // pattern 4: layers 0,4,8.. global; others local
	require.False(t, m.IsLocalLayer(0))
	require.True(t, m.IsLocalLayer(1))
	require.True(t, m.IsLocalLayer(3))
	require.False(t, m.IsLocalLayer(4))
}

func TestIsLocalLayerDisabledWhenPatternZero(t *testing.T) {
	m := validManifest()
	m.SlidingWindowPattern = 0
	require.False(t, m.IsLocalLayer(1))
	require.False(t, m.IsLocalLayer(7))
}

func TestRopeThetaPrefersLocalOnLocalLayers(t *testing.T) {
	m := validManifest()
	m.RopeThetaGlobal = 10000
	m.RopeThetaLocal = 1000000

	require.Equal(t, float32(10000), m.RopeTheta(0))
	require.Equal(t, float32(1000000), m.RopeTheta(1))
}

func TestRopeThetaFallsBackToGlobalWhenLocalUnset(t *testing.T) {
	m := validManifest()
	m.RopeThetaGlobal = 10000
	m.RopeThetaLocal = 0

	require.Equal(t, float32(10000), m.RopeTheta(1))
}

func TestTensorLookupMissingReturnsError(t *testing.T) {
	m := validManifest()
	_, err := m.Tensor("does-not-exist")
	require.Error(t, err)
}
