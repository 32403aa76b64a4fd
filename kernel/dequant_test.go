package kernel

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/doppler/engine/quant"
)

func TestDequantizeQ4KMatchesQuantPackage(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	var x [quant.BlockElements]float32
	for i := range x {
		x[i] = r.Float32()*10 - 5
	}
	block := quant.Quantize(x)
	raw := quant.Encode(block)

	b := CPUBackend{}
	tensor := NewRawTensor(Q4K, []int{quant.BlockElements}, raw)
	out, err := b.DequantizeQ4K(context.Background(), tensor)
	require.NoError(t, err)

	want := quant.Dequantize(block)
	require.Equal(t, want[:], out.Data())
}

func TestDequantizeQ4KRejectsBadLength(t *testing.T) {
	b := CPUBackend{}
	tensor := NewRawTensor(Q4K, []int{quant.BlockElements}, make([]byte, quant.BlockBytes-1))
	_, err := b.DequantizeQ4K(context.Background(), tensor)
	require.Error(t, err)
}
