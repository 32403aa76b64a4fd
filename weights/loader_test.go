package weights

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/doppler/engine/engine"
	"github.com/doppler/engine/manifest"
)

type flakyReader struct {
	failures int
	data     []byte
}

func (f *flakyReader) ReadAt(p []byte, off int64) (int, error) {
	if f.failures > 0 {
		f.failures--
		return 0, errors.New("simulated transient failure")
	}
	n := copy(p, f.data[off:])
	return n, nil
}

func TestReadWithRetrySucceedsAfterTransientFailures(t *testing.T) {
	data := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	r := &flakyReader{failures: 2, data: data}
	desc := manifest.TensorDescriptor{Name: "t", Offset: 0, Length: int64(len(data))}

	got, err := readWithRetry(context.Background(), r, desc)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestReadWithRetryFailsAfterExhaustingAttempts(t *testing.T) {
	r := &flakyReader{failures: maxAttempts + 1, data: make([]byte, 8)}
	desc := manifest.TensorDescriptor{Name: "t", Offset: 0, Length: 8}

	_, err := readWithRetry(context.Background(), r, desc)
	require.Error(t, err)
	require.ErrorIs(t, err, engine.ErrIOFailure)
}

func TestTensorAsKernelDecodesF32Data(t *testing.T) {
	raw := float32SliceForTest(t, []float32{1, 2, 3, 4})
	tensor := &Tensor{
		Desc: manifest.TensorDescriptor{DType: manifest.DTypeF32, Shape: []int{4}},
		host: raw,
	}

	kt, err := tensor.AsKernel()
	require.NoError(t, err)
	require.Equal(t, []float32{1, 2, 3, 4}, kt.Data())
}

func TestTensorAsKernelKeepsQ4KRaw(t *testing.T) {
	raw := make([]byte, 144)
	raw[0] = 0xAB
	tensor := &Tensor{
		Desc: manifest.TensorDescriptor{DType: manifest.DTypeQ4K, Shape: []int{256}},
		host: raw,
	}

	kt, err := tensor.AsKernel()
	require.NoError(t, err)
	require.Equal(t, raw, kt.Raw())
}

func float32SliceForTest(t *testing.T, values []float32) []byte {
	t.Helper()
	return float32SliceToBytes(values)
}
