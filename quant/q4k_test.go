package quant

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTripWireFormat(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	var x [BlockElements]float32
	for i := range x {
		x[i] = r.Float32()*20 - 10
	}

	b := Quantize(x)
	raw := Encode(b)
	require.Len(t, raw, BlockBytes)

	b2, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, b, b2)
}

// TestQuantizeDequantizeErrorBound is property 1 from the testable
// properties list: per-element error must stay within
// (max(x)-min(x))/15 + 1e-6.
func TestQuantizeDequantizeErrorBound(t *testing.T) {
	r := rand.New(rand.NewSource(7))

	for trial := 0; trial < 20; trial++ {
		var x [BlockElements]float32
		lo, hi := float32(math.Inf(1)), float32(math.Inf(-1))
		for i := range x {
			x[i] = r.Float32()*200 - 100
			if x[i] < lo {
				lo = x[i]
			}
			if x[i] > hi {
				hi = x[i]
			}
		}

		b := Quantize(x)
		got := Dequantize(b)

		bound := (hi-lo)/15 + 1e-6
		for i := range x {
			diff := float64(got[i] - x[i])
			if diff < 0 {
				diff = -diff
			}
			require.LessOrEqualf(t, diff, float64(bound), "element %d: x=%v got=%v bound=%v", i, x[i], got[i], bound)
		}
	}
}

func TestDecodeRejectsWrongLength(t *testing.T) {
	_, err := Decode(make([]byte, BlockBytes-1))
	require.Error(t, err)
}
