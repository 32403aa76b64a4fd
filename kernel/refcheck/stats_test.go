package refcheck

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMeanVarianceMatchesKnownSample(t *testing.T) {
	x := []float32{2, 4, 4, 4, 5, 5, 7, 9}
	mean, variance := MeanVariance(x)
	require.InDelta(t, 5.0, mean, 1e-6)
	require.InDelta(t, 4.571428, variance, 1e-4)
}

func TestWithinStdDevsAcceptsCloseValues(t *testing.T) {
	ref := []float32{1, 1, 1, 1}
	require.True(t, WithinStdDevs(1.0, 1.0, ref, 2))
}

func TestWithinStdDevsRejectsFarValues(t *testing.T) {
	ref := []float32{1, 2, 3, 4, 5}
	require.False(t, WithinStdDevs(100, 3, ref, 2))
}
