// Package refcheck provides the reference statistics kernel tests use
// to check a GPU kernel's output against the CPU backend without
// demanding bit-exact equality — the two backends accumulate floating
// point sums in different orders, so tests assert they agree within a
// tolerance derived from the reference distribution's own variance.
package refcheck

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// MeanVariance returns the mean and variance of x, the same two
// reference statistics RMSNorm itself computes, so a kernel test can
// report "the GPU and CPU results diverge by N reference std-devs"
// rather than a raw epsilon.
func MeanVariance(x []float32) (mean, variance float64) {
	f64 := make([]float64, len(x))
	for i, v := range x {
		f64[i] = float64(v)
	}
	return stat.MeanVariance(f64, nil)
}

// WithinStdDevs reports whether got is within n standard deviations of
// want, computed from the reference sample ref.
func WithinStdDevs(got, want float64, ref []float32, n float64) bool {
	_, variance := MeanVariance(ref)
	diff := math.Abs(got - want)
	return diff <= n*math.Sqrt(variance)
}
