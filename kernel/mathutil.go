package kernel

import (
	"math"

	"golang.org/x/exp/constraints"
)

func sqrt(x float64) float64   { return math.Sqrt(x) }
func pow(base, exp float32) float32 { return float32(math.Pow(float64(base), float64(exp))) }
func cos(x float32) float32    { return float32(math.Cos(float64(x))) }
func sin(x float32) float32    { return float32(math.Sin(float64(x))) }
func expf(x float32) float32 { return float32(math.Exp(float64(x))) }

// clamp bounds v to [lo, hi]; TopK uses it to pin a requested k to the
// length of the vocabulary row.
func clamp[T constraints.Ordered](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
