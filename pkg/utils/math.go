package utils

import "math"

// NormalizeL2 scales x in place to unit length and returns its original norm.
// The sum is accumulated in float64 so long embeddings keep their precision.
// A zero vector is left untouched and reports 0.
func NormalizeL2(x []float32) float64 {
	var sum float64
	for _, v := range x {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return 0
	}
	norm := math.Sqrt(sum)
	inv := 1 / norm
	for i := range x {
		x[i] = float32(float64(x[i]) * inv)
	}
	return norm
}
