package reembed

import "math"

// NormalizeVector returns a unit-length copy of v so cosine similarity reduces
// to a dot product. A zero vector normalizes to zeros.
func NormalizeVector(v []float32) []float32 {
	if len(v) == 0 {
		return v
	}

	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}

	result := make([]float32, len(v))
	if sum == 0 {
		return result
	}
	inv := 1 / math.Sqrt(sum)
	for i, x := range v {
		result[i] = float32(float64(x) * inv)
	}
	return result
}
