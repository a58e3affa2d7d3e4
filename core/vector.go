package core

import (
	"fmt"
	"math"
)

// CosineSimilarity returns cos(a, b) in [-1, 1].
// Vectors of different width fail with ErrDimensionMismatch; a zero vector has similarity 0.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d != %d", ErrDimensionMismatch, len(a), len(b))
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), nil
}

// CosineDistance returns 1 - CosineSimilarity.
func CosineDistance(a, b []float32) (float64, error) {
	sim, err := CosineSimilarity(a, b)
	if err != nil {
		return 0, err
	}
	return 1 - sim, nil
}

// CheckDimension verifies a query vector against the store's recorded width.
// A zero storeDim means nothing has been embedded yet and any non-empty vector is accepted.
func CheckDimension(vector []float32, storeDim int) error {
	if len(vector) == 0 {
		return fmt.Errorf("%w: query embedding is empty", ErrDimensionMismatch)
	}
	if storeDim > 0 && len(vector) != storeDim {
		return fmt.Errorf("%w: query has %d dimensions, store has %d", ErrDimensionMismatch, len(vector), storeDim)
	}
	return nil
}
