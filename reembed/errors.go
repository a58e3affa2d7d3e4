package reembed

import "errors"

var (
	// ErrInvalidMaxAttempts is returned when maxAttempts is <= 0
	ErrInvalidMaxAttempts = errors.New("maxAttempts must be greater than 0")

	// ErrInvalidConfig is returned for a batch size, report interval or retry count below 1.
	ErrInvalidConfig = errors.New("invalid maintenance config")

	// ErrEmbeddingCountMismatch is returned when an embedder answers with the wrong number of vectors.
	ErrEmbeddingCountMismatch = errors.New("embedding count mismatch")

	// ErrMixedDimensions is returned when one run produces vectors of different widths.
	ErrMixedDimensions = errors.New("embedder produced vectors of different widths")
)
