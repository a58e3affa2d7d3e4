package search

import "errors"

var (
	ErrFragmentRepositoryRequired = errors.New("fragment repository required")

	// ErrInvalidOption reports a non-positive RRF constant, multiplier or budget.
	ErrInvalidOption = errors.New("invalid ranker option")
)
