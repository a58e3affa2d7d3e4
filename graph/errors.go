package graph

import "errors"

var (
	// ErrGraphRepositoryRequired is returned when a graph repository is not provided.
	ErrGraphRepositoryRequired = errors.New("graph repository required")

	// ErrInvalidBoosts is returned when boosts violate override > dependency > 1.
	ErrInvalidBoosts = errors.New("boost factors must satisfy override > dependency > 1")

	// ErrInvalidOption is returned when an expander option carries an unusable value.
	ErrInvalidOption = errors.New("invalid expander option")
)
