package storage

import "errors"

// Lookup and scan errors.
var (
	ErrNotFound = errors.New("record not found")

	// ErrInvalidQuery is returned for malformed repository arguments: a blank
	// tenant, a non-positive limit, an out of range id.
	ErrInvalidQuery = errors.New("invalid query parameters")

	// ErrStopScan ends a Scan* callback loop early. Repositories swallow it.
	ErrStopScan = errors.New("stop scan")
)

// Write errors.
var (
	// ErrIDCollision is returned when a content-derived node id is already
	// held by a differently named node of the same tenant.
	ErrIDCollision = errors.New("node id collision")

	// ErrConcurrentMergeConflict is returned when a merge kept losing to
	// concurrent writers of the same node or edge until retries ran out.
	ErrConcurrentMergeConflict = errors.New("concurrent merge conflict")

	ErrStorageClosed = errors.New("storage is closed")
)

// Codec errors.
var (
	ErrSerializationFailed = errors.New("serialization failed")
	ErrTruncatedData       = errors.New("truncated record")
)
