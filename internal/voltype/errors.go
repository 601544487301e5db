package voltype

import "errors"

// Sentinel errors shared by the provider and its internal packages.
var (
	// ErrInvalidDescriptor is returned when an array descriptor cannot be read.
	ErrInvalidDescriptor = errors.New("volstream: invalid array descriptor")

	// ErrSizeMismatch is returned when a payload does not match its declared shape.
	ErrSizeMismatch = errors.New("volstream: size mismatch")

	// ErrChunkNotFound is returned when a chunk is absent from storage or its shard.
	ErrChunkNotFound = errors.New("volstream: chunk not found")

	// ErrDecompression is returned when a chunk codec fails to decode a payload.
	ErrDecompression = errors.New("volstream: decompression failed")
)
