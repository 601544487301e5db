package volstream

import (
	"context"
	"errors"

	"github.com/meigma/volstream/internal/voltype"
	"github.com/meigma/volstream/storage"
)

// Errors returned by the provider.
var (
	// ErrInvalidConfig is returned by New when an option value is out of range.
	ErrInvalidConfig = errors.New("volstream: invalid configuration")

	// ErrUnknownLayer is returned when a layer key is not in the manifest.
	ErrUnknownLayer = errors.New("volstream: unknown layer")

	// ErrDuplicateLayer is returned by New when two layers share a key.
	ErrDuplicateLayer = errors.New("volstream: duplicate layer")

	// ErrTimepointOutOfRange is returned when a timepoint is negative or not
	// below the layer's volume count.
	ErrTimepointOutOfRange = errors.New("volstream: timepoint out of range")

	// ErrScaleUnavailable is returned when a requested scale level does not
	// exist. There is no fallback to a nearby level.
	ErrScaleUnavailable = errors.New("volstream: scale level unavailable")
)

// Errors re-exported from internal packages.
var (
	// ErrInvalidDescriptor is returned when an array descriptor cannot be read.
	ErrInvalidDescriptor = voltype.ErrInvalidDescriptor

	// ErrSizeMismatch is returned when a payload length disagrees with its
	// declared shape. Payloads are never truncated or padded.
	ErrSizeMismatch = voltype.ErrSizeMismatch

	// ErrChunkNotFound is returned when a chunk object or shard entry is absent.
	ErrChunkNotFound = voltype.ErrChunkNotFound

	// ErrDecompression is returned when a chunk payload fails to decode.
	ErrDecompression = voltype.ErrDecompression

	// ErrNotFound is returned by stores for missing objects.
	ErrNotFound = storage.ErrNotFound
)

// IsCancellation reports whether err is a cancellation outcome rather than a
// failure.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
