// Package storage defines the narrow read contract the provider depends on.
//
// A Store maps slash-separated object paths to their bytes. Path validation
// and traversal protection are the responsibility of each implementation;
// the provider only ever asks for paths derived from the manifest.
//
// Implementations live in subpackages:
//   - dir: a local directory tree
//   - http: objects under an HTTP base URL
//   - bucket: any gocloud.dev blob bucket (file://, mem://, gs://, s3://)
//   - storagetest: in-memory, counting, and gated stores for tests
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("storage: not found")

// Store reads whole objects by path.
//
// Implementations must be safe for concurrent use and should honour ctx
// cancellation for long reads.
type Store interface {
	ReadFile(ctx context.Context, path string) ([]byte, error)
}

// StoreFunc adapts a function to the Store interface.
type StoreFunc func(ctx context.Context, path string) ([]byte, error)

// ReadFile calls f(ctx, path).
func (f StoreFunc) ReadFile(ctx context.Context, path string) ([]byte, error) {
	return f(ctx, path)
}
