// Package bucket provides a storage.Store backed by a Go CDK blob bucket.
//
// Any driver registered with gocloud.dev/blob can be used. The file:// and
// mem:// schemes are registered by this package; import further drivers
// (gcsblob, s3blob, azureblob) for cloud buckets.
package bucket

import (
	"context"
	"fmt"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// URLs
	_ "gocloud.dev/blob/memblob"  // mem:// URLs
	"gocloud.dev/gcerrors"

	"github.com/meigma/volstream/storage"
)

// Store reads objects from a bucket, optionally under a key prefix.
type Store struct {
	bucket *blob.Bucket
	prefix string
}

var _ storage.Store = (*Store)(nil)

// Open opens the bucket at url. Objects are read under prefix, which may be
// empty.
func Open(ctx context.Context, url, prefix string) (*Store, error) {
	b, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("bucket: open %s: %w", url, err)
	}
	return New(b, prefix), nil
}

// New wraps an open bucket. The Store takes ownership of b.
func New(b *blob.Bucket, prefix string) *Store {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &Store{bucket: b, prefix: prefix}
}

// ReadFile reads the object at path.
func (s *Store) ReadFile(ctx context.Context, path string) ([]byte, error) {
	key := s.prefix + strings.TrimPrefix(path, "/")
	data, err := s.bucket.ReadAll(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, path)
		}
		return nil, fmt.Errorf("bucket: read %s: %w", key, err)
	}
	return data, nil
}

// WriteFile stores data at path. It is used to publish datasets.
func (s *Store) WriteFile(ctx context.Context, path string, data []byte) error {
	key := s.prefix + strings.TrimPrefix(path, "/")
	if err := s.bucket.WriteAll(ctx, key, data, nil); err != nil {
		return fmt.Errorf("bucket: write %s: %w", key, err)
	}
	return nil
}

// Close releases the bucket.
func (s *Store) Close() error {
	return s.bucket.Close()
}
