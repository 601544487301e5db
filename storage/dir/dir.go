// Package dir provides a storage.Store backed by a local directory.
package dir

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/meigma/volstream/storage"
)

// Store reads objects from a directory tree. Paths are slash-separated and
// resolved inside the root; paths escaping it are rejected.
type Store struct {
	root *os.Root
}

var _ storage.Store = (*Store)(nil)

// Open opens the directory at path as a Store.
func Open(path string) (*Store, error) {
	root, err := os.OpenRoot(path)
	if err != nil {
		return nil, fmt.Errorf("dir: open %s: %w", path, err)
	}
	return &Store{root: root}, nil
}

// ReadFile returns the content of the object at path.
func (s *Store) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name := strings.TrimPrefix(path, "/")
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "read", Path: path, Err: fs.ErrInvalid}
	}
	data, err := s.root.ReadFile(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, path)
		}
		return nil, err
	}
	return data, nil
}

// Close releases the directory handle.
func (s *Store) Close() error {
	return s.root.Close()
}
