// Package diskcache persists objects read from a slower store on the local
// filesystem.
//
// Dataset objects are immutable once published, so a Store wrapping a remote
// backend can serve repeat reads from disk across process restarts. Objects
// are filed under the SHA-256 of their path, fanned out into prefix
// directories, and written through a temporary file plus rename so readers
// never observe a partial object.
package diskcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/meigma/volstream/storage"
)

const (
	defaultShardPrefixLen = 2
	defaultDirPerm        = 0o700

	// pruneRatio is the fraction of the byte limit kept after a prune.
	pruneRatio = 0.9
)

// Store reads through to a base store and keeps every object it fetches on
// disk.
type Store struct {
	base           storage.Store
	dir            string
	shardPrefixLen int
	dirPerm        os.FileMode
	maxBytes       int64
	logger         *slog.Logger

	mu    sync.Mutex
	bytes int64
}

var _ storage.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithShardPrefixLen sets the number of hex characters used for fan-out
// directories. Use 0 to store every object in dir itself. Defaults to 2.
func WithShardPrefixLen(n int) Option {
	return func(s *Store) {
		s.shardPrefixLen = n
	}
}

// WithDirPerm sets the permissions of directories the store creates.
func WithDirPerm(mode os.FileMode) Option {
	return func(s *Store) {
		s.dirPerm = mode
	}
}

// WithMaxBytes bounds the bytes kept on disk. When a write pushes the total
// past the limit, the oldest objects are removed. Zero means no limit.
func WithMaxBytes(n int64) Option {
	return func(s *Store) {
		s.maxBytes = n
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New wraps base with a disk cache rooted at dir.
func New(base storage.Store, dir string, opts ...Option) (*Store, error) {
	if base == nil {
		return nil, errors.New("diskcache: nil base store")
	}
	if dir == "" {
		return nil, errors.New("diskcache: cache dir is empty")
	}
	s := &Store{
		base:           base,
		dir:            dir,
		shardPrefixLen: defaultShardPrefixLen,
		dirPerm:        defaultDirPerm,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(s)
	}
	if s.shardPrefixLen < 0 {
		return nil, errors.New("diskcache: shard prefix length must be >= 0")
	}
	if s.maxBytes < 0 {
		return nil, errors.New("diskcache: max bytes must be >= 0")
	}
	if err := os.MkdirAll(dir, s.dirPerm); err != nil {
		return nil, fmt.Errorf("diskcache: %w", err)
	}
	size, err := dirSize(dir)
	if err != nil {
		return nil, fmt.Errorf("diskcache: %w", err)
	}
	s.bytes = size
	return s, nil
}

func (s *Store) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.New(slog.DiscardHandler)
}

// ReadFile returns the object at path from disk, or fetches it from the base
// store and persists it. Failing to persist is logged, not returned.
func (s *Store) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	file := s.filePath(path)
	if data, err := os.ReadFile(file); err == nil { //nolint:gosec // path is derived from a hash
		return data, nil
	}

	data, err := s.base.ReadFile(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := s.put(file, data); err != nil {
		s.log().Warn("disk cache write failed", "path", path, "error", err)
	}
	return data, nil
}

// Contains reports whether path is held on disk.
func (s *Store) Contains(path string) bool {
	_, err := os.Stat(s.filePath(path))
	return err == nil
}

// SizeBytes returns the tracked size of the cache directory.
func (s *Store) SizeBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

// Prune removes the oldest objects until at most targetBytes remain.
func (s *Store) Prune(targetBytes int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	freed, remaining, err := pruneDir(s.dir, targetBytes)
	s.bytes = remaining
	if freed > 0 {
		s.log().Debug("disk cache pruned", "freed", freed, "remaining", remaining)
	}
	return freed, err
}

func (s *Store) filePath(path string) string {
	sum := sha256.Sum256([]byte(path))
	name := hex.EncodeToString(sum[:])
	prefix := min(s.shardPrefixLen, len(name))
	if prefix == 0 {
		return filepath.Join(s.dir, name)
	}
	return filepath.Join(s.dir, name[:prefix], name)
}

// put writes data to file atomically. Concurrent writers of one file race
// harmlessly: every candidate holds the same bytes.
func (s *Store) put(file string, data []byte) error {
	if _, err := os.Stat(file); err == nil {
		return nil
	}
	dir := filepath.Dir(file)
	if err := os.MkdirAll(dir, s.dirPerm); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "obj-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, file); err != nil {
		_ = os.Remove(tmpPath)
		if _, statErr := os.Stat(file); statErr == nil {
			return nil
		}
		return err
	}

	s.mu.Lock()
	s.bytes += int64(len(data))
	over := s.maxBytes > 0 && s.bytes > s.maxBytes
	s.mu.Unlock()
	if over {
		_, err := s.Prune(int64(float64(s.maxBytes) * pruneRatio))
		return err
	}
	return nil
}
