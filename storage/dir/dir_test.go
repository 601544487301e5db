package dir

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/volstream/storage"
)

func TestStoreReadFile(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "layer", "0"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "layer", "0", "data"), []byte("voxels"), 0o644))

	s, err := Open(root)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	got, err := s.ReadFile(context.Background(), "layer/0/data")
	require.NoError(t, err)
	assert.Equal(t, []byte("voxels"), got)

	got, err = s.ReadFile(context.Background(), "/layer/0/data")
	require.NoError(t, err)
	assert.Equal(t, []byte("voxels"), got)

	_, err = s.ReadFile(context.Background(), "layer/1/data")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStoreRejectsEscape(t *testing.T) {
	t.Parallel()

	parent := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(parent, "secret"), []byte("x"), 0o644))
	root := filepath.Join(parent, "root")
	require.NoError(t, os.Mkdir(root, 0o755))

	s, err := Open(root)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, err = s.ReadFile(context.Background(), "../secret")
	require.ErrorIs(t, err, fs.ErrInvalid)
}

func TestStoreCancelled(t *testing.T) {
	t.Parallel()

	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.ReadFile(ctx, "anything")
	require.ErrorIs(t, err, context.Canceled)
}

func TestOpenMissing(t *testing.T) {
	t.Parallel()

	_, err := Open(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
}
