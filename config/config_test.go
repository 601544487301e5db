package config

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/volstream"
	"github.com/meigma/volstream/storage"
	"github.com/meigma/volstream/storage/bucket"
	"github.com/meigma/volstream/storage/dir"
	"github.com/meigma/volstream/storage/diskcache"
	storehttp "github.com/meigma/volstream/storage/http"
)

func TestParse(t *testing.T) {
	t.Parallel()

	cfg, err := Parse(`
[cache]
volumes = 16
atlases = 0
chunk_bytes = "512 MiB"
decoder_memory = 1048576

[concurrency]
chunk_reads = 4

[storage]
location = "https://data.example.org/embryo"
headers = { Authorization = "Bearer token" }

[log]
level = "debug"
format = "json"
`)
	require.NoError(t, err)

	assert.Equal(t, 16, cfg.Cache.Volumes)
	assert.Equal(t, volstream.DefaultMaxCachedPageTables, cfg.Cache.PageTables)
	assert.Zero(t, cfg.Cache.Atlases)
	assert.Equal(t, Size(512<<20), cfg.Cache.ChunkBytes)
	assert.Equal(t, Size(1<<20), cfg.Cache.DecoderMemory)
	assert.Equal(t, 4, cfg.Concurrency.ChunkReads)
	assert.Equal(t, volstream.DefaultMaxConcurrentPrefetchLoads, cfg.Concurrency.PrefetchLoads)
	assert.Equal(t, "Bearer token", cfg.Storage.Headers["Authorization"])
	assert.Equal(t, "512 MiB", cfg.Cache.ChunkBytes.String())
	assert.Len(t, cfg.Options(), 7)

	kind, err := cfg.Storage.kind()
	require.NoError(t, err)
	assert.Equal(t, StorageHTTP, kind)
}

func TestDefaultDecoderMemory(t *testing.T) {
	t.Parallel()

	cfg := Default()
	assert.Equal(t, Size(volstream.DefaultMaxDecoderMemory), cfg.Cache.DecoderMemory)

	cfg, err := Parse("[cache]\ndecoder_memory = 0\n")
	require.NoError(t, err)
	assert.Zero(t, cfg.Cache.DecoderMemory)
}

func TestParseErrors(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"unknown key":      "[cache]\nvolume = 3\n",
		"negative bound":   "[cache]\nvolumes = -1\n",
		"zero concurrency": "[concurrency]\nchunk_reads = 0\n",
		"bad level":        "[log]\nlevel = \"loud\"\n",
		"bad format":       "[log]\nformat = \"xml\"\n",
		"bad kind":         "[storage]\nkind = \"ftp\"\n",
	}
	for name, text := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse(text)
			require.ErrorIs(t, err, ErrInvalid)
		})
	}

	_, err := Parse("[cache]\nchunk_bytes = \"lots\"\n")
	require.Error(t, err)

	_, err = Parse("[cache\n")
	require.Error(t, err)
}

func TestLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "volstream.toml")
	require.NoError(t, os.WriteFile(path, []byte("[cache]\npage_tables = 3\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Cache.PageTables)

	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestStorageKind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		location string
		want     string
	}{
		{"/data/embryo", StorageDir},
		{"relative/dir", StorageDir},
		{"http://host/x", StorageHTTP},
		{"https://host/x", StorageHTTP},
		{"gs://bucket", StorageBucket},
		{"mem://", StorageBucket},
	}
	for _, tt := range tests {
		got, err := StorageConfig{Location: tt.location}.kind()
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, tt.location)
	}

	_, err := StorageConfig{}.kind()
	require.ErrorIs(t, err, ErrInvalid)
}

func TestOpenStore(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "manifest.json"), []byte("{}"), 0o644))

	tests := []struct {
		name     string
		storage  StorageConfig
		wantType storage.Store
	}{
		{"dir", StorageConfig{Location: root}, &dir.Store{}},
		{"bucket", StorageConfig{Location: "file://" + filepath.ToSlash(root)}, &bucket.Store{}},
		{"http", StorageConfig{Location: "http://127.0.0.1:1/data", Headers: map[string]string{"X-Key": "v"}}, &storehttp.Store{}},
		{"bucket disk cache", StorageConfig{Location: "file://" + filepath.ToSlash(root), CacheDir: t.TempDir()}, &diskcache.Store{}},
		{"dir ignores disk cache", StorageConfig{Location: root, CacheDir: t.TempDir()}, &dir.Store{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			cfg.Storage = tt.storage
			store, closer, err := cfg.OpenStore(context.Background())
			require.NoError(t, err)
			t.Cleanup(func() { _ = closer.Close() })
			assert.IsType(t, tt.wantType, store)
		})
	}

	cfg := Default()
	cfg.Storage.Location = root
	store, closer, err := cfg.OpenStore(context.Background())
	require.NoError(t, err)
	defer closer.Close()
	data, err := store.ReadFile(context.Background(), "manifest.json")
	require.NoError(t, err)
	assert.Equal(t, []byte("{}"), data)
}

func TestOpenStoreDiskCache(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "manifest.json"), []byte("{}"), 0o644))

	cfg, err := Parse(`
[storage]
location = "file://` + filepath.ToSlash(root) + `"
cache_dir = "` + filepath.ToSlash(t.TempDir()) + `"
cache_bytes = "1 MiB"
`)
	require.NoError(t, err)
	assert.Equal(t, Size(1<<20), cfg.Storage.CacheBytes)

	store, closer, err := cfg.OpenStore(context.Background())
	require.NoError(t, err)
	defer closer.Close()

	data, err := store.ReadFile(context.Background(), "manifest.json")
	require.NoError(t, err)
	assert.Equal(t, []byte("{}"), data)

	cached, ok := store.(*diskcache.Store)
	require.True(t, ok)
	assert.True(t, cached.Contains("manifest.json"))
}

func TestLogger(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Log.Level = "warn"
	cfg.Log.Format = "json"

	var buf bytes.Buffer
	logger, closer, err := cfg.Logger(&buf)
	require.NoError(t, err)
	defer closer.Close()

	logger.Info("dropped")
	logger.Warn("kept", "layer", "nuclei")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "kept", rec["msg"])
	assert.Equal(t, "nuclei", rec["layer"])
}

func TestLoggerFile(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Log.File = filepath.Join(t.TempDir(), "volstream.log")

	var buf bytes.Buffer
	logger, closer, err := cfg.Logger(&buf)
	require.NoError(t, err)
	logger.Info("to file")
	require.NoError(t, closer.Close())

	assert.Zero(t, buf.Len())
	data, err := os.ReadFile(cfg.Log.File)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")
}
