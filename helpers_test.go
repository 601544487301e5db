package volstream

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meigma/volstream/internal/testutil"
	"github.com/meigma/volstream/manifest"
	"github.com/meigma/volstream/storage"
	"github.com/meigma/volstream/storage/storagetest"
)

// writeDataset writes layers into a fresh in-memory store.
func writeDataset(t *testing.T, layers ...testutil.LayerSpec) (*storagetest.Memory, *manifest.Manifest) {
	t.Helper()
	mem := storagetest.NewMemory()
	m, err := testutil.WriteDataset(context.Background(), mem, "test", layers...)
	require.NoError(t, err)
	return mem, m
}

func newTestProvider(t *testing.T, m *manifest.Manifest, store storage.Store, opts ...Option) *Provider {
	t.Helper()
	p, err := New(m, store, opts...)
	require.NoError(t, err)
	return p
}

// objectsUnder counts the stored objects beneath prefix.
func objectsUnder(mem *storagetest.Memory, prefix string) int {
	n := 0
	for _, p := range mem.Paths() {
		if strings.HasPrefix(p, prefix) {
			n++
		}
	}
	return n
}

func basicLayer(key string) testutil.LayerSpec {
	return testutil.LayerSpec{
		Key:        key,
		Width:      12,
		Height:     8,
		Depth:      6,
		Channels:   2,
		Timepoints: 3,
		Levels:     2,
		ChunkShape: [5]int{1, 3, 4, 4, 2},
		Codec:      "zstd",
	}
}

// sparseVoxel is non-zero only where x < 4 and y < 4.
func sparseVoxel(x, y, z, c, t int) float64 {
	if x >= 4 || y >= 4 {
		return 0
	}
	return float64(1 + (x+2*y+3*z+5*c+7*t)%200)
}

func sparseLayer(key string, channels int) testutil.LayerSpec {
	return testutil.LayerSpec{
		Key:        key,
		Width:      8,
		Height:     8,
		Depth:      4,
		Channels:   channels,
		Timepoints: 2,
		ChunkShape: [5]int{1, 2, 4, 4, channels},
		Codec:      "snappy",
		Stats:      true,
		Value:      sparseVoxel,
	}
}
