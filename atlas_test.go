package volstream

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/volstream/internal/testutil"
	"github.com/meigma/volstream/storage/storagetest"
)

func TestGetBrickPageTable(t *testing.T) {
	t.Parallel()

	spec := sparseLayer("sparse", 1)
	mem, m := writeDataset(t, spec)
	p := newTestProvider(t, m, mem)

	pt, err := p.GetBrickPageTable(context.Background(), "sparse", 1)
	require.NoError(t, err)

	stats, grid := spec.ComputeStats(0, 1, [3]int{2, 4, 4})
	want := &PageTable{
		Layer:          "sparse",
		Timepoint:      1,
		Scale:          0,
		GridShape:      grid,
		ChunkShape:     [3]int{2, 4, 4},
		VolumeShape:    [3]int{4, 8, 8},
		Indices:        []int32{0, -1, -1, -1, 1, -1, -1, -1},
		OccupiedBricks: 2,
	}
	for _, s := range stats {
		want.Min = append(want.Min, float32(s.Min))
		want.Max = append(want.Max, float32(s.Max))
		want.Occupancy = append(want.Occupancy, float32(s.Occupancy))
	}
	if diff := cmp.Diff(want, pt); diff != "" {
		t.Errorf("GetBrickPageTable() mismatch (-want +got):\n%s", diff)
	}

	again, err := p.GetBrickPageTable(context.Background(), "sparse", 1)
	require.NoError(t, err)
	assert.Same(t, pt, again)
}

func TestGetBrickPageTableWithoutStats(t *testing.T) {
	t.Parallel()

	mem, m := writeDataset(t, basicLayer("cells"))
	p := newTestProvider(t, m, mem)

	_, err := p.GetBrickPageTable(context.Background(), "cells", 0)
	require.ErrorIs(t, err, ErrInvalidDescriptor)
	_, err = p.GetBrickAtlas(context.Background(), "cells", 0)
	require.ErrorIs(t, err, ErrInvalidDescriptor)
}

func TestGetBrickAtlas(t *testing.T) {
	t.Parallel()

	tests := []struct {
		channels int
		format   TextureFormat
	}{
		{1, TextureRed},
		{2, TextureRedGreen},
		{3, TextureRGBA},
	}
	for _, tt := range tests {
		t.Run(tt.format.String(), func(t *testing.T) {
			t.Parallel()

			spec := sparseLayer("sparse", tt.channels)
			mem, m := writeDataset(t, spec)
			p := newTestProvider(t, m, mem)

			atlas, err := p.GetBrickAtlas(context.Background(), "sparse", 0)
			require.NoError(t, err)
			require.True(t, atlas.Enabled)
			assert.Equal(t, tt.format, atlas.Format)
			assert.Equal(t, 4, atlas.Width)
			assert.Equal(t, 4, atlas.Height)
			assert.Equal(t, 4, atlas.Depth)
			assert.Equal(t, 2, atlas.PageTable.OccupiedBricks)

			texC := atlas.Format.Channels()
			require.Len(t, atlas.Data, 4*4*4*texC)
			// Bricks (0, 0, 0) and (1, 0, 0) stack along z, so atlas z
			// matches volume z.
			for z := range 4 {
				for y := range 4 {
					for x := range 4 {
						base := ((z*4+y)*4 + x) * texC
						for c := range tt.channels {
							require.InDelta(t, spec.Voxel(0, x, y, z, c, 0), atlas.DataType.Float64(atlas.Data, base+c), 0)
						}
						if tt.channels == 3 {
							require.InDelta(t, 255.0, atlas.DataType.Float64(atlas.Data, base+3), 0)
						}
					}
				}
			}

			again, err := p.GetBrickAtlas(context.Background(), "sparse", 0)
			require.NoError(t, err)
			assert.Same(t, atlas, again)
		})
	}
}

func TestGetBrickAtlasEmptyVolume(t *testing.T) {
	t.Parallel()

	spec := sparseLayer("empty", 1)
	spec.Value = func(int, int, int, int, int) float64 { return 0 }
	mem, m := writeDataset(t, spec)
	counting := storagetest.NewCounting(mem)
	p := newTestProvider(t, m, counting)

	atlas, err := p.GetBrickAtlas(context.Background(), "empty", 0)
	require.NoError(t, err)
	assert.False(t, atlas.Enabled)
	assert.Equal(t, []byte{0}, atlas.Data)
	assert.Equal(t, 1, atlas.Width)
	assert.Zero(t, counting.Count("empty/0/data/c/0/0/0/0/0"), "no data chunk is read")
	assert.Equal(t, []int32{-1, -1, -1, -1, -1, -1, -1, -1}, atlas.PageTable.Indices)
}

func TestGetBrickAtlasSharded(t *testing.T) {
	t.Parallel()

	spec := sparseLayer("sharded", 2)
	spec.ShardShape = [5]int{2, 4, 8, 8, 2}
	mem, m := writeDataset(t, spec)
	p := newTestProvider(t, m, mem)

	plain := sparseLayer("plain", 2)
	plainMem, plainManifest := writeDataset(t, plain)
	ref := newTestProvider(t, plainManifest, plainMem)

	got, err := p.GetBrickAtlas(context.Background(), "sharded", 1)
	require.NoError(t, err)
	want, err := ref.GetBrickAtlas(context.Background(), "plain", 1)
	require.NoError(t, err)
	assert.Equal(t, want.Data, got.Data)
	assert.Equal(t, want.PageTable.Indices, got.PageTable.Indices)
}

func TestGetBrickAtlasMissingChunk(t *testing.T) {
	t.Parallel()

	spec := sparseLayer("sparse", 1)
	mem, m := writeDataset(t, spec)
	mem.Delete("sparse/0/data/c/0/1/0/0/0")
	p := newTestProvider(t, m, mem)

	_, err := p.GetBrickAtlas(context.Background(), "sparse", 0)
	require.ErrorIs(t, err, ErrChunkNotFound)

	// Only occupied bricks are fetched, so empty ones may be missing.
	mem2, m2 := writeDataset(t, spec)
	mem2.Delete("sparse/0/data/c/0/0/1/1/0")
	p2 := newTestProvider(t, m2, mem2)
	_, err = p2.GetBrickAtlas(context.Background(), "sparse", 0)
	require.NoError(t, err)
}

func TestHistogramBinsMatchVolume(t *testing.T) {
	t.Parallel()

	spec := basicLayer("cells")
	spec.Histogram = true
	spec.Levels = 1
	mem, m := writeDataset(t, spec)
	p := newTestProvider(t, m, mem)

	vol, err := p.GetVolume(context.Background(), "cells", 2)
	require.NoError(t, err)

	want := make([]uint32, testutil.HistogramBins)
	for z := range spec.Depth {
		for y := range spec.Height {
			for x := range spec.Width {
				want[int(spec.Voxel(0, x, y, z, 0, 2))]++
			}
		}
	}
	assert.Equal(t, want, vol.Histogram)
}
