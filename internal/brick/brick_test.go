package brick

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/volstream/cache"
	"github.com/meigma/volstream/internal/array"
	"github.com/meigma/volstream/internal/testutil"
	"github.com/meigma/volstream/internal/voltype"
	"github.com/meigma/volstream/manifest"
	"github.com/meigma/volstream/storage/storagetest"
)

func TestFormatFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		channels int
		want     Format
		texC     int
		alpha    bool
	}{
		{1, Red, 1, false},
		{2, RedGreen, 2, false},
		{3, RGBA, 4, true},
		{4, RGBA, 4, false},
		{7, RGBA, 4, false},
	}
	for _, tt := range tests {
		f := FormatFor(tt.channels)
		assert.Equal(t, tt.want, f, "channels %d", tt.channels)
		assert.Equal(t, tt.texC, f.Channels())
		assert.Equal(t, tt.alpha, f.ForcesAlpha(tt.channels))
	}

	d, ok := RGBA.DestChannel(2)
	assert.True(t, ok)
	assert.Equal(t, 2, d)
	_, ok = RedGreen.DestChannel(2)
	assert.False(t, ok)
	assert.Equal(t, "red-green", RedGreen.String())
	assert.Equal(t, "Format(9)", Format(9).String())
}

func TestAssignSlots(t *testing.T) {
	t.Parallel()

	indices, occupied := AssignSlots([]float32{0, 0.5, 0.5, 0.5})
	assert.Equal(t, []int32{-1, 0, 1, 2}, indices)
	assert.Equal(t, 3, occupied)

	indices, occupied = AssignSlots([]float32{0.1, 0, 0, 1})
	assert.Equal(t, []int32{0, -1, -1, 1}, indices)
	assert.Equal(t, 2, occupied)

	indices, occupied = AssignSlots([]float32{0, 0})
	assert.Equal(t, []int32{-1, -1}, indices)
	assert.Zero(t, occupied)
}

func TestGeometryOf(t *testing.T) {
	t.Parallel()

	desc := &manifest.ArrayDescriptor{Path: "d", Shape: []int{1, 5, 6, 7, 2}, ChunkShape: []int{1, 2, 4, 4, 1}}
	g, err := GeometryOf(desc, 5, 6, 7)
	require.NoError(t, err)
	assert.Equal(t, [3]int{2, 4, 4}, g.ChunkShape)
	assert.Equal(t, [3]int{3, 2, 2}, g.GridShape)
	assert.Equal(t, 1, g.ChunkChannels)
	assert.Equal(t, 12, g.Bricks())

	_, err = GeometryOf(&manifest.ArrayDescriptor{Path: "d", ChunkShape: []int{1, 2, 2, 2}}, 2, 2, 2)
	require.ErrorIs(t, err, voltype.ErrInvalidDescriptor)
}

func TestNewPageTable(t *testing.T) {
	t.Parallel()

	g := Geometry{ChunkShape: [3]int{2, 2, 2}, GridShape: [3]int{1, 2, 2}, VolumeShape: [3]int{2, 4, 4}}
	vals := []float32{0, 1, 2, 3}
	pt, err := NewPageTable(g, vals, vals, []float32{0, 0.5, 0.5, 0.5})
	require.NoError(t, err)
	assert.Equal(t, []int32{-1, 0, 1, 2}, pt.Indices)
	assert.Equal(t, 3, pt.OccupiedBricks)
	assert.Equal(t, [3]int{0, 1, 1}, pt.GridCoords(3))

	_, err = NewPageTable(g, vals, vals, []float32{1})
	require.ErrorIs(t, err, voltype.ErrSizeMismatch)
}

// packFixture writes a (1, 4, 4, 4, channels) array and returns a packer
// reading it through the chunk cache.
func packFixture(t *testing.T, channels, chunkChannels int) (*Packer, func(z, y, x, c int) float64) {
	t.Helper()

	value := func(z, y, x, c int) float64 { return float64(z*16 + y*4 + x + c*40) }
	mem := storagetest.NewMemory()
	desc, err := testutil.WriteArray(context.Background(), mem, testutil.ArraySpec{
		Path:       "vol",
		Shape:      []int{1, 4, 4, 4, channels},
		ChunkShape: []int{1, 2, 2, 2, chunkChannels},
		DataType:   voltype.Uint8,
		Codec:      voltype.CodecZstd,
		Value:      func(g []int) float64 { return value(g[1], g[2], g[3], g[4]) },
	})
	require.NoError(t, err)

	geom, err := GeometryOf(&desc, 4, 4, 4)
	require.NoError(t, err)
	r := array.New(mem, cache.NewChunks(1<<20), nil)
	return &Packer{
		Desc:     &desc,
		Geometry: geom,
		Channels: channels,
		Workers:  3,
		Fetch: func(ctx context.Context, coords []int) ([]byte, error) {
			return r.FetchChunk(ctx, &desc, coords)
		},
	}, value
}

func sparseTable(t *testing.T, g Geometry, occupied ...int) *PageTable {
	t.Helper()
	occ := make([]float32, g.Bricks())
	for _, i := range occupied {
		occ[i] = 1
	}
	pt, err := NewPageTable(g, make([]float32, len(occ)), make([]float32, len(occ)), occ)
	require.NoError(t, err)
	return pt
}

// atlasAt returns texture channel tc of the atlas voxel (z, y, x).
func atlasAt(a *Atlas, z, y, x, tc int) float64 {
	texC := a.Format.Channels()
	return a.DataType.Float64(a.Data, ((z*a.Height+y)*a.Width+x)*texC+tc)
}

func TestPackScattersOccupiedBricks(t *testing.T) {
	t.Parallel()

	p, value := packFixture(t, 1, 1)
	// Bricks 1 (0, 0, 1) and 6 (1, 1, 0) are occupied.
	pt := sparseTable(t, p.Geometry, 1, 6)

	atlas, err := p.Pack(context.Background(), pt)
	require.NoError(t, err)
	require.True(t, atlas.Enabled)
	assert.Equal(t, Red, atlas.Format)
	assert.Equal(t, 2, atlas.Width)
	assert.Equal(t, 2, atlas.Height)
	assert.Equal(t, 4, atlas.Depth)
	assert.Len(t, atlas.Data, 2*2*4)

	origins := map[int][3]int{0: {0, 0, 2}, 1: {2, 2, 0}}
	for slot, o := range origins {
		for lz := range 2 {
			for ly := range 2 {
				for lx := range 2 {
					want := value(o[0]+lz, o[1]+ly, o[2]+lx, 0)
					assert.InDelta(t, want, atlasAt(atlas, 2*slot+lz, ly, lx, 0), 0,
						"slot %d local (%d, %d, %d)", slot, lz, ly, lx)
				}
			}
		}
	}
}

func TestPackRGBForcesAlpha(t *testing.T) {
	t.Parallel()

	p, value := packFixture(t, 3, 3)
	pt := sparseTable(t, p.Geometry, 0)

	atlas, err := p.Pack(context.Background(), pt)
	require.NoError(t, err)
	assert.Equal(t, RGBA, atlas.Format)
	assert.Len(t, atlas.Data, 2*2*2*4)

	for z := range 2 {
		for y := range 2 {
			for x := range 2 {
				for c := range 3 {
					assert.InDelta(t, value(z, y, x, c), atlasAt(atlas, z, y, x, c), 0)
				}
				assert.InDelta(t, 255.0, atlasAt(atlas, z, y, x, 3), 0)
			}
		}
	}
}

func TestPackSplitChannelChunks(t *testing.T) {
	t.Parallel()

	p, value := packFixture(t, 2, 1)
	pt := sparseTable(t, p.Geometry, 7)

	atlas, err := p.Pack(context.Background(), pt)
	require.NoError(t, err)
	assert.Equal(t, RedGreen, atlas.Format)
	for c := range 2 {
		assert.InDelta(t, value(2, 2, 2, c), atlasAt(atlas, 0, 0, 0, c), 0)
		assert.InDelta(t, value(3, 3, 3, c), atlasAt(atlas, 1, 1, 1, c), 0)
	}
}

func TestPackDropsExtraChannels(t *testing.T) {
	t.Parallel()

	p, value := packFixture(t, 5, 5)
	pt := sparseTable(t, p.Geometry, 0)

	atlas, err := p.Pack(context.Background(), pt)
	require.NoError(t, err)
	assert.Equal(t, RGBA, atlas.Format)
	for c := range 4 {
		assert.InDelta(t, value(1, 0, 1, c), atlasAt(atlas, 1, 0, 1, c), 0)
	}
}

func TestPackDisabled(t *testing.T) {
	t.Parallel()

	p, _ := packFixture(t, 1, 1)
	calls := 0
	p.Fetch = func(context.Context, []int) ([]byte, error) {
		calls++
		return nil, nil
	}
	pt := sparseTable(t, p.Geometry)

	atlas, err := p.Pack(context.Background(), pt)
	require.NoError(t, err)
	assert.False(t, atlas.Enabled)
	assert.Equal(t, []byte{0}, atlas.Data)
	assert.Equal(t, 1, atlas.Width)
	assert.Equal(t, 1, atlas.Height)
	assert.Equal(t, 1, atlas.Depth)
	assert.Zero(t, calls)
}

func TestPackFetchError(t *testing.T) {
	t.Parallel()

	p, _ := packFixture(t, 1, 1)
	boom := errors.New("boom")
	p.Fetch = func(context.Context, []int) ([]byte, error) { return nil, boom }

	_, err := p.Pack(context.Background(), sparseTable(t, p.Geometry, 0, 3))
	require.ErrorIs(t, err, boom)
}

func TestPackWrongBrickSize(t *testing.T) {
	t.Parallel()

	p, _ := packFixture(t, 1, 1)
	p.Fetch = func(context.Context, []int) ([]byte, error) { return make([]byte, 4), nil }

	_, err := p.Pack(context.Background(), sparseTable(t, p.Geometry, 0))
	require.ErrorIs(t, err, voltype.ErrSizeMismatch)
}
