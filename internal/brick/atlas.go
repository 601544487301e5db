package brick

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/meigma/volstream/internal/array"
	"github.com/meigma/volstream/internal/voltype"
	"github.com/meigma/volstream/manifest"
)

// Atlas is a packed buffer holding only the occupied bricks of a volume,
// stacked along z in slot order.
type Atlas struct {
	Scale     int
	PageTable *PageTable

	Width  int
	Height int
	Depth  int

	Format   Format
	DataType voltype.DataType

	// Data is laid out (depth, height, width, Format.Channels()). A disabled
	// atlas holds a single placeholder byte.
	Data []byte

	// Enabled is false when no brick is occupied.
	Enabled bool
}

// FetchFunc returns the decoded bytes of the data chunk at coords.
type FetchFunc func(ctx context.Context, coords []int) ([]byte, error)

// Packer assembles atlases from a page table.
type Packer struct {
	Desc      *manifest.ArrayDescriptor
	Geometry  Geometry
	Channels  int
	Timepoint int
	Scale     int
	Workers   int
	Fetch     FetchFunc
}

type workItem struct {
	slot   int
	coords []int
}

// Pack fetches every occupied brick and scatters it into the atlas.
func (p *Packer) Pack(ctx context.Context, pt *PageTable) (*Atlas, error) {
	format := FormatFor(p.Channels)
	if pt.OccupiedBricks == 0 {
		return &Atlas{
			Scale:     p.Scale,
			PageTable: pt,
			Width:     1,
			Height:    1,
			Depth:     1,
			Format:    format,
			DataType:  p.Desc.DataType,
			Data:      make([]byte, 1),
		}, nil
	}

	cz, cy, cx := p.Geometry.ChunkShape[0], p.Geometry.ChunkShape[1], p.Geometry.ChunkShape[2]
	es := p.Desc.ElementSize()
	texC := format.Channels()
	atlas := &Atlas{
		Scale:     p.Scale,
		PageTable: pt,
		Width:     cx,
		Height:    cy,
		Depth:     cz * pt.OccupiedBricks,
		Format:    format,
		DataType:  p.Desc.DataType,
		Data:      make([]byte, cx*cy*cz*pt.OccupiedBricks*texC*es),
		Enabled:   true,
	}
	if format.ForcesAlpha(p.Channels) {
		full := p.Desc.DataType.FullIntensity()
		for v := range atlas.Width * atlas.Height * atlas.Depth {
			p.Desc.DataType.PutFloat64(atlas.Data, v*texC+3, full)
		}
	}

	items := p.workItems(pt)
	workers := min(max(p.Workers, 1), len(items))
	var cursor atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for range workers {
		g.Go(func() error {
			for {
				if err := gctx.Err(); err != nil {
					return err
				}
				i := int(cursor.Add(1)) - 1
				if i >= len(items) {
					return nil
				}
				if err := p.scatter(gctx, atlas, items[i]); err != nil {
					return err
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	return atlas, nil
}

// workItems lists one item per (occupied brick, channel chunk).
func (p *Packer) workItems(pt *PageTable) []workItem {
	cc := p.Geometry.ChunkChannels
	channelChunks := (p.Channels + cc - 1) / cc
	tc := p.Timepoint / p.Desc.ChunkShape[0]
	items := make([]workItem, 0, pt.OccupiedBricks*channelChunks)
	for i, slot := range pt.Indices {
		if slot < 0 {
			continue
		}
		g := pt.GridCoords(i)
		for c := range channelChunks {
			items = append(items, workItem{
				slot:   int(slot),
				coords: []int{tc, g[0], g[1], g[2], c},
			})
		}
	}
	return items
}

// scatter copies one chunk's voxels to (cz*slot + lz, ly, lx) in the atlas,
// remapping channels to the texture layout.
func (p *Packer) scatter(ctx context.Context, atlas *Atlas, item workItem) error {
	data, err := p.Fetch(ctx, item.coords)
	if err != nil {
		return err
	}
	slice, err := array.TimeSlice(p.Desc, data, p.Timepoint)
	if err != nil {
		return err
	}

	cz, cy, cx := p.Geometry.ChunkShape[0], p.Geometry.ChunkShape[1], p.Geometry.ChunkShape[2]
	cc := p.Geometry.ChunkChannels
	es := p.Desc.ElementSize()
	texC := atlas.Format.Channels()
	if len(slice) != cz*cy*cx*cc*es {
		return fmt.Errorf("%w: %s %v: brick is %d bytes, want %d",
			voltype.ErrSizeMismatch, p.Desc.Path, item.coords, len(slice), cz*cy*cx*cc*es)
	}

	// Resolve the channel remap once per chunk.
	dest := make([]int, cc)
	for lc := range cc {
		src := item.coords[4]*cc + lc
		dest[lc] = -1
		if src >= p.Channels {
			continue
		}
		if d, ok := atlas.Format.DestChannel(src); ok {
			dest[lc] = d
		}
	}

	for lz := range cz {
		z := cz*item.slot + lz
		for ly := range cy {
			for lx := range cx {
				voxel := ((z*cy+ly)*cx + lx) * texC
				srcVoxel := ((lz*cy+ly)*cx + lx) * cc
				for lc, d := range dest {
					if d < 0 {
						continue
					}
					s := (srcVoxel + lc) * es
					copy(atlas.Data[(voxel+d)*es:], slice[s:s+es])
				}
			}
		}
	}
	return nil
}
