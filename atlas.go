package volstream

import (
	"context"
	"fmt"

	"github.com/meigma/volstream/internal/brick"
	"github.com/meigma/volstream/internal/voltype"
	"github.com/meigma/volstream/manifest"
)

// GetBrickPageTable returns the brick occupancy of layerKey at timepoint t.
// The scale must carry chunk statistics and a (t, z, y, x, c) data array.
func (p *Provider) GetBrickPageTable(ctx context.Context, layerKey string, t int, opts ...RequestOption) (*PageTable, error) {
	layer, scale, err := p.resolve(layerKey, t, buildRequest(opts))
	if err != nil {
		p.stats.rejected.Add(1)
		return nil, err
	}
	p.stats.request(scale.Level)
	pt, err := p.pageTable(ctx, layer, scale, t)
	if err != nil && IsCancellation(err) {
		p.stats.cancelled.Add(1)
	}
	return pt, err
}

// GetBrickAtlas returns the packed atlas of the occupied bricks of layerKey
// at timepoint t. A volume without occupied bricks yields a disabled atlas.
func (p *Provider) GetBrickAtlas(ctx context.Context, layerKey string, t int, opts ...RequestOption) (*BrickAtlas, error) {
	layer, scale, err := p.resolve(layerKey, t, buildRequest(opts))
	if err != nil {
		p.stats.rejected.Add(1)
		return nil, err
	}
	return p.atlas(ctx, layer, scale, t)
}

func (p *Provider) atlas(ctx context.Context, layer *Layer, scale *manifest.Scale, t int) (*BrickAtlas, error) {
	key := VolumeKey{Layer: layer.Key, Timepoint: t, Scale: scale.Level}
	p.stats.request(scale.Level)
	a, err := p.atlases.Get(ctx, key, func(ctx context.Context) (*BrickAtlas, error) {
		return p.loadAtlas(ctx, layer, scale, t)
	})
	if err != nil && IsCancellation(err) {
		p.stats.cancelled.Add(1)
	}
	return a, err
}

func (p *Provider) pageTable(ctx context.Context, layer *Layer, scale *manifest.Scale, t int) (*PageTable, error) {
	key := VolumeKey{Layer: layer.Key, Timepoint: t, Scale: scale.Level}
	return p.pageTables.Get(ctx, key, func(ctx context.Context) (*PageTable, error) {
		return p.loadPageTable(ctx, layer, scale, t)
	})
}

func (p *Provider) loadPageTable(ctx context.Context, layer *Layer, scale *manifest.Scale, t int) (*PageTable, error) {
	geom, err := brick.GeometryOf(&scale.Arrays.Data, scale.Depth, scale.Height, scale.Width)
	if err != nil {
		return nil, err
	}
	cs := scale.Arrays.ChunkStats
	if cs == nil {
		return nil, fmt.Errorf("%w: layer %q scale %d has no chunk statistics",
			ErrInvalidDescriptor, layer.Key, scale.Level)
	}

	minVals, err := p.readStat(ctx, &cs.Min, t)
	if err != nil {
		return nil, fmt.Errorf("layer %q scale %d min: %w", layer.Key, scale.Level, err)
	}
	maxVals, err := p.readStat(ctx, &cs.Max, t)
	if err != nil {
		return nil, fmt.Errorf("layer %q scale %d max: %w", layer.Key, scale.Level, err)
	}
	occ, err := p.readStat(ctx, &cs.Occupancy, t)
	if err != nil {
		return nil, fmt.Errorf("layer %q scale %d occupancy: %w", layer.Key, scale.Level, err)
	}

	pt, err := brick.NewPageTable(geom, minVals, maxVals, occ)
	if err != nil {
		return nil, fmt.Errorf("layer %q scale %d: %w", layer.Key, scale.Level, err)
	}
	pt.Layer = layer.Key
	pt.Timepoint = t
	pt.Scale = scale.Level
	return pt, nil
}

func (p *Provider) readStat(ctx context.Context, desc *manifest.ArrayDescriptor, t int) ([]float32, error) {
	buf, err := p.reader.ReadTimepoint(ctx, desc, t)
	if err != nil {
		return nil, err
	}
	return voltype.DecodeFloat32s(desc.DataType, buf)
}

func (p *Provider) loadAtlas(ctx context.Context, layer *Layer, scale *manifest.Scale, t int) (*BrickAtlas, error) {
	pt, err := p.pageTable(ctx, layer, scale, t)
	if err != nil {
		return nil, err
	}
	data := &scale.Arrays.Data
	if err := data.Validate(); err != nil {
		return nil, err
	}
	geom, err := brick.GeometryOf(data, scale.Depth, scale.Height, scale.Width)
	if err != nil {
		return nil, err
	}
	packer := &brick.Packer{
		Desc:      data,
		Geometry:  geom,
		Channels:  scale.Channels,
		Timepoint: t,
		Scale:     scale.Level,
		Workers:   p.maxConcurrentChunkReads,
		Fetch: func(ctx context.Context, coords []int) ([]byte, error) {
			return p.reader.FetchChunk(ctx, data, coords)
		},
	}
	atlas, err := packer.Pack(ctx, pt)
	if err != nil {
		return nil, fmt.Errorf("layer %q scale %d atlas: %w", layer.Key, scale.Level, err)
	}
	p.log().Debug("atlas built",
		"layer", layer.Key, "timepoint", t, "scale", scale.Level,
		"occupied", pt.OccupiedBricks, "bytes", len(atlas.Data), "format", atlas.Format)
	return atlas, nil
}
