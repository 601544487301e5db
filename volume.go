package volstream

import (
	"context"
	"fmt"

	"github.com/meigma/volstream/internal/voltype"
	"github.com/meigma/volstream/manifest"
)

// GetVolume returns the assembled volume of layerKey at timepoint t.
//
// A cached volume is returned at once and becomes most recently used. If the
// same key is already loading, GetVolume waits for that load. When ctx ends
// first, GetVolume returns ctx.Err(); the load keeps running while any other
// caller still waits for it.
func (p *Provider) GetVolume(ctx context.Context, layerKey string, t int, opts ...RequestOption) (*Volume, error) {
	layer, scale, err := p.resolve(layerKey, t, buildRequest(opts))
	if err != nil {
		p.stats.rejected.Add(1)
		return nil, err
	}
	return p.volume(ctx, layer, scale, t)
}

func (p *Provider) volume(ctx context.Context, layer *Layer, scale *manifest.Scale, t int) (*Volume, error) {
	key := VolumeKey{Layer: layer.Key, Timepoint: t, Scale: scale.Level}
	p.stats.request(scale.Level)
	vol, err := p.volumes.Get(ctx, key, func(ctx context.Context) (*Volume, error) {
		return p.loadVolume(ctx, layer, scale, t)
	})
	if err != nil && IsCancellation(err) {
		p.stats.cancelled.Add(1)
	}
	return vol, err
}

// loadVolume reads the data, label and histogram arrays of one timepoint.
func (p *Provider) loadVolume(ctx context.Context, layer *Layer, scale *manifest.Scale, t int) (*Volume, error) {
	data := &scale.Arrays.Data
	if err := data.Validate(); err != nil {
		return nil, err
	}
	buf, err := p.reader.ReadTimepoint(ctx, data, t)
	if err != nil {
		return nil, fmt.Errorf("layer %q scale %d data: %w", layer.Key, scale.Level, err)
	}
	voxels := scale.Width * scale.Height * scale.Depth
	if want := voxels * scale.Channels * data.ElementSize(); len(buf) != want {
		return nil, fmt.Errorf("%w: layer %q scale %d: data is %d bytes, want %d (%dx%dx%d, %d channels)",
			ErrSizeMismatch, layer.Key, scale.Level, len(buf), want,
			scale.Width, scale.Height, scale.Depth, scale.Channels)
	}

	vol := &Volume{
		Width:            scale.Width,
		Height:           scale.Height,
		Depth:            scale.Depth,
		Channels:         scale.Channels,
		DataType:         data.DataType,
		Scale:            scale.Level,
		DownsampleFactor: scale.DownsampleFactor,
		Data:             buf,
		Normalization:    normalization(layer, data.DataType),
	}

	if desc := scale.Arrays.Labels; desc != nil {
		labels, err := p.readUint32s(ctx, desc, t)
		if err != nil {
			return nil, fmt.Errorf("layer %q scale %d labels: %w", layer.Key, scale.Level, err)
		}
		if len(labels) != voxels {
			return nil, fmt.Errorf("%w: layer %q scale %d: labels are %d bytes, want %d",
				ErrSizeMismatch, layer.Key, scale.Level, len(labels)*4, voxels*4)
		}
		vol.Labels = labels
	}
	if desc := scale.Arrays.Histogram; desc != nil {
		hist, err := p.readUint32s(ctx, desc, t)
		if err != nil {
			return nil, fmt.Errorf("layer %q scale %d histogram: %w", layer.Key, scale.Level, err)
		}
		vol.Histogram = hist
	}
	return vol, nil
}

func (p *Provider) readUint32s(ctx context.Context, desc *manifest.ArrayDescriptor, t int) ([]uint32, error) {
	if desc.DataType != voltype.Uint32 {
		return nil, fmt.Errorf("%w: %s: element type %s, want %s",
			ErrInvalidDescriptor, desc.Path, desc.DataType, voltype.Uint32)
	}
	buf, err := p.reader.ReadTimepoint(ctx, desc, t)
	if err != nil {
		return nil, err
	}
	return voltype.DecodeUint32s(buf)
}

// normalization returns the layer's declared intensity range, or the full
// range of dt.
func normalization(layer *Layer, dt DataType) manifest.Range {
	if layer.Normalization != nil {
		return *layer.Normalization
	}
	return manifest.Range{Min: 0, Max: dt.FullIntensity()}
}
