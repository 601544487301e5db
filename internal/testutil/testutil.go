// Package testutil writes synthetic chunked datasets for tests and profiling.
package testutil

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"

	"github.com/meigma/volstream/internal/chunk"
	"github.com/meigma/volstream/internal/voltype"
	"github.com/meigma/volstream/manifest"
)

// Writer stores dataset objects.
type Writer interface {
	WriteFile(ctx context.Context, path string, data []byte) error
}

// DirWriter writes objects beneath a local directory.
type DirWriter string

// WriteFile writes data to path under the directory, creating parents.
func (d DirWriter) WriteFile(_ context.Context, path string, data []byte) error {
	full := filepath.Join(string(d), filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, data, 0o644) //nolint:gosec // test fixtures are not secret
}

// ArraySpec describes one chunked array to write.
type ArraySpec struct {
	Path       string
	Shape      []int
	ChunkShape []int
	DataType   voltype.DataType
	Codec      voltype.Codec

	// ShardShape enables sharding when set. It must be a multiple of
	// ChunkShape per axis.
	ShardShape   []int
	IndexAtStart bool

	// Value returns the element at full array coordinates. Elements of edge
	// chunks beyond Shape are zero.
	Value func(coords []int) float64

	// Skip, if set, leaves the chunk at grid coordinates unwritten.
	Skip func(chunk []int) bool
}

// Descriptor returns the manifest descriptor of the array.
func (s ArraySpec) Descriptor() manifest.ArrayDescriptor {
	d := manifest.ArrayDescriptor{
		Path:       s.Path,
		Shape:      s.Shape,
		ChunkShape: s.ChunkShape,
		DataType:   s.DataType,
		Codec:      s.Codec,
	}
	if s.ShardShape != nil {
		loc := manifest.IndexAtEnd
		if s.IndexAtStart {
			loc = manifest.IndexAtStart
		}
		d.Sharding = &manifest.Sharding{ShardShape: s.ShardShape, IndexLocation: loc}
	}
	return d
}

// WriteArray encodes every chunk of spec and writes it to w.
func WriteArray(ctx context.Context, w Writer, spec ArraySpec) (manifest.ArrayDescriptor, error) {
	desc := spec.Descriptor()
	if err := desc.Validate(); err != nil {
		return desc, err
	}
	grid := desc.GridShape()

	encode := func(coords []int) ([]byte, error) {
		if spec.Skip != nil && spec.Skip(coords) {
			return nil, nil
		}
		return chunk.Encode(spec.Codec, buildChunk(&desc, coords, spec.Value))
	}

	if desc.Sharding == nil {
		var err error
		ForEach(grid, func(coords []int) {
			if err != nil {
				return
			}
			var data []byte
			if data, err = encode(coords); err != nil || data == nil {
				return
			}
			err = w.WriteFile(ctx, chunk.Key(desc.Path, coords), data)
		})
		return desc, err
	}

	per := desc.Sharding.ChunksPerShard(desc.ChunkShape)
	shardGrid := make([]int, len(grid))
	for i := range grid {
		shardGrid[i] = (grid[i] + per[i] - 1) / per[i]
	}
	var err error
	ForEach(shardGrid, func(shard []int) {
		if err != nil {
			return
		}
		var inner [][]byte
		ForEach(per, func(local []int) {
			if err != nil {
				return
			}
			coords := make([]int, len(local))
			inside := true
			for i := range local {
				coords[i] = shard[i]*per[i] + local[i]
				if coords[i] >= grid[i] {
					inside = false
				}
			}
			var data []byte
			if inside {
				data, err = encode(coords)
			}
			inner = append(inner, data)
		})
		if err != nil {
			return
		}
		err = w.WriteFile(ctx, chunk.Key(desc.Path, shard), chunk.EncodeShard(inner, spec.IndexAtStart))
	})
	return desc, err
}

// buildChunk renders the full chunk at grid coordinates coords.
func buildChunk(desc *manifest.ArrayDescriptor, coords []int, value func([]int) float64) []byte {
	es := desc.ElementSize()
	buf := make([]byte, desc.ChunkElements()*es)
	global := make([]int, len(coords))
	i := 0
	ForEach(desc.ChunkShape, func(local []int) {
		inside := true
		for a := range local {
			global[a] = coords[a]*desc.ChunkShape[a] + local[a]
			if global[a] >= desc.Shape[a] {
				inside = false
			}
		}
		if inside && value != nil {
			desc.DataType.PutFloat64(buf, i, value(global))
		}
		i++
	})
	return buf
}

// ForEach calls fn for every index of a dims-shaped box in row-major order.
// The slice passed to fn is reused between calls.
func ForEach(dims []int, fn func(idx []int)) {
	for _, d := range dims {
		if d <= 0 {
			return
		}
	}
	idx := make([]int, len(dims))
	for {
		fn(idx)
		a := len(dims) - 1
		for ; a >= 0; a-- {
			idx[a]++
			if idx[a] < dims[a] {
				break
			}
			idx[a] = 0
		}
		if a < 0 {
			return
		}
	}
}

// VoxelFunc returns the intensity of channel c at (x, y, z) and timepoint t.
type VoxelFunc func(x, y, z, c, t int) float64

// Pattern is the default voxel function. Every voxel of a small volume gets
// a distinct, reproducible value that fits in uint8.
func Pattern(x, y, z, c, t int) float64 {
	return float64((x + 3*y + 5*z + 7*c + 11*t) % 251)
}

// LayerSpec describes a synthetic multiscale layer.
type LayerSpec struct {
	Key        string
	Width      int
	Height     int
	Depth      int
	Channels   int
	Timepoints int

	// Levels is the number of scales. Level n halves each spatial axis n
	// times and samples every 2^n-th voxel.
	Levels int

	// ChunkShape is (t, z, y, x, c).
	ChunkShape [5]int
	// ShardShape, if non-zero, shards the data array. It is (t, z, y, x, c).
	ShardShape [5]int

	DataType voltype.DataType
	Codec    voltype.Codec

	Labels    bool
	Histogram bool
	Stats     bool

	Value VoxelFunc
}

func (s *LayerSpec) defaults() {
	if s.Levels == 0 {
		s.Levels = 1
	}
	if s.Channels == 0 {
		s.Channels = 1
	}
	if s.Timepoints == 0 {
		s.Timepoints = 1
	}
	if s.DataType == "" {
		s.DataType = voltype.Uint8
	}
	if s.Value == nil {
		s.Value = Pattern
	}
	for i, c := range s.ChunkShape {
		if c == 0 {
			s.ChunkShape[i] = 1
		}
	}
}

// ScaleDims returns the (width, height, depth) of level.
func (s LayerSpec) ScaleDims(level int) (int, int, int) {
	f := 1 << level
	return ceilDiv(s.Width, f), ceilDiv(s.Height, f), ceilDiv(s.Depth, f)
}

// Voxel returns the value of channel c at level-local (x, y, z).
func (s LayerSpec) Voxel(level, x, y, z, c, t int) float64 {
	f := 1 << level
	return s.Value(x*f, y*f, z*f, c, t)
}

// ExpectedVolume renders the (depth, height, width, channels) buffer a
// provider should assemble for level and timepoint t.
func (s LayerSpec) ExpectedVolume(level, t int) []byte {
	s.defaults()
	w, h, d := s.ScaleDims(level)
	es := s.DataType.Size()
	buf := make([]byte, w*h*d*s.Channels*es)
	i := 0
	for z := range d {
		for y := range h {
			for x := range w {
				for c := range s.Channels {
					s.DataType.PutFloat64(buf, i, s.Voxel(level, x, y, z, c, t))
					i++
				}
			}
		}
	}
	return buf
}

// WriteLayer writes every array of the layer and returns its manifest entry.
func WriteLayer(ctx context.Context, w Writer, spec LayerSpec) (manifest.Layer, error) {
	spec.defaults()
	layer := manifest.Layer{
		Key:         spec.Key,
		Name:        spec.Key,
		VolumeCount: spec.Timepoints,
	}
	for level := range spec.Levels {
		scale, err := writeScale(ctx, w, spec, level)
		if err != nil {
			return layer, fmt.Errorf("layer %s level %d: %w", spec.Key, level, err)
		}
		layer.Scales = append(layer.Scales, scale)
	}
	return layer, nil
}

func writeScale(ctx context.Context, w Writer, spec LayerSpec, level int) (manifest.Scale, error) {
	width, height, depth := spec.ScaleDims(level)
	f := float64(int(1) << level)
	base := fmt.Sprintf("%s/%d", spec.Key, level)
	scale := manifest.Scale{
		Level:            level,
		Width:            width,
		Height:           height,
		Depth:            depth,
		Channels:         spec.Channels,
		DownsampleFactor: [3]float64{f, f, f},
	}

	cs := spec.ChunkShape
	data := ArraySpec{
		Path:       base + "/data",
		Shape:      []int{spec.Timepoints, depth, height, width, spec.Channels},
		ChunkShape: []int{cs[0], min(cs[1], depth), min(cs[2], height), min(cs[3], width), min(cs[4], spec.Channels)},
		DataType:   spec.DataType,
		Codec:      spec.Codec,
		Value: func(g []int) float64 {
			return spec.Voxel(level, g[3], g[2], g[1], g[4], g[0])
		},
	}
	if spec.ShardShape != [5]int{} {
		data.ShardShape = make([]int, 5)
		for i := range data.ShardShape {
			data.ShardShape[i] = max(spec.ShardShape[i]/cs[i], 1) * data.ChunkShape[i]
		}
	}
	desc, err := WriteArray(ctx, w, data)
	if err != nil {
		return scale, err
	}
	scale.Arrays.Data = desc

	if spec.Labels {
		labels, err := WriteArray(ctx, w, ArraySpec{
			Path:       base + "/labels",
			Shape:      []int{spec.Timepoints, depth, height, width},
			ChunkShape: slices.Clone(data.ChunkShape[:4]),
			DataType:   voltype.Uint32,
			Codec:      spec.Codec,
			Value: func(g []int) float64 {
				return spec.Voxel(level, g[3], g[2], g[1], 0, g[0])
			},
		})
		if err != nil {
			return scale, err
		}
		scale.Arrays.Labels = &labels
	}

	if spec.Histogram {
		hist, err := writeHistogram(ctx, w, spec, level, base+"/histogram")
		if err != nil {
			return scale, err
		}
		scale.Arrays.Histogram = &hist
	}

	if spec.Stats {
		stats, err := writeStats(ctx, w, spec, level, data.ChunkShape, base+"/stats")
		if err != nil {
			return scale, err
		}
		scale.Arrays.ChunkStats = stats
	}
	return scale, nil
}

// HistogramBins is the number of bins of synthetic histograms.
const HistogramBins = 256

func writeHistogram(ctx context.Context, w Writer, spec LayerSpec, level int, path string) (manifest.ArrayDescriptor, error) {
	counts := make([][]float64, spec.Timepoints)
	width, height, depth := spec.ScaleDims(level)
	for t := range spec.Timepoints {
		counts[t] = make([]float64, HistogramBins)
		for z := range depth {
			for y := range height {
				for x := range width {
					v := spec.Voxel(level, x, y, z, 0, t)
					bin := int(math.Max(0, math.Min(HistogramBins-1, v)))
					counts[t][bin]++
				}
			}
		}
	}
	return WriteArray(ctx, w, ArraySpec{
		Path:       path,
		Shape:      []int{spec.Timepoints, HistogramBins},
		ChunkShape: []int{1, HistogramBins},
		DataType:   voltype.Uint32,
		Value: func(g []int) float64 {
			return counts[g[0]][g[1]]
		},
	})
}

// BrickStats holds the statistics of one brick.
type BrickStats struct {
	Min, Max, Occupancy float64
}

// ComputeStats returns per-brick statistics of level at timepoint t in
// row-major (gz, gy, gx) order. Occupancy is the fraction of non-zero voxels
// across all channels.
func (s LayerSpec) ComputeStats(level, t int, chunkZYX [3]int) ([]BrickStats, [3]int) {
	s.defaults()
	width, height, depth := s.ScaleDims(level)
	grid := [3]int{ceilDiv(depth, chunkZYX[0]), ceilDiv(height, chunkZYX[1]), ceilDiv(width, chunkZYX[2])}
	out := make([]BrickStats, grid[0]*grid[1]*grid[2])
	i := 0
	ForEach(grid[:], func(g []int) {
		st := BrickStats{Min: math.Inf(1), Max: math.Inf(-1)}
		var total, nonzero int
		for z := g[0] * chunkZYX[0]; z < min((g[0]+1)*chunkZYX[0], depth); z++ {
			for y := g[1] * chunkZYX[1]; y < min((g[1]+1)*chunkZYX[1], height); y++ {
				for x := g[2] * chunkZYX[2]; x < min((g[2]+1)*chunkZYX[2], width); x++ {
					for c := range s.Channels {
						v := s.Voxel(level, x, y, z, c, t)
						st.Min = math.Min(st.Min, v)
						st.Max = math.Max(st.Max, v)
						total++
						if v != 0 {
							nonzero++
						}
					}
				}
			}
		}
		if total > 0 {
			st.Occupancy = float64(nonzero) / float64(total)
		}
		out[i] = st
		i++
	})
	return out, grid
}

func writeStats(ctx context.Context, w Writer, spec LayerSpec, level int, chunkShape []int, base string) (*manifest.ChunkStats, error) {
	zyx := [3]int{chunkShape[1], chunkShape[2], chunkShape[3]}
	perT := make([][]BrickStats, spec.Timepoints)
	var grid [3]int
	for t := range spec.Timepoints {
		perT[t], grid = spec.ComputeStats(level, t, zyx)
	}
	index := func(g []int) BrickStats {
		return perT[g[0]][(g[1]*grid[1]+g[2])*grid[2]+g[3]]
	}

	write := func(name string, pick func(BrickStats) float64) (manifest.ArrayDescriptor, error) {
		return WriteArray(ctx, w, ArraySpec{
			Path:       base + "/" + name,
			Shape:      []int{spec.Timepoints, grid[0], grid[1], grid[2]},
			ChunkShape: []int{1, grid[0], grid[1], grid[2]},
			DataType:   voltype.Float32,
			Value:      func(g []int) float64 { return pick(index(g)) },
		})
	}
	minDesc, err := write("min", func(s BrickStats) float64 { return s.Min })
	if err != nil {
		return nil, err
	}
	maxDesc, err := write("max", func(s BrickStats) float64 { return s.Max })
	if err != nil {
		return nil, err
	}
	occDesc, err := write("occupancy", func(s BrickStats) float64 { return s.Occupancy })
	if err != nil {
		return nil, err
	}
	return &manifest.ChunkStats{Min: minDesc, Max: maxDesc, Occupancy: occDesc}, nil
}

// WriteDataset writes every layer under one channel plus the manifest
// document at manifest.DefaultPath.
func WriteDataset(ctx context.Context, w Writer, name string, layers ...LayerSpec) (*manifest.Manifest, error) {
	m := &manifest.Manifest{
		Name:     name,
		Channels: []manifest.Channel{{Key: name, Name: name}},
	}
	for _, spec := range layers {
		layer, err := WriteLayer(ctx, w, spec)
		if err != nil {
			return nil, err
		}
		m.Channels[0].Layers = append(m.Channels[0].Layers, layer)
	}
	data, err := manifest.Marshal(m)
	if err != nil {
		return nil, err
	}
	if err := w.WriteFile(ctx, manifest.DefaultPath, data); err != nil {
		return nil, err
	}
	return m, nil
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
