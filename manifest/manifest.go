// Package manifest describes the layout of a multiscale volumetric dataset.
//
// A manifest lists channels, each holding layers, each holding a resolution
// pyramid of scales. Every scale carries the array descriptors needed to
// locate its chunked data, optional label and histogram arrays, and the
// per-chunk statistics used to build sparse brick page tables.
//
// The manifest is treated as validated input. Parse only checks that the
// document is well formed; descriptors are checked by the reader at the point
// they are used.
package manifest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tailscale/hujson"

	"github.com/meigma/volstream/internal/voltype"
	"github.com/meigma/volstream/storage"
)

// Re-exported element and codec types.
type (
	// DataType is the element type of a stored array.
	DataType = voltype.DataType

	// Codec identifies the compression applied to a stored chunk.
	Codec = voltype.Codec
)

// DefaultPath is the conventional manifest object name at a dataset root.
const DefaultPath = "manifest.json"

// Shard index placement within a shard object.
const (
	IndexAtEnd   = "end"
	IndexAtStart = "start"
)

// Manifest is the root document of a dataset.
type Manifest struct {
	Name     string    `json:"name,omitempty"`
	Channels []Channel `json:"channels"`
}

// Channel groups related layers.
type Channel struct {
	Key    string  `json:"key,omitempty"`
	Name   string  `json:"name,omitempty"`
	Layers []Layer `json:"layers"`
}

// Layer is one addressable multiscale array, identified by Key.
type Layer struct {
	Key  string `json:"key"`
	Name string `json:"name,omitempty"`

	// VolumeCount is the number of timepoints. Zero means "use the leading
	// dimension of the level 0 data array".
	VolumeCount int `json:"volumeCount,omitempty"`

	// Normalization holds the intensity bounds renderers map to [0, 1].
	Normalization *Range `json:"normalization,omitempty"`

	Scales []Scale `json:"scales"`
}

// Range is a closed numeric interval.
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Scale is one level of a layer's resolution pyramid.
type Scale struct {
	Level            int        `json:"level"`
	Width            int        `json:"width"`
	Height           int        `json:"height"`
	Depth            int        `json:"depth"`
	Channels         int        `json:"channels"`
	DownsampleFactor [3]float64 `json:"downsampleFactor,omitempty"`
	Arrays           Arrays     `json:"zarr"`
}

// Arrays holds the array descriptors of a scale.
type Arrays struct {
	Data       ArrayDescriptor  `json:"data"`
	Labels     *ArrayDescriptor `json:"labels,omitempty"`
	Histogram  *ArrayDescriptor `json:"histogram,omitempty"`
	ChunkStats *ChunkStats      `json:"chunkStats,omitempty"`
}

// ChunkStats holds per-chunk statistic arrays, each shaped
// (time, gridZ, gridY, gridX).
type ChunkStats struct {
	Min       ArrayDescriptor `json:"min"`
	Max       ArrayDescriptor `json:"max"`
	Occupancy ArrayDescriptor `json:"occupancy"`
}

// ArrayDescriptor locates a chunked array. Shape and ChunkShape have the same
// rank and the leading dimension is always time.
type ArrayDescriptor struct {
	Path       string    `json:"path"`
	Shape      []int     `json:"shape"`
	ChunkShape []int     `json:"chunkShape"`
	DataType   DataType  `json:"dataType"`
	Codec      Codec     `json:"codec,omitempty"`
	Sharding   *Sharding `json:"sharding,omitempty"`
}

// Sharding declares that blocks of logical chunks share one storage object.
// ShardShape is in elements and must be a multiple of ChunkShape per axis.
type Sharding struct {
	ShardShape    []int  `json:"shardShape"`
	IndexLocation string `json:"indexLocation,omitempty"`
}

// Parse decodes a manifest document. Comments and trailing commas are
// accepted.
func Parse(data []byte) (*Manifest, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(standardized, &m); err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}
	return &m, nil
}

// Load reads and parses the manifest at path from store.
func Load(ctx context.Context, store storage.Store, path string) (*Manifest, error) {
	if path == "" {
		path = DefaultPath
	}
	data, err := store.ReadFile(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	return Parse(data)
}

// Marshal encodes m as indented JSON.
func Marshal(m *Manifest) ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}
