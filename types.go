package volstream

import (
	"github.com/meigma/volstream/internal/brick"
	"github.com/meigma/volstream/internal/voltype"
	"github.com/meigma/volstream/manifest"
)

// --- Re-exports from internal packages ---

// DataType is the element type of a stored array.
type DataType = voltype.DataType

// PageTable describes brick occupancy for one (layer, timepoint, scale).
type PageTable = brick.PageTable

// BrickAtlas is a packed buffer of the occupied bricks of one volume.
type BrickAtlas = brick.Atlas

// TextureFormat is the channel layout of a brick atlas.
type TextureFormat = brick.Format

// Texture formats.
const (
	TextureRed      = brick.Red
	TextureRedGreen = brick.RedGreen
	TextureRGBA     = brick.RGBA
)

// VolumeKey identifies one cached result.
type VolumeKey struct {
	Layer     string
	Timepoint int
	Scale     int
}

// Volume is a fully assembled volume for one timepoint.
type Volume struct {
	Width    int
	Height   int
	Depth    int
	Channels int
	DataType DataType

	Scale            int
	DownsampleFactor [3]float64

	// Data is laid out (depth, height, width, channels), little-endian.
	Data []byte

	// Histogram is nil when the scale has no histogram array.
	Histogram []uint32

	// Labels holds one label per voxel, or nil when the scale has none.
	Labels []uint32

	// Normalization is the intensity range renderers map to [0, 1].
	Normalization manifest.Range
}
