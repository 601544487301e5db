package volstream

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/meigma/volstream/manifest"
)

// Layer is the indexed view of one manifest layer.
type Layer struct {
	Key     string
	Name    string
	Channel string

	// VolumeCount is the number of timepoints.
	VolumeCount int

	Normalization *manifest.Range

	scales map[int]*manifest.Scale
	levels []int
}

// Levels returns the available scale levels in ascending order.
func (l *Layer) Levels() []int {
	return slices.Clone(l.levels)
}

// Scale returns the scale at level.
func (l *Layer) Scale(level int) (*manifest.Scale, bool) {
	s, ok := l.scales[level]
	return s, ok
}

func (l *Layer) levelList() string {
	parts := make([]string, len(l.levels))
	for i, lv := range l.levels {
		parts[i] = strconv.Itoa(lv)
	}
	return strings.Join(parts, ", ")
}

// LayerIndex maps layer keys to their scales. It is immutable once built.
type LayerIndex struct {
	layers map[string]*Layer
	keys   []string
}

// NewLayerIndex indexes every layer of m. Layer keys must be unique across
// channels, and scale levels unique within a layer.
func NewLayerIndex(m *manifest.Manifest) (*LayerIndex, error) {
	idx := &LayerIndex{layers: make(map[string]*Layer)}
	for ci := range m.Channels {
		ch := &m.Channels[ci]
		for li := range ch.Layers {
			ml := &ch.Layers[li]
			if ml.Key == "" {
				return nil, fmt.Errorf("%w: channel %q has a layer without a key", ErrInvalidDescriptor, ch.Key)
			}
			if _, ok := idx.layers[ml.Key]; ok {
				return nil, fmt.Errorf("%w: %q", ErrDuplicateLayer, ml.Key)
			}
			layer, err := indexLayer(ch.Key, ml)
			if err != nil {
				return nil, err
			}
			idx.layers[ml.Key] = layer
			idx.keys = append(idx.keys, ml.Key)
		}
	}
	return idx, nil
}

func indexLayer(channel string, ml *manifest.Layer) (*Layer, error) {
	layer := &Layer{
		Key:           ml.Key,
		Name:          ml.Name,
		Channel:       channel,
		VolumeCount:   ml.VolumeCount,
		Normalization: ml.Normalization,
		scales:        make(map[int]*manifest.Scale, len(ml.Scales)),
	}
	for si := range ml.Scales {
		s := &ml.Scales[si]
		if _, ok := layer.scales[s.Level]; ok {
			return nil, fmt.Errorf("%w: layer %q declares scale level %d twice", ErrInvalidDescriptor, ml.Key, s.Level)
		}
		layer.scales[s.Level] = s
		layer.levels = append(layer.levels, s.Level)
	}
	slices.Sort(layer.levels)

	if layer.VolumeCount == 0 && len(layer.levels) > 0 {
		if shape := layer.scales[layer.levels[0]].Arrays.Data.Shape; len(shape) > 0 {
			layer.VolumeCount = shape[0]
		}
	}
	return layer, nil
}

// Lookup returns the layer with key.
func (idx *LayerIndex) Lookup(key string) (*Layer, bool) {
	l, ok := idx.layers[key]
	return l, ok
}

// Keys returns every layer key in manifest order.
func (idx *LayerIndex) Keys() []string {
	return slices.Clone(idx.keys)
}

// Len returns the number of layers.
func (idx *LayerIndex) Len() int {
	return len(idx.keys)
}
