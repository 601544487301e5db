package manifest

import (
	"fmt"

	"github.com/meigma/volstream/internal/voltype"
)

// Rank returns the number of dimensions of the array.
func (d *ArrayDescriptor) Rank() int {
	return len(d.Shape)
}

// ElementSize returns the byte size of one element, or 0 if the data type is
// unknown.
func (d *ArrayDescriptor) ElementSize() int {
	return d.DataType.Size()
}

// ChunkElements returns the number of elements in one full chunk.
func (d *ArrayDescriptor) ChunkElements() int {
	n := 1
	for _, c := range d.ChunkShape {
		n *= c
	}
	return n
}

// TimepointElements returns the number of elements one timepoint occupies
// within a chunk.
func (d *ArrayDescriptor) TimepointElements() int {
	n := 1
	for _, c := range d.ChunkShape[1:] {
		n *= c
	}
	return n
}

// GridShape returns the number of chunks along each axis.
func (d *ArrayDescriptor) GridShape() []int {
	grid := make([]int, len(d.Shape))
	for i := range d.Shape {
		grid[i] = (d.Shape[i] + d.ChunkShape[i] - 1) / d.ChunkShape[i]
	}
	return grid
}

// Validate checks the fields the reader depends on.
func (d *ArrayDescriptor) Validate() error {
	if d.Path == "" {
		return fmt.Errorf("%w: empty path", voltype.ErrInvalidDescriptor)
	}
	if len(d.Shape) == 0 {
		return fmt.Errorf("%w: %s: empty shape", voltype.ErrInvalidDescriptor, d.Path)
	}
	if len(d.Shape) != len(d.ChunkShape) {
		return fmt.Errorf("%w: %s: shape rank %d != chunk shape rank %d",
			voltype.ErrInvalidDescriptor, d.Path, len(d.Shape), len(d.ChunkShape))
	}
	for i := range d.Shape {
		if d.Shape[i] < 0 {
			return fmt.Errorf("%w: %s: negative shape %v", voltype.ErrInvalidDescriptor, d.Path, d.Shape)
		}
		if d.ChunkShape[i] <= 0 {
			return fmt.Errorf("%w: %s: non-positive chunk shape %v", voltype.ErrInvalidDescriptor, d.Path, d.ChunkShape)
		}
	}
	if _, err := voltype.ParseDataType(string(d.DataType)); err != nil {
		return fmt.Errorf("%s: %w", d.Path, err)
	}
	if _, err := voltype.ParseCodec(string(d.Codec)); err != nil {
		return fmt.Errorf("%s: %w", d.Path, err)
	}
	if d.Sharding != nil {
		return d.Sharding.validate(d)
	}
	return nil
}

// ChunksPerShard returns the number of logical chunks along each axis of a
// shard.
func (s *Sharding) ChunksPerShard(chunkShape []int) []int {
	per := make([]int, len(chunkShape))
	for i := range chunkShape {
		per[i] = s.ShardShape[i] / chunkShape[i]
	}
	return per
}

func (s *Sharding) validate(d *ArrayDescriptor) error {
	if len(s.ShardShape) != len(d.ChunkShape) {
		return fmt.Errorf("%w: %s: shard shape rank %d != chunk shape rank %d",
			voltype.ErrInvalidDescriptor, d.Path, len(s.ShardShape), len(d.ChunkShape))
	}
	for i := range s.ShardShape {
		if s.ShardShape[i] <= 0 || s.ShardShape[i]%d.ChunkShape[i] != 0 {
			return fmt.Errorf("%w: %s: shard shape %v is not a multiple of chunk shape %v",
				voltype.ErrInvalidDescriptor, d.Path, s.ShardShape, d.ChunkShape)
		}
	}
	switch s.IndexLocation {
	case "", IndexAtEnd, IndexAtStart:
		return nil
	default:
		return fmt.Errorf("%w: %s: unknown shard index location %q",
			voltype.ErrInvalidDescriptor, d.Path, s.IndexLocation)
	}
}
