package brick

import (
	"fmt"

	"github.com/meigma/volstream/internal/voltype"
	"github.com/meigma/volstream/manifest"
)

// PageTable describes brick occupancy for one (layer, timepoint, scale).
// Three-element shapes are ordered (z, y, x).
type PageTable struct {
	Layer     string
	Timepoint int
	Scale     int

	GridShape   [3]int
	ChunkShape  [3]int
	VolumeShape [3]int

	// Indices holds one entry per brick in row-major grid order: -1 for an
	// empty brick, else its atlas slot.
	Indices []int32

	Min       []float32
	Max       []float32
	Occupancy []float32

	OccupiedBricks int
}

// Geometry is the brick layout of a data array.
type Geometry struct {
	// ChunkShape is the (z, y, x) brick size.
	ChunkShape [3]int
	// ChunkChannels is the channel extent of one chunk.
	ChunkChannels int
	// GridShape is the number of bricks along (z, y, x).
	GridShape [3]int
	// VolumeShape is the (z, y, x) size of the scale.
	VolumeShape [3]int
}

// GeometryOf checks that desc is a (t, z, y, x, c) array and returns its
// brick layout for a volume of the given size.
func GeometryOf(desc *manifest.ArrayDescriptor, depth, height, width int) (Geometry, error) {
	if len(desc.ChunkShape) != 5 {
		return Geometry{}, fmt.Errorf("%w: %s: brick layout needs rank 5 (t, z, y, x, c) chunks, got %v",
			voltype.ErrInvalidDescriptor, desc.Path, desc.ChunkShape)
	}
	for _, c := range desc.ChunkShape[1:] {
		if c <= 0 {
			return Geometry{}, fmt.Errorf("%w: %s: non-positive chunk shape %v",
				voltype.ErrInvalidDescriptor, desc.Path, desc.ChunkShape)
		}
	}
	g := Geometry{
		ChunkShape:    [3]int{desc.ChunkShape[1], desc.ChunkShape[2], desc.ChunkShape[3]},
		ChunkChannels: desc.ChunkShape[4],
		VolumeShape:   [3]int{depth, height, width},
	}
	for i := range 3 {
		g.GridShape[i] = (g.VolumeShape[i] + g.ChunkShape[i] - 1) / g.ChunkShape[i]
	}
	return g, nil
}

// Bricks returns the number of bricks in the grid.
func (g Geometry) Bricks() int {
	return g.GridShape[0] * g.GridShape[1] * g.GridShape[2]
}

// AssignSlots gives each brick with positive occupancy the next atlas slot
// in scan order and marks the rest -1. It returns the slot table and the
// number of occupied bricks.
func AssignSlots(occupancy []float32) ([]int32, int) {
	indices := make([]int32, len(occupancy))
	var next int32
	for i, occ := range occupancy {
		if occ > 0 {
			indices[i] = next
			next++
			continue
		}
		indices[i] = -1
	}
	return indices, int(next)
}

// NewPageTable builds a page table from per-brick statistics. Each statistic
// must hold exactly one value per brick.
func NewPageTable(g Geometry, minVals, maxVals, occupancy []float32) (*PageTable, error) {
	n := g.Bricks()
	for _, s := range []struct {
		name string
		vals []float32
	}{{"min", minVals}, {"max", maxVals}, {"occupancy", occupancy}} {
		if len(s.vals) != n {
			return nil, fmt.Errorf("%w: %s statistics hold %d values, grid %v has %d bricks",
				voltype.ErrSizeMismatch, s.name, len(s.vals), g.GridShape, n)
		}
	}
	indices, occupied := AssignSlots(occupancy)
	return &PageTable{
		GridShape:      g.GridShape,
		ChunkShape:     g.ChunkShape,
		VolumeShape:    g.VolumeShape,
		Indices:        indices,
		Min:            minVals,
		Max:            maxVals,
		Occupancy:      occupancy,
		OccupiedBricks: occupied,
	}, nil
}

// GridCoords returns the (z, y, x) grid position of brick i.
func (pt *PageTable) GridCoords(i int) [3]int {
	gy, gx := pt.GridShape[1], pt.GridShape[2]
	return [3]int{i / (gy * gx), (i / gx) % gy, i % gx}
}
