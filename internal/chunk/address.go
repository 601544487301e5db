// Package chunk maps logical chunk coordinates to storage objects and decodes
// chunk payloads.
//
// Unsharded arrays store each chunk at "<path>/c/<t>/<z>/.../<c>". Sharded
// arrays store a block of logical chunks in one object at the shard's
// coordinates, with an index of (offset, nbytes) pairs locating each inner
// chunk.
package chunk

import (
	"strconv"
	"strings"

	"github.com/meigma/volstream/manifest"
)

// Key returns the storage path of the object at coords under base.
func Key(base string, coords []int) string {
	var sb strings.Builder
	sb.Grow(len(base) + 3 + len(coords)*4)
	sb.WriteString(strings.TrimSuffix(base, "/"))
	sb.WriteString("/c")
	for _, c := range coords {
		sb.WriteByte('/')
		sb.WriteString(strconv.Itoa(c))
	}
	return sb.String()
}

// Location is the physical address of one logical chunk.
type Location struct {
	// Path is the object holding the chunk: the shard path when sharded.
	Path string

	// Local holds the chunk's coordinates within its shard. Nil when the
	// array is not sharded.
	Local []int

	// PerShard holds the number of chunks along each shard axis. Nil when
	// the array is not sharded.
	PerShard []int

	// IndexAtStart reports whether the shard index precedes the chunk data.
	IndexAtStart bool
}

// Sharded reports whether the location addresses a chunk inside a shard.
func (l Location) Sharded() bool {
	return l.Local != nil
}

// Resolve computes where the chunk at coords is stored. The descriptor must
// already be validated.
func Resolve(desc *manifest.ArrayDescriptor, coords []int) Location {
	if desc.Sharding == nil {
		return Location{Path: Key(desc.Path, coords)}
	}
	per := desc.Sharding.ChunksPerShard(desc.ChunkShape)
	shard := make([]int, len(coords))
	local := make([]int, len(coords))
	for i, c := range coords {
		shard[i] = c / per[i]
		local[i] = c % per[i]
	}
	return Location{
		Path:         Key(desc.Path, shard),
		Local:        local,
		PerShard:     per,
		IndexAtStart: desc.Sharding.IndexLocation == manifest.IndexAtStart,
	}
}
