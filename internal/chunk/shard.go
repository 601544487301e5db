package chunk

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/meigma/volstream/internal/voltype"
)

// indexEntrySize is the byte size of one (offset, nbytes) index entry.
const indexEntrySize = 16

// emptyEntry marks an inner chunk that was never written.
const emptyEntry = math.MaxUint64

// linearIndex returns the row-major position of local within a grid of per.
func linearIndex(local, per []int) int {
	idx := 0
	for i := range local {
		idx = idx*per[i] + local[i]
	}
	return idx
}

// Slice extracts the stored bytes of the chunk at loc from a payload. For
// unsharded locations the payload is returned unchanged.
func Slice(payload []byte, loc Location) ([]byte, error) {
	if !loc.Sharded() {
		return payload, nil
	}
	count := 1
	for _, p := range loc.PerShard {
		count *= p
	}
	indexSize := count * indexEntrySize
	if len(payload) < indexSize {
		return nil, fmt.Errorf("%w: shard %s is %d bytes, index needs %d",
			voltype.ErrSizeMismatch, loc.Path, len(payload), indexSize)
	}
	var index []byte
	if loc.IndexAtStart {
		index = payload[:indexSize]
	} else {
		index = payload[len(payload)-indexSize:]
	}

	pos := linearIndex(loc.Local, loc.PerShard) * indexEntrySize
	offset := binary.LittleEndian.Uint64(index[pos:])
	nbytes := binary.LittleEndian.Uint64(index[pos+8:])
	if offset == emptyEntry && nbytes == emptyEntry {
		return nil, fmt.Errorf("%w: %s local %v", voltype.ErrChunkNotFound, loc.Path, loc.Local)
	}
	end := offset + nbytes
	if end < offset || end > uint64(len(payload)) {
		return nil, fmt.Errorf("%w: shard %s entry %v spans [%d, %d) of %d bytes",
			voltype.ErrSizeMismatch, loc.Path, loc.Local, offset, end, len(payload))
	}
	return payload[offset:end], nil
}

// EncodeShard packs inner chunk payloads into a shard object. chunks is
// indexed by row-major local position; a nil entry is recorded as absent.
func EncodeShard(chunks [][]byte, indexAtStart bool) []byte {
	indexSize := len(chunks) * indexEntrySize
	total := indexSize
	for _, c := range chunks {
		total += len(c)
	}
	out := make([]byte, total)

	dataStart := 0
	indexStart := total - indexSize
	if indexAtStart {
		dataStart = indexSize
		indexStart = 0
	}

	off := dataStart
	for i, c := range chunks {
		entry := out[indexStart+i*indexEntrySize:]
		if c == nil {
			binary.LittleEndian.PutUint64(entry, emptyEntry)
			binary.LittleEndian.PutUint64(entry[8:], emptyEntry)
			continue
		}
		copy(out[off:], c)
		binary.LittleEndian.PutUint64(entry, uint64(off))
		binary.LittleEndian.PutUint64(entry[8:], uint64(len(c)))
		off += len(c)
	}
	return out
}
