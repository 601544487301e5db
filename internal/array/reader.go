// Package array reads regions of chunked arrays through the raw chunk cache.
package array

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/meigma/volstream/cache"
	"github.com/meigma/volstream/internal/chunk"
	"github.com/meigma/volstream/internal/voltype"
	"github.com/meigma/volstream/manifest"
	"github.com/meigma/volstream/storage"
)

// DefaultMaxConcurrent is the default number of chunk reads in flight per
// request.
const DefaultMaxConcurrent = 8

// Reader assembles array regions from chunk objects.
//
// Every chunk object passes through the shared chunk cache, so reads of one
// region by different requests share storage traffic. Decoded chunks are not
// cached; slicing a chunk from its shard and decompressing it happens on every
// access.
type Reader struct {
	store         storage.Store
	chunks        *cache.Chunks
	decoder       *chunk.Decoder
	maxConcurrent int
	logger        *slog.Logger
}

// Option configures a Reader.
type Option func(*Reader)

// WithMaxConcurrent sets the number of chunk reads in flight per request.
// Values < 1 are treated as 1.
func WithMaxConcurrent(n int) Option {
	return func(r *Reader) {
		r.maxConcurrent = n
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reader) {
		r.logger = logger
	}
}

// New creates a Reader. If decoder is nil a pooled decoder without a memory
// limit is used.
func New(store storage.Store, chunks *cache.Chunks, decoder *chunk.Decoder, opts ...Option) *Reader {
	r := &Reader{
		store:         store,
		chunks:        chunks,
		decoder:       decoder,
		maxConcurrent: DefaultMaxConcurrent,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(r)
	}
	if r.decoder == nil {
		r.decoder = chunk.NewDecoder(0)
	}
	if r.maxConcurrent < 1 {
		r.maxConcurrent = 1
	}
	return r
}

func (r *Reader) log() *slog.Logger {
	if r.logger != nil {
		return r.logger
	}
	return slog.New(slog.DiscardHandler)
}

// FetchChunk returns the decoded bytes of the logical chunk at coords. The
// length is not checked against the chunk shape. The returned slice may alias
// cached data and must not be modified.
func (r *Reader) FetchChunk(ctx context.Context, desc *manifest.ArrayDescriptor, coords []int) ([]byte, error) {
	loc := chunk.Resolve(desc, coords)
	payload, err := r.chunks.Get(ctx, loc.Path, func(ctx context.Context) ([]byte, error) {
		return r.store.ReadFile(ctx, loc.Path)
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s: %w", voltype.ErrChunkNotFound, loc.Path, err)
		}
		return nil, err
	}
	raw, err := chunk.Slice(payload, loc)
	if err != nil {
		return nil, err
	}
	data, err := r.decoder.Decode(desc.Codec, raw)
	if err != nil {
		return nil, fmt.Errorf("%s %v: %w", desc.Path, coords, err)
	}
	return data, nil
}

// ReadTimepoint reads the whole of timepoint t. The result is laid out
// row-major over the non-time axes of desc.
func (r *Reader) ReadTimepoint(ctx context.Context, desc *manifest.ArrayDescriptor, t int) ([]byte, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	start := make([]int, desc.Rank()-1)
	return r.ReadRegion(ctx, desc, t, start, desc.Shape[1:])
}

// ReadRegion reads the box [start, start+count) of timepoint t. start and
// count cover the non-time axes. The result is laid out row-major over count.
func (r *Reader) ReadRegion(ctx context.Context, desc *manifest.ArrayDescriptor, t int, start, count []int) ([]byte, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	if err := checkRegion(desc, t, start, count); err != nil {
		return nil, err
	}

	es := desc.ElementSize()
	total := es
	for _, c := range count {
		total *= c
	}
	dst := make([]byte, total)
	if total == 0 {
		return dst, nil
	}

	plans := planChunks(desc, t, start, count)
	workers := min(r.maxConcurrent, len(plans))
	r.log().Debug("reading region", "path", desc.Path, "timepoint", t, "chunks", len(plans), "workers", workers)

	var cursor atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for range workers {
		g.Go(func() error {
			for {
				// No new dispatch once the request or a sibling has failed.
				if err := gctx.Err(); err != nil {
					return err
				}
				i := int(cursor.Add(1)) - 1
				if i >= len(plans) {
					return nil
				}
				if err := r.readInto(gctx, desc, t, plans[i], dst, start, count); err != nil {
					return err
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		// A sibling failure cancels gctx; prefer the caller's own error.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	return dst, nil
}

func checkRegion(desc *manifest.ArrayDescriptor, t int, start, count []int) error {
	if t < 0 || t >= desc.Shape[0] {
		return fmt.Errorf("%w: %s: timepoint %d outside [0, %d)", voltype.ErrInvalidDescriptor, desc.Path, t, desc.Shape[0])
	}
	if len(start) != desc.Rank()-1 || len(count) != desc.Rank()-1 {
		return fmt.Errorf("%w: %s: region rank %d/%d, want %d",
			voltype.ErrInvalidDescriptor, desc.Path, len(start), len(count), desc.Rank()-1)
	}
	for i := range start {
		if start[i] < 0 || count[i] < 0 || start[i]+count[i] > desc.Shape[i+1] {
			return fmt.Errorf("%w: %s: region start %v count %v outside shape %v",
				voltype.ErrInvalidDescriptor, desc.Path, start, count, desc.Shape)
		}
	}
	return nil
}

// readInto fetches one chunk and copies its overlap with the region into dst.
func (r *Reader) readInto(ctx context.Context, desc *manifest.ArrayDescriptor, t int, p plan, dst []byte, start, count []int) error {
	data, err := r.FetchChunk(ctx, desc, p.coords)
	if err != nil {
		return err
	}
	es := desc.ElementSize()
	if want := desc.ChunkElements() * es; len(data) != want {
		return fmt.Errorf("%w: %s %v: chunk is %d bytes, want %d",
			voltype.ErrSizeMismatch, desc.Path, p.coords, len(data), want)
	}
	slice, err := TimeSlice(desc, data, t)
	if err != nil {
		return err
	}

	n := desc.Rank() - 1
	if n == 0 {
		copy(dst, slice)
		return nil
	}
	chunkDims := desc.ChunkShape[1:]
	srcLo := make([]int, n)
	dstLo := make([]int, n)
	extent := make([]int, n)
	for i := range n {
		origin := p.coords[i+1] * chunkDims[i]
		lo := max(origin, start[i])
		hi := min(origin+chunkDims[i], start[i]+count[i])
		if hi <= lo {
			return nil
		}
		srcLo[i] = lo - origin
		dstLo[i] = lo - start[i]
		extent[i] = hi - lo
	}

	copyOverlap(dst, slice, strides(count, es), strides(chunkDims, es), dstLo, srcLo, extent, 0, 0, 0)
	return nil
}

// TimeSlice returns the bytes of timepoint t within a decoded chunk of desc.
// The chunk may hold several timepoints packed contiguously; its length must
// be an exact multiple of one timepoint's size.
func TimeSlice(desc *manifest.ArrayDescriptor, data []byte, t int) ([]byte, error) {
	perT := desc.TimepointElements() * desc.ElementSize()
	if perT == 0 || len(data)%perT != 0 {
		return nil, fmt.Errorf("%w: %s: chunk is %d bytes, not a multiple of %d per timepoint",
			voltype.ErrSizeMismatch, desc.Path, len(data), perT)
	}
	off := (t % desc.ChunkShape[0]) * perT
	if off+perT > len(data) {
		return nil, fmt.Errorf("%w: %s: chunk holds %d timepoints, need index %d",
			voltype.ErrSizeMismatch, desc.Path, len(data)/perT, t%desc.ChunkShape[0])
	}
	return data[off : off+perT], nil
}

// strides returns row-major byte strides for dims.
func strides(dims []int, elemSize int) []int {
	s := make([]int, len(dims))
	acc := elemSize
	for i := len(dims) - 1; i >= 0; i-- {
		s[i] = acc
		acc *= dims[i]
	}
	return s
}

// copyOverlap copies an extent-shaped box from src at srcLo to dst at dstLo.
// The innermost axis is copied as one contiguous run.
func copyOverlap(dst, src []byte, dstStrides, srcStrides, dstLo, srcLo, extent []int, dim, dstOff, srcOff int) {
	if dim == len(extent)-1 {
		d := dstOff + dstLo[dim]*dstStrides[dim]
		s := srcOff + srcLo[dim]*srcStrides[dim]
		n := extent[dim] * dstStrides[dim]
		copy(dst[d:d+n], src[s:s+n])
		return
	}
	for i := range extent[dim] {
		copyOverlap(dst, src, dstStrides, srcStrides, dstLo, srcLo, extent, dim+1,
			dstOff+(dstLo[dim]+i)*dstStrides[dim],
			srcOff+(srcLo[dim]+i)*srcStrides[dim])
	}
}

type plan struct {
	coords   []int
	priority float64
}

// planChunks lists the chunks covering the region, nearest the covering box
// center first. Ties keep row-major order.
func planChunks(desc *manifest.ArrayDescriptor, t int, start, count []int) []plan {
	n := desc.Rank() - 1
	lo := make([]int, n)
	hi := make([]int, n)
	center := make([]float64, n)
	total := 1
	for i := range n {
		cs := desc.ChunkShape[i+1]
		lo[i] = start[i] / cs
		hi[i] = (start[i] + count[i] - 1) / cs
		center[i] = float64(lo[i]+hi[i]) / 2
		total *= hi[i] - lo[i] + 1
	}

	tc := t / desc.ChunkShape[0]
	plans := make([]plan, 0, total)
	cur := slices.Clone(lo)
	for {
		coords := make([]int, n+1)
		coords[0] = tc
		copy(coords[1:], cur)
		var d float64
		for i := range n {
			delta := float64(cur[i]) - center[i]
			d += delta * delta
		}
		plans = append(plans, plan{coords: coords, priority: d})

		// Advance the odometer, last axis fastest.
		i := n - 1
		for ; i >= 0; i-- {
			cur[i]++
			if cur[i] <= hi[i] {
				break
			}
			cur[i] = lo[i]
		}
		if i < 0 {
			break
		}
	}

	slices.SortStableFunc(plans, func(a, b plan) int {
		switch {
		case a.priority < b.priority:
			return -1
		case a.priority > b.priority:
			return 1
		default:
			return 0
		}
	})
	return plans
}
