package volstream

import (
	"fmt"
	"log/slog"

	"github.com/meigma/volstream/cache"
	"github.com/meigma/volstream/internal/array"
	"github.com/meigma/volstream/internal/chunk"
	"github.com/meigma/volstream/manifest"
	"github.com/meigma/volstream/storage"
)

// Provider serves volumes and brick atlases for the layers of one manifest.
//
// A Provider is safe for concurrent use. Within one (layer, timepoint, scale)
// key exactly one load runs at a time and every waiter observes its outcome.
// Distinct keys load independently.
type Provider struct {
	index  *LayerIndex
	store  storage.Store
	reader *array.Reader

	chunks     *cache.Chunks
	volumes    *cache.Entries[VolumeKey, *Volume]
	pageTables *cache.Entries[VolumeKey, *PageTable]
	atlases    *cache.Entries[VolumeKey, *BrickAtlas]

	stats      *stats
	prefetches *prefetchRegistry

	maxCachedVolumes           int
	maxCachedPageTables        int
	maxCachedAtlases           int
	maxCachedChunkBytes        int64
	maxDecoderMemory           uint64
	maxConcurrentChunkReads    int
	maxConcurrentPrefetchLoads int

	logger *slog.Logger
}

// New creates a Provider for the layers of m, reading objects from store.
func New(m *manifest.Manifest, store storage.Store, opts ...Option) (*Provider, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil manifest", ErrInvalidConfig)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	p := &Provider{
		store:                      store,
		maxCachedVolumes:           DefaultMaxCachedVolumes,
		maxCachedPageTables:        DefaultMaxCachedPageTables,
		maxCachedAtlases:           DefaultMaxCachedAtlases,
		maxCachedChunkBytes:        DefaultMaxCachedChunkBytes,
		maxDecoderMemory:           DefaultMaxDecoderMemory,
		maxConcurrentChunkReads:    DefaultMaxConcurrentChunkReads,
		maxConcurrentPrefetchLoads: DefaultMaxConcurrentPrefetchLoads,
		stats:                      newStats(),
		prefetches:                 newPrefetchRegistry(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(p); err != nil {
			return nil, err
		}
	}

	idx, err := NewLayerIndex(m)
	if err != nil {
		return nil, err
	}
	p.index = idx

	log := p.log()
	p.chunks = cache.NewChunks(p.maxCachedChunkBytes, cache.WithLogger(log), cache.WithName("chunks"))
	p.volumes = cache.NewEntries[VolumeKey, *Volume](p.maxCachedVolumes, cache.WithLogger(log), cache.WithName("volumes"))
	p.pageTables = cache.NewEntries[VolumeKey, *PageTable](p.maxCachedPageTables, cache.WithLogger(log), cache.WithName("page_tables"))
	p.atlases = cache.NewEntries[VolumeKey, *BrickAtlas](p.maxCachedAtlases, cache.WithLogger(log), cache.WithName("atlases"))
	p.reader = array.New(store, p.chunks, chunk.NewDecoder(p.maxDecoderMemory),
		array.WithMaxConcurrent(p.maxConcurrentChunkReads),
		array.WithLogger(log),
	)

	log.Debug("provider created",
		"layers", idx.Len(),
		"max_cached_volumes", p.maxCachedVolumes,
		"max_cached_chunk_bytes", p.maxCachedChunkBytes,
		"max_concurrent_chunk_reads", p.maxConcurrentChunkReads)
	return p, nil
}

func (p *Provider) log() *slog.Logger {
	if p.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return p.logger
}

// Index returns the provider's layer index.
func (p *Provider) Index() *LayerIndex {
	return p.index
}

// resolve validates a request and returns its layer and scale.
func (p *Provider) resolve(layerKey string, t int, req request) (*Layer, *manifest.Scale, error) {
	layer, ok := p.index.Lookup(layerKey)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownLayer, layerKey)
	}
	if t < 0 || t >= layer.VolumeCount {
		return nil, nil, fmt.Errorf("%w: layer %q timepoint %d, volume count %d",
			ErrTimepointOutOfRange, layerKey, t, layer.VolumeCount)
	}
	level := 0
	if req.hasScale {
		level = req.scale
	}
	scale, ok := layer.Scale(level)
	if !ok {
		return nil, nil, fmt.Errorf("%w: layer %q has no scale level %d (available: %s)",
			ErrScaleUnavailable, layerKey, level, layer.levelList())
	}
	return layer, scale, nil
}

// Clear drops every resident volume, page table, atlas and chunk. Loads in
// flight complete normally.
func (p *Provider) Clear() {
	p.volumes.Clear()
	p.pageTables.Clear()
	p.atlases.Clear()
	p.chunks.Clear()
	p.log().Debug("caches cleared")
}

// Evict drops the resident volume, page table and atlas for key. It reports
// whether anything was removed.
func (p *Provider) Evict(key VolumeKey) bool {
	v := p.volumes.Remove(key)
	pt := p.pageTables.Remove(key)
	a := p.atlases.Remove(key)
	return v || pt || a
}

// Resident reports whether an assembled volume is cached for key.
func (p *Provider) Resident(key VolumeKey) bool {
	return p.volumes.Resident(key)
}
