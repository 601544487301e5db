// Package volstream streams multiresolution volumetric data out of chunked
// array storage.
//
// A [Provider] reads a dataset described by a [manifest.Manifest] through a
// [storage.Store] and reconstructs whole volumes or sparse brick atlases on
// demand. It keeps two tiers of bounded cache: assembled results per
// (layer, timepoint, scale), and raw chunk objects under a byte budget.
// Concurrent requests for the same key share one load, and cancelling one
// caller never disturbs the others.
//
// # Quick Start
//
//	m, err := manifest.Load(ctx, store, "")
//	if err != nil {
//	    return err
//	}
//	p, err := volstream.New(m, store,
//	    volstream.WithMaxCachedVolumes(16),
//	    volstream.WithMaxCachedChunkBytes(512<<20),
//	)
//	if err != nil {
//	    return err
//	}
//	vol, err := p.GetVolume(ctx, "nuclei", 0, volstream.WithScale(1))
//
// # Brick Atlases
//
// [Provider.GetBrickAtlas] builds a page table from per-chunk statistics and
// packs only the occupied bricks into one buffer, laid out for direct texture
// upload in the [TextureFormat] derived from the layer's channel count.
//
// # Prefetching
//
// [Provider.Prefetch] and [Provider.PrefetchAtlases] warm the caches across
// layers for an upcoming timepoint. Running prefetches are listed by
// [Provider.ActivePrefetches] and summarised in [Provider.Diagnostics].
package volstream
