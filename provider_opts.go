package volstream

import (
	"fmt"
	"log/slog"

	"github.com/meigma/volstream/internal/chunk"
)

// Option configures a Provider.
type Option func(*Provider) error

// Default limits.
const (
	DefaultMaxCachedVolumes           = 8
	DefaultMaxCachedPageTables        = 64
	DefaultMaxCachedAtlases           = 8
	DefaultMaxCachedChunkBytes  int64 = 256 << 20 // 256 MB
	DefaultMaxConcurrentChunkReads    = 8
	DefaultMaxConcurrentPrefetchLoads = 2
)

// DefaultMaxDecoderMemory bounds zstd decoders so a hostile chunk cannot
// force an unbounded allocation.
const DefaultMaxDecoderMemory uint64 = chunk.DefaultMaxDecoderMemory

// --- Cache Options ---

// WithMaxCachedVolumes bounds the number of assembled volumes kept in memory.
// Zero disables volume caching; concurrent requests still share one load.
func WithMaxCachedVolumes(n int) Option {
	return func(p *Provider) error {
		if n < 0 {
			return fmt.Errorf("%w: max cached volumes %d", ErrInvalidConfig, n)
		}
		p.maxCachedVolumes = n
		return nil
	}
}

// WithMaxCachedPageTables bounds the number of brick page tables kept in
// memory. Zero disables page table caching.
func WithMaxCachedPageTables(n int) Option {
	return func(p *Provider) error {
		if n < 0 {
			return fmt.Errorf("%w: max cached page tables %d", ErrInvalidConfig, n)
		}
		p.maxCachedPageTables = n
		return nil
	}
}

// WithMaxCachedAtlases bounds the number of brick atlases kept in memory.
// Zero disables atlas caching.
func WithMaxCachedAtlases(n int) Option {
	return func(p *Provider) error {
		if n < 0 {
			return fmt.Errorf("%w: max cached atlases %d", ErrInvalidConfig, n)
		}
		p.maxCachedAtlases = n
		return nil
	}
}

// WithMaxCachedChunkBytes sets the byte budget of the raw chunk cache.
// Zero disables chunk caching.
func WithMaxCachedChunkBytes(n int64) Option {
	return func(p *Provider) error {
		if n < 0 {
			return fmt.Errorf("%w: max cached chunk bytes %d", ErrInvalidConfig, n)
		}
		p.maxCachedChunkBytes = n
		return nil
	}
}

// WithMaxDecoderMemory limits the memory a single zstd chunk decoder may use.
// Defaults to DefaultMaxDecoderMemory. Zero means no limit.
func WithMaxDecoderMemory(n uint64) Option {
	return func(p *Provider) error {
		p.maxDecoderMemory = n
		return nil
	}
}

// --- Concurrency Options ---

// WithMaxConcurrentChunkReads sets the number of chunk reads in flight for
// one array request.
func WithMaxConcurrentChunkReads(n int) Option {
	return func(p *Provider) error {
		if n < 1 {
			return fmt.Errorf("%w: max concurrent chunk reads %d", ErrInvalidConfig, n)
		}
		p.maxConcurrentChunkReads = n
		return nil
	}
}

// WithMaxConcurrentPrefetchLoads sets the default number of layers a prefetch
// loads at once. A prefetch call may override it.
func WithMaxConcurrentPrefetchLoads(n int) Option {
	return func(p *Provider) error {
		if n < 1 {
			return fmt.Errorf("%w: max concurrent prefetch loads %d", ErrInvalidConfig, n)
		}
		p.maxConcurrentPrefetchLoads = n
		return nil
	}
}

// --- Logging Options ---

// WithLogger sets the logger for cache and prefetch activity.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) error {
		p.logger = logger
		return nil
	}
}

// --- Request Options ---

// RequestOption configures a single GetVolume, GetBrickPageTable or
// GetBrickAtlas call.
type RequestOption func(*request)

type request struct {
	scale    int
	hasScale bool
}

// WithScale selects a scale level. The level must exist exactly; without
// this option level 0 is used.
func WithScale(level int) RequestOption {
	return func(r *request) {
		r.scale = level
		r.hasScale = true
	}
}

func buildRequest(opts []RequestOption) request {
	var r request
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&r)
	}
	return r
}
