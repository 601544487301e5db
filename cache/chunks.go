// Package cache provides the bounded in-memory caches behind the volume
// provider.
//
// Chunks holds raw storage objects under a byte budget and deduplicates
// concurrent fetches of one path. Entries holds assembled results under a
// count bound and shares one load between every caller of a key.
//
// Both caches only ever evict completed entries. Work that is still in
// flight lives outside the recency list until it finishes.
package cache

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"golang.org/x/sync/singleflight"
)

// FetchFunc reads one storage object.
type FetchFunc func(ctx context.Context) ([]byte, error)

// Chunks is a byte-budgeted LRU cache of raw storage objects keyed by path.
//
// Chunks uses singleflight to deduplicate concurrent Get calls for the same
// path. The fetch runs detached from the caller that started it, so a caller
// that gives up does not waste the read: the payload still lands in the cache
// for the next request.
type Chunks struct {
	mu       sync.Mutex
	lru      *simplelru.LRU[string, []byte]
	bytes    int64
	maxBytes int64

	group   singleflight.Group
	pending atomic.Int64

	hits         atomic.Int64
	pendingHits  atomic.Int64
	misses       atomic.Int64
	fetchedBytes atomic.Int64
	evictions    atomic.Int64

	logger *slog.Logger
	name   string
}

// ChunkStats is a snapshot of Chunks counters.
type ChunkStats struct {
	Hits         int64
	PendingHits  int64 // callers served by a fetch another caller started
	Misses       int64
	FetchedBytes int64
	Evictions    int64
	Bytes        int64
	MaxBytes     int64
	Entries      int
	Pending      int
}

// NewChunks creates a chunk cache holding at most maxBytes of payload.
// Values <= 0 disable retention: fetches are still shared between concurrent
// callers, but nothing is kept once they complete.
func NewChunks(maxBytes int64, opts ...Option) *Chunks {
	o := buildOptions(opts)
	if maxBytes < 0 {
		maxBytes = 0
	}
	c := &Chunks{
		maxBytes: maxBytes,
		logger:   o.logger,
		name:     o.name,
	}
	// The count bound is never reached; the byte budget drives eviction.
	lru, err := simplelru.NewLRU[string, []byte](math.MaxInt, c.onEvict)
	if err != nil {
		panic(err)
	}
	c.lru = lru
	return c
}

// onEvict runs under c.mu for every entry leaving the list.
func (c *Chunks) onEvict(_ string, value []byte) {
	c.bytes -= int64(len(value))
}

// Get returns the payload stored at path, calling fetch on a miss.
//
// Concurrent calls for the same path share one fetch and observe the same
// outcome. A failed fetch leaves no entry behind. If ctx ends first, Get
// returns ctx.Err() while the fetch continues in the background.
func (c *Chunks) Get(ctx context.Context, path string, fetch FetchFunc) ([]byte, error) {
	if data, ok := c.lookup(path); ok {
		c.hits.Add(1)
		return data, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fetchCtx := context.WithoutCancel(ctx)
	var led atomic.Bool
	ch := c.group.DoChan(path, func() (any, error) {
		led.Store(true)
		// Double-check: a previous flight may have stored the payload between
		// our lookup and joining this one.
		if data, ok := c.peek(path); ok {
			c.hits.Add(1)
			return data, nil
		}

		c.pending.Add(1)
		defer c.pending.Add(-1)
		c.misses.Add(1)

		data, err := fetch(fetchCtx)
		if err != nil {
			return nil, err
		}
		c.fetchedBytes.Add(int64(len(data)))
		c.store(path, data)
		return data, nil
	})

	select {
	case res := <-ch:
		if !led.Load() {
			c.pendingHits.Add(1)
		}
		if res.Err != nil {
			return nil, res.Err
		}
		data, _ := res.Val.([]byte) //nolint:errcheck // type assertion always succeeds when err is nil
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Chunks) lookup(path string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Get(path)
}

func (c *Chunks) peek(path string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Peek(path)
}

// store inserts data and evicts least recently used entries until the cache
// fits its budget. Payloads larger than the whole budget are not retained.
func (c *Chunks) store(path string, data []byte) {
	size := int64(len(data))
	if c.maxBytes == 0 || size > c.maxBytes {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.lru.Peek(path); ok {
		c.bytes -= int64(len(old))
	}
	c.lru.Add(path, data)
	c.bytes += size
	for c.bytes > c.maxBytes {
		key, _, ok := c.lru.RemoveOldest()
		if !ok {
			break
		}
		c.evictions.Add(1)
		c.logger.Debug("chunk evicted", "cache", c.name, "path", key, "bytes", c.bytes, "max_bytes", c.maxBytes)
	}
}

// Contains reports whether path is resident without touching its recency.
func (c *Chunks) Contains(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Contains(path)
}

// Remove drops the payload stored at path. It reports whether an entry was
// present.
func (c *Chunks) Remove(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Remove(path)
}

// Clear drops every resident payload. Fetches in flight are unaffected.
func (c *Chunks) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

// MaxBytes returns the configured budget.
func (c *Chunks) MaxBytes() int64 {
	return c.maxBytes
}

// SizeBytes returns the current resident payload size.
func (c *Chunks) SizeBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// Stats returns a snapshot of the cache counters.
func (c *Chunks) Stats() ChunkStats {
	c.mu.Lock()
	bytes, entries := c.bytes, c.lru.Len()
	c.mu.Unlock()
	return ChunkStats{
		Hits:         c.hits.Load(),
		PendingHits:  c.pendingHits.Load(),
		Misses:       c.misses.Load(),
		FetchedBytes: c.fetchedBytes.Load(),
		Evictions:    c.evictions.Load(),
		Bytes:        bytes,
		MaxBytes:     c.maxBytes,
		Entries:      entries,
		Pending:      int(c.pending.Load()),
	}
}
