package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// LoadFunc produces the value for one key.
type LoadFunc[V any] func(ctx context.Context) (V, error)

// flight is a load in progress. Its fields other than done are guarded by
// the owning cache's mutex; val and err are published by closing done.
type flight[V any] struct {
	done    chan struct{}
	val     V
	err     error
	waiters int
	cancel  context.CancelFunc
}

// Entries is a count-bounded LRU cache of assembled values that shares one
// load between every concurrent caller of a key.
//
// The load runs on a context detached from any single caller. It is
// cancelled only when every waiter has given up, at which point the pending
// entry is dropped so the next caller starts a fresh load. A load only writes
// back to the cache while it still owns its pending entry.
type Entries[K comparable, V any] struct {
	mu      sync.Mutex
	lru     *simplelru.LRU[K, V]
	max     int
	pending map[K]*flight[V]

	hits          int64
	pendingHits   int64
	misses        int64
	failures      int64
	cancellations int64
	evictions     int64

	logger *slog.Logger
	name   string
}

// EntryStats is a snapshot of Entries counters.
type EntryStats struct {
	Len           int
	Max           int
	Pending       int
	Hits          int64
	PendingHits   int64
	Misses        int64
	Failures      int64
	Cancellations int64
	Evictions     int64
}

// NewEntries creates a cache retaining at most max completed values. Values
// <= 0 disable retention; concurrent loads of one key are still shared.
func NewEntries[K comparable, V any](max int, opts ...Option) *Entries[K, V] {
	o := buildOptions(opts)
	if max < 0 {
		max = 0
	}
	e := &Entries[K, V]{
		max:     max,
		pending: make(map[K]*flight[V]),
		logger:  o.logger,
		name:    o.name,
	}
	if max > 0 {
		lru, err := simplelru.NewLRU[K, V](max, nil)
		if err != nil {
			panic(err)
		}
		e.lru = lru
	}
	return e
}

// Get returns the value for key, calling load on a miss.
//
// A resident value is returned at once and becomes most recently used. If a
// load for key is already running, Get waits for it instead of starting
// another. If ctx ends first, Get returns ctx.Err() without affecting other
// waiters.
func (e *Entries[K, V]) Get(ctx context.Context, key K, load LoadFunc[V]) (V, error) {
	var zero V
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	e.mu.Lock()
	if e.lru != nil {
		if v, ok := e.lru.Get(key); ok {
			e.hits++
			e.mu.Unlock()
			return v, nil
		}
	}
	f, ok := e.pending[key]
	if ok {
		e.pendingHits++
		f.waiters++
	} else {
		e.misses++
		loadCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight[V]{
			done:    make(chan struct{}),
			waiters: 1,
			cancel:  cancel,
		}
		e.pending[key] = f
		go e.run(loadCtx, key, f, load)
	}
	e.mu.Unlock()

	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		e.abandon(key, f)
		return zero, ctx.Err()
	}
}

func (e *Entries[K, V]) run(ctx context.Context, key K, f *flight[V], load LoadFunc[V]) {
	v, err := load(ctx)
	f.cancel()

	e.mu.Lock()
	f.val, f.err = v, err
	if e.pending[key] == f {
		delete(e.pending, key)
		switch {
		case err == nil:
			e.store(key, v)
		case !isCancellation(err):
			e.failures++
			e.logger.Warn("load failed", "cache", e.name, "key", key, "error", err)
		}
	}
	e.mu.Unlock()
	close(f.done)
}

// abandon removes one waiter from f. The last waiter out cancels the load
// and releases the key.
func (e *Entries[K, V]) abandon(key K, f *flight[V]) {
	e.mu.Lock()
	defer e.mu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	if e.pending[key] == f {
		delete(e.pending, key)
		e.cancellations++
		f.cancel()
	}
}

// store must be called with e.mu held.
func (e *Entries[K, V]) store(key K, v V) {
	if e.lru == nil {
		return
	}
	if e.lru.Add(key, v) {
		e.evictions++
		e.logger.Debug("entry evicted", "cache", e.name, "len", e.lru.Len(), "max", e.max)
	}
}

// Peek returns a resident value without touching its recency.
func (e *Entries[K, V]) Peek(key K) (V, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lru == nil {
		var zero V
		return zero, false
	}
	return e.lru.Peek(key)
}

// Resident reports whether a completed value is cached for key.
func (e *Entries[K, V]) Resident(key K) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lru != nil && e.lru.Contains(key)
}

// InFlight reports whether a load for key is running.
func (e *Entries[K, V]) InFlight(key K) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.pending[key]
	return ok
}

// Contains reports whether key is resident or being loaded.
func (e *Entries[K, V]) Contains(key K) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.pending[key]; ok {
		return true
	}
	return e.lru != nil && e.lru.Contains(key)
}

// Remove drops the resident value for key. Loads in flight are unaffected.
func (e *Entries[K, V]) Remove(key K) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lru != nil && e.lru.Remove(key)
}

// Clear drops every resident value. Loads in flight are unaffected.
func (e *Entries[K, V]) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lru != nil {
		e.lru.Purge()
	}
}

// Keys returns the resident keys from oldest to newest.
func (e *Entries[K, V]) Keys() []K {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lru == nil {
		return nil
	}
	return e.lru.Keys()
}

// Len returns the number of resident values.
func (e *Entries[K, V]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lru == nil {
		return 0
	}
	return e.lru.Len()
}

// Max returns the configured bound.
func (e *Entries[K, V]) Max() int {
	return e.max
}

// Stats returns a snapshot of the cache counters.
func (e *Entries[K, V]) Stats() EntryStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := EntryStats{
		Max:           e.max,
		Pending:       len(e.pending),
		Hits:          e.hits,
		PendingHits:   e.pendingHits,
		Misses:        e.misses,
		Failures:      e.failures,
		Cancellations: e.cancellations,
		Evictions:     e.evictions,
	}
	if e.lru != nil {
		s.Len = e.lru.Len()
	}
	return s
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
