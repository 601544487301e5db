package volstream

import (
	"maps"
	"sync"
	"sync/atomic"
)

// stats holds the provider's running counters. Cache-level counters live in
// the caches themselves.
type stats struct {
	// rejected counts requests that failed validation before any load.
	rejected atomic.Int64
	// cancelled counts callers whose wait ended with their context.
	cancelled atomic.Int64

	prefetchStarted   atomic.Int64
	prefetchCompleted atomic.Int64
	prefetchCancelled atomic.Int64
	prefetchFailed    atomic.Int64

	mu            sync.Mutex
	scaleRequests map[int]int64
}

func newStats() *stats {
	return &stats{scaleRequests: make(map[int]int64)}
}

func (s *stats) request(level int) {
	s.mu.Lock()
	s.scaleRequests[level]++
	s.mu.Unlock()
}

func (s *stats) scaleHistogram() map[int]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.scaleRequests)
}
