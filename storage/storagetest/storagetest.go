// Package storagetest provides in-memory and instrumented stores for tests.
package storagetest

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/meigma/volstream/storage"
)

// Memory is a concurrency-safe in-memory store.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory constructs an empty store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

// ReadFile returns a copy of the object at path.
func (m *Memory) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.data[strings.TrimPrefix(path, "/")]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, path)
	}
	return slices.Clone(data), nil
}

// WriteFile stores data at path.
func (m *Memory) WriteFile(_ context.Context, path string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[strings.TrimPrefix(path, "/")] = slices.Clone(data)
	return nil
}

// Delete removes the object at path.
func (m *Memory) Delete(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, strings.TrimPrefix(path, "/"))
}

// Paths returns every stored path in sorted order.
func (m *Memory) Paths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	paths := make([]string, 0, len(m.data))
	for p := range m.data {
		paths = append(paths, p)
	}
	slices.Sort(paths)
	return paths
}

// Counting wraps a store and counts reads per path.
type Counting struct {
	base  storage.Store
	total atomic.Int64

	mu     sync.Mutex
	counts map[string]int
}

// NewCounting wraps base.
func NewCounting(base storage.Store) *Counting {
	return &Counting{base: base, counts: make(map[string]int)}
}

// ReadFile counts the read and delegates to the wrapped store.
func (c *Counting) ReadFile(ctx context.Context, path string) ([]byte, error) {
	c.total.Add(1)
	c.mu.Lock()
	c.counts[path]++
	c.mu.Unlock()
	return c.base.ReadFile(ctx, path)
}

// Total returns the number of reads.
func (c *Counting) Total() int64 {
	return c.total.Load()
}

// Count returns the number of reads of path.
func (c *Counting) Count(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[path]
}

// Reset zeroes every counter.
func (c *Counting) Reset() {
	c.total.Store(0)
	c.mu.Lock()
	clear(c.counts)
	c.mu.Unlock()
}

// Gated wraps a store and holds every read until Open is called or the
// read's context ends.
type Gated struct {
	base    storage.Store
	gate    chan struct{}
	once    sync.Once
	waiting atomic.Int64
}

// NewGated wraps base with a closed gate.
func NewGated(base storage.Store) *Gated {
	return &Gated{base: base, gate: make(chan struct{})}
}

// ReadFile waits for the gate, then delegates to the wrapped store.
func (g *Gated) ReadFile(ctx context.Context, path string) ([]byte, error) {
	g.waiting.Add(1)
	defer g.waiting.Add(-1)
	select {
	case <-g.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.base.ReadFile(ctx, path)
}

// Waiting returns the number of reads blocked on the gate.
func (g *Gated) Waiting() int {
	return int(g.waiting.Load())
}

// Open releases every held and future read.
func (g *Gated) Open() {
	g.once.Do(func() { close(g.gate) })
}
