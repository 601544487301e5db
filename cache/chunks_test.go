package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingFetch struct {
	calls atomic.Int64
	data  []byte
	err   error
	gate  chan struct{}
}

func (f *countingFetch) fetch(ctx context.Context) ([]byte, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.data, f.err
}

func TestChunksGetCachesPayload(t *testing.T) {
	t.Parallel()

	c := NewChunks(1 << 10)
	f := &countingFetch{data: []byte("chunk")}

	for range 3 {
		got, err := c.Get(context.Background(), "a/c/0", f.fetch)
		require.NoError(t, err)
		assert.Equal(t, []byte("chunk"), got)
	}
	assert.Equal(t, int64(1), f.calls.Load())

	stats := c.Stats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(5), stats.FetchedBytes)
	assert.Equal(t, int64(5), stats.Bytes)
	assert.Equal(t, 1, stats.Entries)
}

func TestChunksSingleflight(t *testing.T) {
	t.Parallel()

	c := NewChunks(1 << 10)
	f := &countingFetch{data: []byte("shared"), gate: make(chan struct{})}

	const numGoroutines = 10
	var wg sync.WaitGroup
	results := make(chan []byte, numGoroutines)
	for range numGoroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := c.Get(context.Background(), "p", f.fetch)
			assert.NoError(t, err)
			results <- got
		}()
	}

	require.Eventually(t, func() bool { return c.Stats().Pending == 1 }, time.Second, time.Millisecond)
	close(f.gate)
	wg.Wait()
	close(results)

	for got := range results {
		assert.Equal(t, []byte("shared"), got)
	}
	assert.Equal(t, int64(1), f.calls.Load())

	// Callers that arrive after the fetch lands are plain hits; the rest
	// joined the flight.
	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(numGoroutines-1), stats.Hits+stats.PendingHits)
}

func TestChunksPendingHitsWithoutRetention(t *testing.T) {
	t.Parallel()

	c := NewChunks(0)
	f := &countingFetch{data: []byte("shared"), gate: make(chan struct{})}

	const numGoroutines = 8
	var wg sync.WaitGroup
	for range numGoroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Get(context.Background(), "p", f.fetch)
			assert.NoError(t, err)
		}()
	}
	require.Eventually(t, func() bool { return c.Stats().Pending == 1 }, time.Second, time.Millisecond)
	close(f.gate)
	wg.Wait()

	// Nothing is retained, so every caller either fetched or joined a fetch.
	stats := c.Stats()
	assert.Zero(t, stats.Hits)
	assert.Equal(t, f.calls.Load(), stats.Misses)
	assert.Equal(t, numGoroutines-stats.Misses, stats.PendingHits)
}

func TestChunksByteBudget(t *testing.T) {
	t.Parallel()

	c := NewChunks(10)
	ctx := context.Background()
	payload := func(b byte) FetchFunc {
		return func(context.Context) ([]byte, error) { return []byte{b, b, b, b}, nil }
	}

	_, err := c.Get(ctx, "a", payload('a'))
	require.NoError(t, err)
	_, err = c.Get(ctx, "b", payload('b'))
	require.NoError(t, err)

	// Touch a so b becomes least recently used.
	_, err = c.Get(ctx, "a", payload('x'))
	require.NoError(t, err)

	_, err = c.Get(ctx, "c", payload('c'))
	require.NoError(t, err)

	assert.True(t, c.Contains("a"))
	assert.False(t, c.Contains("b"))
	assert.True(t, c.Contains("c"))
	assert.LessOrEqual(t, c.SizeBytes(), c.MaxBytes())
	assert.Equal(t, int64(8), c.SizeBytes())
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestChunksBudgetNeverExceeded(t *testing.T) {
	t.Parallel()

	c := NewChunks(100)
	ctx := context.Background()
	for i := range 50 {
		size := 1 + i%17
		_, err := c.Get(ctx, string(rune('A'+i)), func(context.Context) ([]byte, error) {
			return make([]byte, size), nil
		})
		require.NoError(t, err)
		require.LessOrEqual(t, c.SizeBytes(), int64(100))
	}
}

func TestChunksZeroBudget(t *testing.T) {
	t.Parallel()

	c := NewChunks(0)
	f := &countingFetch{data: []byte("data")}

	for range 2 {
		got, err := c.Get(context.Background(), "p", f.fetch)
		require.NoError(t, err)
		assert.Equal(t, []byte("data"), got)
	}
	assert.Equal(t, int64(2), f.calls.Load())
	assert.Equal(t, 0, c.Stats().Entries)
	assert.Equal(t, int64(0), c.SizeBytes())
}

func TestChunksOversizedPayload(t *testing.T) {
	t.Parallel()

	c := NewChunks(4)
	got, err := c.Get(context.Background(), "big", func(context.Context) ([]byte, error) {
		return make([]byte, 8), nil
	})
	require.NoError(t, err)
	assert.Len(t, got, 8)
	assert.False(t, c.Contains("big"))
}

func TestChunksFetchErrorLeavesNoEntry(t *testing.T) {
	t.Parallel()

	c := NewChunks(1 << 10)
	boom := errors.New("boom")
	f := &countingFetch{err: boom}

	_, err := c.Get(context.Background(), "p", f.fetch)
	require.ErrorIs(t, err, boom)
	assert.False(t, c.Contains("p"))

	f.err = nil
	f.data = []byte("ok")
	got, err := c.Get(context.Background(), "p", f.fetch)
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), got)
	assert.Equal(t, int64(2), f.calls.Load())
}

func TestChunksCallerCancelKeepsFetch(t *testing.T) {
	t.Parallel()

	c := NewChunks(1 << 10)
	f := &countingFetch{data: []byte("late"), gate: make(chan struct{})}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := c.Get(ctx, "p", f.fetch)
		errc <- err
	}()

	require.Eventually(t, func() bool { return c.Stats().Pending == 1 }, time.Second, time.Millisecond)
	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)

	// The detached fetch still completes and populates the cache.
	close(f.gate)
	require.Eventually(t, func() bool { return c.Contains("p") }, time.Second, time.Millisecond)

	got, err := c.Get(context.Background(), "p", f.fetch)
	require.NoError(t, err)
	assert.Equal(t, []byte("late"), got)
	assert.Equal(t, int64(1), f.calls.Load())
}

func TestChunksClearAndRemove(t *testing.T) {
	t.Parallel()

	c := NewChunks(1 << 10)
	ctx := context.Background()
	for _, p := range []string{"a", "b", "c"} {
		_, err := c.Get(ctx, p, func(context.Context) ([]byte, error) { return []byte(p), nil })
		require.NoError(t, err)
	}
	assert.True(t, c.Remove("a"))
	assert.False(t, c.Remove("a"))
	assert.Equal(t, int64(2), c.SizeBytes())

	c.Clear()
	assert.Equal(t, int64(0), c.SizeBytes())
	assert.Equal(t, 0, c.Stats().Entries)
}
