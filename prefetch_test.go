package volstream

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/volstream/storage/storagetest"
)

func TestPrefetch(t *testing.T) {
	t.Parallel()

	mem, m := writeDataset(t, basicLayer("a"), basicLayer("b"))
	p := newTestProvider(t, m, mem)

	err := p.Prefetch(context.Background(), []string{"a", "b", "a"}, 1, WithReason("timeline scrub"))
	require.NoError(t, err)
	assert.True(t, p.Resident(VolumeKey{Layer: "a", Timepoint: 1}))
	assert.True(t, p.Resident(VolumeKey{Layer: "b", Timepoint: 1}))

	d := p.Diagnostics()
	assert.Equal(t, int64(2), d.Volumes.Misses, "duplicate keys load once")
	assert.Equal(t, int64(1), d.Prefetch.Started)
	assert.Equal(t, int64(1), d.Prefetch.Completed)
	assert.Empty(t, p.ActivePrefetches())
}

func TestPrefetchPolicies(t *testing.T) {
	t.Parallel()

	mem, m := writeDataset(t, basicLayer("a"))
	counting := storagetest.NewCounting(mem)
	p := newTestProvider(t, m, counting, WithMaxCachedChunkBytes(0))
	ctx := context.Background()
	objects := int64(objectsUnder(mem, "a/0/data/"))

	require.NoError(t, p.Prefetch(ctx, []string{"a"}, 0))
	assert.Equal(t, objects, counting.Total())
	before, err := p.GetVolume(ctx, "a", 0)
	require.NoError(t, err)

	// Missing-only skips resident keys.
	require.NoError(t, p.Prefetch(ctx, []string{"a"}, 0, WithPolicy(PolicyMissingOnly)))
	assert.Equal(t, objects, counting.Total())

	// Force reloads them.
	require.NoError(t, p.Prefetch(ctx, []string{"a"}, 0, WithPolicy(PolicyForce)))
	assert.Equal(t, 2*objects, counting.Total())
	after, err := p.GetVolume(ctx, "a", 0)
	require.NoError(t, err)
	assert.NotSame(t, before, after)
	assert.Equal(t, before.Data, after.Data)
}

func TestPrefetchScaleLevels(t *testing.T) {
	t.Parallel()

	mem, m := writeDataset(t, basicLayer("a"))
	p := newTestProvider(t, m, mem)

	err := p.Prefetch(context.Background(), []string{"a"}, 2, WithScaleLevels(1, 0, 5))
	require.NoError(t, err)
	assert.True(t, p.Resident(VolumeKey{Layer: "a", Timepoint: 2, Scale: 0}))
	assert.True(t, p.Resident(VolumeKey{Layer: "a", Timepoint: 2, Scale: 1}))
	assert.Equal(t, map[int]int64{0: 1, 1: 1}, p.Diagnostics().ScaleRequests)
}

func TestPrefetchErrors(t *testing.T) {
	t.Parallel()

	mem, m := writeDataset(t, basicLayer("a"))
	p := newTestProvider(t, m, mem)

	err := p.Prefetch(context.Background(), []string{"a", "ghost"}, 0)
	require.ErrorIs(t, err, ErrUnknownLayer)

	err = p.Prefetch(context.Background(), []string{"a"}, 7)
	require.ErrorIs(t, err, ErrTimepointOutOfRange)

	assert.Equal(t, int64(2), p.Diagnostics().Prefetch.Failed)
}

func TestPrefetchCancel(t *testing.T) {
	t.Parallel()

	mem, m := writeDataset(t, basicLayer("a"), basicLayer("b"))
	gated := storagetest.NewGated(mem)
	t.Cleanup(gated.Open)
	p := newTestProvider(t, m, gated)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- p.Prefetch(ctx, []string{"a", "b"}, 0, WithReason("play"), WithMaxConcurrentLayerLoads(1))
	}()

	require.Eventually(t, func() bool {
		return len(p.ActivePrefetches()) == 1 && gated.Waiting() > 0
	}, 5*time.Second, time.Millisecond)

	active := p.ActivePrefetches()[0]
	assert.NotEmpty(t, active.ID)
	assert.Equal(t, PrefetchVolumes, active.Kind)
	assert.Equal(t, []string{"a", "b"}, active.Layers)
	assert.Equal(t, "play", active.Reason)
	assert.Equal(t, []int{0}, active.Scales)
	assert.False(t, active.Cancelled)

	d := p.Diagnostics()
	assert.Equal(t, 1, d.Prefetch.Active)
	assert.Equal(t, []string{"a", "b"}, d.Prefetch.Layers)

	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)
	assert.Empty(t, p.ActivePrefetches())
	assert.Equal(t, int64(1), p.Diagnostics().Prefetch.Cancelled)
	assert.False(t, p.Resident(VolumeKey{Layer: "b"}))
}

// pausingHandler blocks the goroutine logging msg until release is closed.
type pausingHandler struct {
	msg     string
	once    sync.Once
	reached chan struct{}
	release chan struct{}
}

func (h *pausingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *pausingHandler) Handle(_ context.Context, r slog.Record) error {
	if r.Message == h.msg {
		h.once.Do(func() { close(h.reached) })
		<-h.release
	}
	return nil
}

func (h *pausingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *pausingHandler) WithGroup(string) slog.Handler      { return h }

func TestPrefetchCancelMarksActiveRecord(t *testing.T) {
	t.Parallel()

	mem, m := writeDataset(t, basicLayer("a"))
	gated := storagetest.NewGated(mem)
	t.Cleanup(gated.Open)
	h := &pausingHandler{msg: "prefetch cancelled", reached: make(chan struct{}), release: make(chan struct{})}
	p := newTestProvider(t, m, gated, WithLogger(slog.New(h)))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- p.Prefetch(ctx, []string{"a"}, 0)
	}()
	require.Eventually(t, func() bool { return gated.Waiting() > 0 }, 5*time.Second, time.Millisecond)
	cancel()

	select {
	case <-h.reached:
	case <-time.After(5 * time.Second):
		t.Fatal("prefetch did not wind down")
	}
	active := p.ActivePrefetches()
	require.Len(t, active, 1)
	assert.True(t, active[0].Cancelled)

	close(h.release)
	require.ErrorIs(t, <-errc, context.Canceled)
	assert.Empty(t, p.ActivePrefetches())
}

func TestPrefetchJoinsInteractiveLoad(t *testing.T) {
	t.Parallel()

	mem, m := writeDataset(t, basicLayer("a"))
	gated := storagetest.NewGated(mem)
	p := newTestProvider(t, m, gated)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := p.GetVolume(context.Background(), "a", 0)
		assert.NoError(t, err)
	}()
	require.Eventually(t, func() bool { return gated.Waiting() > 0 }, 5*time.Second, time.Millisecond)

	// Missing-only treats an in-flight key as present.
	require.NoError(t, p.Prefetch(context.Background(), []string{"a"}, 0))

	// A cancelled forced prefetch leaves the interactive load running.
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- p.Prefetch(ctx, []string{"a"}, 0, WithPolicy(PolicyForce))
	}()
	require.Eventually(t, func() bool {
		return p.volumes.Stats().PendingHits == 1
	}, 5*time.Second, time.Millisecond)
	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)

	gated.Open()
	wg.Wait()
	assert.True(t, p.Resident(VolumeKey{Layer: "a"}))
	assert.Equal(t, int64(1), p.Diagnostics().Volumes.Misses)
}

func TestPrefetchAtlases(t *testing.T) {
	t.Parallel()

	mem, m := writeDataset(t, sparseLayer("s", 1))
	p := newTestProvider(t, m, mem)

	require.NoError(t, p.PrefetchAtlases(context.Background(), []string{"s"}, 1))
	assert.True(t, p.atlases.Resident(VolumeKey{Layer: "s", Timepoint: 1}))
	assert.True(t, p.pageTables.Resident(VolumeKey{Layer: "s", Timepoint: 1}))
	assert.False(t, p.Resident(VolumeKey{Layer: "s", Timepoint: 1}))

	d := p.Diagnostics()
	assert.Equal(t, 1, d.Atlases.Size)
	assert.Equal(t, 1, d.PageTables.Size)
}

func TestPrefetchPolicyString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "missing-only", PolicyMissingOnly.String())
	assert.Equal(t, "force", PolicyForce.String())
	assert.Equal(t, "PrefetchPolicy(7)", PrefetchPolicy(7).String())
}
