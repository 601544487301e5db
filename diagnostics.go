package volstream

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/meigma/volstream/cache"
)

// CacheDiagnostics summarises one count-bounded cache.
type CacheDiagnostics struct {
	Size    int
	Max     int
	Pending int

	// Pressure is Size/Max, or 0 when caching is disabled.
	Pressure float64

	Hits          int64
	PendingHits   int64
	Misses        int64
	Failures      int64
	Cancellations int64
	Evictions     int64

	// MissRate is Misses/(Hits+PendingHits+Misses), or 0 before any request.
	MissRate float64
}

// ChunkDiagnostics summarises the raw chunk cache.
type ChunkDiagnostics struct {
	Bytes    int64
	MaxBytes int64
	Entries  int
	Pending  int

	// Pressure is Bytes/MaxBytes, or 0 when caching is disabled.
	Pressure float64

	Hits         int64
	PendingHits  int64
	Misses       int64
	FetchedBytes int64
	Evictions    int64

	// MissRate is Misses/(Hits+PendingHits+Misses), or 0 before any request.
	MissRate float64
}

// PrefetchDiagnostics summarises prefetch activity.
type PrefetchDiagnostics struct {
	Active    int
	OldestAge time.Duration
	Layers    []string

	Started   int64
	Completed int64
	Cancelled int64
	Failed    int64
}

// Diagnostics is a read-only snapshot of provider state.
type Diagnostics struct {
	Volumes    CacheDiagnostics
	PageTables CacheDiagnostics
	Atlases    CacheDiagnostics
	Chunks     ChunkDiagnostics
	Prefetch   PrefetchDiagnostics

	// Rejected counts requests that failed validation.
	Rejected int64
	// CancelledRequests counts callers that stopped waiting.
	CancelledRequests int64

	// ScaleRequests counts requests per scale level.
	ScaleRequests map[int]int64
}

// Diagnostics returns a snapshot of the provider's counters. It has no side
// effects.
func (p *Provider) Diagnostics() Diagnostics {
	d := Diagnostics{
		Volumes:           cacheDiagnostics(p.volumes.Stats()),
		PageTables:        cacheDiagnostics(p.pageTables.Stats()),
		Atlases:           cacheDiagnostics(p.atlases.Stats()),
		Chunks:            chunkDiagnostics(p.chunks.Stats()),
		Rejected:          p.stats.rejected.Load(),
		CancelledRequests: p.stats.cancelled.Load(),
		ScaleRequests:     p.stats.scaleHistogram(),
		Prefetch: PrefetchDiagnostics{
			Started:   p.stats.prefetchStarted.Load(),
			Completed: p.stats.prefetchCompleted.Load(),
			Cancelled: p.stats.prefetchCancelled.Load(),
			Failed:    p.stats.prefetchFailed.Load(),
		},
	}

	active := p.prefetches.list()
	d.Prefetch.Active = len(active)
	if len(active) > 0 {
		d.Prefetch.OldestAge = time.Since(active[0].Started)
	}
	for _, req := range active {
		for _, l := range req.Layers {
			if !slices.Contains(d.Prefetch.Layers, l) {
				d.Prefetch.Layers = append(d.Prefetch.Layers, l)
			}
		}
	}
	slices.Sort(d.Prefetch.Layers)
	return d
}

func cacheDiagnostics(s cache.EntryStats) CacheDiagnostics {
	return CacheDiagnostics{
		Size:          s.Len,
		Max:           s.Max,
		Pending:       s.Pending,
		Pressure:      ratio(float64(s.Len), float64(s.Max)),
		Hits:          s.Hits,
		PendingHits:   s.PendingHits,
		Misses:        s.Misses,
		Failures:      s.Failures,
		Cancellations: s.Cancellations,
		Evictions:     s.Evictions,
		MissRate:      ratio(float64(s.Misses), float64(s.Hits+s.PendingHits+s.Misses)),
	}
}

func chunkDiagnostics(s cache.ChunkStats) ChunkDiagnostics {
	return ChunkDiagnostics{
		Bytes:        s.Bytes,
		MaxBytes:     s.MaxBytes,
		Entries:      s.Entries,
		Pending:      s.Pending,
		Pressure:     ratio(float64(s.Bytes), float64(s.MaxBytes)),
		Hits:         s.Hits,
		PendingHits:  s.PendingHits,
		Misses:       s.Misses,
		FetchedBytes: s.FetchedBytes,
		Evictions:    s.Evictions,
		MissRate:     ratio(float64(s.Misses), float64(s.Hits+s.PendingHits+s.Misses)),
	}
}

func ratio(n, d float64) float64 {
	if d <= 0 {
		return 0
	}
	return n / d
}

// String renders a multi-line human summary.
func (d Diagnostics) String() string {
	var sb strings.Builder
	writeCache := func(name string, c CacheDiagnostics) {
		fmt.Fprintf(&sb, "%-11s %d/%d (%.0f%%) pending=%d hits=%s pending_hits=%s misses=%s miss_rate=%.1f%% failures=%d cancelled=%d evicted=%s\n",
			name, c.Size, c.Max, c.Pressure*100, c.Pending,
			humanize.Comma(c.Hits), humanize.Comma(c.PendingHits), humanize.Comma(c.Misses),
			c.MissRate*100, c.Failures, c.Cancellations, humanize.Comma(c.Evictions))
	}
	writeCache("volumes", d.Volumes)
	writeCache("page tables", d.PageTables)
	writeCache("atlases", d.Atlases)

	c := d.Chunks
	fmt.Fprintf(&sb, "%-11s %s/%s (%.0f%%) entries=%d pending=%d hits=%s pending_hits=%s misses=%s miss_rate=%.1f%% fetched=%s evicted=%s\n",
		"chunks", humanize.IBytes(uint64(c.Bytes)), humanize.IBytes(uint64(c.MaxBytes)), c.Pressure*100,
		c.Entries, c.Pending, humanize.Comma(c.Hits), humanize.Comma(c.PendingHits), humanize.Comma(c.Misses), c.MissRate*100,
		humanize.IBytes(uint64(c.FetchedBytes)), humanize.Comma(c.Evictions))

	pf := d.Prefetch
	fmt.Fprintf(&sb, "%-11s active=%d started=%d completed=%d cancelled=%d failed=%d",
		"prefetch", pf.Active, pf.Started, pf.Completed, pf.Cancelled, pf.Failed)
	if pf.Active > 0 {
		fmt.Fprintf(&sb, " oldest=%s layers=%s", pf.OldestAge.Round(time.Millisecond), strings.Join(pf.Layers, ","))
	}
	sb.WriteByte('\n')

	levels := slices.Sorted(maps.Keys(d.ScaleRequests))
	parts := make([]string, len(levels))
	for i, lv := range levels {
		parts[i] = fmt.Sprintf("%d:%s", lv, humanize.Comma(d.ScaleRequests[lv]))
	}
	fmt.Fprintf(&sb, "%-11s rejected=%d cancelled=%d scales=[%s]",
		"requests", d.Rejected, d.CancelledRequests, strings.Join(parts, " "))
	return sb.String()
}
