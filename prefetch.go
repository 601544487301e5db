package volstream

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// PrefetchPolicy controls how a prefetch treats keys that are already cached.
type PrefetchPolicy int

const (
	// PolicyMissingOnly skips keys that are resident or loading.
	PolicyMissingOnly PrefetchPolicy = iota
	// PolicyForce drops resident entries and loads them again.
	PolicyForce
)

func (p PrefetchPolicy) String() string {
	switch p {
	case PolicyMissingOnly:
		return "missing-only"
	case PolicyForce:
		return "force"
	default:
		return fmt.Sprintf("PrefetchPolicy(%d)", int(p))
	}
}

// PrefetchKind names what a prefetch loads.
type PrefetchKind string

// Prefetch kinds.
const (
	PrefetchVolumes PrefetchKind = "volumes"
	PrefetchAtlases PrefetchKind = "atlases"
)

// PrefetchRequest describes a running prefetch.
type PrefetchRequest struct {
	ID        string
	Kind      PrefetchKind
	Started   time.Time
	Layers    []string
	Timepoint int
	Reason    string
	Scales    []int
	Policy    PrefetchPolicy
	Cancelled bool
}

// PrefetchOption configures a Prefetch or PrefetchAtlases call.
type PrefetchOption func(*prefetchConfig)

type prefetchConfig struct {
	policy  PrefetchPolicy
	reason  string
	workers int
	scales  []int
}

// WithPolicy sets the prefetch policy. The default is PolicyMissingOnly.
func WithPolicy(policy PrefetchPolicy) PrefetchOption {
	return func(c *prefetchConfig) {
		c.policy = policy
	}
}

// WithReason records why the prefetch was issued, for diagnostics.
func WithReason(reason string) PrefetchOption {
	return func(c *prefetchConfig) {
		c.reason = reason
	}
}

// WithMaxConcurrentLayerLoads sets the number of layers loaded at once.
// Values < 1 use the provider default.
func WithMaxConcurrentLayerLoads(n int) PrefetchOption {
	return func(c *prefetchConfig) {
		c.workers = n
	}
}

// WithScaleLevels selects the scale levels to load. Levels a layer does not
// have are skipped. Without this option level 0 is loaded.
func WithScaleLevels(levels ...int) PrefetchOption {
	return func(c *prefetchConfig) {
		c.scales = slices.Clone(levels)
	}
}

// Prefetch loads the volumes of layerKeys at timepoint t into the volume
// cache. Duplicate keys are loaded once.
//
// If ctx is cancelled the prefetch is marked cancelled and ctx.Err() is
// returned. Loads other callers are waiting on keep running. Any other
// failure is returned as is.
func (p *Provider) Prefetch(ctx context.Context, layerKeys []string, t int, opts ...PrefetchOption) error {
	return p.prefetch(ctx, PrefetchVolumes, layerKeys, t, opts)
}

// PrefetchAtlases loads the brick atlases of layerKeys at timepoint t into
// the atlas cache. It behaves like Prefetch.
func (p *Provider) PrefetchAtlases(ctx context.Context, layerKeys []string, t int, opts ...PrefetchOption) error {
	return p.prefetch(ctx, PrefetchAtlases, layerKeys, t, opts)
}

func (p *Provider) prefetch(ctx context.Context, kind PrefetchKind, layerKeys []string, t int, opts []PrefetchOption) error {
	cfg := prefetchConfig{workers: p.maxConcurrentPrefetchLoads}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&cfg)
	}
	if cfg.workers < 1 {
		cfg.workers = p.maxConcurrentPrefetchLoads
	}
	scales := cfg.scales
	if len(scales) == 0 {
		scales = []int{0}
	}
	layers := dedupe(layerKeys)

	req := p.prefetches.register(PrefetchRequest{
		ID:        uuid.NewString(),
		Kind:      kind,
		Started:   time.Now(),
		Layers:    layers,
		Timepoint: t,
		Reason:    cfg.reason,
		Scales:    scales,
		Policy:    cfg.policy,
	})
	defer p.prefetches.remove(req)
	stop := context.AfterFunc(ctx, func() { p.prefetches.markCancelled(req) })
	defer stop()
	p.stats.prefetchStarted.Add(1)

	log := p.log().With("prefetch", req, "kind", kind, "timepoint", t)
	log.Info("prefetch started", "layers", len(layers), "reason", cfg.reason, "policy", cfg.policy)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.workers)
	for _, key := range layers {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			return p.prefetchLayer(gctx, kind, key, t, scales, cfg.policy)
		})
	}
	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}

	switch {
	case err == nil:
		p.stats.prefetchCompleted.Add(1)
		log.Info("prefetch finished", "elapsed", time.Since(p.prefetches.started(req)))
		return nil
	case IsCancellation(err):
		p.prefetches.markCancelled(req)
		p.stats.prefetchCancelled.Add(1)
		log.Info("prefetch cancelled", "error", err)
		return err
	default:
		p.stats.prefetchFailed.Add(1)
		log.Warn("prefetch failed", "error", err)
		return err
	}
}

func (p *Provider) prefetchLayer(ctx context.Context, kind PrefetchKind, layerKey string, t int, scales []int, policy PrefetchPolicy) error {
	layer, ok := p.index.Lookup(layerKey)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownLayer, layerKey)
	}
	if t < 0 || t >= layer.VolumeCount {
		return fmt.Errorf("%w: layer %q timepoint %d, volume count %d",
			ErrTimepointOutOfRange, layerKey, t, layer.VolumeCount)
	}

	for _, level := range scales {
		scale, ok := layer.Scale(level)
		if !ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		key := VolumeKey{Layer: layerKey, Timepoint: t, Scale: level}

		var err error
		switch kind {
		case PrefetchAtlases:
			if !p.admit(p.atlases.Contains, p.atlases.Remove, key, policy) {
				continue
			}
			_, err = p.atlas(ctx, layer, scale, t)
		default:
			if !p.admit(p.volumes.Contains, p.volumes.Remove, key, policy) {
				continue
			}
			_, err = p.volume(ctx, layer, scale, t)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// admit applies policy to key and reports whether it should be loaded.
func (p *Provider) admit(contains, remove func(VolumeKey) bool, key VolumeKey, policy PrefetchPolicy) bool {
	if policy == PolicyForce {
		remove(key)
		return true
	}
	return !contains(key)
}

// ActivePrefetches returns the prefetches currently running, oldest first.
func (p *Provider) ActivePrefetches() []PrefetchRequest {
	return p.prefetches.list()
}

func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// prefetchRegistry tracks running prefetch requests by ID.
type prefetchRegistry struct {
	mu     sync.Mutex
	active map[string]*PrefetchRequest
}

func newPrefetchRegistry() *prefetchRegistry {
	return &prefetchRegistry{active: make(map[string]*PrefetchRequest)}
}

func (r *prefetchRegistry) register(req PrefetchRequest) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[req.ID] = &req
	return req.ID
}

func (r *prefetchRegistry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, id)
}

func (r *prefetchRegistry) markCancelled(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if req, ok := r.active[id]; ok {
		req.Cancelled = true
	}
}

func (r *prefetchRegistry) started(id string) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if req, ok := r.active[id]; ok {
		return req.Started
	}
	return time.Time{}
}

func (r *prefetchRegistry) list() []PrefetchRequest {
	r.mu.Lock()
	out := make([]PrefetchRequest, 0, len(r.active))
	for _, req := range r.active {
		c := *req
		c.Layers = slices.Clone(req.Layers)
		c.Scales = slices.Clone(req.Scales)
		out = append(out, c)
	}
	r.mu.Unlock()

	slices.SortFunc(out, func(a, b PrefetchRequest) int {
		return a.Started.Compare(b.Started)
	})
	return out
}
