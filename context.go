package carta

import (
	"context"

	"github.com/golang/geo/s2"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultContextCacheSize bounds the resolver's (layer, cell) lookup
// cache.
const DefaultContextCacheSize = 1024

// ContextEntry is one resolved enclosing feature.
type ContextEntry struct {
	Layer string `json:"layer"`
	ID    string `json:"id"`
	Text  string `json:"text"`
}

// ContextStack is the ordered sequence of enclosing features for a
// point, from least to most specific. A layer with no containing
// feature leaves a hole (no entry) rather than an error. Built
// transiently per query, never persisted.
type ContextStack []ContextEntry

// key returns a stable identity for duplicate-stack collapsing.
func (cs ContextStack) key() string {
	k := ""
	for _, e := range cs {
		k += e.Layer + "=" + e.ID + ";"
	}
	return k
}

type cacheKey struct {
	layer string
	cell  s2.CellID
}

// Resolver walks the layer hierarchy to assemble context stacks.
// Lookups are cached by (layer, cell) in a bounded LRU; the cache is
// owned by the resolver instance, not process-wide, and is invalidated
// wholesale via Reset after index rebuilds.
type Resolver struct {
	layers []*layer // general-first
	cache  *lru.Cache[cacheKey, string]
}

func newResolver(layers []*layer, cacheSize int) *Resolver {
	if cacheSize <= 0 {
		cacheSize = DefaultContextCacheSize
	}
	cache, _ := lru.New[cacheKey, string](cacheSize)
	return &Resolver{layers: layers, cache: cache}
}

// Reset clears every cached lookup. Callers needing fresh results
// after a rebuild must call this explicitly; there is no fine-grained
// invalidation.
func (r *Resolver) Reset() {
	r.cache.Purge()
}

// Resolve builds the context stack for a point: for each configured
// layer from most general to most specific, the containing feature
// with the highest score, ties broken by smaller bbox then id.
func (r *Resolver) Resolve(ctx context.Context, pt Position) (ContextStack, error) {
	var stack ContextStack
	for _, l := range r.layers {
		id, err := r.resolveLayer(ctx, l, pt)
		if err != nil {
			return nil, err
		}
		if id == "" {
			continue
		}
		sf, ok, err := l.store.getFeature(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		stack = append(stack, ContextEntry{Layer: l.cfg.Name, ID: id, Text: sf.Text})
	}
	return stack, nil
}

// resolveLayer finds the best containing feature id for a point in one
// layer, or "" when the layer has a hole there. Negative lookups are
// cached too.
func (r *Resolver) resolveLayer(ctx context.Context, l *layer, pt Position) (string, error) {
	leaf := cellForPoint(pt, l.cfg.MaxZoom)
	ck := cacheKey{layer: l.cfg.Name, cell: leaf}
	if id, ok := r.cache.Get(ck); ok {
		return id, nil
	}

	best := cellRef{}
	found := false
	// Stored cells may sit at any level up to the layer zoom, so the
	// lookup walks the leaf cell's parent chain.
	for level := leaf.Level(); level >= 0; level-- {
		refs, err := l.store.cellBucket(ctx, leaf.Parent(level))
		if err != nil {
			return "", err
		}
		for _, ref := range refs {
			if !ref.BBox.Contains(pt) && ref.BBox.Area() > 0 {
				continue
			}
			if !found || betterContext(ref, best) {
				best = ref
				found = true
			}
		}
	}

	id := ""
	if found {
		id = best.FeatureID
	}
	r.cache.Add(ck, id)
	return id, nil
}

// betterContext orders candidates: higher score wins, then the smaller
// (more specific) bbox, then lexically smaller id for determinism.
func betterContext(a, b cellRef) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.BBox.Area() != b.BBox.Area() {
		return a.BBox.Area() < b.BBox.Area()
	}
	return a.FeatureID < b.FeatureID
}
