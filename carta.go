// Package carta is a fuzzy, hierarchical full-text geocoder. It
// indexes named geographic features (countries, regions, streets,
// addresses) into a compact spatial/text index over a keyed byte
// store, and resolves free-form text or coordinates into ranked,
// geographically consistent matches.
//
// Features are ingested through a batching build queue
// (QueueFeature/BuildQueued) and queried with Geocode or
// ReverseGeocode. Layers are configured externally and organized in a
// strict hierarchy by geographic specificity.
package carta

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/andreiashu/carta/kv"
)

// layer couples one hierarchy level's configuration with its index
// store, tokenizer and term statistics.
type layer struct {
	cfg   LayerConfig
	store *LayerStore
	tok   *Tokenizer
	freqs TermFrequencies
}

// Geocoder is the indexing-and-query engine. Safe for concurrent use:
// builds for different layers may run concurrently with each other and
// with read queries.
type Geocoder struct {
	layers   []*layer // general-first
	byName   map[string]*layer
	resolver *Resolver
	queue    *BuildQueue
	log      zerolog.Logger
}

type geocoderConfig struct {
	cacheSize        int
	flushBatchSize   int
	flushConcurrency int
	stemLang         string
	logger           zerolog.Logger
}

// Option configures a Geocoder.
type Option func(*geocoderConfig)

// WithLogger sets the structured logger. Defaults to a no-op logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *geocoderConfig) { c.logger = log }
}

// WithContextCacheSize bounds the context resolver's LRU cache.
func WithContextCacheSize(n int) Option {
	return func(c *geocoderConfig) { c.cacheSize = n }
}

// WithFlushBatchSize sets the build queue batch size.
func WithFlushBatchSize(n int) Option {
	return func(c *geocoderConfig) { c.flushBatchSize = n }
}

// WithFlushConcurrency bounds concurrent flush writes per layer.
func WithFlushConcurrency(n int) Option {
	return func(c *geocoderConfig) { c.flushConcurrency = n }
}

// WithTokenStemming enables snowball stemming on every layer's
// tokenizer. lang is a snowball language name, e.g. "english".
func WithTokenStemming(lang string) Option {
	return func(c *geocoderConfig) { c.stemLang = lang }
}

// New creates a Geocoder over a keyed byte store. The layer hierarchy
// is immutable input: it is validated once and never mutated.
func New(store kv.Store, cfg Config, opts ...Option) (*Geocoder, error) {
	gc := geocoderConfig{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&gc)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	g := &Geocoder{
		byName: make(map[string]*layer, len(cfg.Layers)),
		log:    gc.logger,
	}
	for _, lc := range cfg.Layers {
		var tokOpts []TokenizerOption
		if gc.stemLang != "" {
			tokOpts = append(tokOpts, WithStemming(gc.stemLang))
		}
		l := &layer{
			cfg:   lc,
			store: NewLayerStore(lc.Name, store),
			tok:   NewTokenizer(lc.Replacements, tokOpts...),
		}
		g.layers = append(g.layers, l)
		g.byName[lc.Name] = l
	}
	g.resolver = newResolver(g.layers, gc.cacheSize)
	g.queue = newBuildQueue(g.layerByName, gc.flushBatchSize, gc.flushConcurrency, gc.logger)
	return g, nil
}

func (g *Geocoder) layerByName(name string) *layer {
	return g.byName[name]
}

// SetTermFrequencies supplies corpus token statistics for a layer so
// rare tokens outrank ubiquitous ones. Call before indexing; entries
// already written keep their original weights.
func (g *Geocoder) SetTermFrequencies(layerName string, freqs TermFrequencies) error {
	l := g.byName[layerName]
	if l == nil {
		return fmt.Errorf("carta: unknown layer %q", layerName)
	}
	l.freqs = freqs
	return nil
}

// QueueFeature enqueues one feature for indexing into a layer without
// blocking. done fires when the feature is durably indexed or skipped.
func (g *Geocoder) QueueFeature(layerName string, f Feature, done func(error)) error {
	return g.queue.Enqueue(layerName, f, done)
}

// BuildQueued flushes and waits until every feature enqueued for the
// layer so far is visible to queries. On store failure the pending set
// survives and the call can be retried.
func (g *Geocoder) BuildQueued(ctx context.Context, layerName string) error {
	return g.queue.AwaitBuild(ctx, layerName)
}

// ResetCache invalidates the context resolver's cache wholesale. Call
// after a rebuild when stale context lookups are unacceptable.
func (g *Geocoder) ResetCache() {
	g.resolver.Reset()
}
