package carta

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Build queue defaults. Batching amortizes store-write overhead; the
// flush bound applies backpressure instead of spawning unbounded
// concurrent writes.
const (
	DefaultFlushBatchSize   = 64
	DefaultFlushConcurrency = 4
)

// queuedFeature is a pending (feature, callback) pair awaiting index
// materialization.
type queuedFeature struct {
	f    Feature
	done func(error)
}

// layerQueue tracks one layer's pending set. A feature leaves the
// pending set only after a durable write succeeds or the feature is
// skipped as invalid.
type layerQueue struct {
	mu       sync.Mutex
	pending  int
	batch    []queuedFeature
	inflight int
	err      error // first store-write failure, surfaced to one awaiter
	sem      chan struct{}
	waiters  []chan error
}

// BuildQueue batches incoming features per layer and flushes them in
// bounded-concurrency batches. Enqueue never blocks the producer;
// heavy index-entry materialization is deferred to flush time.
type BuildQueue struct {
	batchSize   int
	concurrency int
	lookup      func(name string) *layer
	log         zerolog.Logger

	mu     sync.Mutex
	layers map[string]*layerQueue
}

func newBuildQueue(lookup func(string) *layer, batchSize, concurrency int, log zerolog.Logger) *BuildQueue {
	if batchSize <= 0 {
		batchSize = DefaultFlushBatchSize
	}
	if concurrency <= 0 {
		concurrency = DefaultFlushConcurrency
	}
	return &BuildQueue{
		batchSize:   batchSize,
		concurrency: concurrency,
		lookup:      lookup,
		log:         log,
		layers:      make(map[string]*layerQueue),
	}
}

func (q *BuildQueue) layerQueueFor(name string) *layerQueue {
	q.mu.Lock()
	defer q.mu.Unlock()
	lq, ok := q.layers[name]
	if !ok {
		lq = &layerQueue{sem: make(chan struct{}, q.concurrency)}
		q.layers[name] = lq
	}
	return lq
}

// Enqueue registers a feature for indexing without blocking the
// caller. done, if non-nil, fires once the feature is durably indexed
// (nil) or skipped (the per-feature error); a skipped feature never
// aborts its batch. Returns an error only for an unknown layer.
func (q *BuildQueue) Enqueue(layerName string, f Feature, done func(error)) error {
	l := q.lookup(layerName)
	if l == nil {
		return fmt.Errorf("carta: unknown layer %q", layerName)
	}
	lq := q.layerQueueFor(layerName)

	lq.mu.Lock()
	lq.pending++
	lq.batch = append(lq.batch, queuedFeature{f: f, done: done})
	var take []queuedFeature
	if len(lq.batch) >= q.batchSize {
		take = lq.batch
		lq.batch = nil
		lq.inflight++
	}
	lq.mu.Unlock()

	if take != nil {
		go q.flush(l, lq, take)
	}
	return nil
}

// AwaitBuild blocks until every feature enqueued for the layer before
// this call has been durably flushed, then returns nil. A store-write
// failure is returned instead, with the failed features still pending;
// calling AwaitBuild again retries the flush. Cancelling ctx abandons
// the wait without aborting in-flight work.
func (q *BuildQueue) AwaitBuild(ctx context.Context, layerName string) error {
	l := q.lookup(layerName)
	if l == nil {
		return fmt.Errorf("carta: unknown layer %q", layerName)
	}
	lq := q.layerQueueFor(layerName)

	lq.mu.Lock()
	if len(lq.batch) > 0 {
		take := lq.batch
		lq.batch = nil
		lq.inflight++
		go q.flush(l, lq, take)
	}
	if lq.err != nil {
		err := lq.err
		lq.err = nil
		lq.mu.Unlock()
		return err
	}
	if lq.pending == 0 && lq.inflight == 0 {
		lq.mu.Unlock()
		return nil
	}
	ch := make(chan error, 1)
	lq.waiters = append(lq.waiters, ch)
	lq.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-ch:
		return err
	}
}

// flush materializes index entries for one batch and commits them.
// Invalid features are skipped and reported individually; a store
// failure requeues the whole batch for retry.
func (q *BuildQueue) flush(l *layer, lq *layerQueue, items []queuedFeature) {
	lq.sem <- struct{}{}
	defer func() { <-lq.sem }()

	ctx := context.Background()

	var good []IndexedFeature
	var goodItems []queuedFeature
	var callbacks []func()
	skipped := 0

	for _, item := range items {
		sf, err := Standardize(item.f, l.cfg, l.tok)
		if err != nil {
			skipped++
			q.log.Warn().
				Str("layer", l.cfg.Name).
				Str("feature", item.f.ID).
				Err(err).
				Msg("feature skipped")
			if done := item.done; done != nil {
				err := err
				callbacks = append(callbacks, func() { done(err) })
			}
			continue
		}
		good = append(good, IndexedFeature{SF: sf, Entries: BuildEntries(sf, l.freqs)})
		goodItems = append(goodItems, item)
	}

	var werr error
	if len(good) > 0 {
		werr = l.store.WriteBatch(ctx, good)
	}

	lq.mu.Lock()
	lq.pending -= skipped
	if werr != nil {
		// Pending set stays non-empty: requeue for the next await/retry.
		lq.batch = append(lq.batch, goodItems...)
		lq.err = werr
		q.log.Error().Str("layer", l.cfg.Name).Err(werr).Msg("flush failed")
	} else {
		lq.pending -= len(goodItems)
		for _, item := range goodItems {
			if done := item.done; done != nil {
				callbacks = append(callbacks, func() { done(nil) })
			}
		}
	}
	lq.inflight--
	lq.notifyLocked()
	lq.mu.Unlock()

	// Callbacks run outside the lock so they may re-enqueue.
	for _, cb := range callbacks {
		cb()
	}
}

// notifyLocked wakes waiters when the layer either drained or failed.
// Caller holds lq.mu.
func (lq *layerQueue) notifyLocked() {
	if lq.err != nil {
		err := lq.err
		lq.err = nil
		for _, ch := range lq.waiters {
			ch <- err
		}
		lq.waiters = nil
		return
	}
	if lq.pending == 0 && lq.inflight == 0 && len(lq.batch) == 0 {
		for _, ch := range lq.waiters {
			ch <- nil
		}
		lq.waiters = nil
	}
}
