package carta

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/andreiashu/carta/kv"
)

func cityFeature(id string, text string, pt Position) Feature {
	return Feature{
		ID:    id,
		Text:  text,
		Score: 1,
		Geometry: Geometry{
			Type:  GeometryPoint,
			Point: pt,
		},
	}
}

func TestBuildQueuedVisibility(t *testing.T) {
	g := newTestGeocoder(t, kv.NewMemory())
	ctx := context.Background()

	const n = 150 // spans multiple flush batches
	var wg sync.WaitGroup
	var mu sync.Mutex
	var failures []error
	for i := 0; i < n; i++ {
		wg.Add(1)
		f := cityFeature(fmt.Sprintf("c%d", i), fmt.Sprintf("Town %d", i), Position{float64(i%90) - 45, float64(i % 60)})
		err := g.QueueFeature("city", f, func(err error) {
			if err != nil {
				mu.Lock()
				failures = append(failures, err)
				mu.Unlock()
			}
			wg.Done()
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	if err := g.BuildQueued(ctx, "city"); err != nil {
		t.Fatal(err)
	}
	wg.Wait()
	if len(failures) != 0 {
		t.Fatalf("callbacks reported %d failures: %v", len(failures), failures[0])
	}

	// Every enqueued feature is visible after BuildQueued returns.
	store := g.byName["city"].store
	for i := 0; i < n; i++ {
		_, ok, err := store.getFeature(ctx, fmt.Sprintf("c%d", i))
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatalf("feature c%d not visible after build", i)
		}
	}
}

func TestBuildQueuedSkipsInvalid(t *testing.T) {
	g := newTestGeocoder(t, kv.NewMemory())
	ctx := context.Background()

	skipErr := make(chan error, 1)
	if err := g.QueueFeature("city", cityFeature("bad", " , ", Position{0, 0}), func(err error) {
		skipErr <- err
	}); err != nil {
		t.Fatal(err)
	}
	if err := g.QueueFeature("city", cityFeature("good", "Valparaiso", Position{-71.6, -33.04}), nil); err != nil {
		t.Fatal(err)
	}

	// A skipped feature never aborts its batch.
	if err := g.BuildQueued(ctx, "city"); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-skipErr:
		if !errors.Is(err, ErrEmptyText) {
			t.Errorf("skip callback err = %v, want ErrEmptyText", err)
		}
	case <-time.After(time.Second):
		t.Fatal("skip callback never fired")
	}

	if _, ok, _ := g.byName["city"].store.getFeature(ctx, "good"); !ok {
		t.Error("valid sibling of a skipped feature was not indexed")
	}
}

func TestBuildQueuedRetriesAfterStoreFailure(t *testing.T) {
	fs := &failingStore{Store: kv.NewMemory(), fail: true}
	g := newTestGeocoder(t, fs)
	ctx := context.Background()

	if err := g.QueueFeature("city", cityFeature("a", "Quito", Position{-78.47, -0.18}), nil); err != nil {
		t.Fatal(err)
	}

	err := g.BuildQueued(ctx, "city")
	if !errors.Is(err, ErrStoreWrite) {
		t.Fatalf("BuildQueued = %v, want ErrStoreWrite", err)
	}

	// The failed batch stays pending; the retry flushes it.
	fs.fail = false
	if err := g.BuildQueued(ctx, "city"); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if _, ok, _ := g.byName["city"].store.getFeature(ctx, "a"); !ok {
		t.Error("feature not visible after successful retry")
	}
}

type blockingStore struct {
	kv.Store
	release chan struct{}
}

func (b *blockingStore) PutBatch(ctx context.Context, entries []kv.Entry) error {
	<-b.release
	return b.Store.PutBatch(ctx, entries)
}

func TestBuildQueuedContextCancel(t *testing.T) {
	bs := &blockingStore{Store: kv.NewMemory(), release: make(chan struct{})}
	g := newTestGeocoder(t, bs)

	if err := g.QueueFeature("city", cityFeature("a", "Nairobi", Position{36.82, -1.29}), nil); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := g.BuildQueued(ctx, "city"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("BuildQueued = %v, want deadline exceeded", err)
	}

	// Cancelling the wait never aborts the in-flight flush.
	close(bs.release)
	if err := g.BuildQueued(context.Background(), "city"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := g.byName["city"].store.getFeature(context.Background(), "a"); !ok {
		t.Error("in-flight flush was lost after wait cancellation")
	}
}

func TestQueueUnknownLayer(t *testing.T) {
	g := newTestGeocoder(t, kv.NewMemory())
	if err := g.QueueFeature("nosuch", cityFeature("a", "x", Position{0, 0}), nil); err == nil {
		t.Error("QueueFeature accepted an unknown layer")
	}
	if err := g.BuildQueued(context.Background(), "nosuch"); err == nil {
		t.Error("BuildQueued accepted an unknown layer")
	}
}
