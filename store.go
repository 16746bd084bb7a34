package carta

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/geo/s2"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/andreiashu/carta/kv"
)

// Key namespaces within a layer. The logical contract is
// layer -> spatial/text key -> feature id and score; everything else
// about the on-disk format belongs to the kv backend.
const (
	nsGrid    = "g" // phrase hash -> ranked grid entries
	nsCell    = "c" // cell id -> features covering the cell
	nsFeature = "f" // feature id -> stored payload
	nsTerm    = "t" // vocabulary token -> (empty)
)

// gridStripes is the number of lock stripes serializing writers to the
// same bucket. Writers to different buckets proceed in parallel;
// different layers have independent stores and are never serialized
// against each other.
const gridStripes = 64

// cellRef is one feature's presence in a cell bucket, carrying enough
// to resolve context without fetching the payload.
type cellRef struct {
	FeatureID string  `msgpack:"f"`
	Score     float64 `msgpack:"s"`
	BBox      BBox    `msgpack:"b"`
}

// storedFeature is the persisted payload for one feature. The zoom tag
// must not collide with the embedded Feature's optional zoom field.
type storedFeature struct {
	Feature `msgpack:"ft"`
	BBox    BBox `msgpack:"bb"`
	Zoom    int  `msgpack:"zm"`
}

// IndexedFeature pairs a standardized feature with its materialized
// grid entries, ready to flush.
type IndexedFeature struct {
	SF      StandardFeature
	Entries []GridEntry
}

// LayerStore is the term/grid index of a single layer over a keyed
// byte store. Safe for concurrent use; writers to the same bucket are
// serialized through lock stripes to avoid lost updates on
// read-merge-write.
type LayerStore struct {
	name    string
	store   kv.Store
	stripes [gridStripes]sync.Mutex
}

// NewLayerStore binds a layer name to a kv backend.
func NewLayerStore(name string, store kv.Store) *LayerStore {
	return &LayerStore{name: name, store: store}
}

func (ls *LayerStore) gridKey(hash uint64) kv.Key {
	return kv.Key{ls.name, nsGrid, strconv.FormatUint(hash, 16)}
}

func (ls *LayerStore) cellKey(cell s2.CellID) kv.Key {
	return kv.Key{ls.name, nsCell, strconv.FormatUint(uint64(cell), 16)}
}

func (ls *LayerStore) featureKey(id string) kv.Key {
	return kv.Key{ls.name, nsFeature, id}
}

func (ls *LayerStore) termKey(token string) kv.Key {
	return kv.Key{ls.name, nsTerm, token}
}

func (ls *LayerStore) stripeFor(key kv.Key) int {
	return int(xxhash.Sum64String(key.String()) % gridStripes)
}

// WriteBatch merges a flush batch into the index and commits it with a
// single atomic put: no partial feature is ever visible to a
// concurrent query. Returns ErrStoreWrite on durability failure,
// leaving the index unchanged.
func (ls *LayerStore) WriteBatch(ctx context.Context, batch []IndexedFeature) error {
	if len(batch) == 0 {
		return nil
	}

	gridByKey := make(map[string][]GridEntry)
	gridHash := make(map[string]uint64)
	cellByKey := make(map[string]cellRef)
	cellID := make(map[string]s2.CellID)
	var puts []kv.Entry

	for _, inf := range batch {
		for _, e := range inf.Entries {
			k := ls.gridKey(e.PhraseHash).String()
			gridByKey[k] = append(gridByKey[k], e)
			gridHash[k] = e.PhraseHash
		}
		ref := cellRef{FeatureID: inf.SF.ID, Score: inf.SF.Score, BBox: inf.SF.BBox}
		for _, cell := range inf.SF.Cells {
			k := ls.cellKey(cell).String()
			cellByKey[k+"|"+inf.SF.ID] = ref
			cellID[k+"|"+inf.SF.ID] = cell
		}

		payload, err := msgpack.Marshal(storedFeature{Feature: inf.SF.Feature, BBox: inf.SF.BBox, Zoom: inf.SF.Zoom})
		if err != nil {
			return fmt.Errorf("%w: encoding feature %q: %v", ErrStoreWrite, inf.SF.ID, err)
		}
		puts = append(puts, kv.Entry{Key: ls.featureKey(inf.SF.ID), Value: payload})

		for _, tokens := range inf.SF.TokenSets {
			for _, tok := range tokens {
				puts = append(puts, kv.Entry{Key: ls.termKey(tok), Value: []byte{}})
			}
		}
	}

	// Lock every stripe this batch touches, in index order, and hold
	// them through the commit so concurrent read-merge-write on the
	// same bucket cannot lose updates.
	unlock := ls.lockStripes(gridByKey, cellID)
	defer unlock()

	for k, fresh := range gridByKey {
		hash := gridHash[k]
		existing, err := ls.gridBucket(ctx, hash)
		if err != nil {
			return err
		}
		merged := mergeGrid(existing, fresh)
		raw, err := msgpack.Marshal(merged)
		if err != nil {
			return fmt.Errorf("%w: encoding grid bucket: %v", ErrStoreWrite, err)
		}
		puts = append(puts, kv.Entry{Key: ls.gridKey(hash), Value: raw})
	}

	cellMerged := make(map[s2.CellID][]cellRef)
	for k, ref := range cellByKey {
		cell := cellID[k]
		if _, ok := cellMerged[cell]; !ok {
			existing, err := ls.cellBucket(ctx, cell)
			if err != nil {
				return err
			}
			cellMerged[cell] = existing
		}
		cellMerged[cell] = mergeCell(cellMerged[cell], ref)
	}
	for cell, refs := range cellMerged {
		raw, err := msgpack.Marshal(refs)
		if err != nil {
			return fmt.Errorf("%w: encoding cell bucket: %v", ErrStoreWrite, err)
		}
		puts = append(puts, kv.Entry{Key: ls.cellKey(cell), Value: raw})
	}

	if err := ls.store.PutBatch(ctx, puts); err != nil {
		return fmt.Errorf("%w: layer %q: %v", ErrStoreWrite, ls.name, err)
	}
	return nil
}

func (ls *LayerStore) lockStripes(grid map[string][]GridEntry, cells map[string]s2.CellID) func() {
	seen := make(map[int]bool)
	for k := range grid {
		seen[int(xxhash.Sum64String(k)%gridStripes)] = true
	}
	for _, cell := range cells {
		seen[ls.stripeFor(ls.cellKey(cell))] = true
	}
	idx := make([]int, 0, len(seen))
	for i := range seen {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	for _, i := range idx {
		ls.stripes[i].Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			ls.stripes[idx[j]].Unlock()
		}
	}
}

// mergeGrid replaces stale entries for the same (feature, cell) pair
// and keeps the bucket ranked: weight descending, then feature id
// ascending, then cell, for deterministic ordering.
func mergeGrid(existing, fresh []GridEntry) []GridEntry {
	type slot struct {
		feature string
		cell    uint64
	}
	bySlot := make(map[slot]GridEntry, len(existing)+len(fresh))
	for _, e := range existing {
		bySlot[slot{e.FeatureID, e.Cell}] = e
	}
	for _, e := range fresh {
		bySlot[slot{e.FeatureID, e.Cell}] = e
	}
	merged := make([]GridEntry, 0, len(bySlot))
	for _, e := range bySlot {
		merged = append(merged, e)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Weight != merged[j].Weight {
			return merged[i].Weight > merged[j].Weight
		}
		if merged[i].FeatureID != merged[j].FeatureID {
			return merged[i].FeatureID < merged[j].FeatureID
		}
		return merged[i].Cell < merged[j].Cell
	})
	return merged
}

func mergeCell(existing []cellRef, ref cellRef) []cellRef {
	out := existing[:0]
	for _, r := range existing {
		if r.FeatureID != ref.FeatureID {
			out = append(out, r)
		}
	}
	out = append(out, ref)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].FeatureID < out[j].FeatureID
	})
	return out
}

// gridBucket returns the ranked entries for a phrase hash, or nil when
// the phrase is unknown. Read failures are ErrStoreRead.
func (ls *LayerStore) gridBucket(ctx context.Context, hash uint64) ([]GridEntry, error) {
	raw, err := ls.store.Get(ctx, ls.gridKey(hash))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: layer %q grid %x: %v", ErrStoreRead, ls.name, hash, err)
	}
	var entries []GridEntry
	if err := msgpack.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("%w: decoding grid bucket: %v", ErrStoreRead, err)
	}
	for i := range entries {
		entries[i].PhraseHash = hash
	}
	return entries, nil
}

// cellBucket returns the features covering a cell, or nil when empty.
func (ls *LayerStore) cellBucket(ctx context.Context, cell s2.CellID) ([]cellRef, error) {
	raw, err := ls.store.Get(ctx, ls.cellKey(cell))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: layer %q cell %s: %v", ErrStoreRead, ls.name, cell, err)
	}
	var refs []cellRef
	if err := msgpack.Unmarshal(raw, &refs); err != nil {
		return nil, fmt.Errorf("%w: decoding cell bucket: %v", ErrStoreRead, err)
	}
	return refs, nil
}

// getFeature fetches a stored feature payload by id.
func (ls *LayerStore) getFeature(ctx context.Context, id string) (storedFeature, bool, error) {
	raw, err := ls.store.Get(ctx, ls.featureKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return storedFeature{}, false, nil
	}
	if err != nil {
		return storedFeature{}, false, fmt.Errorf("%w: layer %q feature %q: %v", ErrStoreRead, ls.name, id, err)
	}
	var sf storedFeature
	if err := msgpack.Unmarshal(raw, &sf); err != nil {
		return storedFeature{}, false, fmt.Errorf("%w: decoding feature %q: %v", ErrStoreRead, id, err)
	}
	return sf, true, nil
}

// forEachTerm iterates the layer vocabulary in lexicographic order.
func (ls *LayerStore) forEachTerm(ctx context.Context, fn func(token string) error) error {
	err := ls.store.Iterate(ctx, kv.Key{ls.name, nsTerm}, func(e kv.Entry) error {
		return fn(e.Key[len(e.Key)-1])
	})
	if err != nil {
		return fmt.Errorf("%w: layer %q terms: %v", ErrStoreRead, ls.name, err)
	}
	return nil
}

// hasTerm reports whether a token is in the layer vocabulary.
func (ls *LayerStore) hasTerm(ctx context.Context, token string) (bool, error) {
	_, err := ls.store.Get(ctx, ls.termKey(token))
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: layer %q term %q: %v", ErrStoreRead, ls.name, token, err)
	}
	return true, nil
}
