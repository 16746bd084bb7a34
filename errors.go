package carta

import "errors"

// Sentinel errors for the indexing and query pipelines. Per-feature
// errors (ErrEmptyText, ErrInvalidGeometry) are non-fatal: the build
// queue skips the feature and keeps going. Store errors are fatal to
// the operation in progress but never corrupt index state.
var (
	// ErrEmptyText marks a feature whose text yields no tokens.
	ErrEmptyText = errors.New("carta: feature has no indexable text")

	// ErrInvalidGeometry marks a feature whose geometry cannot be covered.
	ErrInvalidGeometry = errors.New("carta: invalid geometry")

	// ErrStoreWrite marks a durability failure during an index flush.
	// The layer's pending set stays non-empty so the build can be retried.
	ErrStoreWrite = errors.New("carta: store write failed")

	// ErrStoreRead marks a read failure during a query. No partial
	// results are returned alongside it.
	ErrStoreRead = errors.New("carta: store read failed")

	// ErrBadQuery marks unparseable query input (empty text, malformed
	// coordinates). Surfaced before any store access.
	ErrBadQuery = errors.New("carta: bad query input")
)
