// Package kv provides the keyed byte store backing a carta index. Keys
// are hierarchical paths represented as string slices (e.g.
// ["street", "g", "4f2a"]) encoded with a ':' separator. The engine
// only relies on get/put/iterate semantics; the storage format behind
// them is this package's concern, not the engine's.
//
// Two implementations are provided: a BadgerDB-backed store for
// durable indexes and an in-memory store for tests.
package kv

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = errors.New("kv: not found")

// Key is a hierarchical path of string segments. Segments must not
// contain the ':' separator.
type Key []string

// String returns the encoded form of the key.
func (k Key) String() string {
	return strings.Join(k, ":")
}

// HasPrefix reports whether k starts with the given prefix key.
func (k Key) HasPrefix(prefix Key) bool {
	if len(prefix) > len(k) {
		return false
	}
	for i, seg := range prefix {
		if k[i] != seg {
			return false
		}
	}
	return true
}

func encode(k Key) []byte {
	return []byte(strings.Join(k, ":"))
}

func decode(b []byte) Key {
	return Key(strings.Split(string(b), ":"))
}

// Entry is a key-value pair used by PutBatch and Iterate.
type Entry struct {
	Key   Key
	Value []byte
}

// Store is a byte-addressable keyed store with prefix iteration.
// Implementations must be safe for concurrent use. PutBatch is atomic:
// either every entry in the batch becomes visible or none does.
type Store interface {
	// Get retrieves the value for a key. Returns ErrNotFound if absent.
	Get(ctx context.Context, key Key) ([]byte, error)

	// Put stores a single key-value pair, overwriting any existing value.
	Put(ctx context.Context, key Key, value []byte) error

	// PutBatch atomically stores multiple key-value pairs.
	PutBatch(ctx context.Context, entries []Entry) error

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key Key) error

	// Iterate calls fn for every entry whose key starts with prefix, in
	// lexicographic order of the encoded key. Returning an error from fn
	// stops the iteration and is returned to the caller.
	Iterate(ctx context.Context, prefix Key, fn func(Entry) error) error

	// Close releases resources held by the store.
	Close() error
}
