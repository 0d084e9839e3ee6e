// Package kv defines the ordered key-value storage abstraction that every
// higher layer of matrixon is built on (spec §4.1). Concrete backends live
// in sibling packages (leveldbkv, boltkv, sqlkv); callers only ever depend
// on the Database interface declared here.
package kv

import (
	"context"
	"errors"
)

// ErrBackendUnavailable is returned when the underlying storage engine
// fails on an I/O error. Callers treat this as fatal for the current
// request: no partial state is ever left behind.
var ErrBackendUnavailable = errors.New("kv: backend unavailable")

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("kv: key not found")

// ErrLocked is returned at startup when an embedded backend's lockfile is
// already held by another process.
var ErrLocked = errors.New("kv: database already locked by another process")

// Pair is a single key/value observed during a scan.
type Pair struct {
	Key   []byte
	Value []byte
}

// Write is a single mutation staged inside a WriteBatch.
type Write struct {
	Key   []byte
	Value []byte // nil Value means delete
}

// Batch accumulates writes for a single atomic commit. A Batch must not be
// reused after Commit.
type Batch interface {
	Put(key, value []byte)
	Delete(key []byte)
	// Commit durably applies every staged write atomically. On error,
	// nothing in the batch is durable.
	Commit(ctx context.Context) error
}

// Iterator walks a range of keys in lexicographic order (or its reverse).
// It is finite and not restartable across process crashes, but a caller
// may always start a fresh Iterator from the last key it observed.
type Iterator interface {
	Next() bool
	Pair() Pair
	Err() error
	Close() error
}

// Database is the capability set every KV backend implements. It behaves
// like a single-writer log-structured engine: concurrent readers observe a
// consistent snapshot across the lifetime of one Iterator or Get call.
type Database interface {
	Get(ctx context.Context, key []byte) ([]byte, error)
	// NewBatch returns an empty Batch. Writes are invisible until Commit.
	NewBatch() Batch
	// ScanPrefix returns an Iterator over every key sharing prefix, in
	// ascending lexicographic order if reverse is false, descending if
	// true.
	ScanPrefix(ctx context.Context, prefix []byte, reverse bool) (Iterator, error)
	// WatchPrefix registers a one-shot channel that is closed after any
	// key sharing prefix is changed by a committed batch. Delivery is
	// best-effort and coalesced: one wake per batch, not per key.
	WatchPrefix(prefix []byte) <-chan struct{}
	// Close flushes and releases the backend, including any lockfile.
	Close() error
}

// Put is a convenience wrapper for single-key writes; it is exactly
// NewBatch().Put(k,v) followed by Commit.
func Put(ctx context.Context, db Database, key, value []byte) error {
	b := db.NewBatch()
	b.Put(key, value)
	return b.Commit(ctx)
}

// Delete is the single-key convenience wrapper for deletes.
func Delete(ctx context.Context, db Database, key []byte) error {
	b := db.NewBatch()
	b.Delete(key)
	return b.Commit(ctx)
}
