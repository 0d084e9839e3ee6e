package schema

import (
	"context"

	"github.com/matrixon-io/matrixon/internal/kv"
)

// PointMap is a namespaced single-key-access map: prefix | key -> value,
// the "Point maps" convention of spec §4.2 (user_profile[user_short] ->
// profile_blob and friends).
type PointMap struct {
	db     kv.Database
	prefix []byte
}

// NewPointMap namespaces db under prefix.
func NewPointMap(db kv.Database, prefix string) PointMap {
	return PointMap{db: db, prefix: []byte(prefix + "/")}
}

func (m PointMap) key(k []byte) []byte {
	return append(append([]byte(nil), m.prefix...), k...)
}

func (m PointMap) Get(ctx context.Context, k []byte) ([]byte, error) {
	return m.db.Get(ctx, m.key(k))
}

func (m PointMap) Put(ctx context.Context, k, v []byte) error {
	return kv.Put(ctx, m.db, m.key(k), v)
}

// PutBatched stages the write on an existing batch rather than committing
// immediately, for callers building a larger atomic write (the Timeline
// Appender's single write-batch per spec §4.6).
func (m PointMap) PutBatched(b kv.Batch, k, v []byte) {
	b.Put(m.key(k), v)
}

func (m PointMap) DeleteBatched(b kv.Batch, k []byte) {
	b.Delete(m.key(k))
}

// OrderedMap is the "Multi-value ordered maps" convention of spec §4.2:
// prefix | encoded-key -> value, scanned in lexicographic (== numeric,
// given the big-endian encoders) order.
type OrderedMap struct {
	db     kv.Database
	prefix []byte
}

func NewOrderedMap(db kv.Database, prefix string) OrderedMap {
	return OrderedMap{db: db, prefix: []byte(prefix + "/")}
}

func (m OrderedMap) key(k []byte) []byte {
	return append(append([]byte(nil), m.prefix...), k...)
}

// Get performs a point lookup within an OrderedMap's namespace; ordered
// maps are usually scanned, but some callers (e.g. extremity-set
// membership checks) need an O(1) existence probe on a single full key.
func (m OrderedMap) Get(ctx context.Context, k []byte) ([]byte, error) {
	return m.db.Get(ctx, m.key(k))
}

func (m OrderedMap) PutBatched(b kv.Batch, k, v []byte) {
	b.Put(m.key(k), v)
}

func (m OrderedMap) DeleteBatched(b kv.Batch, k []byte) {
	b.Delete(m.key(k))
}

// ScanPrefix scans every key under m.prefix sharing the given sub-prefix,
// returning bare sub-keys (the map prefix stripped back off).
func (m OrderedMap) ScanPrefix(ctx context.Context, subPrefix []byte, reverse bool) (kv.Iterator, error) {
	it, err := m.db.ScanPrefix(ctx, m.key(subPrefix), reverse)
	if err != nil {
		return nil, err
	}
	return &strippedIterator{inner: it, strip: len(m.prefix)}, nil
}

func (m OrderedMap) Watch(subPrefix []byte) <-chan struct{} {
	return m.db.WatchPrefix(m.key(subPrefix))
}

type strippedIterator struct {
	inner kv.Iterator
	strip int
}

func (s *strippedIterator) Next() bool { return s.inner.Next() }
func (s *strippedIterator) Pair() kv.Pair {
	p := s.inner.Pair()
	return kv.Pair{Key: p.Key[s.strip:], Value: p.Value}
}
func (s *strippedIterator) Err() error   { return s.inner.Err() }
func (s *strippedIterator) Close() error { return s.inner.Close() }
