// Package memkv implements kv.Database entirely in-process over a sorted
// map, for use as a test fixture by every higher layer's package tests —
// the same capability set as leveldbkv/boltkv/sqlkv (spec §4.1), with no
// persistence and no external library, since its only job is to stand in
// for a real backend in unit tests.
package memkv

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/matrixon-io/matrixon/internal/kv"
)

// DB is an in-memory kv.Database. Safe for concurrent use.
type DB struct {
	mu       sync.RWMutex
	data     map[string][]byte
	watchers *kv.Watchers
}

// New constructs an empty in-memory database.
func New() *DB {
	return &DB{data: make(map[string][]byte), watchers: kv.NewWatchers()}
}

func (d *DB) Get(_ context.Context, key []byte) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.data[string(key)]
	if !ok {
		return nil, kv.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (d *DB) NewBatch() kv.Batch {
	return &batch{db: d}
}

func (d *DB) ScanPrefix(_ context.Context, prefix []byte, reverse bool) (kv.Iterator, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var keys []string
	for k := range d.data {
		if bytes.HasPrefix([]byte(k), prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if reverse {
		for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
			keys[i], keys[j] = keys[j], keys[i]
		}
	}
	pairs := make([]kv.Pair, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, kv.Pair{Key: []byte(k), Value: append([]byte(nil), d.data[k]...)})
	}
	return &iter{pairs: pairs, idx: -1}, nil
}

func (d *DB) WatchPrefix(prefix []byte) <-chan struct{} {
	return d.watchers.Register(prefix)
}

func (d *DB) Close() error { return nil }

type batch struct {
	db     *DB
	writes []kv.Write
}

func (b *batch) Put(key, value []byte) {
	b.writes = append(b.writes, kv.Write{Key: key, Value: value})
}

func (b *batch) Delete(key []byte) {
	b.writes = append(b.writes, kv.Write{Key: key, Value: nil})
}

func (b *batch) Commit(_ context.Context) error {
	b.db.mu.Lock()
	for _, w := range b.writes {
		if w.Value == nil {
			delete(b.db.data, string(w.Key))
			continue
		}
		b.db.data[string(w.Key)] = append([]byte(nil), w.Value...)
	}
	b.db.mu.Unlock()
	for _, w := range b.writes {
		b.db.watchers.Fire(w.Key)
	}
	return nil
}

type iter struct {
	pairs []kv.Pair
	idx   int
}

func (i *iter) Next() bool {
	i.idx++
	return i.idx < len(i.pairs)
}

func (i *iter) Pair() kv.Pair { return i.pairs[i.idx] }
func (i *iter) Err() error    { return nil }
func (i *iter) Close() error  { return nil }
