// Package boltkv implements the kv.Database capability set on top of
// bbolt, matrixon's embedded page-based backend — simpler recovery at the
// cost of raw throughput compared to leveldbkv (spec §4.1).
package boltkv

import (
	"bytes"
	"context"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/matrixon-io/matrixon/internal/kv"
)

// bucketName is the single bbolt bucket every map lives under; matrixon's
// namespacing happens entirely in the key prefix (internal/schema), not in
// separate bbolt buckets, so the prefix-scan contract behaves identically
// across backends.
var bucketName = []byte("matrixon")

// DB wraps a bbolt file. bbolt takes its own flock-based exclusive lock on
// Open, so no separate lockfile dance is needed here (unlike leveldbkv).
type DB struct {
	bdb      *bolt.DB
	watchers *kv.Watchers
}

// Open opens (creating if absent) an embedded bbolt database file at path.
func Open(path string) (*DB, error) {
	bdb, err := bolt.Open(path, 0o640, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			return nil, kv.ErrLocked
		}
		return nil, errors.Wrap(err, "boltkv: open")
	}
	err = bdb.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(bucketName)
		return e
	})
	if err != nil {
		_ = bdb.Close()
		return nil, errors.Wrap(err, "boltkv: create bucket")
	}
	return &DB{bdb: bdb, watchers: kv.NewWatchers()}, nil
}

func (d *DB) Get(_ context.Context, key []byte) ([]byte, error) {
	var out []byte
	err := d.bdb.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get(key)
		if v == nil {
			return kv.ErrNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	if errors.Is(err, kv.ErrNotFound) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(kv.ErrBackendUnavailable, err.Error())
	}
	return out, nil
}

func (d *DB) NewBatch() kv.Batch {
	return &batch{db: d}
}

func (d *DB) ScanPrefix(_ context.Context, prefix []byte, reverse bool) (kv.Iterator, error) {
	var pairs []kv.Pair
	err := d.bdb.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			pairs = append(pairs, kv.Pair{Key: append([]byte(nil), k...), Value: append([]byte(nil), v...)})
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(kv.ErrBackendUnavailable, err.Error())
	}
	if reverse {
		for i, j := 0, len(pairs)-1; i < j; i, j = i+1, j-1 {
			pairs[i], pairs[j] = pairs[j], pairs[i]
		}
	}
	return &iter{pairs: pairs, idx: -1}, nil
}

func (d *DB) WatchPrefix(prefix []byte) <-chan struct{} {
	return d.watchers.Register(prefix)
}

func (d *DB) Close() error {
	if err := d.bdb.Close(); err != nil {
		return errors.Wrap(kv.ErrBackendUnavailable, err.Error())
	}
	return nil
}

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
	err := b.db.bdb.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketName)
		for _, w := range b.writes {
			if w.Value == nil {
				if err := bucket.Delete(w.Key); err != nil {
					return err
				}
				continue
			}
			if err := bucket.Put(w.Key, w.Value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(kv.ErrBackendUnavailable, err.Error())
	}
	for _, w := range b.writes {
		b.db.watchers.Fire(w.Key)
	}
	return nil
}

// iter is a materialized snapshot iterator: bbolt cursors aren't valid
// outside their transaction, so ScanPrefix copies the matched range while
// the read transaction is open and hands back a simple slice walker.
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
