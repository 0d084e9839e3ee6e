// Package leveldbkv implements the kv.Database capability set on top of
// goleveldb, matrixon's embedded LSM ("ordered-log") backend — the
// highest-throughput single-process option named in spec §4.1.
package leveldbkv

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/matrixon-io/matrixon/internal/kv"
)

const lockFileName = "LOCK.matrixon"

// DB wraps a goleveldb instance with the coalesced watcher registry shared
// by every backend.
type DB struct {
	ldb      *leveldb.DB
	watchers *kv.Watchers
	lockPath string
}

// Open opens (creating if absent) an embedded LevelDB database rooted at
// dir, taking an advisory lockfile so at most one process holds it at a
// time (spec §4.1 "Choice is fixed at startup").
func Open(dir string, cacheCapacityMB int) (*DB, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.Wrap(err, "leveldbkv: mkdir")
	}
	lockPath := filepath.Join(dir, lockFileName)
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		if os.IsExist(err) {
			return nil, kv.ErrLocked
		}
		return nil, errors.Wrap(err, "leveldbkv: lockfile")
	}
	_ = lockFile.Close()

	opts := &opt.Options{
		BlockCacheCapacity: cacheCapacityMB * opt.MiB,
	}
	ldb, err := leveldb.OpenFile(dir, opts)
	if err != nil {
		_ = os.Remove(lockPath)
		return nil, errors.Wrap(err, "leveldbkv: open")
	}
	return &DB{ldb: ldb, watchers: kv.NewWatchers(), lockPath: lockPath}, nil
}

func (d *DB) Get(_ context.Context, key []byte) ([]byte, error) {
	v, err := d.ldb.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(kv.ErrBackendUnavailable, err.Error())
	}
	return v, nil
}

func (d *DB) NewBatch() kv.Batch {
	return &batch{db: d, b: new(leveldb.Batch)}
}

func (d *DB) ScanPrefix(_ context.Context, prefix []byte, reverse bool) (kv.Iterator, error) {
	it := d.ldb.NewIterator(util.BytesPrefix(prefix), nil)
	return &iter{it: it, reverse: reverse, started: false}, nil
}

func (d *DB) WatchPrefix(prefix []byte) <-chan struct{} {
	return d.watchers.Register(prefix)
}

func (d *DB) Close() error {
	err := d.ldb.Close()
	_ = os.Remove(d.lockPath)
	if err != nil {
		return errors.Wrap(kv.ErrBackendUnavailable, err.Error())
	}
	return nil
}

type batch struct {
	db   *DB
	b    *leveldb.Batch
	keys [][]byte
}

func (b *batch) Put(key, value []byte) {
	b.b.Put(key, value)
	b.keys = append(b.keys, key)
}

func (b *batch) Delete(key []byte) {
	b.b.Delete(key)
	b.keys = append(b.keys, key)
}

func (b *batch) Commit(_ context.Context) error {
	if err := b.db.ldb.Write(b.b, nil); err != nil {
		return errors.Wrap(kv.ErrBackendUnavailable, err.Error())
	}
	for _, k := range b.keys {
		b.db.watchers.Fire(k)
	}
	return nil
}

type iter struct {
	it      iterator.Iterator
	reverse bool
	started bool
	err     error
}

func (i *iter) Next() bool {
	if !i.started {
		i.started = true
		if i.reverse {
			return i.it.Last()
		}
		return i.it.First()
	}
	if i.reverse {
		return i.it.Prev()
	}
	return i.it.Next()
}

func (i *iter) Pair() kv.Pair {
	return kv.Pair{Key: append([]byte(nil), i.it.Key()...), Value: append([]byte(nil), i.it.Value()...)}
}

func (i *iter) Err() error {
	if i.err != nil {
		return i.err
	}
	return i.it.Error()
}

func (i *iter) Close() error {
	i.it.Release()
	return nil
}
