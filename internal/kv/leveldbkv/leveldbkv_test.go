package leveldbkv_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/matrixon-io/matrixon/internal/kv"
	"github.com/matrixon-io/matrixon/internal/kv/leveldbkv"
)

func openTemp(t *testing.T) *leveldbkv.DB {
	t.Helper()
	dir := t.TempDir()
	db, err := leveldbkv.Open(dir, 8)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestGetMissingKeyReturnsErrNotFound(t *testing.T) {
	db := openTemp(t)
	_, err := db.Get(context.Background(), []byte("nope"))
	require.ErrorIs(t, err, kv.ErrNotFound)
}

func TestBatchPutIsVisibleAfterCommit(t *testing.T) {
	ctx := context.Background()
	db := openTemp(t)

	b := db.NewBatch()
	b.Put([]byte("a"), []byte("1"))
	b.Put([]byte("b"), []byte("2"))
	require.NoError(t, b.Commit(ctx))

	v, err := db.Get(ctx, []byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)
	v, err = db.Get(ctx, []byte("b"))
	require.NoError(t, err)
	require.Equal(t, []byte("2"), v)
}

func TestBatchDeleteRemovesKey(t *testing.T) {
	ctx := context.Background()
	db := openTemp(t)

	b := db.NewBatch()
	b.Put([]byte("a"), []byte("1"))
	require.NoError(t, b.Commit(ctx))

	b = db.NewBatch()
	b.Delete([]byte("a"))
	require.NoError(t, b.Commit(ctx))

	_, err := db.Get(ctx, []byte("a"))
	require.ErrorIs(t, err, kv.ErrNotFound)
}

func TestScanPrefixReturnsOnlyMatchingKeysInOrder(t *testing.T) {
	ctx := context.Background()
	db := openTemp(t)

	b := db.NewBatch()
	b.Put([]byte("room/1"), []byte("a"))
	b.Put([]byte("room/2"), []byte("b"))
	b.Put([]byte("other/1"), []byte("c"))
	require.NoError(t, b.Commit(ctx))

	it, err := db.ScanPrefix(ctx, []byte("room/"), false)
	require.NoError(t, err)
	defer it.Close()

	var keys []string
	for it.Next() {
		keys = append(keys, string(it.Pair().Key))
	}
	require.NoError(t, it.Err())
	require.Equal(t, []string{"room/1", "room/2"}, keys)
}

func TestScanPrefixReverseReturnsDescendingOrder(t *testing.T) {
	ctx := context.Background()
	db := openTemp(t)

	b := db.NewBatch()
	b.Put([]byte("room/1"), []byte("a"))
	b.Put([]byte("room/2"), []byte("b"))
	require.NoError(t, b.Commit(ctx))

	it, err := db.ScanPrefix(ctx, []byte("room/"), true)
	require.NoError(t, err)
	defer it.Close()

	var keys []string
	for it.Next() {
		keys = append(keys, string(it.Pair().Key))
	}
	require.Equal(t, []string{"room/2", "room/1"}, keys)
}

func TestWatchPrefixFiresOnMatchingCommit(t *testing.T) {
	ctx := context.Background()
	db := openTemp(t)

	ch := db.WatchPrefix([]byte("room/"))

	b := db.NewBatch()
	b.Put([]byte("room/1"), []byte("a"))
	require.NoError(t, b.Commit(ctx))

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("watcher did not fire")
	}
}

func TestOpenTwiceOnSameDirReturnsErrLocked(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	db, err := leveldbkv.Open(dir, 8)
	require.NoError(t, err)
	defer db.Close()

	_, err = leveldbkv.Open(dir, 8)
	require.ErrorIs(t, err, kv.ErrLocked)
}
