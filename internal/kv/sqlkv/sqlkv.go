// Package sqlkv implements the kv.Database capability set on top of
// database/sql, matrixon's relational backend (spec §4.1). Each logical
// map becomes a two-column table, PRIMARY KEY(key), BYTEA/BLOB value, as
// named in spec §4.1. Supports Postgres (lib/pq) and SQLite
// (modernc.org/sqlite) dialects, the two SQL drivers the teacher already
// depends on.
package sqlkv

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pkg/errors"

	"github.com/matrixon-io/matrixon/internal/kv"
)

// Dialect abstracts the handful of syntax differences between Postgres
// and SQLite that a two-column KV table needs.
type Dialect int

const (
	DialectPostgres Dialect = iota
	DialectSQLite
)

// DB is one named table addressed through database/sql. WatchPrefix is
// in-process only (spec §9 open question (c)): cross-process writers to
// the same table are invisible to a watcher registered in another
// process, which matches the relational backend's documented limitation.
type DB struct {
	sqlDB    *sql.DB
	table    string
	dialect  Dialect
	watchers *kv.Watchers
}

// Open wraps an already-connected *sql.DB and ensures the backing table
// for this map exists.
func Open(ctx context.Context, sqlDB *sql.DB, table string, dialect Dialect) (*DB, error) {
	var ddl string
	switch dialect {
	case DialectPostgres:
		ddl = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (key BYTEA PRIMARY KEY, value BYTEA NOT NULL)`, table)
	case DialectSQLite:
		ddl = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (key BLOB PRIMARY KEY, value BLOB NOT NULL)`, table)
	default:
		return nil, fmt.Errorf("sqlkv: unknown dialect %v", dialect)
	}
	if _, err := sqlDB.ExecContext(ctx, ddl); err != nil {
		return nil, errors.Wrap(err, "sqlkv: create table")
	}
	return &DB{sqlDB: sqlDB, table: table, dialect: dialect, watchers: kv.NewWatchers()}, nil
}

func (d *DB) placeholder(n int) string {
	if d.dialect == DialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (d *DB) Get(ctx context.Context, key []byte) ([]byte, error) {
	q := fmt.Sprintf(`SELECT value FROM %s WHERE key = %s`, d.table, d.placeholder(1))
	row := d.sqlDB.QueryRowContext(ctx, q, key)
	var v []byte
	if err := row.Scan(&v); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, kv.ErrNotFound
		}
		return nil, errors.Wrap(kv.ErrBackendUnavailable, err.Error())
	}
	return v, nil
}

func (d *DB) NewBatch() kv.Batch {
	return &batch{db: d}
}

func (d *DB) ScanPrefix(ctx context.Context, prefix []byte, reverse bool) (kv.Iterator, error) {
	order := "ASC"
	if reverse {
		order = "DESC"
	}
	// A half-open byte range [prefix, prefix+1) expressed via a "greater
	// or equal to prefix, less than prefix-with-last-byte-incremented"
	// bound; when prefix is all 0xff bytes this degenerates to an
	// unbounded upper scan, which is fine (no key can exceed it anyway).
	upper, unbounded := incrementPrefix(prefix)
	var rows *sql.Rows
	var err error
	if unbounded {
		q := fmt.Sprintf(`SELECT key, value FROM %s WHERE key >= %s ORDER BY key %s`, d.table, d.placeholder(1), order)
		rows, err = d.sqlDB.QueryContext(ctx, q, prefix)
	} else {
		q := fmt.Sprintf(`SELECT key, value FROM %s WHERE key >= %s AND key < %s ORDER BY key %s`, d.table, d.placeholder(1), d.placeholder(2), order)
		rows, err = d.sqlDB.QueryContext(ctx, q, prefix, upper)
	}
	if err != nil {
		return nil, errors.Wrap(kv.ErrBackendUnavailable, err.Error())
	}
	return &iter{rows: rows}, nil
}

func (d *DB) WatchPrefix(prefix []byte) <-chan struct{} {
	return d.watchers.Register(prefix)
}

func (d *DB) Close() error {
	if err := d.sqlDB.Close(); err != nil {
		return errors.Wrap(kv.ErrBackendUnavailable, err.Error())
	}
	return nil
}

func incrementPrefix(prefix []byte) (upper []byte, unbounded bool) {
	upper = append([]byte(nil), prefix...)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xff {
			upper[i]++
			return upper[:i+1], false
		}
	}
	return nil, true
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

func (b *batch) Commit(ctx context.Context) error {
	tx, err := b.db.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(kv.ErrBackendUnavailable, err.Error())
	}
	for _, w := range b.writes {
		if w.Value == nil {
			q := fmt.Sprintf(`DELETE FROM %s WHERE key = %s`, b.db.table, b.db.placeholder(1))
			if _, err := tx.ExecContext(ctx, q, w.Key); err != nil {
				_ = tx.Rollback()
				return errors.Wrap(kv.ErrBackendUnavailable, err.Error())
			}
			continue
		}
		q := upsertQuery(b.db.dialect, b.db.table)
		if _, err := tx.ExecContext(ctx, q, w.Key, w.Value); err != nil {
			_ = tx.Rollback()
			return errors.Wrap(kv.ErrBackendUnavailable, err.Error())
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(kv.ErrBackendUnavailable, err.Error())
	}
	for _, w := range b.writes {
		b.db.watchers.Fire(w.Key)
	}
	return nil
}

func upsertQuery(dialect Dialect, table string) string {
	switch dialect {
	case DialectPostgres:
		return fmt.Sprintf(`INSERT INTO %s (key, value) VALUES ($1, $2)
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, table)
	default:
		return fmt.Sprintf(`INSERT INTO %s (key, value) VALUES (?, ?)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value`, table)
	}
}

type iter struct {
	rows *sql.Rows
	pair kv.Pair
	err  error
}

func (i *iter) Next() bool {
	if !i.rows.Next() {
		return false
	}
	if err := i.rows.Scan(&i.pair.Key, &i.pair.Value); err != nil {
		i.err = err
		return false
	}
	return true
}

func (i *iter) Pair() kv.Pair { return i.pair }

func (i *iter) Err() error {
	if i.err != nil {
		return i.err
	}
	return i.rows.Err()
}

func (i *iter) Close() error {
	return i.rows.Close()
}
