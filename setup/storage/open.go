// Package storage turns a config.DatabaseOptions selection into a live
// internal/kv.Database, the one place matrixon's three backend packages
// (leveldbkv, boltkv, sqlkv) and their drivers are actually imported from.
package storage

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pkg/errors"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/matrixon-io/matrixon/internal/kv"
	"github.com/matrixon-io/matrixon/internal/kv/boltkv"
	"github.com/matrixon-io/matrixon/internal/kv/leveldbkv"
	"github.com/matrixon-io/matrixon/internal/kv/memkv"
	"github.com/matrixon-io/matrixon/internal/kv/sqlkv"
	"github.com/matrixon-io/matrixon/setup/config"
)

// Open dispatches on opts.Backend (spec §4.1's database_backend selector)
// and returns the matching kv.Database. table names the logical map for
// the "relational" backend, where each map owns its own two-column table
// (internal/schema namespaces keys within it the same way the embedded
// backends do within a single file). cacheCapacityMB only affects the
// "ordered-log" backend (Global.DBCacheCapacityMB).
func Open(ctx context.Context, opts config.DatabaseOptions, table string, cacheCapacityMB int) (kv.Database, error) {
	switch opts.Backend {
	case "memory":
		return memkv.New(), nil
	case "ordered-log":
		return leveldbkv.Open(string(opts.ConnectionString), cacheCapacityMB)
	case "page":
		return boltkv.Open(string(opts.ConnectionString))
	case "relational":
		return openRelational(ctx, opts, table)
	default:
		return nil, errors.Errorf("storage: unknown database backend %q", opts.Backend)
	}
}

func openRelational(ctx context.Context, opts config.DatabaseOptions, table string) (kv.Database, error) {
	dialect := sqlkv.DialectPostgres
	driver := "postgres"
	dsn := string(opts.ConnectionString)
	if opts.ConnectionString.IsSQLite() {
		dialect = sqlkv.DialectSQLite
		driver = "sqlite"
		dsn = strings.TrimPrefix(dsn, "file:")
	}

	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "storage: open sql connection")
	}
	sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	sqlDB.SetMaxIdleConns(opts.MaxIdleConns)

	db, err := sqlkv.Open(ctx, sqlDB, table, dialect)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return db, nil
}
