// Package sqlite opens the application's SQLite databases and runs
// untyped queries against them.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Row is one result row keyed by column name.
type Row map[string]any

// Option configures Open.
type Option func(*options)

type options struct {
	readOnly  bool
	mustExist bool
}

// ReadOnly opens the database without write access.
func ReadOnly() Option {
	return func(o *options) { o.readOnly = true }
}

// MustExist fails when the database file is missing instead of creating it.
func MustExist() Option {
	return func(o *options) { o.mustExist = true }
}

// DB wraps *sql.DB with row helpers.
type DB struct {
	*sql.DB
	path string
}

// Open opens the database at path. Foreign keys are enforced and writers
// wait up to five seconds for a lock.
func Open(ctx context.Context, path string, opts ...Option) (*DB, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if o.mustExist || o.readOnly {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
	} else if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "busy_timeout(5000)")
	if o.readOnly {
		q.Set("mode", "ro")
	}
	dsn := "file:" + path + "?" + q.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &DB{DB: db, path: path}, nil
}

// Path returns the database file path.
func (db *DB) Path() string { return db.path }

// Query runs a SELECT and returns every row.
func (db *DB) Query(ctx context.Context, query string, args ...any) ([]Row, error) {
	return queryRows(ctx, db.DB, query, args...)
}

// Get runs a SELECT and returns its first row. ok is false when there is
// none.
func (db *DB) Get(ctx context.Context, query string, args ...any) (Row, bool, error) {
	rows, err := queryRows(ctx, db.DB, query, args...)
	if err != nil || len(rows) == 0 {
		return nil, false, err
	}
	return rows[0], true, nil
}

// Tx runs fn in a transaction. The transaction is rolled back when fn
// returns an error.
func (db *DB) Tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryRows(ctx context.Context, q querier, query string, args ...any) ([]Row, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(Row, len(cols))
		for i, col := range cols {
			row[col] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
