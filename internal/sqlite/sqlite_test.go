package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "nested", "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT NOT NULL, price REAL);
		INSERT INTO items (name, price) VALUES ('tea', 1.5), ('coffee', 2.25);
	`)
	require.NoError(t, err)
	return db
}

func TestQuery(t *testing.T) {
	db := openTemp(t)

	rows, err := db.Query(context.Background(), "SELECT id, name, price FROM items ORDER BY id")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "tea", rows[0]["name"])
	assert.Equal(t, 2.25, rows[1]["price"])
	assert.EqualValues(t, 1, rows[0]["id"])
}

func TestGet(t *testing.T) {
	db := openTemp(t)
	ctx := context.Background()

	row, ok, err := db.Get(ctx, "SELECT name FROM items WHERE name = ?", "coffee")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "coffee", row["name"])

	_, ok, err = db.Get(ctx, "SELECT name FROM items WHERE name = ?", "juice")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTxRollsBackOnError(t *testing.T) {
	db := openTemp(t)
	ctx := context.Background()

	err := db.Tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "INSERT INTO items (name) VALUES ('juice')"); err != nil {
			return err
		}
		return errors.New("abort")
	})
	require.EqualError(t, err, "abort")

	rows, err := db.Query(ctx, "SELECT * FROM items")
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	require.NoError(t, db.Tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "INSERT INTO items (name) VALUES ('juice')")
		return err
	}))
	rows, err = db.Query(ctx, "SELECT * FROM items")
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestOpenMustExist(t *testing.T) {
	_, err := Open(context.Background(), filepath.Join(t.TempDir(), "missing.db"), MustExist())
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ro.db")
	db, err := Open(context.Background(), path)
	require.NoError(t, err)
	_, err = db.Exec("CREATE TABLE t (x INTEGER)")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	ro, err := Open(context.Background(), path, ReadOnly())
	require.NoError(t, err)
	defer ro.Close()

	_, err = ro.Exec("INSERT INTO t (x) VALUES (1)")
	assert.Error(t, err)
	assert.Equal(t, path, ro.Path())
}
