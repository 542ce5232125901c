package kakeibo

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srymh/template-electron/internal/sqlite"
	"github.com/srymh/template-electron/pkg/ipc"
)

func TestEntriesNewestFirst(t *testing.T) {
	ctx := context.Background()
	db, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "kakeibo.db"))
	require.NoError(t, err)
	defer db.Close()

	svc := New(db)
	require.NoError(t, svc.EnsureSchema(ctx))
	require.NoError(t, svc.EnsureSchema(ctx))

	_, err = db.ExecContext(ctx, `INSERT INTO expenses (spent_at, amount, user, category, payment_method) VALUES
		('2024-01-02', 1200, 'hanako', 'food', 'cash'),
		('2024-03-10', 450.5, 'taro', 'transport', 'card'),
		('2024-02-14', 3000, 'hanako', 'gift', 'card')`)
	require.NoError(t, err)

	entries, err := svc.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "2024-03-10", entries[0].SpentAt)
	assert.Equal(t, 450.5, entries[0].Amount)
	assert.Equal(t, "card", entries[0].PaymentMethod)
	assert.Equal(t, "2024-01-02", entries[2].SpentAt)

	ns := svc.Namespace()
	flat, err := ipc.Flatten(ns)
	require.NoError(t, err)
	require.Len(t, flat, 1)
	assert.Equal(t, "kakeibo.entries", flat[0].Channel)
}

func TestEntriesEmpty(t *testing.T) {
	ctx := context.Background()
	db, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "kakeibo.db"))
	require.NoError(t, err)
	defer db.Close()

	svc := New(db)
	require.NoError(t, svc.EnsureSchema(ctx))

	entries, err := svc.Entries(ctx)
	require.NoError(t, err)
	assert.NotNil(t, entries)
	assert.Empty(t, entries)
}

func TestEntriesWithoutView(t *testing.T) {
	ctx := context.Background()
	db, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "kakeibo.db"))
	require.NoError(t, err)
	defer db.Close()

	_, err = New(db).Entries(ctx)
	assert.ErrorContains(t, err, "expense_view")
}
