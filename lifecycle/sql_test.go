package lifecycle

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/maxpert/batchapply/batch"
	"github.com/maxpert/batchapply/cfg"
	"github.com/maxpert/batchapply/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteLoader(t *testing.T) *SQLLoader {
	t.Helper()
	l, err := NewSQLLoader(LoaderConfig{
		LoaderConfiguration: cfg.LoaderConfiguration{
			Type:   "sql",
			Driver: "sqlite3",
			DSN:    filepath.Join(t.TempDir(), "target.db"),
		},
	})
	require.NoError(t, err)
	return l
}

func writeArtifact(t *testing.T, seqno int64, rows ...event.RowChange) batch.Artifact {
	t.Helper()
	w, err := batch.NewWriter(batch.Config{Dir: t.TempDir(), IncludeMetadata: true})
	require.NoError(t, err)
	defer w.Close()

	ev := &event.Event{Seqno: seqno, LastFrag: true, CommitTime: time.Now(), Schema: "shop", Table: "orders", Rows: rows}
	for i := range ev.Rows {
		_, err := w.Append(ev, &ev.Rows[i], "")
		require.NoError(t, err)
	}
	artifacts, err := w.FlushAll()
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	return artifacts[0]
}

func countRows(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM "shop_orders"`).Scan(&n))
	return n
}

func TestSQLLoader_CommitLoadsRows(t *testing.T) {
	ctx := context.Background()
	l := newSQLiteLoader(t)
	c := NewController("sql", l)

	a := writeArtifact(t, 5,
		event.RowChange{Op: event.OpInsert, Columns: []string{"id", "note"}, Values: []any{int64(1), "x"}},
		event.RowChange{Op: event.OpInsert, Columns: []string{"id", "note"}, Values: []any{int64(2), nil}},
	)

	require.NoError(t, c.Prepare(ctx))
	require.NoError(t, c.Begin(ctx, Txn{Seqno: 5}))
	require.NoError(t, c.Apply(ctx, a))
	require.NoError(t, c.Commit(ctx))

	db := l.DB()
	assert.Equal(t, 2, countRows(t, db))

	var note sql.NullString
	require.NoError(t, db.QueryRow(`SELECT "note" FROM "shop_orders" WHERE "id" = '2'`).Scan(&note))
	assert.False(t, note.Valid)

	var op string
	require.NoError(t, db.QueryRow(`SELECT "opcode" FROM "shop_orders" WHERE "id" = '1'`).Scan(&op))
	assert.Equal(t, "I", op)

	require.NoError(t, c.Release(ctx))
	assert.Nil(t, l.DB())
}

func TestSQLLoader_ReleaseRollsBack(t *testing.T) {
	ctx := context.Background()
	l := newSQLiteLoader(t)

	a := writeArtifact(t, 1, event.RowChange{Op: event.OpInsert, Columns: []string{"id", "note"}, Values: []any{int64(1), "x"}})

	require.NoError(t, l.Prepare(ctx))
	require.NoError(t, l.Begin(ctx, Txn{Seqno: 1}))
	require.NoError(t, l.Apply(ctx, Txn{Seqno: 1}, a))
	require.NoError(t, l.Commit(ctx, Txn{Seqno: 1}))

	require.NoError(t, l.Begin(ctx, Txn{Seqno: 2}))
	require.NoError(t, l.Apply(ctx, Txn{Seqno: 2}, a))
	assert.Error(t, l.Begin(ctx, Txn{Seqno: 3}))

	db, err := sql.Open("sqlite3", l.dsn)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, l.Release(ctx))
	assert.Equal(t, 1, countRows(t, db))
}

func TestSQLLoader_ApplyWithoutBegin(t *testing.T) {
	ctx := context.Background()
	l := newSQLiteLoader(t)
	require.NoError(t, l.Prepare(ctx))
	defer l.Release(ctx)

	assert.Error(t, l.Apply(ctx, Txn{Seqno: 1}, batch.Artifact{}))
	assert.Error(t, l.Commit(ctx, Txn{Seqno: 1}))
}

func TestNewSQLLoader_Validation(t *testing.T) {
	_, err := NewSQLLoader(LoaderConfig{LoaderConfiguration: cfg.LoaderConfiguration{Driver: "oracle", DSN: "x"}})
	assert.Error(t, err)

	_, err = NewSQLLoader(LoaderConfig{LoaderConfiguration: cfg.LoaderConfiguration{Driver: "mysql"}})
	assert.Error(t, err)

	l, err := NewLoader(LoaderConfig{LoaderConfiguration: cfg.LoaderConfiguration{Type: "sql", Driver: "mysql", DSN: "user@tcp(127.0.0.1:3306)/db"}})
	require.NoError(t, err)
	assert.IsType(t, &SQLLoader{}, l)
}

func TestSQLLoader_AddsNewColumns(t *testing.T) {
	ctx := context.Background()
	l := newSQLiteLoader(t)
	c := NewController("sql", l)

	first := writeArtifact(t, 1, event.RowChange{Op: event.OpInsert, Columns: []string{"id", "note"}, Values: []any{int64(1), "x"}})
	second := writeArtifact(t, 2, event.RowChange{Op: event.OpInsert, Columns: []string{"id", "note", "qty"}, Values: []any{int64(2), "y", int64(7)}})

	require.NoError(t, c.Prepare(ctx))
	defer c.Release(ctx)

	require.NoError(t, c.Begin(ctx, Txn{Seqno: 1}))
	require.NoError(t, c.Apply(ctx, first))
	require.NoError(t, c.Commit(ctx))

	require.NoError(t, c.Begin(ctx, Txn{Seqno: 2}))
	require.NoError(t, c.Apply(ctx, second))
	require.NoError(t, c.Commit(ctx))

	db := l.DB()
	assert.Equal(t, 2, countRows(t, db))

	var qty sql.NullString
	require.NoError(t, db.QueryRow(`SELECT "qty" FROM "shop_orders" WHERE "id" = '2'`).Scan(&qty))
	assert.Equal(t, "7", qty.String)
	require.NoError(t, db.QueryRow(`SELECT "qty" FROM "shop_orders" WHERE "id" = '1'`).Scan(&qty))
	assert.False(t, qty.Valid)
}

func TestSQLLoader_RolledBackColumnIsAddedAgain(t *testing.T) {
	ctx := context.Background()
	l := newSQLiteLoader(t)

	first := writeArtifact(t, 1, event.RowChange{Op: event.OpInsert, Columns: []string{"id"}, Values: []any{int64(1)}})
	second := writeArtifact(t, 2, event.RowChange{Op: event.OpInsert, Columns: []string{"id", "qty"}, Values: []any{int64(2), int64(3)}})

	require.NoError(t, l.Prepare(ctx))
	require.NoError(t, l.Begin(ctx, Txn{Seqno: 1}))
	require.NoError(t, l.Apply(ctx, Txn{Seqno: 1}, first))
	require.NoError(t, l.Commit(ctx, Txn{Seqno: 1}))

	// the ALTER TABLE is undone with the transaction
	require.NoError(t, l.Begin(ctx, Txn{Seqno: 2}))
	require.NoError(t, l.Apply(ctx, Txn{Seqno: 2}, second))
	require.NoError(t, l.Release(ctx))

	require.NoError(t, l.Prepare(ctx))
	defer l.Release(ctx)
	require.NoError(t, l.Begin(ctx, Txn{Seqno: 2}))
	require.NoError(t, l.Apply(ctx, Txn{Seqno: 2}, second))
	require.NoError(t, l.Commit(ctx, Txn{Seqno: 2}))
	assert.Equal(t, 2, countRows(t, l.DB()))
}
