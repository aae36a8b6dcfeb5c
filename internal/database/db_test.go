// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"testing"

	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationNumbering(t *testing.T) {
	files := listMigrationFiles(t)

	seen := make(map[string]struct{})
	prev := -1

	for _, name := range files {
		parts := strings.SplitN(name, "_", 2)
		require.Lenf(t, parts, 2, "migration file %s must follow <number>_<description>.sql", name)

		number := parts[0]
		require.NotContainsf(t, seen, number, "Duplicate migration number found: %s", number)
		seen[number] = struct{}{}

		n, err := strconv.Atoi(number)
		require.NoErrorf(t, err, "migration prefix %s must be numeric", number)
		require.Greaterf(t, n, prev, "migration numbers must be strictly increasing (saw %d then %d)", prev, n)
		prev = n
	}
}

func TestMigrationIdempotency(t *testing.T) {
	log.Logger = log.Output(io.Discard)
	ctx := t.Context()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db1, err := New(dbPath)
	require.NoError(t, err, "Failed to initialize database first time")
	var count1 int
	require.NoError(t, db1.Conn().QueryRowContext(ctx, "SELECT COUNT(*) FROM migrations").Scan(&count1))
	require.NoError(t, db1.Close())

	db2, err := New(dbPath)
	require.NoError(t, err, "Failed to initialize database second time")
	t.Cleanup(func() {
		require.NoError(t, db2.Close())
	})

	var count2 int
	require.NoError(t, db2.Conn().QueryRowContext(ctx, "SELECT COUNT(*) FROM migrations").Scan(&count2))
	require.Equal(t, count1, count2, "Migration count should be the same after re-initialization")
	require.Equal(t, len(listMigrationFiles(t)), count2, "Applied migration count should match number of migration files")
}

func TestReadsAndWritesAreRouted(t *testing.T) {
	log.Logger = log.Output(io.Discard)
	ctx := t.Context()
	db := openTestDatabase(t)

	_, err := db.ExecContext(ctx, `INSERT INTO search_ledger (category, entry_id, kind, title) VALUES (?, ?, ?, ?)`, "tv", 1, "episode", "Pilot")
	require.NoError(t, err)

	var title string
	require.NoError(t, db.QueryRowContext(ctx, "SELECT title FROM search_ledger WHERE category = ? AND entry_id = ?", "tv", 1).Scan(&title))
	assert.Equal(t, "Pilot", title)

	// the reader pool is read-only
	_, err = db.readerPool.ExecContext(ctx, `INSERT INTO search_ledger (category, entry_id, kind) VALUES ('tv', 2, 'episode')`)
	require.Error(t, err)
}

func TestWriteTransactionRollback(t *testing.T) {
	log.Logger = log.Output(io.Discard)
	ctx := t.Context()
	db := openTestDatabase(t)

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = tx.ExecContext(ctx, `INSERT INTO search_ledger (category, entry_id, kind) VALUES ('tv', 5, 'episode')`)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	// writer mutex must be released after rollback
	tx, err = db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	var count int
	require.NoError(t, db.QueryRowContext(ctx, "SELECT COUNT(*) FROM search_ledger").Scan(&count))
	assert.Zero(t, count)
}

func TestIsWriteQuery(t *testing.T) {
	tests := []struct {
		query string
		want  bool
	}{
		{query: "SELECT 1", want: false},
		{query: "  insert into t values (1)", want: true},
		{query: "\n\tUPDATE t SET a = 1", want: true},
		{query: "DELETE FROM t", want: true},
		{query: "WITH x AS (SELECT 1) SELECT * FROM x", want: false},
		{query: "", want: false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, isWriteQuery(tt.query), tt.query)
	}
}

func TestIsReadOnlyDSN(t *testing.T) {
	assert.True(t, isReadOnlyDSN("file:/tmp/x.db?mode=ro"))
	assert.True(t, isReadOnlyDSN("file:/tmp/x.db?cache=shared&mode=ro"))
	assert.False(t, isReadOnlyDSN("/tmp/x.db"))
	assert.False(t, isReadOnlyDSN("file:/tmp/x.db?mode=rw"))
}

func listMigrationFiles(t *testing.T) []string {
	entries, err := migrationsFS.ReadDir("migrations")
	require.NoError(t, err, "Failed to read migrations directory")

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".sql" {
			continue
		}
		files = append(files, entry.Name())
	}

	sort.Strings(files)
	return files
}

func openTestDatabase(t *testing.T) *DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := New(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})
	return db
}
